package steam

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/Sternrassler/steam-harvester/pkg/harvest"
	"github.com/rs/zerolog"
)

// GameColumns are the fields of a game record.
var GameColumns = []string{
	"id", "name", "price", "developer", "publisher",
	"long_description", "short_description", "header_image",
	"recommendations", "categories", "genres", "tags",
}

// freePrice is the price recorded for free-to-play apps.
const freePrice = "0.00€"

type appDetails struct {
	Success flag            `json:"success"`
	Data    json.RawMessage `json:"data"`
}

// GameItem is the single payload item DetailsSource emits per app.
type GameItem struct {
	Details json.RawMessage `json:"details"`
	Tags    json.RawMessage `json:"tags"`
}

// DetailsSource fetches the store details of an app and its SteamSpy tags.
// Every app is one page.
type DetailsSource struct {
	getter Getter
	config Config
	logger zerolog.Logger
}

// NewDetailsSource creates a details source.
func NewDetailsSource(getter Getter, config Config, logger zerolog.Logger) *DetailsSource {
	return &DetailsSource{
		getter: getter,
		config: config.withDefaults(),
		logger: logger,
	}
}

// FetchPage implements harvest.Source. The cursor is ignored.
func (s *DetailsSource) FetchPage(ctx context.Context, key harvest.Key, cursor harvest.Cursor) (*harvest.Page, error) {
	query := url.Values{}
	query.Set("appids", key.String())
	query.Set("cc", s.config.CountryCode)
	query.Set("l", s.config.DetailsLanguage)

	var resp map[string]appDetails
	if err := s.getter.GetJSON(ctx, s.config.StoreURL+"/api/appdetails", query, &resp); err != nil {
		return nil, fetchError("app details", err)
	}
	// The store answers null when it is throttling without a 429.
	if resp == nil {
		return nil, harvest.Transient("empty app details response", nil)
	}

	entry, ok := resp[key.String()]
	if !ok || !bool(entry.Success) {
		return nil, harvest.Permanent("no success")
	}

	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(entry.Data, &head); err != nil {
		return nil, harvest.Malformed("decode app details data", err)
	}
	if head.Type != "game" {
		return nil, harvest.Permanent("not a game")
	}

	tags, err := s.fetchTags(ctx, key)
	if err != nil {
		return nil, err
	}

	item, err := json.Marshal(GameItem{Details: entry.Data, Tags: tags})
	if err != nil {
		return nil, harvest.Malformed("encode game item", err)
	}
	return &harvest.Page{Items: []json.RawMessage{item}}, nil
}

// fetchTags returns the SteamSpy tag object of an app. A failed lookup
// yields no tags; only cancellation is returned.
func (s *DetailsSource) fetchTags(ctx context.Context, key harvest.Key) (json.RawMessage, error) {
	empty := json.RawMessage(`{}`)
	if s.config.SkipTags {
		return empty, nil
	}

	query := url.Values{}
	query.Set("request", "appdetails")
	query.Set("appid", key.String())

	var resp struct {
		Tags json.RawMessage `json:"tags"`
	}
	if err := s.getter.GetJSON(ctx, s.config.SteamSpyURL, query, &resp); err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		s.logger.Warn().
			Err(err).
			Str("key", key.String()).
			Msg("SteamSpy tags unavailable, continuing without tags")
		return empty, nil
	}
	if len(resp.Tags) == 0 {
		return empty, nil
	}
	return resp.Tags, nil
}

type gameDetails struct {
	Name          string `json:"name"`
	IsFree        bool   `json:"is_free"`
	PriceOverview struct {
		FinalFormatted string `json:"final_formatted"`
	} `json:"price_overview"`
	Developers          []string `json:"developers"`
	Publishers          []string `json:"publishers"`
	DetailedDescription string   `json:"detailed_description"`
	ShortDescription    string   `json:"short_description"`
	HeaderImage         string   `json:"header_image"`
	Recommendations     struct {
		Total int `json:"total"`
	} `json:"recommendations"`
	Categories []described `json:"categories"`
	Genres     []described `json:"genres"`
}

type described struct {
	Description string `json:"description"`
}

// GamesTransformer turns a GameItem into one game record.
type GamesTransformer struct{}

// Columns implements harvest.Transformer.
func (GamesTransformer) Columns() []string {
	return GameColumns
}

// Transform implements harvest.Transformer.
func (GamesTransformer) Transform(key harvest.Key, items []json.RawMessage) ([]harvest.Record, error) {
	records := make([]harvest.Record, 0, len(items))
	for i, raw := range items {
		var item GameItem
		if err := json.Unmarshal(raw, &item); err != nil {
			return nil, fmt.Errorf("game item %d: %w", i, err)
		}
		var game gameDetails
		if err := json.Unmarshal(item.Details, &game); err != nil {
			return nil, fmt.Errorf("game details: %w", err)
		}
		tags, err := objectKeys(item.Tags)
		if err != nil {
			return nil, fmt.Errorf("game tags: %w", err)
		}

		price := freePrice
		if !game.IsFree {
			price = game.PriceOverview.FinalFormatted
			if price == "" {
				price = freePrice
			}
			price = CleanPrice(price)
		}

		records = append(records, harvest.NewRecord(key,
			key.String(),
			game.Name,
			price,
			joinTrimmed(game.Developers),
			joinTrimmed(game.Publishers),
			CleanText(game.DetailedDescription),
			CleanText(game.ShortDescription),
			game.HeaderImage,
			strconv.Itoa(game.Recommendations.Total),
			joinDescriptions(game.Categories),
			joinDescriptions(game.Genres),
			strings.Join(tags, ", "),
		))
	}
	return records, nil
}

func joinTrimmed(values []string) string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = strings.TrimSpace(v)
	}
	return strings.Join(out, ", ")
}

func joinDescriptions(values []described) string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = CleanText(v.Description)
	}
	return strings.Join(out, ", ")
}
