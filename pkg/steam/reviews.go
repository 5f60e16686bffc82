package steam

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"

	"github.com/Sternrassler/steam-harvester/pkg/harvest"
	"github.com/rs/zerolog"
)

// ReviewColumns are the fields of a review record.
var ReviewColumns = []string{"recommendation_id", "app_id", "steam_id"}

type reviewsResponse struct {
	Success flag              `json:"success"`
	Cursor  *string           `json:"cursor"`
	Reviews []json.RawMessage `json:"reviews"`
}

// ReviewsSource pages through the store reviews of an app.
type ReviewsSource struct {
	getter Getter
	config Config
	logger zerolog.Logger
}

// NewReviewsSource creates a reviews source.
func NewReviewsSource(getter Getter, config Config, logger zerolog.Logger) *ReviewsSource {
	return &ReviewsSource{
		getter: getter,
		config: config.withDefaults(),
		logger: logger,
	}
}

// FetchPage implements harvest.Source.
func (s *ReviewsSource) FetchPage(ctx context.Context, key harvest.Key, cursor harvest.Cursor) (*harvest.Page, error) {
	query := url.Values{}
	query.Set("json", "1")
	query.Set("filter", s.config.ReviewFilter)
	query.Set("language", s.config.ReviewLanguage)
	query.Set("num_per_page", strconv.Itoa(s.config.ReviewsPerPage))
	query.Set("cursor", string(cursor))

	endpoint := s.config.StoreURL + "/appreviews/" + url.PathEscape(key.String())

	var resp reviewsResponse
	if err := s.getter.GetJSON(ctx, endpoint, query, &resp); err != nil {
		return nil, fetchError("reviews", err)
	}
	if !bool(resp.Success) || resp.Reviews == nil {
		return nil, harvest.Permanent("no success")
	}

	page := &harvest.Page{Items: resp.Reviews}
	if resp.Cursor != nil {
		page.Next = harvest.Cursor(*resp.Cursor)
	}

	s.logger.Debug().
		Str("key", key.String()).
		Str("cursor", string(cursor)).
		Int("reviews", len(resp.Reviews)).
		Msg("Reviews page received")

	return page, nil
}

type review struct {
	RecommendationID idString `json:"recommendationid"`
	Author           struct {
		SteamID idString `json:"steamid"`
	} `json:"author"`
	VotedUp bool `json:"voted_up"`
}

// ReviewsTransformer keeps the positive reviews of an app.
type ReviewsTransformer struct{}

// Columns implements harvest.Transformer.
func (ReviewsTransformer) Columns() []string {
	return ReviewColumns
}

// Transform implements harvest.Transformer. A review repeated across pages
// is emitted once.
func (ReviewsTransformer) Transform(key harvest.Key, items []json.RawMessage) ([]harvest.Record, error) {
	seen := make(map[idString]bool, len(items))
	records := make([]harvest.Record, 0, len(items))

	for i, item := range items {
		var r review
		if err := json.Unmarshal(item, &r); err != nil {
			return nil, fmt.Errorf("review %d: %w", i, err)
		}
		if !r.VotedUp {
			continue
		}
		if r.RecommendationID != "" {
			if seen[r.RecommendationID] {
				continue
			}
			seen[r.RecommendationID] = true
		}
		records = append(records, harvest.NewRecord(key,
			string(r.RecommendationID),
			key.String(),
			string(r.Author.SteamID),
		))
	}
	return records, nil
}
