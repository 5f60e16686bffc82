package pagination

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"time"

	"github.com/Sternrassler/steam-harvester/pkg/harvest"
	"github.com/Sternrassler/steam-harvester/pkg/retry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var pagesFetchedTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "harvest_pages_fetched_total",
	Help: "Total number of pages fetched",
})

// StartCursor is the cursor that requests the first page.
const StartCursor harvest.Cursor = "*"

// Config holds paginator configuration
type Config struct {
	// StartCursor requests the first page
	StartCursor harvest.Cursor

	// MinPageDelay is the minimum time between the end of one page call and
	// the start of the next for the same key
	MinPageDelay time.Duration

	// MaxPages caps the pages of one key (0 = unlimited). Exceeding it is a
	// transient failure.
	MaxPages int
}

// DefaultConfig returns the default paginator configuration.
func DefaultConfig() Config {
	return Config{
		StartCursor:  StartCursor,
		MinPageDelay: 1500 * time.Millisecond,
		MaxPages:     0,
	}
}

// Paginator fetches all pages of a key from a Source.
type Paginator struct {
	source harvest.Source
	config Config
	logger zerolog.Logger
}

// New creates a new paginator
func New(source harvest.Source, config Config, logger zerolog.Logger) *Paginator {
	if config.StartCursor == "" {
		config.StartCursor = StartCursor
	}
	if config.MinPageDelay < 0 {
		config.MinPageDelay = 0
	}
	if config.MaxPages < 0 {
		config.MaxPages = 0
	}
	return &Paginator{
		source: source,
		config: config,
		logger: logger,
	}
}

// Pages returns the pages of key in order. The sequence stops after the
// first error, which is yielded with a nil page.
func (p *Paginator) Pages(ctx context.Context, key harvest.Key) iter.Seq2[*harvest.Page, error] {
	return func(yield func(*harvest.Page, error) bool) {
		cursor := p.config.StartCursor
		var lastCall time.Time

		for n := 1; ; n++ {
			if p.config.MaxPages > 0 && n > p.config.MaxPages {
				yield(nil, harvest.Transient("too many pages",
					fmt.Errorf("stopped after %d pages", p.config.MaxPages)))
				return
			}

			if !lastCall.IsZero() {
				if err := retry.Sleep(ctx, p.config.MinPageDelay-time.Since(lastCall)); err != nil {
					yield(nil, err)
					return
				}
			}
			page, err := p.source.FetchPage(ctx, key, cursor)
			lastCall = time.Now()
			if err != nil {
				yield(nil, err)
				return
			}
			pagesFetchedTotal.Inc()

			p.logger.Debug().
				Str("key", key.String()).
				Int("page", n).
				Int("items", len(page.Items)).
				Msg("Page fetched")

			if !yield(page, nil) {
				return
			}
			if page.Next == "" || page.Next == cursor {
				return
			}
			cursor = page.Next
		}
	}
}

// FetchAll returns the items of all pages of key in page order. On failure
// the items gathered so far are discarded.
func (p *Paginator) FetchAll(ctx context.Context, key harvest.Key) ([]json.RawMessage, error) {
	var items []json.RawMessage
	pages := 0
	for page, err := range p.Pages(ctx, key) {
		if err != nil {
			return nil, err
		}
		items = append(items, page.Items...)
		pages++
	}

	p.logger.Debug().
		Str("key", key.String()).
		Int("pages", pages).
		Int("items", len(items)).
		Msg("All pages fetched")

	return items, nil
}
