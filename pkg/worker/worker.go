// Package worker runs the fetch/retry cycle for one key until it reaches a
// terminal outcome.
package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Sternrassler/steam-harvester/pkg/harvest"
	"github.com/Sternrassler/steam-harvester/pkg/retry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var fetchAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "harvest_fetch_attempts_total",
	Help: "Total number of fetch attempts by result class",
}, []string{"class"})

// Fetcher fetches the complete payload of one key, all pages included.
// *pagination.Paginator implements it.
type Fetcher interface {
	FetchAll(ctx context.Context, key harvest.Key) ([]json.RawMessage, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, key harvest.Key) ([]json.RawMessage, error)

// FetchAll implements Fetcher.
func (f FetcherFunc) FetchAll(ctx context.Context, key harvest.Key) ([]json.RawMessage, error) {
	return f(ctx, key)
}

// Worker applies the retry policy around a Fetcher.
type Worker struct {
	fetcher Fetcher
	policy  *retry.Policy
	logger  zerolog.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

// New creates a worker.
func New(fetcher Fetcher, policy *retry.Policy, logger zerolog.Logger) *Worker {
	if policy == nil {
		policy = retry.NewPolicy(retry.DefaultConfig())
	}
	return &Worker{
		fetcher: fetcher,
		policy:  policy,
		logger:  logger,
		sleep:   retry.Sleep,
	}
}

// Process fetches key until it succeeds or the policy gives up, and returns
// the single terminal outcome. If ctx is cancelled before the first call or
// during a backoff wait the outcome is interrupted and the key stays pending.
func (w *Worker) Process(ctx context.Context, key harvest.Key) harvest.Outcome {
	var tally retry.Tally

	for {
		if err := ctx.Err(); err != nil {
			return harvest.Outcome{Key: key, Class: harvest.ClassInterrupted, Calls: tally.Calls, Err: err}
		}

		items, err := w.fetcher.FetchAll(ctx, key)
		tally.Calls++
		class := harvest.ClassOf(err)
		fetchAttemptsTotal.WithLabelValues(string(class)).Inc()

		switch class {
		case harvest.ClassSuccess:
			return harvest.Outcome{Key: key, Class: class, Items: items, Calls: tally.Calls}
		case harvest.ClassInterrupted, harvest.ClassPermanent:
			return harvest.Outcome{Key: key, Class: class, Calls: tally.Calls, Err: err}
		case harvest.ClassMalformed:
			tally.Malformed++
		}

		decision := w.policy.Decide(class, tally)
		if !decision.Retry {
			w.logger.Error().
				Err(err).
				Str("key", key.String()).
				Str("class", string(class)).
				Int("calls", tally.Calls).
				Msg("Giving up on key")
			return harvest.Outcome{Key: key, Class: class, Calls: tally.Calls, Err: err}
		}

		w.logger.Warn().
			Err(err).
			Str("key", key.String()).
			Str("class", string(class)).
			Int("calls", tally.Calls).
			Dur("delay", decision.Delay).
			Msg("Fetch failed, retrying after cool-down")

		if err := w.sleep(ctx, decision.Delay); err != nil {
			return harvest.Outcome{Key: key, Class: harvest.ClassInterrupted, Calls: tally.Calls, Err: err}
		}
	}
}
