package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for rate limit tracking.
var (
	cooldownSeconds = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "harvest_cooldown_seconds",
		Help: "Length of the most recently armed rate-limit cool-down",
	})

	rateLimitHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harvest_rate_limit_hits_total",
		Help: "Total number of rate-limit responses received",
	})

	cooldownWaitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harvest_cooldown_waits_total",
		Help: "Total number of requests held back by an active cool-down",
	})
)

// DefaultCooldown is used when a rate-limit response carries no Retry-After.
const DefaultCooldown = 60 * time.Second

// MaxCooldown caps a Retry-After value sent by the server.
const MaxCooldown = 15 * time.Minute

// Tracker gates requests on the shared cool-down state.
type Tracker struct {
	store    StateStore
	cooldown time.Duration
	logger   zerolog.Logger
}

// NewTracker creates a new rate limit tracker. A cooldown <= 0 uses
// DefaultCooldown.
func NewTracker(store StateStore, cooldown time.Duration, logger zerolog.Logger) *Tracker {
	if store == nil {
		store = NewMemoryStore()
	}
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &Tracker{
		store:    store,
		cooldown: cooldown,
		logger:   logger,
	}
}

// GetState retrieves the current cool-down state.
func (t *Tracker) GetState(ctx context.Context) (*State, error) {
	state, err := t.store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("get rate limit state: %w", err)
	}
	return state, nil
}

// Trip arms a cool-down of d starting now.
func (t *Tracker) Trip(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		d = t.cooldown
	}
	if d > MaxCooldown {
		d = MaxCooldown
	}
	until := time.Now().Add(d)
	if err := t.store.Extend(ctx, until); err != nil {
		return err
	}

	rateLimitHitsTotal.Inc()
	cooldownSeconds.Set(d.Seconds())

	t.logger.Warn().
		Dur("cooldown", d).
		Time("until", until).
		Msg("Rate limited by remote API - cooling down")
	return nil
}

// UpdateFromResponse arms a cool-down if resp is a rate-limit response.
// It reports whether the response was one.
func (t *Tracker) UpdateFromResponse(ctx context.Context, resp *http.Response) (bool, error) {
	if resp == nil || resp.StatusCode != http.StatusTooManyRequests {
		return false, nil
	}
	return true, t.Trip(ctx, parseRetryAfter(resp.Header.Get("Retry-After")))
}

// Wait blocks until no cool-down is active or ctx is done.
func (t *Tracker) Wait(ctx context.Context) error {
	for {
		state, err := t.GetState(ctx)
		if err != nil {
			return err
		}
		if !state.Active() {
			return nil
		}

		remaining := state.Remaining()
		cooldownWaitsTotal.Inc()
		t.logger.Debug().
			Dur("remaining", remaining).
			Msg("Cool-down active - holding request")

		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// parseRetryAfter accepts delta-seconds or an HTTP date. Returns 0 when
// absent or unparseable.
func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
