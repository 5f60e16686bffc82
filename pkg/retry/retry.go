// Package retry implements the backoff/retry policy applied to failed fetches.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/Sternrassler/steam-harvester/pkg/harvest"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for retry operations.
var (
	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_retries_total",
		Help: "Total number of retry attempts by failure class",
	}, []string{"class"})

	retryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "harvest_retry_backoff_seconds",
		Help:    "Backoff duration for retries by failure class",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
	}, []string{"class"})

	retryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_retry_exhausted_total",
		Help: "Total number of keys that gave up after retrying, by failure class",
	}, []string{"class"})
)

// Config holds the configuration for retry logic.
type Config struct {
	// MaxAttempts is the maximum number of fetch calls per key (including the first).
	MaxAttempts int

	// MalformedAttempts is the maximum number of calls that may end in a
	// malformed response before giving up.
	MalformedAttempts int

	// Cooldown is the wait before the first retry.
	Cooldown time.Duration

	// MaxCooldown caps the wait when Multiplier > 1.
	MaxCooldown time.Duration

	// Multiplier grows the cooldown per retry. 1.0 keeps it fixed.
	Multiplier float64

	// Jitter randomizes each wait by ±Jitter (fraction, 0 disables).
	Jitter float64
}

// DefaultConfig returns the default retry configuration: ten calls with a
// fixed one-minute cooldown, malformed payloads retried once.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:       10,
		MalformedAttempts: 2,
		Cooldown:          60 * time.Second,
		MaxCooldown:       5 * time.Minute,
		Multiplier:        1.0,
		Jitter:            0,
	}
}

// Tally counts the fetch calls made for one key so far.
type Tally struct {
	// Calls is the total number of calls made, including the failed one
	// being decided on.
	Calls int

	// Malformed is how many of those calls returned a malformed payload.
	Malformed int
}

// Decision tells the worker what to do after a fetch call.
type Decision struct {
	// Retry is true when another attempt should be made after Delay.
	Retry bool
	Delay time.Duration
}

// GiveUp is the decision to stop retrying.
var GiveUp = Decision{}

// Policy decides whether and how long to wait after a failure.
type Policy struct {
	config Config
	rand   func() float64
}

// NewPolicy creates a retry policy. Zero fields fall back to DefaultConfig.
func NewPolicy(config Config) *Policy {
	def := DefaultConfig()
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = def.MaxAttempts
	}
	if config.MalformedAttempts <= 0 {
		config.MalformedAttempts = def.MalformedAttempts
	}
	if config.Cooldown < 0 {
		config.Cooldown = 0
	}
	if config.Multiplier < 1 {
		config.Multiplier = 1
	}
	if config.MaxCooldown <= 0 || config.MaxCooldown < config.Cooldown {
		config.MaxCooldown = config.Cooldown
	}
	if config.Jitter < 0 || config.Jitter >= 1 {
		config.Jitter = 0
	}
	return &Policy{config: config, rand: rand.Float64}
}

// Config returns the effective configuration.
func (p *Policy) Config() Config {
	return p.config
}

// Decide returns Retry(delay) or GiveUp for a classified call result.
func (p *Policy) Decide(class harvest.Class, tally Tally) Decision {
	switch class {
	case harvest.ClassTransient:
		if tally.Calls >= p.config.MaxAttempts {
			retryExhaustedTotal.WithLabelValues(string(class)).Inc()
			return GiveUp
		}
	case harvest.ClassMalformed:
		if tally.Malformed >= p.config.MalformedAttempts || tally.Calls >= p.config.MaxAttempts {
			retryExhaustedTotal.WithLabelValues(string(class)).Inc()
			return GiveUp
		}
	default:
		// success, permanent and interrupted never retry
		return GiveUp
	}

	delay := p.Backoff(tally.Calls)
	retriesTotal.WithLabelValues(string(class)).Inc()
	retryBackoffSeconds.WithLabelValues(string(class)).Observe(delay.Seconds())
	return Decision{Retry: true, Delay: delay}
}

// Backoff returns the wait after the given number of failed calls.
func (p *Policy) Backoff(calls int) time.Duration {
	if calls < 1 {
		calls = 1
	}
	backoff := float64(p.config.Cooldown) * math.Pow(p.config.Multiplier, float64(calls-1))
	if backoff > float64(p.config.MaxCooldown) {
		backoff = float64(p.config.MaxCooldown)
	}

	if p.config.Jitter > 0 {
		backoff *= 1 - p.config.Jitter + p.rand()*2*p.config.Jitter
	}
	return time.Duration(backoff)
}

// Sleep waits for d or until ctx is done, whichever comes first.
// It returns ctx.Err() if the wait was cut short.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
