// Package ratelimit tracks the cool-down the remote API imposes after it
// answers with a rate-limit status, and gates requests until it has passed.
// The state can be shared across processes through Redis.
package ratelimit

import (
	"time"
)

// Redis keys for cool-down state storage.
const (
	RedisKeyCooldownUntil = "harvest:rate_limit:cooldown_until"
	RedisKeyLastUpdate    = "harvest:rate_limit:last_update"
	RedisKeyHits          = "harvest:rate_limit:hits"
)

// State represents the current rate-limit cool-down.
type State struct {
	// CooldownUntil is when requests may resume. Zero means no cool-down.
	CooldownUntil time.Time `json:"cooldown_until"`

	// LastUpdate is when a rate-limit response was last recorded.
	LastUpdate time.Time `json:"last_update"`

	// Hits counts rate-limit responses seen so far.
	Hits int64 `json:"hits"`
}

// Active returns true while the cool-down has not passed.
func (s *State) Active() bool {
	return time.Now().Before(s.CooldownUntil)
}

// Remaining returns the time left in the cool-down.
// Returns 0 if no cool-down is active.
func (s *State) Remaining() time.Duration {
	d := time.Until(s.CooldownUntil)
	if d < 0 {
		return 0
	}
	return d
}

// IsStale returns true if no rate-limit response was seen within maxAge.
func (s *State) IsStale(maxAge time.Duration) bool {
	return time.Since(s.LastUpdate) > maxAge
}
