package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrCacheMiss is returned by Get when no live entry exists for a key.
	ErrCacheMiss = errors.New("cache miss")

	// ErrInvalidEntry is returned by Get when the stored value does not
	// decode. The value is removed.
	ErrInvalidEntry = errors.New("invalid cache entry")
)

// DefaultMaxEntryBytes bounds the encoded size of one cached page.
const DefaultMaxEntryBytes = 4 << 20

// Manager keeps fetched pages in Redis until their Expires time. Expiry is
// left to Redis TTLs, so Get never serves a stale page.
type Manager struct {
	redis    *redis.Client
	maxBytes int
}

// Option configures a Manager.
type Option func(*Manager)

// WithMaxEntryBytes skips caching entries whose encoding exceeds n bytes.
// n <= 0 keeps DefaultMaxEntryBytes.
func WithMaxEntryBytes(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxBytes = n
		}
	}
}

// NewManager creates a cache manager on redisClient.
func NewManager(redisClient *redis.Client, opts ...Option) *Manager {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	m := &Manager{redis: redisClient, maxBytes: DefaultMaxEntryBytes}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Get returns the live entry for key, or ErrCacheMiss.
func (m *Manager) Get(ctx context.Context, key Key) (*Entry, error) {
	data, err := m.redis.Get(ctx, key.String()).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		CacheMisses.Inc()
		return nil, ErrCacheMiss
	case err != nil:
		CacheErrors.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		CacheErrors.WithLabelValues("get").Inc()
		m.drop(ctx, key, "invalid")
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidEntry, key, err)
	}
	// Clock skew between hosts can leave a key alive past Expires.
	if entry.IsExpired() {
		m.drop(ctx, key, "expired")
		CacheMisses.Inc()
		return nil, ErrCacheMiss
	}

	CacheHits.Inc()
	return &entry, nil
}

// Set stores entry under key until entry.Expires. Entries that are already
// expired or larger than the size bound are skipped without error.
func (m *Manager) Set(ctx context.Context, key Key, entry *Entry) error {
	if entry == nil {
		return fmt.Errorf("cache entry cannot be nil")
	}
	ttl := entry.TTL()
	if ttl <= 0 {
		CacheSkipped.WithLabelValues("expired").Inc()
		return nil
	}

	data, err := json.Marshal(entry)
	if err != nil {
		CacheErrors.WithLabelValues("set").Inc()
		return fmt.Errorf("marshal cache entry: %w", err)
	}
	if len(data) > m.maxBytes {
		CacheSkipped.WithLabelValues("too_large").Inc()
		return nil
	}

	if err := m.redis.Set(ctx, key.String(), data, ttl).Err(); err != nil {
		CacheErrors.WithLabelValues("set").Inc()
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	CacheBytesWritten.Add(float64(len(data)))
	return nil
}

// Delete removes the entry for key. A missing entry is not an error.
func (m *Manager) Delete(ctx context.Context, key Key) error {
	n, err := m.redis.Del(ctx, key.String()).Result()
	if err != nil {
		CacheErrors.WithLabelValues("delete").Inc()
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	if n > 0 {
		CacheEvictions.WithLabelValues("deleted").Inc()
	}
	return nil
}

// drop removes an entry Get refused to serve. Failures are counted only;
// the next Set overwrites the value anyway.
func (m *Manager) drop(ctx context.Context, key Key, reason string) {
	if err := m.redis.Del(ctx, key.String()).Err(); err != nil {
		CacheErrors.WithLabelValues("delete").Inc()
		return
	}
	CacheEvictions.WithLabelValues(reason).Inc()
}
