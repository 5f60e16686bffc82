package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// StateStore persists the cool-down state.
type StateStore interface {
	// Load returns the current state. A missing state is the zero State.
	Load(ctx context.Context) (*State, error)

	// Extend moves the cool-down end to until if that is later than the
	// stored value, and counts one rate-limit hit.
	Extend(ctx context.Context, until time.Time) error
}

// MemoryStore keeps the state in process memory.
type MemoryStore struct {
	mu    sync.Mutex
	state State
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Load implements StateStore.
func (m *MemoryStore) Load(ctx context.Context) (*State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.state
	return &s, nil
}

// Extend implements StateStore.
func (m *MemoryStore) Extend(ctx context.Context, until time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if until.After(m.state.CooldownUntil) {
		m.state.CooldownUntil = until
	}
	m.state.LastUpdate = time.Now()
	m.state.Hits++
	return nil
}

// extendScript only ever moves the cool-down forward, so concurrent
// harvesters cannot shorten each other's wait.
var extendScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
local proposed = tonumber(ARGV[1])
if proposed > current then
	redis.call('SET', KEYS[1], ARGV[1])
end
redis.call('SET', KEYS[2], ARGV[2])
return redis.call('INCR', KEYS[3])
`)

// RedisStore shares the state through Redis.
type RedisStore struct {
	redis *redis.Client
}

// NewRedisStore creates a Redis-backed store.
func NewRedisStore(redisClient *redis.Client) *RedisStore {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	return &RedisStore{redis: redisClient}
}

// Load implements StateStore.
func (r *RedisStore) Load(ctx context.Context) (*State, error) {
	pipe := r.redis.Pipeline()
	untilCmd := pipe.Get(ctx, RedisKeyCooldownUntil)
	lastCmd := pipe.Get(ctx, RedisKeyLastUpdate)
	hitsCmd := pipe.Get(ctx, RedisKeyHits)
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("load rate limit state from redis: %w", err)
	}

	state := &State{}
	until, err := untilCmd.Int64()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("parse cooldown until: %w", err)
	}
	if until > 0 {
		state.CooldownUntil = time.UnixMilli(until)
	}

	last, err := lastCmd.Int64()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("parse last update: %w", err)
	}
	if last > 0 {
		state.LastUpdate = time.UnixMilli(last)
	}

	hits, err := hitsCmd.Int64()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("parse hits: %w", err)
	}
	state.Hits = hits

	return state, nil
}

// Extend implements StateStore.
func (r *RedisStore) Extend(ctx context.Context, until time.Time) error {
	keys := []string{RedisKeyCooldownUntil, RedisKeyLastUpdate, RedisKeyHits}
	args := []interface{}{
		strconv.FormatInt(until.UnixMilli(), 10),
		strconv.FormatInt(time.Now().UnixMilli(), 10),
	}
	if err := extendScript.Run(ctx, r.redis, keys, args...).Err(); err != nil {
		return fmt.Errorf("store cooldown in redis: %w", err)
	}
	return nil
}
