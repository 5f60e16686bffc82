package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// setupTestRedis starts an in-memory Redis for unit tests.
func setupTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return client, mr
}

func TestNewManager(t *testing.T) {
	client, _ := setupTestRedis(t)

	manager := NewManager(client)
	if manager == nil {
		t.Fatal("NewManager returned nil")
	}
	if manager.redis != client {
		t.Error("Manager redis client not set correctly")
	}
}

func TestNewManager_Panic(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("NewManager should panic with nil redis client")
		}
	}()
	NewManager(nil)
}

func TestManager_SetAndGet(t *testing.T) {
	client, mr := setupTestRedis(t)
	manager := NewManager(client)
	ctx := context.Background()

	key := Key{Endpoint: "/appreviews/570"}

	entry := &Entry{
		Data:        []byte(`{"success": 1}`),
		Expires:     time.Now().Add(5 * time.Minute),
		StatusCode:  200,
		ContentType: "application/json",
		CachedAt:    time.Now(),
	}

	if err := manager.Set(ctx, key, entry); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	retrieved, err := manager.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	if string(retrieved.Data) != string(entry.Data) {
		t.Errorf("Data mismatch: got %s, want %s", retrieved.Data, entry.Data)
	}
	if retrieved.StatusCode != entry.StatusCode {
		t.Errorf("StatusCode mismatch: got %d, want %d", retrieved.StatusCode, entry.StatusCode)
	}
	if retrieved.ContentType != entry.ContentType {
		t.Errorf("ContentType mismatch: got %s, want %s", retrieved.ContentType, entry.ContentType)
	}

	// Redis carries the TTL so stale entries disappear on their own.
	if ttl := mr.TTL(key.String()); ttl <= 0 || ttl > 5*time.Minute {
		t.Errorf("redis TTL = %v, want (0, 5m]", ttl)
	}
}

func TestManager_Get_CacheMiss(t *testing.T) {
	client, _ := setupTestRedis(t)
	manager := NewManager(client)

	_, err := manager.Get(context.Background(), Key{Endpoint: "/nonexistent"})
	if !errors.Is(err, ErrCacheMiss) {
		t.Errorf("Expected ErrCacheMiss, got %v", err)
	}
}

func TestManager_Get_ExpiredEntry(t *testing.T) {
	client, _ := setupTestRedis(t)
	manager := NewManager(client)
	ctx := context.Background()

	key := Key{Endpoint: "/appreviews/10"}

	entry := &Entry{
		Data:    []byte(`{}`),
		Expires: time.Now().Add(-1 * time.Hour),
	}

	// Set should not cache expired entries
	if err := manager.Set(ctx, key, entry); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	_, err := manager.Get(ctx, key)
	if !errors.Is(err, ErrCacheMiss) {
		t.Errorf("Expected ErrCacheMiss for expired entry, got %v", err)
	}
}

func TestManager_Get_RedisExpiry(t *testing.T) {
	client, mr := setupTestRedis(t)
	manager := NewManager(client)
	ctx := context.Background()

	key := Key{Endpoint: "/appreviews/20"}
	entry := &Entry{Data: []byte(`{}`), Expires: time.Now().Add(time.Minute)}
	if err := manager.Set(ctx, key, entry); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	mr.FastForward(2 * time.Minute)

	if _, err := manager.Get(ctx, key); !errors.Is(err, ErrCacheMiss) {
		t.Errorf("Expected ErrCacheMiss after TTL, got %v", err)
	}
}

func TestManager_Get_InvalidEntry(t *testing.T) {
	client, mr := setupTestRedis(t)
	manager := NewManager(client)

	key := Key{Endpoint: "/broken"}
	if err := mr.Set(key.String(), "not json"); err != nil {
		t.Fatal(err)
	}

	if _, err := manager.Get(context.Background(), key); !errors.Is(err, ErrInvalidEntry) {
		t.Errorf("Expected ErrInvalidEntry, got %v", err)
	}
	if mr.Exists(key.String()) {
		t.Error("invalid entry should be removed")
	}
	if _, err := manager.Get(context.Background(), key); !errors.Is(err, ErrCacheMiss) {
		t.Errorf("Expected ErrCacheMiss after removal, got %v", err)
	}
}

func TestManager_Set_MaxEntryBytes(t *testing.T) {
	client, mr := setupTestRedis(t)
	manager := NewManager(client, WithMaxEntryBytes(64))
	ctx := context.Background()
	expires := time.Now().Add(time.Minute)

	small := Key{Endpoint: "/small"}
	if err := manager.Set(ctx, small, &Entry{Data: []byte(`{}`), Expires: expires}); err != nil {
		t.Fatalf("Set small failed: %v", err)
	}
	large := Key{Endpoint: "/large"}
	if err := manager.Set(ctx, large, &Entry{Data: make([]byte, 256), Expires: expires}); err != nil {
		t.Fatalf("Set large failed: %v", err)
	}

	if !mr.Exists(small.String()) {
		t.Error("small entry should be cached")
	}
	if mr.Exists(large.String()) {
		t.Error("entry over the size bound should not be cached")
	}
}

func TestWithMaxEntryBytes_IgnoresNonPositive(t *testing.T) {
	client, _ := setupTestRedis(t)
	if got := NewManager(client, WithMaxEntryBytes(0)).maxBytes; got != DefaultMaxEntryBytes {
		t.Errorf("maxBytes = %d, want %d", got, DefaultMaxEntryBytes)
	}
}

func TestManager_Delete(t *testing.T) {
	client, _ := setupTestRedis(t)
	manager := NewManager(client)
	ctx := context.Background()

	key := Key{Endpoint: "/appreviews/30"}
	entry := &Entry{
		Data:    []byte(`{}`),
		Expires: time.Now().Add(5 * time.Minute),
	}

	if err := manager.Set(ctx, key, entry); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if _, err := manager.Get(ctx, key); err != nil {
		t.Fatalf("Get after Set failed: %v", err)
	}

	if err := manager.Delete(ctx, key); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := manager.Delete(ctx, key); err != nil {
		t.Fatalf("Delete of a missing entry failed: %v", err)
	}

	if _, err := manager.Get(ctx, key); !errors.Is(err, ErrCacheMiss) {
		t.Errorf("Expected ErrCacheMiss after Delete, got %v", err)
	}
}

func TestManager_Set_NilEntry(t *testing.T) {
	client, _ := setupTestRedis(t)
	manager := NewManager(client)

	if err := manager.Set(context.Background(), Key{Endpoint: "/x"}, nil); err == nil {
		t.Error("Set with nil entry should return error")
	}
}

func TestManager_RedisDown(t *testing.T) {
	client, mr := setupTestRedis(t)
	manager := NewManager(client)
	mr.Close()

	_, err := manager.Get(context.Background(), Key{Endpoint: "/x"})
	if err == nil || errors.Is(err, ErrCacheMiss) {
		t.Errorf("Get with Redis down = %v, want a non-miss error", err)
	}
}
