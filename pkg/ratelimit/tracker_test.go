package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func testLogger() zerolog.Logger {
	return zerolog.New(os.Stderr).Level(zerolog.Disabled)
}

// newMiniRedis starts an in-process Redis for unit tests.
func newMiniRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client
}

func TestParseRetryAfter(t *testing.T) {
	tests := []struct {
		name  string
		value string
		min   time.Duration
		max   time.Duration
	}{
		{name: "empty", value: "", min: 0, max: 0},
		{name: "seconds", value: "120", min: 120 * time.Second, max: 120 * time.Second},
		{name: "padded seconds", value: " 5 ", min: 5 * time.Second, max: 5 * time.Second},
		{name: "negative", value: "-3", min: 0, max: 0},
		{name: "garbage", value: "soon", min: 0, max: 0},
		{
			name:  "http date",
			value: time.Now().Add(90 * time.Second).UTC().Format(http.TimeFormat),
			min:   85 * time.Second,
			max:   91 * time.Second,
		},
		{
			name:  "http date in the past",
			value: time.Now().Add(-time.Hour).UTC().Format(http.TimeFormat),
			min:   0,
			max:   0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseRetryAfter(tt.value)
			if got < tt.min || got > tt.max {
				t.Errorf("parseRetryAfter(%q) = %v, want in [%v, %v]", tt.value, got, tt.min, tt.max)
			}
		})
	}
}

func TestNewTracker_Defaults(t *testing.T) {
	tracker := NewTracker(nil, 0, testLogger())
	if tracker.cooldown != DefaultCooldown {
		t.Errorf("cooldown = %v, want %v", tracker.cooldown, DefaultCooldown)
	}
	if tracker.store == nil {
		t.Fatal("store is nil, want memory store")
	}
}

func TestNewRedisStore_NilClient(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("NewRedisStore(nil) did not panic")
		}
	}()
	NewRedisStore(nil)
}

func TestTracker_UpdateFromResponse(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		retryAfter  string
		wantLimited bool
		wantMin     time.Duration
	}{
		{name: "ok response", status: http.StatusOK, wantLimited: false},
		{name: "server error", status: http.StatusServiceUnavailable, wantLimited: false},
		{name: "429 with retry-after", status: http.StatusTooManyRequests, retryAfter: "30", wantLimited: true, wantMin: 29 * time.Second},
		{name: "429 without retry-after", status: http.StatusTooManyRequests, wantLimited: true, wantMin: 59 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tracker := NewTracker(NewMemoryStore(), time.Minute, testLogger())
			ctx := context.Background()

			resp := &http.Response{StatusCode: tt.status, Header: http.Header{}}
			if tt.retryAfter != "" {
				resp.Header.Set("Retry-After", tt.retryAfter)
			}

			limited, err := tracker.UpdateFromResponse(ctx, resp)
			if err != nil {
				t.Fatalf("UpdateFromResponse() error = %v", err)
			}
			if limited != tt.wantLimited {
				t.Errorf("limited = %v, want %v", limited, tt.wantLimited)
			}

			state, err := tracker.GetState(ctx)
			if err != nil {
				t.Fatalf("GetState() error = %v", err)
			}
			if state.Active() != tt.wantLimited {
				t.Errorf("Active() = %v, want %v", state.Active(), tt.wantLimited)
			}
			if tt.wantLimited && state.Remaining() < tt.wantMin {
				t.Errorf("Remaining() = %v, want >= %v", state.Remaining(), tt.wantMin)
			}
		})
	}
}

func TestTracker_TripCapsCooldown(t *testing.T) {
	tracker := NewTracker(NewMemoryStore(), time.Minute, testLogger())
	ctx := context.Background()

	if err := tracker.Trip(ctx, 24*time.Hour); err != nil {
		t.Fatalf("Trip() error = %v", err)
	}

	state, _ := tracker.GetState(ctx)
	if state.Remaining() > MaxCooldown {
		t.Errorf("Remaining() = %v, want <= %v", state.Remaining(), MaxCooldown)
	}
}

func TestTracker_TripNeverShortens(t *testing.T) {
	tracker := NewTracker(NewMemoryStore(), time.Minute, testLogger())
	ctx := context.Background()

	if err := tracker.Trip(ctx, 10*time.Minute); err != nil {
		t.Fatalf("Trip() error = %v", err)
	}
	if err := tracker.Trip(ctx, time.Second); err != nil {
		t.Fatalf("Trip() error = %v", err)
	}

	state, _ := tracker.GetState(ctx)
	if state.Remaining() < 9*time.Minute {
		t.Errorf("Remaining() = %v, a shorter trip must not shorten the cooldown", state.Remaining())
	}
	if state.Hits != 2 {
		t.Errorf("Hits = %d, want 2", state.Hits)
	}
}

func TestTracker_WaitReturnsImmediatelyWithoutCooldown(t *testing.T) {
	tracker := NewTracker(NewMemoryStore(), time.Minute, testLogger())

	start := time.Now()
	if err := tracker.Wait(context.Background()); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if d := time.Since(start); d > 100*time.Millisecond {
		t.Errorf("Wait() took %v, want immediate return", d)
	}
}

func TestTracker_WaitBlocksForCooldown(t *testing.T) {
	tracker := NewTracker(NewMemoryStore(), time.Minute, testLogger())
	ctx := context.Background()

	if err := tracker.Trip(ctx, 200*time.Millisecond); err != nil {
		t.Fatalf("Trip() error = %v", err)
	}

	start := time.Now()
	if err := tracker.Wait(ctx); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if d := time.Since(start); d < 150*time.Millisecond {
		t.Errorf("Wait() returned after %v, want >= 150ms", d)
	}
}

func TestTracker_WaitCancelled(t *testing.T) {
	tracker := NewTracker(NewMemoryStore(), time.Minute, testLogger())
	if err := tracker.Trip(context.Background(), 10*time.Minute); err != nil {
		t.Fatalf("Trip() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := tracker.Wait(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait() error = %v, want context.DeadlineExceeded", err)
	}
}

func TestRedisStore_EmptyState(t *testing.T) {
	store := NewRedisStore(newMiniRedis(t))

	state, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if state.Active() || state.Hits != 0 || !state.LastUpdate.IsZero() {
		t.Errorf("Load() = %+v, want zero state", state)
	}
}

func TestRedisStore_ExtendIsMonotonic(t *testing.T) {
	store := NewRedisStore(newMiniRedis(t))
	ctx := context.Background()

	late := time.Now().Add(5 * time.Minute)
	early := time.Now().Add(time.Minute)

	if err := store.Extend(ctx, late); err != nil {
		t.Fatalf("Extend() error = %v", err)
	}
	if err := store.Extend(ctx, early); err != nil {
		t.Fatalf("Extend() error = %v", err)
	}

	state, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got := state.CooldownUntil.UnixMilli(); got != late.UnixMilli() {
		t.Errorf("CooldownUntil = %d, want %d", got, late.UnixMilli())
	}
	if state.Hits != 2 {
		t.Errorf("Hits = %d, want 2", state.Hits)
	}
	if state.IsStale(time.Minute) {
		t.Error("state is stale right after Extend")
	}
}

func TestRedisStore_SharedAcrossTrackers(t *testing.T) {
	client := newMiniRedis(t)
	first := NewTracker(NewRedisStore(client), time.Minute, testLogger())
	second := NewTracker(NewRedisStore(client), time.Minute, testLogger())
	ctx := context.Background()

	if err := first.Trip(ctx, time.Minute); err != nil {
		t.Fatalf("Trip() error = %v", err)
	}

	state, err := second.GetState(ctx)
	if err != nil {
		t.Fatalf("GetState() error = %v", err)
	}
	if !state.Active() {
		t.Error("cooldown armed by one tracker is not visible to another")
	}
}
