package worker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/Sternrassler/steam-harvester/pkg/harvest"
	"github.com/Sternrassler/steam-harvester/pkg/retry"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scripted returns one result per call, repeating the last one.
type scripted struct {
	results []error
	calls   int
}

func (s *scripted) FetchAll(ctx context.Context, key harvest.Key) ([]json.RawMessage, error) {
	i := s.calls
	if i >= len(s.results) {
		i = len(s.results) - 1
	}
	s.calls++
	if err := s.results[i]; err != nil {
		return nil, err
	}
	return []json.RawMessage{json.RawMessage(`"` + key + `"`)}, nil
}

func repeat(err error, n int) []error {
	out := make([]error, n)
	for i := range out {
		out[i] = err
	}
	return out
}

// newTestWorker returns a worker whose sleeps are recorded instead of taken.
func newTestWorker(f Fetcher, config retry.Config) (*Worker, *[]time.Duration) {
	w := New(f, retry.NewPolicy(config), zerolog.Nop())
	var slept []time.Duration
	w.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return ctx.Err()
	}
	return w, &slept
}

func TestProcess_Success(t *testing.T) {
	f := &scripted{results: []error{nil}}
	w, slept := newTestWorker(f, retry.DefaultConfig())

	out := w.Process(context.Background(), "1")

	assert.Equal(t, harvest.ClassSuccess, out.Class)
	assert.Equal(t, harvest.Key("1"), out.Key)
	assert.Equal(t, 1, out.Calls)
	assert.Len(t, out.Items, 1)
	assert.NoError(t, out.Err)
	assert.Empty(t, *slept)
}

func TestProcess_PermanentNoRetry(t *testing.T) {
	f := &scripted{results: []error{harvest.Permanent("not a game")}}
	w, slept := newTestWorker(f, retry.DefaultConfig())

	out := w.Process(context.Background(), "2")

	assert.Equal(t, harvest.ClassPermanent, out.Class)
	assert.Equal(t, 1, f.calls)
	assert.Equal(t, "not a game", out.Reason())
	assert.Empty(t, *slept)
}

func TestProcess_RetryBound(t *testing.T) {
	f := &scripted{results: repeat(harvest.Transient("status 429", nil), 11)}
	w, slept := newTestWorker(f, retry.DefaultConfig())

	out := w.Process(context.Background(), "3")

	assert.Equal(t, harvest.ClassTransient, out.Class)
	assert.Equal(t, 10, f.calls, "at most MaxAttempts calls")
	assert.Equal(t, 10, out.Calls)
	require.Len(t, *slept, 9)
	for _, d := range *slept {
		assert.Equal(t, 60*time.Second, d)
	}
}

func TestProcess_ConnectionErrorIsTransient(t *testing.T) {
	f := &scripted{results: []error{errors.New("connection reset by peer"), nil}}
	w, slept := newTestWorker(f, retry.DefaultConfig())

	out := w.Process(context.Background(), "4")

	assert.Equal(t, harvest.ClassSuccess, out.Class)
	assert.Equal(t, 2, out.Calls)
	assert.Len(t, *slept, 1)
}

func TestProcess_MalformedRetriedOnce(t *testing.T) {
	f := &scripted{results: repeat(harvest.Malformed("decode reviews", errors.New("unexpected EOF")), 5)}
	w, slept := newTestWorker(f, retry.DefaultConfig())

	out := w.Process(context.Background(), "5")

	assert.Equal(t, harvest.ClassMalformed, out.Class)
	assert.Equal(t, 2, f.calls)
	assert.Len(t, *slept, 1)
	assert.Equal(t, "decode reviews", out.Reason())
}

func TestProcess_MalformedThenSuccess(t *testing.T) {
	f := &scripted{results: []error{harvest.Malformed("decode", nil), nil}}
	w, _ := newTestWorker(f, retry.DefaultConfig())

	out := w.Process(context.Background(), "6")

	assert.Equal(t, harvest.ClassSuccess, out.Class)
	assert.Equal(t, 2, out.Calls)
}

func TestProcess_MixedFailuresShareAttemptCap(t *testing.T) {
	results := append(repeat(harvest.Transient("status 500", nil), 2), harvest.Malformed("decode", nil))
	results = append(results, harvest.Transient("status 500", nil))
	f := &scripted{results: results}

	config := retry.DefaultConfig()
	config.MaxAttempts = 4
	w, _ := newTestWorker(f, config)

	out := w.Process(context.Background(), "7")

	assert.Equal(t, harvest.ClassTransient, out.Class)
	assert.Equal(t, 4, f.calls)
}

func TestProcess_InterruptedDuringBackoff(t *testing.T) {
	f := &scripted{results: []error{harvest.Transient("status 503", nil)}}
	w := New(f, retry.NewPolicy(retry.DefaultConfig()), zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	start := time.Now()
	out := w.Process(ctx, "8")

	assert.Equal(t, harvest.ClassInterrupted, out.Class)
	assert.ErrorIs(t, out.Err, context.Canceled)
	assert.Equal(t, 1, f.calls)
	assert.Less(t, time.Since(start), 5*time.Second, "backoff wait must end on cancel")
}

func TestProcess_CancelledBeforeFirstCall(t *testing.T) {
	f := &scripted{results: []error{nil}}
	w, _ := newTestWorker(f, retry.DefaultConfig())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := w.Process(ctx, "9")

	assert.Equal(t, harvest.ClassInterrupted, out.Class)
	assert.Zero(t, f.calls)
}

func TestProcess_InterruptedFetch(t *testing.T) {
	f := FetcherFunc(func(ctx context.Context, key harvest.Key) ([]json.RawMessage, error) {
		return nil, context.Canceled
	})
	w, slept := newTestWorker(f, retry.DefaultConfig())

	out := w.Process(context.Background(), "10")

	assert.Equal(t, harvest.ClassInterrupted, out.Class)
	assert.Empty(t, *slept)
}
