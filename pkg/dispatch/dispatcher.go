// Package dispatch runs candidate keys through a bounded pool of fetch
// workers and routes every outcome to the sink and the checkpoint store.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Sternrassler/steam-harvester/pkg/checkpoint"
	"github.com/Sternrassler/steam-harvester/pkg/harvest"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for run progress.
var (
	runKeysTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "harvest_run_keys_total",
		Help: "Number of pending keys admitted to the current run",
	})

	runKeysDone = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "harvest_run_keys_done",
		Help: "Number of keys of the current run that reached a terminal state",
	})

	runOutcomes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "harvest_run_outcomes",
		Help: "Terminal outcomes of the current run by checkpoint set",
	}, []string{"set"})

	runInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "harvest_run_in_flight",
		Help: "Number of keys currently being processed",
	})
)

// Processor turns one key into its terminal outcome. *worker.Worker
// implements it.
type Processor interface {
	Process(ctx context.Context, key harvest.Key) harvest.Outcome
}

// Config holds dispatcher configuration.
type Config struct {
	// Workers is the number of keys processed concurrently.
	Workers int

	// ProgressInterval is how often progress is logged. <= 0 disables it.
	ProgressInterval time.Duration
}

// DefaultConfig returns the default dispatcher configuration.
func DefaultConfig() Config {
	return Config{
		Workers:          10,
		ProgressInterval: 30 * time.Second,
	}
}

// Summary counts what one run did.
type Summary struct {
	// Candidates is the number of keys passed to Run.
	Candidates int

	// Pending is the number of distinct keys not yet in any checkpoint set.
	Pending int

	Committed int
	Excluded  int
	Exhausted int

	// Malformed counts exhausted keys that gave up on a malformed payload
	// or failed to transform.
	Malformed int

	// Recovered counts committed keys found in the sink without a
	// checkpoint entry.
	Recovered int

	// Interrupted counts keys left pending because the run was stopped.
	Interrupted int

	Duration time.Duration
}

// Done returns the number of keys that reached a terminal state.
func (s Summary) Done() int {
	return s.Committed + s.Excluded + s.Exhausted
}

// Dispatcher owns the work queue of one run.
type Dispatcher struct {
	store       *checkpoint.Store
	processor   Processor
	transformer harvest.Transformer
	sink        harvest.Sink
	config      Config
	logger      zerolog.Logger

	mu      sync.Mutex
	summary Summary
}

// New creates a dispatcher.
func New(store *checkpoint.Store, processor Processor, transformer harvest.Transformer, sink harvest.Sink, config Config, logger zerolog.Logger) *Dispatcher {
	if config.Workers <= 0 {
		config.Workers = DefaultConfig().Workers
	}
	return &Dispatcher{
		store:       store,
		processor:   processor,
		transformer: transformer,
		sink:        sink,
		config:      config,
		logger:      logger,
	}
}

// Run processes every candidate key not yet in a checkpoint set and returns
// once all admitted keys are finished. A sink or checkpoint write failure
// stops admission and is returned after in-flight keys finish. Cancelling
// ctx stops admission too; keys not finished stay pending and ctx.Err() is
// returned.
func (d *Dispatcher) Run(ctx context.Context, keys []harvest.Key) (Summary, error) {
	start := time.Now()
	pending := d.store.Pending(keys)

	d.mu.Lock()
	d.summary = Summary{Candidates: len(keys), Pending: len(pending)}
	d.mu.Unlock()

	runKeysTotal.Set(float64(len(pending)))
	runKeysDone.Set(0)
	for _, set := range checkpoint.Sets {
		runOutcomes.WithLabelValues(string(set)).Set(0)
	}

	d.logger.Info().
		Int("candidates", len(keys)).
		Int("pending", len(pending)).
		Int("workers", d.config.Workers).
		Msg("Run started")

	admit, stopAdmission := context.WithCancel(ctx)
	defer stopAdmission()

	var (
		fatalOnce sync.Once
		fatalErr  error
	)
	fail := func(err error) {
		fatalOnce.Do(func() {
			fatalErr = err
			stopAdmission()
			d.logger.Error().Err(err).Msg("Fatal storage error, no further keys are admitted")
		})
	}

	queue := make(chan harvest.Key)
	go func() {
		defer close(queue)
		for _, key := range pending {
			select {
			case queue <- key:
			case <-admit.Done():
				return
			}
		}
	}()

	progressDone := make(chan struct{})
	if d.config.ProgressInterval > 0 {
		go d.reportProgress(d.config.ProgressInterval, progressDone)
	}

	var wg sync.WaitGroup
	for i := 0; i < d.config.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for key := range queue {
				if admit.Err() != nil {
					continue
				}
				if err := d.handle(ctx, key); err != nil {
					fail(err)
				}
			}
		}()
	}
	wg.Wait()
	close(progressDone)

	summary := d.snapshot()
	summary.Duration = time.Since(start)
	summary.Interrupted = summary.Pending - summary.Done()

	d.logger.Info().
		Int("committed", summary.Committed).
		Int("excluded", summary.Excluded).
		Int("exhausted", summary.Exhausted).
		Int("malformed", summary.Malformed).
		Int("recovered", summary.Recovered).
		Int("unfinished", summary.Interrupted).
		Dur("duration", summary.Duration).
		Msg("Run finished")

	if fatalErr != nil {
		return summary, fatalErr
	}
	if err := ctx.Err(); err != nil {
		return summary, err
	}
	return summary, nil
}

// handle drives one key to a terminal checkpoint set. It returns an error
// only for failures that make the run unsafe to continue.
func (d *Dispatcher) handle(ctx context.Context, key harvest.Key) error {
	if !d.store.Claim(key) {
		return nil
	}
	recorded := false
	defer func() {
		if !recorded {
			d.store.Release(key)
		}
	}()

	runInFlight.Inc()
	defer runInFlight.Dec()

	log := d.logger.With().Str("key", key.String()).Logger()

	// Records appended by a run that crashed before checkpointing.
	if d.sink.Has(key) {
		if err := d.record(key, checkpoint.Committed); err != nil {
			return err
		}
		recorded = true
		d.count(func(s *Summary) { s.Recovered++ })
		log.Info().Str("set", string(checkpoint.Committed)).Msg("Key already in sink, recorded without refetching")
		return nil
	}

	out := d.processor.Process(ctx, key)

	var set checkpoint.Set
	malformed := false
	switch out.Class {
	case harvest.ClassSuccess:
		records, err := d.transformer.Transform(key, out.Items)
		if err != nil {
			set, malformed = checkpoint.Exhausted, true
			out.Class, out.Err = harvest.ClassMalformed, fmt.Errorf("transform: %w", err)
			break
		}
		if err := d.sink.Append(context.WithoutCancel(ctx), key, records); err != nil {
			return fmt.Errorf("append records of %s: %w", key, err)
		}
		set = checkpoint.Committed
		log = log.With().Int("records", len(records)).Logger()
	case harvest.ClassPermanent:
		set = checkpoint.Excluded
	case harvest.ClassMalformed:
		set, malformed = checkpoint.Exhausted, true
	case harvest.ClassTransient:
		set = checkpoint.Exhausted
	default:
		log.Debug().Int("calls", out.Calls).Msg("Key interrupted, left pending")
		return nil
	}

	if malformed {
		if err := d.store.ReportMalformed(key, reasonOf(out)); err != nil {
			return err
		}
	}
	if err := d.record(key, set); err != nil {
		return err
	}
	recorded = true
	if malformed {
		d.count(func(s *Summary) { s.Malformed++ })
	}

	event := log.Info()
	if set == checkpoint.Exhausted {
		event = log.Error()
	}
	event.
		Str("class", string(out.Class)).
		Str("set", string(set)).
		Int("calls", out.Calls).
		Str("reason", reasonOf(out)).
		Msg("Key finished")
	return nil
}

// record writes the terminal set and updates the counters.
func (d *Dispatcher) record(key harvest.Key, set checkpoint.Set) error {
	if err := d.store.RecordTerminal(key, set); err != nil {
		return fmt.Errorf("record %s as %s: %w", key, set, err)
	}
	d.count(func(s *Summary) {
		switch set {
		case checkpoint.Committed:
			s.Committed++
		case checkpoint.Excluded:
			s.Excluded++
		case checkpoint.Exhausted:
			s.Exhausted++
		}
	})
	runKeysDone.Inc()
	runOutcomes.WithLabelValues(string(set)).Inc()
	return nil
}

func (d *Dispatcher) count(update func(*Summary)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	update(&d.summary)
}

func (d *Dispatcher) snapshot() Summary {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.summary
}

func (d *Dispatcher) reportProgress(interval time.Duration, done <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			s := d.snapshot()
			pct := 100.0
			if s.Pending > 0 {
				pct = float64(s.Done()) / float64(s.Pending) * 100
			}
			d.logger.Info().
				Int("done", s.Done()).
				Int("total", s.Pending).
				Float64("progress_pct", pct).
				Int("committed", s.Committed).
				Int("excluded", s.Excluded).
				Int("exhausted", s.Exhausted).
				Msg("Progress")
		}
	}
}

func reasonOf(out harvest.Outcome) string {
	if out.Err == nil {
		return string(out.Class)
	}
	return out.Reason()
}
