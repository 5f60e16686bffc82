// Package checkpoint persists which keys reached a terminal state so a run can
// resume after a restart or crash.
//
// Each terminal set is a plain newline-delimited log of keys. Logs are only
// ever appended to; a key is fsynced to its log before the store reports it
// as recorded.
package checkpoint

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/Sternrassler/steam-harvester/pkg/harvest"
	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var checkpointKeys = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "harvest_checkpoint_keys",
	Help: "Number of keys recorded in each checkpoint set",
}, []string{"set"})

var (
	// ErrCorrupt is returned when a checkpoint log cannot be trusted.
	ErrCorrupt = errors.New("checkpoint log corrupt")

	// ErrConflict is returned when a key is recorded into a second set.
	ErrConflict = errors.New("key already recorded in another set")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("checkpoint store closed")
)

// Set names one of the terminal checkpoint sets.
type Set string

const (
	// Committed keys were fetched and their records appended to the sink.
	Committed Set = "committed"

	// Excluded keys failed permanently and are never retried.
	Excluded Set = "excluded"

	// Exhausted keys gave up after retrying.
	Exhausted Set = "exhausted"
)

// Sets lists all terminal sets in load order.
var Sets = []Set{Committed, Excluded, Exhausted}

const malformedReport = "malformed.log"

// Config holds checkpoint store configuration.
type Config struct {
	// Dir holds the committed.log, excluded.log, exhausted.log and
	// malformed.log files. Created if missing.
	Dir string

	// ResetExhausted deletes exhausted.log before loading so keys that gave
	// up on a previous run are attempted again.
	ResetExhausted bool
}

// Path returns the log file path of a set.
func (c Config) Path(set Set) string {
	return filepath.Join(c.Dir, string(set)+".log")
}

// Store holds the in-memory checkpoint sets and their append-only logs.
// All methods are safe for concurrent use.
type Store struct {
	mu       sync.Mutex
	config   Config
	sets     map[Set]map[harvest.Key]struct{}
	order    map[Set][]harvest.Key
	files    map[Set]*os.File
	report   *os.File
	inflight map[harvest.Key]struct{}
	closed   bool
	logger   zerolog.Logger
}

// Open loads the three checkpoint logs and opens them for appending.
// A missing log is an empty set. An unreadable or corrupt log is fatal.
func Open(config Config, logger zerolog.Logger) (*Store, error) {
	if config.Dir == "" {
		return nil, errors.WithHint(errors.New("checkpoint dir is required"),
			"set checkpoint.dir in the configuration file")
	}
	if err := os.MkdirAll(config.Dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create checkpoint dir %s", config.Dir)
	}

	if config.ResetExhausted {
		if err := os.Remove(config.Path(Exhausted)); err != nil && !os.IsNotExist(err) {
			return nil, errors.Wrap(err, "reset exhausted log")
		}
		logger.Info().Str("path", config.Path(Exhausted)).Msg("Exhausted keys reset, they will be retried")
	}

	s := &Store{
		config:   config,
		sets:     make(map[Set]map[harvest.Key]struct{}, len(Sets)),
		order:    make(map[Set][]harvest.Key, len(Sets)),
		files:    make(map[Set]*os.File, len(Sets)),
		inflight: make(map[harvest.Key]struct{}),
		logger:   logger,
	}

	owner := make(map[harvest.Key]Set)
	for _, set := range Sets {
		path := config.Path(set)
		keys, err := loadLog(path, logger)
		if err != nil {
			return nil, err
		}

		members := make(map[harvest.Key]struct{}, len(keys))
		order := make([]harvest.Key, 0, len(keys))
		for _, key := range keys {
			if other, ok := owner[key]; ok && other != set {
				err := errors.Wrapf(ErrCorrupt, "key %s recorded in both %s and %s", key, other, set)
				return nil, errors.WithHint(err,
					"a key may only reach one terminal state; remove it from one of the logs")
			}
			owner[key] = set
			if _, dup := members[key]; !dup {
				members[key] = struct{}{}
				order = append(order, key)
			}
		}
		s.sets[set] = members
		s.order[set] = order
		checkpointKeys.WithLabelValues(string(set)).Set(float64(len(members)))
	}

	for _, set := range Sets {
		f, err := openAppend(config.Path(set))
		if err != nil {
			s.closeFiles()
			return nil, err
		}
		s.files[set] = f
	}
	report, err := openAppend(filepath.Join(config.Dir, malformedReport))
	if err != nil {
		s.closeFiles()
		return nil, err
	}
	s.report = report

	logger.Info().
		Int("committed", len(s.sets[Committed])).
		Int("excluded", len(s.sets[Excluded])).
		Int("exhausted", len(s.sets[Exhausted])).
		Str("dir", config.Dir).
		Msg("Checkpoint logs loaded")

	return s, nil
}

// loadLog reads one key log. A final line without a trailing newline is a
// torn append from a crash; it is dropped and truncated away.
func loadLog(path string, logger zerolog.Logger) ([]harvest.Key, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.WithHint(errors.Wrapf(err, "read checkpoint log %s", path),
			"the run cannot determine which keys are already done")
	}

	if n := len(data); n > 0 && data[n-1] != '\n' {
		cut := bytes.LastIndexByte(data, '\n') + 1
		logger.Warn().
			Str("path", path).
			Str("fragment", string(data[cut:])).
			Msg("Dropping torn final line of checkpoint log")
		if err := os.Truncate(path, int64(cut)); err != nil {
			return nil, errors.Wrapf(err, "truncate torn line of %s", path)
		}
		data = data[:cut]
	}

	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))

	var keys []harvest.Key
	for i, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		key := harvest.Key(line)
		if verr := key.Validate(); verr != nil {
			err := errors.Wrapf(ErrCorrupt, "%s line %d", path, i+1)
			err = errors.WithDetail(err, fmt.Sprintf("invalid key: %v", verr))
			return nil, errors.WithHint(err, "fix or remove the offending line before restarting")
		}
		keys = append(keys, key)
	}
	return keys, nil
}

func openAppend(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "open checkpoint log %s", path)
	}
	return f, nil
}

// Keys returns a copy of the members of a set in the order they were
// loaded and recorded.
func (s *Store) Keys(set Set) []harvest.Key {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append(make([]harvest.Key, 0, len(s.order[set])), s.order[set]...)
}

// Len returns the number of keys in a set.
func (s *Store) Len(set Set) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sets[set])
}

// Contains returns the set a key was recorded in, if any.
func (s *Store) Contains(key harvest.Key) (Set, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lookup(key)
}

func (s *Store) lookup(key harvest.Key) (Set, bool) {
	for _, set := range Sets {
		if _, ok := s.sets[set][key]; ok {
			return set, true
		}
	}
	return "", false
}

// Pending filters candidates down to keys not in any set, preserving order
// and dropping duplicates.
func (s *Store) Pending(candidates []harvest.Key) []harvest.Key {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[harvest.Key]struct{}, len(candidates))
	pending := make([]harvest.Key, 0, len(candidates))
	for _, key := range candidates {
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		if _, done := s.lookup(key); done {
			continue
		}
		pending = append(pending, key)
	}
	return pending
}

// Claim marks a pending key as in flight. It returns false if the key is
// already recorded or claimed by another worker.
func (s *Store) Claim(key harvest.Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, done := s.lookup(key); done {
		return false
	}
	if _, busy := s.inflight[key]; busy {
		return false
	}
	s.inflight[key] = struct{}{}
	return true
}

// Release returns a claimed key to the pending pool without recording it.
func (s *Store) Release(key harvest.Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, key)
}

// RecordTerminal durably appends key to the log of set, then updates the
// in-memory set. When it returns nil the key is safe across a crash.
// Recording a key again into the same set is a no-op.
func (s *Store) RecordTerminal(key harvest.Key, set Set) error {
	if err := key.Validate(); err != nil {
		return fmt.Errorf("record %s: %w", set, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	f, ok := s.files[set]
	if !ok {
		return fmt.Errorf("unknown checkpoint set %q", set)
	}

	if current, done := s.lookup(key); done {
		delete(s.inflight, key)
		if current == set {
			return nil
		}
		return fmt.Errorf("%w: %s is %s, cannot record %s", ErrConflict, key, current, set)
	}

	if _, err := f.WriteString(string(key) + "\n"); err != nil {
		return errors.Wrapf(err, "append %s to %s log", key, set)
	}
	if err := f.Sync(); err != nil {
		return errors.Wrapf(err, "sync %s log", set)
	}

	s.sets[set][key] = struct{}{}
	s.order[set] = append(s.order[set], key)
	delete(s.inflight, key)
	checkpointKeys.WithLabelValues(string(set)).Set(float64(len(s.sets[set])))
	return nil
}

// ReportMalformed appends a key and reason to the malformed report. The
// report is diagnostic only and never used to filter candidates.
func (s *Store) ReportMalformed(key harvest.Key, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	reason = strings.Join(strings.Fields(reason), " ")
	if _, err := fmt.Fprintf(s.report, "%s\t%s\n", key, reason); err != nil {
		return errors.Wrap(err, "append malformed report")
	}
	return s.report.Sync()
}

// Close closes all logs.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.closeFiles()
}

func (s *Store) closeFiles() error {
	var firstErr error
	for _, f := range s.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s.report != nil {
		if err := s.report.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
