// Package sink provides the append-only record files a harvest run writes:
// CSV (the default) and JSON Lines.
//
// Every Append is written and fsynced before it returns. On open, an
// existing file is scanned so Has can tell which keys already have records,
// and a record torn by a crash is cut off the end of the file.
package sink

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"

	"github.com/Sternrassler/steam-harvester/pkg/harvest"
	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	recordsWrittenTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_sink_records_written_total",
		Help: "Total number of records appended by output format",
	}, []string{"format"})

	bytesWrittenTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_sink_bytes_written_total",
		Help: "Total number of bytes appended by output format",
	}, []string{"format"})
)

// Format selects the file encoding of a sink.
type Format string

const (
	FormatCSV   Format = "csv"
	FormatJSONL Format = "jsonl"
)

var (
	// ErrCorrupt is returned when an existing output file cannot be parsed.
	ErrCorrupt = errors.New("output file corrupt")

	// ErrColumns is returned when an existing output file was written with
	// different columns.
	ErrColumns = errors.New("output columns mismatch")

	// ErrClosed is returned by Append after Close.
	ErrClosed = errors.New("sink closed")
)

// utf8BOM is skipped when found at the start of a file.
var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Open opens or creates the sink file at path. keyColumn names the column
// that holds the key a record was derived from.
func Open(format Format, path string, columns []string, keyColumn string) (harvest.Sink, error) {
	switch format {
	case FormatCSV, "":
		s, err := OpenCSV(path, columns, keyColumn)
		if err != nil {
			return nil, err
		}
		return s, nil
	case FormatJSONL:
		s, err := OpenJSONL(path, columns, keyColumn)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, errors.WithHint(errors.Newf("unknown output format %q", format),
			"use csv or jsonl")
	}
}

func keyIndex(columns []string, keyColumn string) (int, error) {
	if len(columns) == 0 {
		return 0, errors.New("at least one column is required")
	}
	i := slices.Index(columns, keyColumn)
	if i < 0 {
		return 0, errors.Newf("key column %q not among columns %v", keyColumn, columns)
	}
	return i, nil
}

// file is the append-only handle shared by both formats.
type file struct {
	path   string
	f      *os.File
	size   int64
	format Format
	logger zerolog.Logger
}

func openFile(path string, format Format) (*file, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrapf(err, "create output dir for %s", path)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "open output file %s", path)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "stat output file %s", path)
	}
	return &file{
		path:   path,
		f:      f,
		size:   info.Size(),
		format: format,
		logger: log.With().Str("component", "sink").Str("path", path).Logger(),
	}, nil
}

// reader returns the existing content with a leading BOM skipped, and the
// BOM length.
func (w *file) reader() (io.Reader, int64, error) {
	head := make([]byte, len(utf8BOM))
	n, err := w.f.ReadAt(head, 0)
	if err != nil && err != io.EOF {
		return nil, 0, errors.Wrapf(err, "read %s", w.path)
	}
	var skip int64
	if bytes.Equal(head[:n], utf8BOM) {
		skip = int64(len(utf8BOM))
	}
	return io.NewSectionReader(w.f, skip, w.size-skip), skip, nil
}

// endsWithNewline reports whether the file is empty or its last byte is a
// line break.
func (w *file) endsWithNewline() (bool, error) {
	if w.size == 0 {
		return true, nil
	}
	last := make([]byte, 1)
	if _, err := w.f.ReadAt(last, w.size-1); err != nil {
		return false, errors.Wrapf(err, "read %s", w.path)
	}
	return last[0] == '\n', nil
}

// tail returns the bytes from offset to the end of the file.
func (w *file) tail(offset int64) ([]byte, error) {
	buf := make([]byte, w.size-offset)
	if _, err := w.f.ReadAt(buf, offset); err != nil && err != io.EOF {
		return nil, errors.Wrapf(err, "read %s", w.path)
	}
	return buf, nil
}

// truncate cuts the file back to size.
func (w *file) truncate(size int64) error {
	if err := w.f.Truncate(size); err != nil {
		return errors.Wrapf(err, "truncate %s", w.path)
	}
	if err := w.f.Sync(); err != nil {
		return errors.Wrapf(err, "sync %s", w.path)
	}
	w.size = size
	return nil
}

// append writes data and fsyncs it. A failed write is cut off again so the
// file never ends in a partial batch.
func (w *file) append(data []byte, records int) error {
	if w.f == nil {
		return ErrClosed
	}
	n, err := w.f.Write(data)
	if err == nil {
		err = w.f.Sync()
	}
	if err != nil {
		if n > 0 {
			if terr := w.truncate(w.size); terr != nil {
				w.logger.Error().Err(terr).Msg("Failed to remove partial write")
			}
		}
		return errors.Wrapf(err, "append to %s", w.path)
	}
	w.size += int64(n)
	recordsWrittenTotal.WithLabelValues(string(w.format)).Add(float64(records))
	bytesWrittenTotal.WithLabelValues(string(w.format)).Add(float64(n))
	return nil
}

func (w *file) close() error {
	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	if err != nil {
		return fmt.Errorf("close %s: %w", w.path, err)
	}
	return nil
}

// keyRuns tracks where the records of the most recent key begin, so a torn
// final batch can be removed as a whole.
type keyRuns struct {
	keys     map[harvest.Key]bool
	last     harvest.Key
	runStart int64
}

func newKeyRuns() *keyRuns {
	return &keyRuns{keys: make(map[harvest.Key]bool)}
}

// add records that a complete record for key starts at offset.
func (k *keyRuns) add(key harvest.Key, offset int64) {
	if key != k.last {
		k.last = key
		k.runStart = offset
	}
	k.keys[key] = true
}

// mark records that key has records written during this run.
func (k *keyRuns) mark(key harvest.Key) {
	k.keys[key] = true
}

// dropLast forgets the most recent key and returns where its records began.
func (k *keyRuns) dropLast() int64 {
	delete(k.keys, k.last)
	k.last = ""
	return k.runStart
}

func (k *keyRuns) has(key harvest.Key) bool {
	return k.keys[key]
}

// repairTail removes the unterminated fragment starting at fragmentStart.
// When the fragment belongs to the most recent key (fragmentKey reports
// it), the complete records of that key are removed too.
func repairTail(w *file, runs *keyRuns, fragmentStart int64, fragmentKey func([]byte) (harvest.Key, bool)) error {
	fragment, err := w.tail(fragmentStart)
	if err != nil {
		return err
	}
	cut := fragmentStart
	key, ok := fragmentKey(fragment)
	if ok && runs.last != "" && key == runs.last {
		cut = runs.dropLast()
	}

	w.logger.Warn().
		Int64("offset", cut).
		Int("fragment_bytes", len(fragment)).
		Str("key", key.String()).
		Msg("Removing torn records from the end of the output file")
	return w.truncate(cut)
}
