package sink

import (
	"bytes"
	"context"
	"encoding/csv"
	"io"
	"slices"
	"sync"

	"github.com/Sternrassler/steam-harvester/pkg/harvest"
	"github.com/cockroachdb/errors"
)

// CSVSink appends records as CSV rows under a single header line.
type CSVSink struct {
	mu       sync.Mutex
	file     *file
	columns  []string
	keyIndex int
	runs     *keyRuns
}

// OpenCSV opens or creates a CSV sink. A new or empty file gets the header
// row; an existing file must carry exactly the given columns.
func OpenCSV(path string, columns []string, keyColumn string) (*CSVSink, error) {
	idx, err := keyIndex(columns, keyColumn)
	if err != nil {
		return nil, err
	}
	f, err := openFile(path, FormatCSV)
	if err != nil {
		return nil, err
	}

	s := &CSVSink{
		file:     f,
		columns:  slices.Clone(columns),
		keyIndex: idx,
		runs:     newKeyRuns(),
	}
	if err := s.load(); err != nil {
		f.close()
		return nil, err
	}
	if f.size == 0 {
		if err := s.write([][]string{s.columns}, 0); err != nil {
			f.close()
			return nil, err
		}
	}

	f.logger.Info().
		Int("keys", len(s.runs.keys)).
		Int64("bytes", f.size).
		Msg("CSV sink opened")
	return s, nil
}

func (s *CSVSink) load() error {
	if s.file.size == 0 {
		return nil
	}
	in, skip, err := s.file.reader()
	if err != nil {
		return err
	}

	complete, err := s.file.endsWithNewline()
	if err != nil {
		return err
	}

	r := csv.NewReader(in)
	r.FieldsPerRecord = -1
	r.ReuseRecord = true

	header, err := r.Read()
	if errors.Is(err, io.EOF) || (!complete && skip+r.InputOffset() >= s.file.size) {
		// Only a BOM or a header torn while the file was created
		s.file.logger.Warn().Msg("Output file has no complete header, starting it over")
		return s.file.truncate(0)
	}
	if err != nil {
		err = errors.Wrapf(ErrCorrupt, "%s header: %v", s.file.path, err)
		return errors.WithHint(err, "point the job at a new output file or repair the header")
	}
	if !slices.Equal(header, s.columns) {
		err := errors.Wrapf(ErrColumns, "%s", s.file.path)
		err = errors.WithDetailf(err, "file columns %v, expected %v", header, s.columns)
		return errors.WithHint(err, "each job needs its own output file")
	}
	r.FieldsPerRecord = len(s.columns)

	good := skip + r.InputOffset()
	var lastStart int64
	var parseErr error
	for {
		start := good
		record, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			parseErr = err
			break
		}
		s.runs.add(harvest.Key(record[s.keyIndex]), start)
		lastStart = start
		good = skip + r.InputOffset()
	}

	switch {
	case complete && parseErr == nil:
		return nil
	case complete:
		// A torn write never ends in a line break, so this is damage
		err := errors.Wrapf(ErrCorrupt, "%s: %v", s.file.path, parseErr)
		return errors.WithHint(err, "repair the reported line before restarting")
	case parseErr == nil:
		// The final row parsed but lacks its line break
		return repairTail(s.file, s.runs, lastStart, s.fragmentKey)
	default:
		fragment, err := s.file.tail(good)
		if err != nil {
			return err
		}
		if bytes.IndexByte(fragment, '\n') >= 0 {
			err := errors.Wrapf(ErrCorrupt, "%s: %v", s.file.path, parseErr)
			return errors.WithHint(err, "repair the reported line before restarting")
		}
		return repairTail(s.file, s.runs, good, s.fragmentKey)
	}
}

// fragmentKey reads the key column of a partial row. The key is only known
// if a later column was started.
func (s *CSVSink) fragmentKey(fragment []byte) (harvest.Key, bool) {
	r := csv.NewReader(bytes.NewReader(fragment))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	fields, err := r.Read()
	if err != nil || len(fields) <= s.keyIndex+1 {
		return "", false
	}
	return harvest.Key(fields[s.keyIndex]), true
}

// Columns returns the header of the file.
func (s *CSVSink) Columns() []string {
	return slices.Clone(s.columns)
}

// Append implements harvest.Sink. All rows of key are written and fsynced
// together. An empty batch writes nothing.
func (s *CSVSink) Append(ctx context.Context, key harvest.Key, records []harvest.Record) error {
	if len(records) == 0 {
		return nil
	}
	rows := make([][]string, 0, len(records))
	for _, rec := range records {
		if rec.Len() != len(s.columns) {
			return errors.Newf("record of %s has %d fields, want %d", key, rec.Len(), len(s.columns))
		}
		rows = append(rows, rec.Values())
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.write(rows, len(rows)); err != nil {
		return err
	}
	s.runs.mark(key)
	for _, row := range rows {
		s.runs.mark(harvest.Key(row[s.keyIndex]))
	}
	return nil
}

func (s *CSVSink) write(rows [][]string, records int) error {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.WriteAll(rows); err != nil {
		return errors.Wrap(err, "encode csv rows")
	}
	return s.file.append(buf.Bytes(), records)
}

// Has implements harvest.Sink.
func (s *CSVSink) Has(key harvest.Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs.has(key)
}

// Close implements harvest.Sink.
func (s *CSVSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.close()
}
