package sink

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"slices"
	"sync"

	"github.com/Sternrassler/steam-harvester/pkg/harvest"
	"github.com/cockroachdb/errors"
)

// JSONLSink appends one JSON object per record, one per line. The key
// column is always the first member so a torn line still names its key.
type JSONLSink struct {
	mu       sync.Mutex
	file     *file
	columns  []string
	keyIndex int
	order    []int
	runs     *keyRuns
}

// OpenJSONL opens or creates a JSON Lines sink.
func OpenJSONL(path string, columns []string, keyColumn string) (*JSONLSink, error) {
	idx, err := keyIndex(columns, keyColumn)
	if err != nil {
		return nil, err
	}
	f, err := openFile(path, FormatJSONL)
	if err != nil {
		return nil, err
	}

	order := []int{idx}
	for i := range columns {
		if i != idx {
			order = append(order, i)
		}
	}

	s := &JSONLSink{
		file:     f,
		columns:  slices.Clone(columns),
		keyIndex: idx,
		order:    order,
		runs:     newKeyRuns(),
	}
	if err := s.load(); err != nil {
		f.close()
		return nil, err
	}

	f.logger.Info().
		Int("keys", len(s.runs.keys)).
		Int64("bytes", f.size).
		Msg("JSONL sink opened")
	return s, nil
}

func (s *JSONLSink) load() error {
	if s.file.size == 0 {
		return nil
	}
	in, skip, err := s.file.reader()
	if err != nil {
		return err
	}

	keyColumn := s.columns[s.keyIndex]
	br := bufio.NewReader(in)
	offset := skip
	for lineNo := 1; ; lineNo++ {
		line, err := br.ReadBytes('\n')
		if len(line) > 0 && line[len(line)-1] != '\n' {
			// Only the last line can lack its line break
			return repairTail(s.file, s.runs, offset, s.fragmentKey)
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return errors.Wrapf(err, "read %s", s.file.path)
		}

		var obj map[string]string
		if jerr := json.Unmarshal(line, &obj); jerr != nil {
			err := errors.Wrapf(ErrCorrupt, "%s line %d: %v", s.file.path, lineNo, jerr)
			return errors.WithHint(err, "repair the reported line before restarting")
		}
		key, ok := obj[keyColumn]
		if !ok {
			err := errors.Wrapf(ErrColumns, "%s line %d has no %q member", s.file.path, lineNo, keyColumn)
			return errors.WithHint(err, "each job needs its own output file")
		}
		s.runs.add(harvest.Key(key), offset)
		offset += int64(len(line))
	}
}

// fragmentKey reads the leading key member of a partial line.
func (s *JSONLSink) fragmentKey(fragment []byte) (harvest.Key, bool) {
	dec := json.NewDecoder(bytes.NewReader(fragment))
	if tok, err := dec.Token(); err != nil || tok != json.Delim('{') {
		return "", false
	}
	name, err := dec.Token()
	if err != nil || name != s.columns[s.keyIndex] {
		return "", false
	}
	value, err := dec.Token()
	if err != nil {
		return "", false
	}
	key, ok := value.(string)
	if !ok {
		return "", false
	}
	return harvest.Key(key), true
}

// Append implements harvest.Sink.
func (s *JSONLSink) Append(ctx context.Context, key harvest.Key, records []harvest.Record) error {
	if len(records) == 0 {
		return nil
	}

	var buf bytes.Buffer
	for _, rec := range records {
		if rec.Len() != len(s.columns) {
			return errors.Newf("record of %s has %d fields, want %d", key, rec.Len(), len(s.columns))
		}
		if err := s.encode(&buf, rec.Values()); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.file.append(buf.Bytes(), len(records)); err != nil {
		return err
	}
	s.runs.mark(key)
	for _, rec := range records {
		s.runs.mark(harvest.Key(rec.Values()[s.keyIndex]))
	}
	return nil
}

// encode writes values as one object line with the columns in key-first
// order.
func (s *JSONLSink) encode(buf *bytes.Buffer, values []string) error {
	buf.WriteByte('{')
	for n, i := range s.order {
		if n > 0 {
			buf.WriteByte(',')
		}
		name, err := json.Marshal(s.columns[i])
		if err != nil {
			return errors.Wrap(err, "encode column name")
		}
		value, err := json.Marshal(values[i])
		if err != nil {
			return errors.Wrap(err, "encode value")
		}
		buf.Write(name)
		buf.WriteByte(':')
		buf.Write(value)
	}
	buf.WriteString("}\n")
	return nil
}

// Has implements harvest.Sink.
func (s *JSONLSink) Has(key harvest.Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs.has(key)
}

// Close implements harvest.Sink.
func (s *JSONLSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.close()
}
