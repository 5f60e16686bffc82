// Package harvest defines the core types shared by the collection engine:
// keys, cursors, pages, records, fetch outcomes, and the Source, Sink and
// Transformer collaborators the engine is wired against.
package harvest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode"
)

// Key uniquely identifies one collection unit (e.g. a Steam app id).
// Its textual form is what checkpoint logs store.
type Key string

// String returns the textual form of the key.
func (k Key) String() string {
	return string(k)
}

// Validate reports whether the key can be written to a line-oriented log.
func (k Key) Validate() error {
	if k == "" {
		return fmt.Errorf("empty key")
	}
	if strings.IndexFunc(string(k), func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsControl(r) || r == unicode.ReplacementChar
	}) >= 0 {
		return fmt.Errorf("key %q contains whitespace or control characters", string(k))
	}
	return nil
}

// Cursor is an opaque pagination token returned by a Source and passed back
// on the next page request.
type Cursor string

// Page is one parsed page returned by a Source.
type Page struct {
	// Items are the raw payload entries of this page, in server order.
	Items []json.RawMessage

	// Next is the cursor to request the following page with.
	// Empty means the server returned no further cursor.
	Next Cursor
}

// Source issues one HTTP request per logical fetch.
// Failures are reported as *FetchError (see Transient, Permanent, Malformed);
// any other error is treated as a connection-level transient failure.
type Source interface {
	FetchPage(ctx context.Context, key Key, cursor Cursor) (*Page, error)
}

// Sink is an append-only durable store for finished records.
type Sink interface {
	// Append durably writes all records derived from one key.
	Append(ctx context.Context, key Key, records []Record) error

	// Has reports whether records for the key are already stored.
	Has(key Key) bool

	Close() error
}

// Transformer turns the ordered payload items of one key into records.
// Implementations must be pure: the same input always yields the same output.
type Transformer interface {
	// Columns names the record fields, in order.
	Columns() []string

	// Transform derives zero or more records from a key's payload.
	Transform(key Key, items []json.RawMessage) ([]Record, error)
}
