package harvest

// Record is one normalized output unit. It is immutable once constructed.
type Record struct {
	key    Key
	values []string
}

// NewRecord builds a record for key. The values are copied.
func NewRecord(key Key, values ...string) Record {
	v := make([]string, len(values))
	copy(v, values)
	return Record{key: key, values: v}
}

// Key returns the key the record was derived from.
func (r Record) Key() Key {
	return r.key
}

// Values returns a copy of the record's field values.
func (r Record) Values() []string {
	v := make([]string, len(r.values))
	copy(v, r.values)
	return v
}

// Len returns the number of fields.
func (r Record) Len() int {
	return len(r.values)
}
