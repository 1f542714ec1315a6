package crdt

import (
	"errors"
	"fmt"
	"sort"
)

// ErrMalformed marks a message that cannot be applied.
var ErrMalformed = errors.New("malformed message")

// Message sets one field of one row at one timestamp.
type Message struct {
	Dataset   string
	Row       string
	Column    string
	Timestamp Timestamp
	Value     Scalar
}

// FieldKey identifies a single field (dataset, row, column).
type FieldKey struct {
	Dataset string
	Row     string
	Column  string
}

// RowKey identifies a row (dataset, row).
type RowKey struct {
	Dataset string
	Row     string
}

// Row is the materialized state of a row: column name to value.
type Row map[string]Scalar

// Clone returns a shallow copy of r. A nil row clones to an empty row.
func (r Row) Clone() Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// FieldKey returns the field this message writes.
func (m Message) FieldKey() FieldKey {
	return FieldKey{Dataset: m.Dataset, Row: m.Row, Column: m.Column}
}

// RowKey returns the row this message writes.
func (m Message) RowKey() RowKey {
	return RowKey{Dataset: m.Dataset, Row: m.Row}
}

// Validate checks that m can be appended to the log. Errors wrap ErrMalformed.
func (m Message) Validate() error {
	if m.Dataset == "" {
		return fmt.Errorf("%w: empty dataset", ErrMalformed)
	}
	if m.Row == "" {
		return fmt.Errorf("%w: empty row id", ErrMalformed)
	}
	if m.Column == "" {
		return fmt.Errorf("%w: empty column", ErrMalformed)
	}
	if err := m.Timestamp.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := ValidateScalar(m.Value); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

// String returns a short human-readable form for logs.
func (m Message) String() string {
	return fmt.Sprintf("%s %s/%s.%s=%s", m.Timestamp, m.Dataset, m.Row, m.Column, EncodeScalar(m.Value))
}

// SortByTimestamp sorts msgs in place in ascending timestamp order.
func SortByTimestamp(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].Timestamp.Before(msgs[j].Timestamp)
	})
}
