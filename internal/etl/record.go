package etl

import (
	"fmt"
	"strings"

	"bactdb/internal/domain"
)

// ── Record ─────────────────────────────────────────────────
// Common intermediate data format.
// All sources emit Records, the engine normalizes them and the
// destination consumes them.

// Field describes a single column in a dataset.
type Field struct {
	Name string            `json:"name"`
	Type domain.ColumnType `json:"type"`
}

// Schema describes the shape of records coming from a source, or the
// shape of the normalized output.
type Schema struct {
	Fields []Field `json:"fields"`
}

// FieldNames returns an ordered list of field names.
func (s *Schema) FieldNames() []string {
	names := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		names[i] = f.Name
	}
	return names
}

// Columns converts the schema to store column definitions.
func (s *Schema) Columns() []domain.Column {
	cols := make([]domain.Column, len(s.Fields))
	for i, f := range s.Fields {
		cols[i] = domain.Column{Name: f.Name, Type: f.Type}
	}
	return cols
}

// Record is a single row of data flowing through the pipeline.
// Row is the 1-based line of the source file (the header is row 1).
type Record struct {
	Row  int            `json:"row"`
	Data map[string]any `json:"data"`
}

// Clone returns a copy whose Data can be modified freely.
func (r Record) Clone() Record {
	data := make(map[string]any, len(r.Data))
	for k, v := range r.Data {
		data[k] = v
	}
	return Record{Row: r.Row, Data: data}
}

// Text returns the value of col rendered as trimmed text. ok is false
// when the column is absent or NULL.
func (r Record) Text(col string) (string, bool) {
	v, present := r.Data[col]
	if !present || v == nil {
		return "", false
	}
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val), true
	case []byte:
		return strings.TrimSpace(string(val)), true
	default:
		return fmt.Sprint(val), true
	}
}

// Values returns the record's values in the given column order; absent
// columns are nil.
func (r Record) Values(columns []string) []any {
	out := make([]any, len(columns))
	for i, c := range columns {
		out[i] = r.Data[c]
	}
	return out
}
