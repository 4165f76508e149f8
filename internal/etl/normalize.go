package etl

import (
	"bactdb/internal/domain"
	"bactdb/internal/temporal"
)

// ── Normalizer ─────────────────────────────────────────────
// Merges a cleaned raw row with its derived fields into the row shape
// the store expects.

// Derived holds the fields computed for one row.
type Derived struct {
	Location string
	Temporal temporal.Fields
}

// rawColumnTypes overrides the text default for typed raw columns.
var rawColumnTypes = map[string]domain.ColumnType{
	domain.ColPatientAge: domain.ColumnInteger,
}

var derivedColumnTypes = map[string]domain.ColumnType{
	domain.ColHospitalLocation: domain.ColumnText,
	domain.ColDatetime:         domain.ColumnTimestamp,
	domain.ColTimeStamp:        domain.ColumnInteger,
	domain.ColDate:             domain.ColumnText,
}

// InputColumns is the raw part of the output: the canonical raw columns
// followed by extra columns in header order.
func InputColumns(extra []string) []string {
	cols := make([]string, 0, len(domain.RawColumns)+len(extra))
	cols = append(cols, domain.RawColumns...)
	return append(cols, extra...)
}

// OutputSchema returns the typed column list of a normalized table.
func OutputSchema(extra []string) *Schema {
	s := &Schema{}
	for _, c := range InputColumns(extra) {
		typ, ok := rawColumnTypes[c]
		if !ok {
			typ = domain.ColumnText
		}
		s.Fields = append(s.Fields, Field{Name: c, Type: typ})
	}
	for _, c := range domain.DerivedColumns {
		s.Fields = append(s.Fields, Field{Name: c, Type: derivedColumnTypes[c]})
	}
	return s
}

// Normalize returns raw ⊕ derived. Every name in columns is present in
// the result (NULL when the row lacks it) with its raw value untouched;
// the derived columns are added after them. raw is not modified.
func Normalize(raw Record, columns []string, d Derived) Record {
	data := make(map[string]any, len(columns)+len(domain.DerivedColumns))
	for _, c := range columns {
		data[c] = raw.Data[c]
	}
	data[domain.ColHospitalLocation] = d.Location
	data[domain.ColDatetime] = d.Temporal.DatetimeValue()
	data[domain.ColTimeStamp] = d.Temporal.TimeStampValue()
	data[domain.ColDate] = d.Temporal.DateValue()
	return Record{Row: raw.Row, Data: data}
}
