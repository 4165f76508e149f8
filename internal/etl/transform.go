package etl

import (
	"math"
	"strconv"
	"strings"
)

// ── Transformer ────────────────────────────────────────────
// Transformers modify records in-flight between source and normalizer.
// They are composable: each takes a record, returns a (possibly modified)
// record and a boolean indicating whether to keep it.

// Transformer processes a single record.
// Returns (transformed record, keep). If keep is false, the record is dropped.
type Transformer interface {
	Transform(Record) (Record, bool)
}

// TransformerFunc adapts a plain function to the Transformer interface.
type TransformerFunc func(Record) (Record, bool)

func (f TransformerFunc) Transform(r Record) (Record, bool) { return f(r) }

// ── Built-in Transforms ────────────────────────────────────

// CleanTransform trims text cells and turns blank cells into NULL.
// It always returns a fresh Data map, so the source record is never
// modified by later transforms. Rows with no value at all are dropped.
type CleanTransform struct{}

func (CleanTransform) Transform(r Record) (Record, bool) {
	data := make(map[string]any, len(r.Data))
	empty := true
	for k, v := range r.Data {
		switch val := v.(type) {
		case string:
			val = strings.TrimSpace(val)
			if val == "" {
				data[k] = nil
				continue
			}
			data[k] = val
		case []byte:
			s := strings.TrimSpace(string(val))
			if s == "" {
				data[k] = nil
				continue
			}
			data[k] = s
		default:
			data[k] = v
			if v == nil {
				continue
			}
		}
		empty = false
	}
	return Record{Row: r.Row, Data: data}, !empty
}

// RenameTransform renames fields in a record.
type RenameTransform struct {
	Mapping map[string]string // oldName → newName
}

func (t *RenameTransform) Transform(r Record) (Record, bool) {
	for old, new_ := range t.Mapping {
		if v, ok := r.Data[old]; ok {
			r.Data[new_] = v
			delete(r.Data, old)
		}
	}
	return r, true
}

// IntegerTransform stores integral text ("45", "45.0") as int64.
// Anything else is left as text.
type IntegerTransform struct {
	Fields []string
}

func (t *IntegerTransform) Transform(r Record) (Record, bool) {
	for _, f := range t.Fields {
		s, ok := r.Data[f].(string)
		if !ok {
			continue
		}
		if n, ok := parseIntegral(s); ok {
			r.Data[f] = n
		}
	}
	return r, true
}

// IdentifierTransform keeps identifiers as text but undoes the float
// rendering spreadsheets apply to numeric ids: "2300123456.0" and
// "2.300123456E9" both become "2300123456".
type IdentifierTransform struct {
	Fields []string
}

func (t *IdentifierTransform) Transform(r Record) (Record, bool) {
	for _, f := range t.Fields {
		switch v := r.Data[f].(type) {
		case string:
			if !strings.ContainsAny(v, ".eE") {
				continue
			}
			if n, ok := parseIntegral(v); ok {
				r.Data[f] = strconv.FormatInt(n, 10)
			}
		case float64:
			if v == math.Trunc(v) && math.Abs(v) < 1<<53 {
				r.Data[f] = strconv.FormatInt(int64(v), 10)
			} else {
				r.Data[f] = strconv.FormatFloat(v, 'f', -1, 64)
			}
		case int64:
			r.Data[f] = strconv.FormatInt(v, 10)
		case int:
			r.Data[f] = strconv.Itoa(v)
		}
	}
	return r, true
}

// parseIntegral parses s as a whole number, accepting a zero fraction.
func parseIntegral(s string) (int64, bool) {
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, true
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	if f != math.Trunc(f) || math.Abs(f) >= 1<<53 {
		return 0, false
	}
	return int64(f), true
}

// ── Helpers ────────────────────────────────────────────────

// ApplyTransformers runs a chain of transformers on a record.
func ApplyTransformers(r Record, ts []Transformer) (Record, bool) {
	for _, t := range ts {
		var keep bool
		r, keep = t.Transform(r)
		if !keep {
			return r, false
		}
	}
	return r, true
}
