// Package schema checks a spreadsheet header against the expected raw
// column set of a microbiology export.
package schema

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"bactdb/internal/domain"
)

// ErrSchemaMismatch is matched by every *MismatchError.
var ErrSchemaMismatch = errors.New("schema mismatch")

// Report is the outcome of comparing a header with the expected columns.
// Column order is never significant.
type Report struct {
	Missing        []string          `json:"missing,omitempty"`
	Extra          []string          `json:"extra,omitempty"`
	Renamed        map[string]string `json:"renamed,omitempty"` // header name -> canonical name
	Duplicate      []string          `json:"duplicate,omitempty"`
	AbsentOptional []string          `json:"absentOptional,omitempty"`
	Reserved       []string          `json:"reserved,omitempty"` // input columns named like computed columns
}

// OK reports whether the header can be loaded.
func (r Report) OK() bool {
	return len(r.Missing) == 0 && len(r.Duplicate) == 0 && len(r.Reserved) == 0
}

// Clean reports whether the header matches exactly, with nothing to warn about.
func (r Report) Clean() bool {
	return r.OK() && len(r.Extra) == 0 && len(r.Renamed) == 0 && len(r.AbsentOptional) == 0
}

// Err returns a *MismatchError when the header cannot be loaded.
func (r Report) Err() error {
	if r.OK() {
		return nil
	}
	return &MismatchError{Report: r}
}

// Warnings renders the non-fatal findings, one line each.
func (r Report) Warnings() []string {
	var out []string
	for _, c := range r.Extra {
		out = append(out, fmt.Sprintf("unexpected column %q kept as pass-through data", c))
	}
	for _, from := range sortedKeys(r.Renamed) {
		out = append(out, fmt.Sprintf("column %q read as %q", from, r.Renamed[from]))
	}
	for _, c := range r.AbsentOptional {
		out = append(out, fmt.Sprintf("optional column %q absent, stored as NULL", c))
	}
	return out
}

// MismatchError is the fatal SchemaMismatch failure.
type MismatchError struct {
	Report Report
}

func (e *MismatchError) Error() string {
	var parts []string
	if len(e.Report.Missing) > 0 {
		parts = append(parts, "missing required column(s): "+strings.Join(e.Report.Missing, ", "))
	}
	if len(e.Report.Duplicate) > 0 {
		parts = append(parts, "duplicate column(s): "+strings.Join(e.Report.Duplicate, ", "))
	}
	if len(e.Report.Reserved) > 0 {
		parts = append(parts, "column(s) clash with computed columns: "+strings.Join(e.Report.Reserved, ", "))
	}
	return "schema mismatch: " + strings.Join(parts, "; ")
}

func (e *MismatchError) Is(target error) bool { return target == ErrSchemaMismatch }

// Validator compares headers against required and optional column names.
type Validator struct {
	Required []string
	Optional []string
	Aliases  map[string]string // legacy name -> canonical name
	Reserved []string          // names the pipeline computes itself
}

// NewValidator returns a Validator for the canonical export layout.
func NewValidator() *Validator {
	return &Validator{
		Required: domain.RequiredColumns,
		Optional: domain.OptionalColumns,
		Aliases:  domain.ColumnAliases,
		Reserved: domain.ReservedColumns(),
	}
}

// Validate checks header (already normalized) and reports what differs.
func (v *Validator) Validate(header []string) Report {
	rep := Report{}
	known := make(map[string]bool, len(v.Required)+len(v.Optional))
	for _, c := range v.Required {
		known[c] = true
	}
	for _, c := range v.Optional {
		known[c] = true
	}
	reserved := make(map[string]bool, len(v.Reserved))
	for _, c := range v.Reserved {
		reserved[c] = true
	}

	present := make(map[string]bool, len(header))
	counts := make(map[string]int, len(header))
	for _, h := range header {
		name := h
		if canon, ok := v.Aliases[h]; ok {
			if rep.Renamed == nil {
				rep.Renamed = make(map[string]string)
			}
			rep.Renamed[h] = canon
			name = canon
		}
		counts[name]++
		if counts[name] == 2 {
			rep.Duplicate = append(rep.Duplicate, name)
		}
		present[name] = true
		if counts[name] > 1 {
			continue
		}
		switch {
		case reserved[name]:
			rep.Reserved = append(rep.Reserved, name)
		case !known[name]:
			rep.Extra = append(rep.Extra, name)
		}
	}

	for _, c := range v.Required {
		if !present[c] {
			rep.Missing = append(rep.Missing, c)
		}
	}
	for _, c := range v.Optional {
		if !present[c] {
			rep.AbsentOptional = append(rep.AbsentOptional, c)
		}
	}
	return rep
}

// Canonical maps a header name to its canonical column name.
func (v *Validator) Canonical(name string) string {
	if canon, ok := v.Aliases[name]; ok {
		return canon
	}
	return name
}

// NormalizeHeader trims names, drops a leading byte-order mark, and names
// blank cells "Unnamed: <index>" the way spreadsheet exports do.
func NormalizeHeader(header []string) []string {
	out := make([]string, len(header))
	for i, h := range header {
		if i == 0 {
			h = strings.TrimPrefix(h, "\ufeff")
		}
		h = strings.TrimSpace(h)
		if h == "" {
			h = fmt.Sprintf("Unnamed: %d", i)
		}
		out[i] = h
	}
	return out
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
