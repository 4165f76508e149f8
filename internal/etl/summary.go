package etl

import (
	"sort"
	"time"
)

// MaxTemporalSamples caps the failing rows kept for the report.
const MaxTemporalSamples = 5

// TemporalFailure is one row whose timestamp could not be parsed.
type TemporalFailure struct {
	Row    int    `json:"row"`
	Column string `json:"column"`
	Text   string `json:"text"`
}

// WardCount is an unmapped ward name and how many rows carried it.
type WardCount struct {
	Ward  string `json:"ward"`
	Count int    `json:"count"`
}

// Summary is the end-of-run report of one source.
type Summary struct {
	Source          string `json:"source"`
	Table           string `json:"table"`
	TimestampColumn string `json:"timestampColumn"`
	DryRun          bool   `json:"dryRun,omitempty"`

	RowsRead      int `json:"rowsRead"`
	RowsDropped   int `json:"rowsDropped"` // blank rows
	RowsWritten   int `json:"rowsWritten"`
	RowsDuplicate int `json:"rowsDuplicate"`

	ExtraColumns []string `json:"extraColumns,omitempty"`
	Warnings     []string `json:"warnings,omitempty"`

	TemporalFailures int               `json:"temporalFailures"`
	TemporalSamples  []TemporalFailure `json:"temporalSamples,omitempty"`

	UnmappedRows int            `json:"unmappedRows"`
	Unmapped     map[string]int `json:"unmapped,omitempty"`
	Locations    map[string]int `json:"locations,omitempty"`

	Duration time.Duration `json:"duration"`
}

// RowsLoaded is the number of normalized rows handed to the store.
func (s *Summary) RowsLoaded() int { return s.RowsRead - s.RowsDropped }

func (s *Summary) addTemporalFailure(row int, column, text string) {
	s.TemporalFailures++
	if len(s.TemporalSamples) < MaxTemporalSamples {
		s.TemporalSamples = append(s.TemporalSamples, TemporalFailure{Row: row, Column: column, Text: text})
	}
}

func (s *Summary) addLocation(location string, mapped bool, ward string) {
	if s.Locations == nil {
		s.Locations = make(map[string]int)
	}
	s.Locations[location]++
	if mapped {
		return
	}
	s.UnmappedRows++
	if s.Unmapped == nil {
		s.Unmapped = make(map[string]int)
	}
	s.Unmapped[ward]++
}

// UnmappedWards lists unmapped ward names, most frequent first.
func (s *Summary) UnmappedWards() []WardCount {
	out := make([]WardCount, 0, len(s.Unmapped))
	for w, n := range s.Unmapped {
		out = append(out, WardCount{Ward: w, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Ward < out[j].Ward
	})
	return out
}
