package etl

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// ── Source ──────────────────────────────────────────────────
// A Source extracts rows from a laboratory export.
// Implementations live in etl/sources/, one file per source type.
//
// Protocol: spec → discover (header) → read (rows).

// SourceConfig is an opaque configuration map parsed per source type.
type SourceConfig map[string]any

// String returns cfg[key] as a string, or "" when absent.
func (c SourceConfig) String(key string) string {
	s, _ := c[key].(string)
	return s
}

// Int returns cfg[key] as an int, or def when absent or not positive.
func (c SourceConfig) Int(key string, def int) int {
	switch v := c[key].(type) {
	case int:
		if v > 0 {
			return v
		}
	case int64:
		if v > 0 {
			return int(v)
		}
	case float64:
		if v > 0 {
			return int(v)
		}
	}
	return def
}

// ConfigField describes a single configuration input for a source.
type ConfigField struct {
	Key      string   `json:"key"`
	Label    string   `json:"label"`
	Required bool     `json:"required"`
	Options  []string `json:"options,omitempty"`
	Default  string   `json:"default,omitempty"`
	Help     string   `json:"help,omitempty"`
}

// SourceSpec describes a source type and its config fields.
type SourceSpec struct {
	Type         string        `json:"type"`
	Label        string        `json:"label"`
	Extensions   []string      `json:"extensions,omitempty"` // file extensions served, lower case with dot
	ConfigFields []ConfigField `json:"configFields"`
}

// Source is the interface every data source must implement.
type Source interface {
	// Spec returns metadata about this source type.
	Spec() SourceSpec

	// Discover returns the normalized header of the source, one text
	// field per column, in source order.
	Discover(ctx context.Context, cfg SourceConfig) (*Schema, error)

	// Read streams records from the source into a channel.
	// The channel is closed when all records have been read or ctx is cancelled.
	// Errors are sent on the error channel (buffered size 1).
	Read(ctx context.Context, cfg SourceConfig) (<-chan Record, <-chan error)
}

// ── Source Registry ────────────────────────────────────────
// Compile-time registration via init() in each source file.

var (
	registryMu sync.RWMutex
	registry   = map[string]Source{}
)

// RegisterSource registers a source by its spec type.
// Called from init() in each source implementation file.
func RegisterSource(s Source) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[s.Spec().Type] = s
}

// GetSource returns a registered source by type, or an error if not found.
func GetSource(typ string) (Source, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	s, ok := registry[typ]
	if !ok {
		return nil, errors.Errorf("unknown source type: %q", typ)
	}
	return s, nil
}

// SourceForExtension returns the registered source serving ext (".csv").
func SourceForExtension(ext string) (Source, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	for _, s := range registry {
		for _, e := range s.Spec().Extensions {
			if e == ext {
				return s, true
			}
		}
	}
	return nil, false
}

// ListSources returns the specs of all registered sources, sorted by type.
func ListSources() []SourceSpec {
	registryMu.RLock()
	defer registryMu.RUnlock()
	specs := make([]SourceSpec, 0, len(registry))
	for _, s := range registry {
		specs = append(specs, s.Spec())
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Type < specs[j].Type })
	return specs
}
