// Package location maps inpatient ward names to the coarse hospital
// location (campus) categories the dashboard aggregates by.
package location

import (
	"os"
	"strings"

	toml "github.com/pelletier/go-toml"
	"github.com/pkg/errors"
)

// DefaultUnknown is the category for wards with no mapping.
const DefaultUnknown = "未知院区"

// Mapping is the ward → location lookup table supplied by configuration.
// Keys may be full ward names or campus tags (the text inside a ward's
// trailing parentheses).
type Mapping struct {
	Wards   map[string]string
	Unknown string
}

// Resolver resolves ward names against a Mapping. It is safe for
// concurrent use; it never changes after construction.
type Resolver struct {
	wards   map[string]string
	unknown string
}

// NewResolver builds a Resolver; keys and values are trimmed.
func NewResolver(m Mapping) *Resolver {
	wards := make(map[string]string, len(m.Wards))
	for k, v := range m.Wards {
		k = strings.TrimSpace(k)
		v = strings.TrimSpace(v)
		if k != "" && v != "" {
			wards[k] = v
		}
	}
	unknown := strings.TrimSpace(m.Unknown)
	if unknown == "" {
		unknown = DefaultUnknown
	}
	return &Resolver{wards: wards, unknown: unknown}
}

// Unknown returns the explicit marker for unmapped wards.
func (r *Resolver) Unknown() string { return r.unknown }

// Len returns the number of mapping entries.
func (r *Resolver) Len() int { return len(r.wards) }

// Resolve returns the location category for ward. ok is false when the
// ward has no mapping and the unknown marker was returned.
func (r *Resolver) Resolve(ward string) (category string, ok bool) {
	ward = strings.TrimSpace(ward)
	if ward == "" {
		return r.unknown, false
	}
	if c, hit := r.wards[ward]; hit {
		return c, true
	}
	if tag := CampusTag(ward); tag != "" {
		if c, hit := r.wards[tag]; hit {
			return c, true
		}
	}
	return r.unknown, false
}

// CampusTag returns the text inside a ward name's trailing parentheses,
// ASCII or full-width, e.g. "庆春" for "呼吸内科3-12(庆春)".
func CampusTag(ward string) string {
	ward = strings.TrimSpace(ward)
	var open string
	switch {
	case strings.HasSuffix(ward, ")"):
		open, ward = "(", strings.TrimSuffix(ward, ")")
	case strings.HasSuffix(ward, "）"):
		open, ward = "（", strings.TrimSuffix(ward, "）")
	default:
		return ""
	}
	i := strings.LastIndex(ward, open)
	if i < 0 {
		return ""
	}
	return strings.TrimSpace(ward[i+len(open):])
}

// LoadMappingFile reads a TOML mapping file. Entries live under [wards];
// an optional top-level unknown key overrides the unknown marker.
//
//	unknown = "未知院区"
//	[wards]
//	"庆春" = "庆春院区"
//	"急诊科1-1(下沙)" = "下沙院区"
func LoadMappingFile(path string) (Mapping, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Mapping{}, errors.Wrap(err, "reading location mapping")
	}
	var doc struct {
		Unknown string            `toml:"unknown"`
		Wards   map[string]string `toml:"wards"`
	}
	if err := toml.Unmarshal(data, &doc); err != nil {
		return Mapping{}, errors.Wrapf(err, "parsing location mapping %s", path)
	}
	return Mapping{Wards: doc.Wards, Unknown: doc.Unknown}, nil
}

// Merge returns m with other's entries added; other wins on conflicts.
func (m Mapping) Merge(other Mapping) Mapping {
	out := Mapping{Wards: make(map[string]string, len(m.Wards)+len(other.Wards)), Unknown: m.Unknown}
	for k, v := range m.Wards {
		out.Wards[k] = v
	}
	for k, v := range other.Wards {
		out.Wards[k] = v
	}
	if other.Unknown != "" {
		out.Unknown = other.Unknown
	}
	return out
}
