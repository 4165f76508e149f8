package etl

import (
	"errors"

	"bactdb/internal/domain"
	"bactdb/internal/schema"
)

// FailureKind names a class of pipeline failure.
type FailureKind string

const (
	// Fatal: the header is missing required columns (or is ambiguous).
	FailureSchemaMismatch FailureKind = "schema_mismatch"
	// Soft: extra columns are carried through.
	FailureSchemaExtension FailureKind = "schema_extension"
	// Soft: the row is loaded with NULL temporal fields.
	FailureTemporalParse FailureKind = "temporal_parse"
	// Soft: the row is loaded with the unknown location marker.
	FailureUnmappedLocation FailureKind = "unmapped_location"
	// Fatal: the load was rolled back.
	FailureStoreWrite FailureKind = "store_write"
	// Anything else: unreadable input, bad config, cancellation.
	FailureOther FailureKind = "other"
)

// Fatal reports whether a failure of this kind aborts the run.
func (k FailureKind) Fatal() bool {
	switch k {
	case FailureSchemaExtension, FailureTemporalParse, FailureUnmappedLocation:
		return false
	}
	return true
}

// KindOf classifies an error returned by the pipeline; nil has no kind.
func KindOf(err error) FailureKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, schema.ErrSchemaMismatch):
		return FailureSchemaMismatch
	case errors.Is(err, domain.ErrStoreWrite):
		return FailureStoreWrite
	}
	return FailureOther
}
