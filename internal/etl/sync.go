package etl

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"bactdb/internal/domain"
	"bactdb/internal/location"
	"bactdb/internal/schema"
	"bactdb/internal/temporal"
)

// ── Job ────────────────────────────────────────────────────
// Orchestrates: source.Discover → validate → source.Read →
// transform chain → derive → normalize → destination.Write.

// Job holds the configuration for a single ingestion run.
type Job struct {
	SourceType      string       `json:"sourceType"`
	SourceCfg       SourceConfig `json:"sourceConfig"`
	Source          string       `json:"source"` // display location of the input
	Table           string       `json:"table"`
	TimestampColumn string       `json:"timestampColumn"`
	DryRun          bool         `json:"dryRun"`

	// Run is the ledger entry committed with the rows. May be nil.
	Run *domain.IngestRun `json:"-"`
}

// ── Engine ─────────────────────────────────────────────────

// Engine runs ingestion jobs using the registered sources and a destination.
type Engine struct {
	Dest      Destination
	Validator *schema.Validator
	Deriver   *temporal.Deriver
	Resolver  *location.Resolver
	Log       *logrus.Entry
}

// Run executes a job end-to-end. The summary is returned even on error
// and holds whatever was counted before the failure.
func (e *Engine) Run(ctx context.Context, job *Job) (*Summary, error) {
	start := time.Now()
	tsCol := job.TimestampColumn
	if tsCol == "" {
		tsCol = domain.DefaultTimestampColumn
	}
	sum := &Summary{Source: job.Source, Table: job.Table, TimestampColumn: tsCol, DryRun: job.DryRun}
	defer func() { sum.Duration = time.Since(start) }()

	if !domain.IsTimestampColumn(tsCol) {
		return sum, errors.Errorf("timestamp column %q is not one of %v", tsCol, domain.TimestampColumns)
	}
	log := e.logger().WithFields(logrus.Fields{"source": job.Source, "table": job.Table})

	// 1. Resolve source from registry.
	source, err := GetSource(job.SourceType)
	if err != nil {
		return sum, err
	}

	// 2. Validate the header before any row is read.
	header, err := source.Discover(ctx, job.SourceCfg)
	if err != nil {
		return sum, errors.Wrap(err, "discover")
	}
	rep := e.validator().Validate(header.FieldNames())
	if err := rep.Err(); err != nil {
		return sum, err
	}
	sum.ExtraColumns = rep.Extra
	sum.Warnings = rep.Warnings()
	for _, w := range sum.Warnings {
		log.Warn(w)
	}

	columns := InputColumns(rep.Extra)
	output := OutputSchema(rep.Extra)
	transformers := []Transformer{
		CleanTransform{},
		&RenameTransform{Mapping: rep.Renamed},
		&IdentifierTransform{Fields: []string{domain.ColMedicalRecordNo}},
		&IntegerTransform{Fields: []string{domain.ColPatientAge}},
	}

	// 3. Read, transform and normalize records.
	recCh, errCh := source.Read(ctx, job.SourceCfg)
	var records []Record
	for rec := range recCh {
		sum.RowsRead++
		cleaned, keep := ApplyTransformers(rec, transformers)
		if !keep {
			sum.RowsDropped++
			continue
		}
		records = append(records, Normalize(cleaned, columns, e.derive(cleaned, tsCol, sum)))
	}
	if err := <-errCh; err != nil {
		return sum, errors.Wrap(err, "read")
	}
	if err := ctx.Err(); err != nil {
		return sum, err
	}

	if sum.TemporalFailures > 0 {
		log.WithField("rows", sum.TemporalFailures).Warnf("%s could not be parsed; datetime, time_stamp and date left NULL", tsCol)
	}
	if sum.UnmappedRows > 0 {
		log.WithField("rows", sum.UnmappedRows).Warnf("%d ward name(s) have no location mapping", len(sum.Unmapped))
	}

	if job.DryRun {
		log.WithField("rows", len(records)).Info("dry run, nothing written")
		return sum, nil
	}

	// 4. Write to destination together with the ledger entry.
	if run := job.Run; run != nil {
		run.TableName = job.Table
		run.TimestampColumn = tsCol
		run.Status = domain.RunCommitted
		run.RowsRead = sum.RowsRead
		run.TemporalFailures = sum.TemporalFailures
		run.UnmappedRows = sum.UnmappedRows
		run.FinishedAt = time.Now()
	}
	res, err := e.Dest.Write(ctx, job.Table, output, records, job.Run)
	if err != nil {
		return sum, err
	}
	sum.RowsWritten = res.Written
	sum.RowsDuplicate = res.Duplicates

	log.WithFields(logrus.Fields{
		"read":      sum.RowsRead,
		"written":   sum.RowsWritten,
		"duplicate": sum.RowsDuplicate,
	}).Info("load committed")
	return sum, nil
}

// derive computes hospital_location and the temporal fields of a row,
// recording soft failures in sum.
func (e *Engine) derive(rec Record, tsCol string, sum *Summary) Derived {
	ward, _ := rec.Text(domain.ColWardName)
	loc, mapped := e.resolver().Resolve(ward)
	sum.addLocation(loc, mapped, ward)

	text, _ := rec.Text(tsCol)
	fields, err := e.deriver().Derive(text)
	if err != nil {
		sum.addTemporalFailure(rec.Row, tsCol, text)
	}
	return Derived{Location: loc, Temporal: fields}
}

func (e *Engine) validator() *schema.Validator {
	if e.Validator == nil {
		e.Validator = schema.NewValidator()
	}
	return e.Validator
}

func (e *Engine) deriver() *temporal.Deriver {
	if e.Deriver == nil {
		e.Deriver = temporal.NewDeriver(time.Local)
	}
	return e.Deriver
}

func (e *Engine) resolver() *location.Resolver {
	if e.Resolver == nil {
		e.Resolver = location.NewResolver(location.Mapping{})
	}
	return e.Resolver
}

func (e *Engine) logger() *logrus.Entry {
	if e.Log == nil {
		e.Log = logrus.NewEntry(logrus.StandardLogger()).WithField("component", "etl")
	}
	return e.Log
}
