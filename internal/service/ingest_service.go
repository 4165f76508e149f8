package service

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"bactdb/internal/domain"
	"bactdb/internal/etl"
	"bactdb/internal/etl/sources"
	"bactdb/internal/fetch"
	"bactdb/internal/location"
	"bactdb/internal/metrics"
	"bactdb/internal/storage"
	"bactdb/internal/temporal"
)

// ─────────────────────────────────────────────────────────────
// Ingest Service: runs the pipeline against one store table
// ─────────────────────────────────────────────────────────────

// Pipeline holds the settings shared by every run of a process.
type Pipeline struct {
	Table           string
	TimestampColumn string
	Deriver         *temporal.Deriver
	Resolver        *location.Resolver
	File            sources.FileOptions
}

// RunOptions are the per-invocation switches.
type RunOptions struct {
	// Force reloads a file whose fingerprint already has a committed run.
	Force bool
	// DryRun validates and derives without writing anything.
	DryRun bool
}

// Result is the outcome of one run.
type Result struct {
	Run     *domain.IngestRun
	Summary *etl.Summary
	DryRun  bool
}

// Skipped reports whether the input was already loaded.
func (r *Result) Skipped() bool {
	return r != nil && r.Run != nil && r.Run.Status == domain.RunSkipped
}

// IngestService loads exports into the store and keeps the run ledger.
type IngestService struct {
	db       *storage.DB
	runs     *storage.RunStore
	tables   *storage.TableStore
	pipeline Pipeline
	emitter  EventEmitter
	log      *logrus.Entry
	guard    runningGuard

	// Fetcher materializes remote inputs; defaults to fetch.New.
	Fetcher *fetch.Fetcher
	// Metrics, when set, observes every finished run.
	Metrics *metrics.Registry
}

// NewIngestService creates an IngestService ready for use.
func NewIngestService(db *storage.DB, p Pipeline, emitter EventEmitter, log *logrus.Entry) *IngestService {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if p.TimestampColumn == "" {
		p.TimestampColumn = domain.DefaultTimestampColumn
	}
	if emitter == nil {
		emitter = MultiEmitter{}
	}
	log = log.WithField("component", "ingest")
	return &IngestService{
		db:       db,
		runs:     storage.NewRunStore(db),
		tables:   storage.NewTableStore(db),
		pipeline: p,
		emitter:  emitter,
		log:      log,
		Fetcher:  fetch.New(log),
	}
}

// Table returns the target table.
func (s *IngestService) Table() string { return s.pipeline.Table }

// ── Run ────────────────────────────────────────────────────

// IngestFile runs the pipeline for one export: a local path, an http(s)
// URL or an s3:// object.
func (s *IngestService) IngestFile(ctx context.Context, src string, opts RunOptions) (*Result, error) {
	release, err := s.lock(src)
	if err != nil {
		return nil, err
	}
	defer release()

	run := s.newRun(src)
	s.emitter.Emit(ctx, EventIngestStarted, run)

	in, err := s.Fetcher.Fetch(ctx, src)
	if err != nil {
		return s.fail(ctx, run, nil, err)
	}
	defer in.Close()
	run.Fingerprint = in.Fingerprint

	if !opts.Force && !opts.DryRun {
		prev, err := s.runs.FindCommitted(ctx, s.pipeline.Table, in.Fingerprint)
		if err != nil {
			return s.fail(ctx, run, nil, err)
		}
		if prev != nil {
			return s.skip(ctx, run, prev)
		}
	}

	srcType, cfg, err := sources.ForPath(in.Path, s.pipeline.File)
	if err != nil {
		return s.fail(ctx, run, nil, err)
	}
	return s.execute(ctx, run, srcType, cfg, opts)
}

// IngestLIS runs the pipeline against a query on a registered LIS
// connection. Database pulls have no fingerprint; row keys alone keep
// repeated pulls idempotent.
func (s *IngestService) IngestLIS(ctx context.Context, connName, query string, fetchSize int, opts RunOptions) (*Result, error) {
	src := "lis://" + connName
	release, err := s.lock(src)
	if err != nil {
		return nil, err
	}
	defer release()

	run := s.newRun(src)
	s.emitter.Emit(ctx, EventIngestStarted, run)
	cfg := etl.SourceConfig{"connection": connName, "query": query, "fetch_size": fetchSize}
	return s.execute(ctx, run, "lis_database", cfg, opts)
}

// IngestAll ingests each source in turn. Every source is attempted; the
// first error is returned along with all results.
func (s *IngestService) IngestAll(ctx context.Context, srcs []string, opts RunOptions) ([]*Result, error) {
	var (
		results []*Result
		first   error
	)
	for _, src := range srcs {
		if ctx.Err() != nil {
			break
		}
		res, err := s.IngestFile(ctx, src, opts)
		if res != nil {
			results = append(results, res)
		}
		if err != nil && first == nil {
			first = errors.WithMessage(err, fetch.Base(src))
		}
	}
	if first == nil {
		first = ctx.Err()
	}
	return results, first
}

func (s *IngestService) lock(src string) (func(), error) {
	key := storeKey(s.db.Path(), s.pipeline.Table)
	holder, ok := s.guard.TryLock(key, src)
	if !ok {
		return nil, errors.Errorf("table %q in %s is busy: %s is being loaded", s.pipeline.Table, s.db.Path(), holder)
	}
	return func() { s.guard.Unlock(key) }, nil
}

func (s *IngestService) newRun(src string) *domain.IngestRun {
	return &domain.IngestRun{
		Source:          src,
		TableName:       s.pipeline.Table,
		TimestampColumn: s.pipeline.TimestampColumn,
		StartedAt:       time.Now(),
	}
}

func (s *IngestService) execute(ctx context.Context, run *domain.IngestRun, srcType string, cfg etl.SourceConfig, opts RunOptions) (*Result, error) {
	engine := &etl.Engine{
		Dest:     &etl.StoreWriter{Store: s.tables},
		Deriver:  s.pipeline.Deriver,
		Resolver: s.pipeline.Resolver,
		Log:      s.log,
	}
	job := &etl.Job{
		SourceType:      srcType,
		SourceCfg:       cfg,
		Source:          run.Source,
		Table:           s.pipeline.Table,
		TimestampColumn: s.pipeline.TimestampColumn,
		DryRun:          opts.DryRun,
		Run:             run,
	}

	sum, err := engine.Run(ctx, job)
	if err != nil {
		return s.fail(ctx, run, sum, err)
	}
	if opts.DryRun {
		run.RowsRead = sum.RowsRead
		run.TemporalFailures = sum.TemporalFailures
		run.UnmappedRows = sum.UnmappedRows
		run.FinishedAt = time.Now()
		return &Result{Run: run, Summary: sum, DryRun: true}, nil
	}

	s.observe(run)
	s.emitter.Emit(ctx, EventIngestCommitted, run)
	return &Result{Run: run, Summary: sum}, nil
}

// skip records that the input was already committed.
func (s *IngestService) skip(ctx context.Context, run *domain.IngestRun, prev *domain.IngestRun) (*Result, error) {
	run.Status = domain.RunSkipped
	run.FinishedAt = time.Now()
	if err := s.runs.CreateRun(ctx, run); err != nil {
		return nil, err
	}
	s.log.WithFields(logrus.Fields{
		"source":    run.Source,
		"loaded_by": prev.ID,
		"loaded_at": prev.FinishedAt.Format(time.DateTime),
	}).Info("already loaded, skipping (use --force to reload)")

	s.observe(run)
	s.emitter.Emit(ctx, EventIngestSkipped, run)
	return &Result{Run: run}, nil
}

// fail records a failed run in the ledger and returns err unchanged so
// callers can classify it. Anything the rolled-back load counted is reset.
func (s *IngestService) fail(ctx context.Context, run *domain.IngestRun, sum *etl.Summary, err error) (*Result, error) {
	run.Status = domain.RunFailed
	run.Error = err.Error()
	run.RowsWritten, run.RowsDuplicate = 0, 0
	if sum != nil {
		run.RowsRead = sum.RowsRead
		run.TemporalFailures = sum.TemporalFailures
		run.UnmappedRows = sum.UnmappedRows
	}
	run.FinishedAt = time.Now()

	// The run may have been cancelled; the ledger entry is still written.
	if lerr := s.runs.CreateRun(context.WithoutCancel(ctx), run); lerr != nil {
		s.log.WithError(lerr).Error("record failed run")
	}
	s.log.WithFields(logrus.Fields{
		"source": run.Source,
		"kind":   etl.KindOf(err),
	}).WithError(err).Error("ingest failed")

	s.observe(run)
	s.emitter.Emit(ctx, EventIngestFailed, run)
	return &Result{Run: run, Summary: sum}, err
}

func (s *IngestService) observe(run *domain.IngestRun) {
	if s.Metrics != nil {
		s.Metrics.ObserveRun(run)
	}
}

// ── Ledger and verification ───────────────────────────────

// ListRuns returns the newest runs against the service's table.
func (s *IngestService) ListRuns(ctx context.Context, limit int) ([]domain.IngestRun, error) {
	return s.runs.ListRuns(ctx, s.pipeline.Table, limit)
}

// Overview summarizes the loaded table.
func (s *IngestService) Overview(ctx context.Context) (*storage.Overview, error) {
	return s.tables.Overview(ctx, s.pipeline.Table)
}

// WaitRunning blocks until running loads finish or ctx is cancelled.
// Used for graceful shutdown.
func (s *IngestService) WaitRunning(ctx context.Context) {
	s.guard.WaitAll(ctx)
}
