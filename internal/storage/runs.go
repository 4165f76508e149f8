package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"bactdb/internal/domain"
)

// RunStore implements domain.IngestRunStore on the ingest_runs table.
type RunStore struct {
	db *DB
}

// NewRunStore creates a new RunStore.
func NewRunStore(db *DB) *RunStore {
	return &RunStore{db: db}
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// CreateRun records a run outside any load, e.g. a failed or skipped one.
func (s *RunStore) CreateRun(ctx context.Context, r *domain.IngestRun) error {
	return insertRun(ctx, s.db.conn, r)
}

func insertRun(ctx context.Context, ex execer, r *domain.IngestRun) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now()
	}
	if r.FinishedAt.IsZero() {
		r.FinishedAt = time.Now()
	}
	_, err := ex.ExecContext(ctx,
		`INSERT INTO ingest_runs (id, source, fingerprint, table_name, timestamp_column,
		 started_at, finished_at, status, rows_read, rows_written, rows_duplicate,
		 temporal_failures, unmapped_rows, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Source, r.Fingerprint, r.TableName, r.TimestampColumn,
		r.StartedAt, r.FinishedAt, string(r.Status), r.RowsRead, r.RowsWritten, r.RowsDuplicate,
		r.TemporalFailures, r.UnmappedRows, r.Error,
	)
	return errors.Wrap(err, "insert ingest run")
}

const runColumns = `id, source, fingerprint, table_name, timestamp_column,
	started_at, finished_at, status, rows_read, rows_written, rows_duplicate,
	temporal_failures, unmapped_rows, error`

func scanRun(sc interface{ Scan(...any) error }) (domain.IngestRun, error) {
	var r domain.IngestRun
	var status string
	err := sc.Scan(
		&r.ID, &r.Source, &r.Fingerprint, &r.TableName, &r.TimestampColumn,
		&r.StartedAt, &r.FinishedAt, &status, &r.RowsRead, &r.RowsWritten, &r.RowsDuplicate,
		&r.TemporalFailures, &r.UnmappedRows, &r.Error,
	)
	r.Status = domain.RunStatus(status)
	return r, err
}

// ListRuns returns the newest runs first. An empty table lists all tables.
func (s *RunStore) ListRuns(ctx context.Context, table string, limit int) ([]domain.IngestRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.conn.QueryContext(ctx,
		`SELECT `+runColumns+` FROM ingest_runs
		 WHERE (? = '' OR table_name = ?)
		 ORDER BY started_at DESC, rowid DESC LIMIT ?`,
		table, table, limit,
	)
	if err != nil {
		return nil, errors.Wrap(err, "list ingest runs")
	}
	defer rows.Close()

	var runs []domain.IngestRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan ingest run")
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// FindCommitted returns the latest committed run of fingerprint into
// table, or nil when there is none.
func (s *RunStore) FindCommitted(ctx context.Context, table, fingerprint string) (*domain.IngestRun, error) {
	if fingerprint == "" {
		return nil, nil
	}
	row := s.db.conn.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM ingest_runs
		 WHERE table_name = ? AND fingerprint = ? AND status = ?
		 ORDER BY started_at DESC LIMIT 1`,
		table, fingerprint, string(domain.RunCommitted),
	)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "find committed run")
	}
	return &r, nil
}
