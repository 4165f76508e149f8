package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"bactdb/internal/domain"
)

// ── Store write errors ─────────────────────────────────────

// StoreWriteError is a failed load. Nothing of the run was committed.
type StoreWriteError struct {
	Table string
	Op    string
	Err   error
}

func (e *StoreWriteError) Error() string {
	return fmt.Sprintf("store write failed (%s %q), nothing committed: %v", e.Op, e.Table, e.Err)
}

func (e *StoreWriteError) Unwrap() error { return e.Err }

func (e *StoreWriteError) Is(target error) bool { return target == domain.ErrStoreWrite }

// ── TableStore ─────────────────────────────────────────────

// TableStore implements domain.RecordTableStore: normalized rows go to a
// table named by configuration, created and widened on demand.
type TableStore struct {
	db *DB
}

// NewTableStore creates a new TableStore.
func NewTableStore(db *DB) *TableStore {
	return &TableStore{db: db}
}

// AppendRun loads one run in a single transaction: ensure the table and
// its indexes, insert rows whose key is new, write the ledger entry.
// Any failure rolls back all of it.
func (s *TableStore) AppendRun(ctx context.Context, table string, columns []domain.Column, rows [][]any, keys []string, run *domain.IngestRun) (written, duplicates int, err error) {
	fail := func(op string, err error) (int, int, error) {
		return 0, 0, &StoreWriteError{Table: table, Op: op, Err: err}
	}
	if err := ValidateTableName(table); err != nil {
		return fail("validate", err)
	}
	if len(keys) != len(rows) {
		return fail("validate", errors.Errorf("%d rows but %d keys", len(rows), len(keys)))
	}

	tx, err := s.db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fail("begin", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if err = ensureTable(ctx, tx, table, columns); err != nil {
		return fail("schema", err)
	}

	if len(rows) > 0 {
		stmt, perr := tx.PrepareContext(ctx, insertSQL(table, columns))
		if perr != nil {
			err = perr
			return fail("prepare", err)
		}
		defer stmt.Close()

		args := make([]any, len(columns)+1)
		for i, row := range rows {
			if len(row) != len(columns) {
				err = errors.Errorf("row %d has %d values for %d columns", i+1, len(row), len(columns))
				return fail("insert", err)
			}
			copy(args, row)
			args[len(columns)] = keys[i]
			res, xerr := stmt.ExecContext(ctx, args...)
			if xerr != nil {
				err = errors.Wrapf(xerr, "row %d", i+1)
				return fail("insert", err)
			}
			if n, _ := res.RowsAffected(); n > 0 {
				written++
			} else {
				duplicates++
			}
		}
	}

	if run != nil {
		run.TableName = table
		run.RowsWritten = written
		run.RowsDuplicate = duplicates
		if err = insertRun(ctx, tx, run); err != nil {
			return fail("ledger", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fail("commit", err)
	}
	return written, duplicates, nil
}

// ensureTable creates table from columns, or adds the columns it lacks.
// Columns are only ever added.
func ensureTable(ctx context.Context, tx *sql.Tx, table string, columns []domain.Column) error {
	existing, err := tableColumns(ctx, tx, table)
	if err != nil {
		return err
	}

	if len(existing) == 0 {
		defs := make([]string, 0, len(columns)+1)
		for _, c := range columns {
			defs = append(defs, quoteIdent(c.Name)+" "+sqlType(c.Type))
		}
		defs = append(defs, quoteIdent(domain.RowKeyColumn)+" TEXT")
		ddl := fmt.Sprintf("CREATE TABLE %s (\n\t%s\n)", quoteIdent(table), strings.Join(defs, ",\n\t"))
		if _, err := tx.ExecContext(ctx, ddl); err != nil {
			return errors.Wrap(err, "create table")
		}
	} else {
		have := make(map[string]bool, len(existing))
		for _, c := range existing {
			have[c] = true
		}
		add := append([]domain.Column{}, columns...)
		add = append(add, domain.Column{Name: domain.RowKeyColumn, Type: domain.ColumnText})
		for _, c := range add {
			if have[c.Name] {
				continue
			}
			stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", quoteIdent(table), quoteIdent(c.Name), sqlType(c.Type))
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return errors.Wrapf(err, "add column %q", c.Name)
			}
		}
	}

	for _, stmt := range indexSQL(table) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "create index")
		}
	}
	return nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// tableColumns lists a table's columns in order; none when it does not exist.
func tableColumns(ctx context.Context, q queryer, table string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT name FROM pragma_table_info(?) ORDER BY cid`, table)
	if err != nil {
		return nil, errors.Wrap(err, "table info")
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		cols = append(cols, name)
	}
	return cols, rows.Err()
}

func insertSQL(table string, columns []domain.Column) string {
	names := make([]string, 0, len(columns)+1)
	marks := make([]string, 0, len(columns)+1)
	for _, c := range columns {
		names = append(names, quoteIdent(c.Name))
		marks = append(marks, "?")
	}
	names = append(names, quoteIdent(domain.RowKeyColumn))
	marks = append(marks, "?")
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT(%s) DO NOTHING",
		quoteIdent(table), strings.Join(names, ", "), strings.Join(marks, ", "), quoteIdent(domain.RowKeyColumn))
}

// indexSQL returns the row-key index and the indexes the dashboard filters by.
func indexSQL(table string) []string {
	return []string{
		fmt.Sprintf("CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s(%s)",
			quoteIdent("ux_"+table+"_row_key"), quoteIdent(table), quoteIdent(domain.RowKeyColumn)),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s(%s)",
			quoteIdent("idx_"+table+"_datetime"), quoteIdent(table), quoteIdent(domain.ColDatetime)),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s(%s, %s)",
			quoteIdent("idx_"+table+"_location_organism"), quoteIdent(table),
			quoteIdent(domain.ColHospitalLocation), quoteIdent(domain.ColMicroTestName)),
	}
}

func sqlType(t domain.ColumnType) string {
	switch t {
	case domain.ColumnInteger:
		return "INTEGER"
	case domain.ColumnReal:
		return "REAL"
	case domain.ColumnTimestamp:
		return "TIMESTAMP"
	default:
		return "TEXT"
	}
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// ValidateTableName rejects names that cannot hold normalized records.
func ValidateTableName(table string) error {
	switch {
	case strings.TrimSpace(table) == "":
		return errors.New("table name is empty")
	case strings.ContainsRune(table, 0):
		return errors.New("table name contains NUL")
	case strings.HasPrefix(strings.ToLower(table), "sqlite_"):
		return errors.Errorf("table name %q is reserved by sqlite", table)
	case table == "ingest_runs":
		return errors.Errorf("table name %q is reserved for the run ledger", table)
	}
	return nil
}

// ── Read side ──────────────────────────────────────────────

// Columns returns the table's data columns in order, without bookkeeping
// columns. Empty when the table does not exist.
func (s *TableStore) Columns(ctx context.Context, table string) ([]string, error) {
	cols, err := tableColumns(ctx, s.db.conn, table)
	if err != nil {
		return nil, err
	}
	out := cols[:0]
	for _, c := range cols {
		if c != domain.RowKeyColumn {
			out = append(out, c)
		}
	}
	return out, nil
}

// Count returns the number of rows in table.
func (s *TableStore) Count(ctx context.Context, table string) (int, error) {
	var n int
	err := s.db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+quoteIdent(table)).Scan(&n)
	return n, errors.Wrap(err, "count rows")
}

// LocationCount is the number of rows per hospital location.
type LocationCount struct {
	Location string `json:"location"`
	Rows     int    `json:"rows"`
}

// Overview summarizes a loaded table for verification.
type Overview struct {
	Table     string          `json:"table"`
	Columns   []string        `json:"columns"`
	Rows      int             `json:"rows"`
	Locations []LocationCount `json:"locations"`
	FirstDate string          `json:"firstDate"`
	LastDate  string          `json:"lastDate"`
}

// Overview returns the column list, row count, rows per location and
// date range of table.
func (s *TableStore) Overview(ctx context.Context, table string) (*Overview, error) {
	cols, err := s.Columns(ctx, table)
	if err != nil {
		return nil, err
	}
	if len(cols) == 0 {
		return nil, errors.Errorf("table %q does not exist", table)
	}
	ov := &Overview{Table: table, Columns: cols}
	if ov.Rows, err = s.Count(ctx, table); err != nil {
		return nil, err
	}

	rows, err := s.db.conn.QueryContext(ctx, fmt.Sprintf(
		`SELECT COALESCE(%[1]s, ''), COUNT(*) FROM %[2]s GROUP BY 1 ORDER BY 2 DESC, 1`,
		quoteIdent(domain.ColHospitalLocation), quoteIdent(table)))
	if err != nil {
		return nil, errors.Wrap(err, "count locations")
	}
	defer rows.Close()
	for rows.Next() {
		var lc LocationCount
		if err := rows.Scan(&lc.Location, &lc.Rows); err != nil {
			return nil, err
		}
		ov.Locations = append(ov.Locations, lc)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var first, last sql.NullString
	err = s.db.conn.QueryRowContext(ctx, fmt.Sprintf(`SELECT MIN(%[1]s), MAX(%[1]s) FROM %[2]s`,
		quoteIdent(domain.ColDate), quoteIdent(table))).Scan(&first, &last)
	if err != nil {
		return nil, errors.Wrap(err, "date range")
	}
	ov.FirstDate, ov.LastDate = first.String, last.String
	return ov, nil
}
