package storage_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bactdb/internal/domain"
	"bactdb/internal/storage"
)

func openDB(t *testing.T) *storage.DB {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "nested", "bact.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

var testColumns = []domain.Column{
	{Name: domain.ColSampleNo, Type: domain.ColumnText},
	{Name: domain.ColPatientAge, Type: domain.ColumnInteger},
	{Name: domain.ColHospitalLocation, Type: domain.ColumnText},
	{Name: domain.ColMicroTestName, Type: domain.ColumnText},
	{Name: domain.ColDatetime, Type: domain.ColumnTimestamp},
	{Name: domain.ColDate, Type: domain.ColumnText},
}

func sampleRows(samples ...string) ([][]any, []string) {
	var rows [][]any
	var keys []string
	for _, s := range samples {
		rows = append(rows, []any{s, int64(40), "庆春院区", "大肠埃希菌", "2025-05-30 09:00:00", "2025-05-30"})
		keys = append(keys, "key-"+s)
	}
	return rows, keys
}

func TestAppendRun_CreatesTableAndIsIdempotent(t *testing.T) {
	db := openDB(t)
	ctx := context.Background()
	tables := storage.NewTableStore(db)
	runs := storage.NewRunStore(db)

	rows, keys := sampleRows("S1", "S2", "S3")
	run1 := &domain.IngestRun{Source: "a.xlsx", Fingerprint: "fp", Status: domain.RunCommitted}
	written, dups, err := tables.AppendRun(ctx, "micro_test", testColumns, rows, keys, run1)
	require.NoError(t, err)
	assert.Equal(t, 3, written)
	assert.Zero(t, dups)
	assert.NotEmpty(t, run1.ID)

	cols, err := tables.Columns(ctx, "micro_test")
	require.NoError(t, err)
	assert.Equal(t, []string{domain.ColSampleNo, domain.ColPatientAge, domain.ColHospitalLocation, domain.ColMicroTestName, domain.ColDatetime, domain.ColDate}, cols)

	run2 := &domain.IngestRun{Source: "a.xlsx", Fingerprint: "fp", Status: domain.RunCommitted}
	written, dups, err = tables.AppendRun(ctx, "micro_test", testColumns, rows, keys, run2)
	require.NoError(t, err)
	assert.Zero(t, written)
	assert.Equal(t, 3, dups)

	n, err := tables.Count(ctx, "micro_test")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	list, err := runs.ListRuns(ctx, "micro_test", 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, 3, list[1].RowsWritten+list[0].RowsWritten)
	assert.Equal(t, 3, list[0].RowsDuplicate+list[1].RowsDuplicate)

	found, err := runs.FindCommitted(ctx, "micro_test", "fp")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, domain.RunCommitted, found.Status)

	none, err := runs.FindCommitted(ctx, "other_table", "fp")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestAppendRun_AddsColumns(t *testing.T) {
	db := openDB(t)
	ctx := context.Background()
	tables := storage.NewTableStore(db)

	rows, keys := sampleRows("S1")
	_, _, err := tables.AppendRun(ctx, "micro_test", testColumns, rows, keys, nil)
	require.NoError(t, err)

	wider := append(append([]domain.Column{}, testColumns...), domain.Column{Name: "campus_code", Type: domain.ColumnText})
	_, _, err = tables.AppendRun(ctx, "micro_test", wider, [][]any{{"S2", int64(1), "x", "y", nil, nil, "QC"}}, []string{"key-S2"}, nil)
	require.NoError(t, err)

	cols, err := tables.Columns(ctx, "micro_test")
	require.NoError(t, err)
	assert.Equal(t, "campus_code", cols[len(cols)-1])

	var campus *string
	require.NoError(t, db.Conn().QueryRow(`SELECT campus_code FROM micro_test WHERE sample_no = 'S1'`).Scan(&campus))
	assert.Nil(t, campus, "old rows read NULL for new columns")

	// a narrower load still works; missing columns stay NULL
	_, _, err = tables.AppendRun(ctx, "micro_test", testColumns[:2], [][]any{{"S3", int64(2)}}, []string{"key-S3"}, nil)
	require.NoError(t, err)
	n, err := tables.Count(ctx, "micro_test")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestAppendRun_LegacyTableWithoutRowKey(t *testing.T) {
	db := openDB(t)
	ctx := context.Background()
	tables := storage.NewTableStore(db)

	// A table written by the old converter: data columns only.
	_, err := db.Conn().Exec(`CREATE TABLE micro_test (sample_no TEXT, patient_age INTEGER, hospital_location TEXT)`)
	require.NoError(t, err)
	_, err = db.Conn().Exec(`INSERT INTO micro_test VALUES ('L1', 50, '庆春院区'), ('L2', 51, '之江院区')`)
	require.NoError(t, err)

	rows, keys := sampleRows("S1", "S2")
	written, dups, err := tables.AppendRun(ctx, "micro_test", testColumns, rows, keys, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, written)
	assert.Zero(t, dups)

	cols, err := tables.Columns(ctx, "micro_test")
	require.NoError(t, err)
	assert.Equal(t, []string{domain.ColSampleNo, domain.ColPatientAge, domain.ColHospitalLocation, domain.ColMicroTestName, domain.ColDatetime, domain.ColDate}, cols)

	var legacyKeys int
	require.NoError(t, db.Conn().QueryRow(`SELECT COUNT(*) FROM micro_test WHERE _row_key IS NULL`).Scan(&legacyKeys))
	assert.Equal(t, 2, legacyKeys, "existing rows keep a NULL key")

	written, dups, err = tables.AppendRun(ctx, "micro_test", testColumns, rows, keys, nil)
	require.NoError(t, err)
	assert.Zero(t, written)
	assert.Equal(t, 2, dups)

	n, err := tables.Count(ctx, "micro_test")
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestAppendRun_RollsBackOnFailure(t *testing.T) {
	db := openDB(t)
	ctx := context.Background()
	tables := storage.NewTableStore(db)
	runs := storage.NewRunStore(db)

	rows, keys := sampleRows("S1", "S2")
	_, _, err := tables.AppendRun(ctx, "micro_test", testColumns, rows, keys, &domain.IngestRun{Source: "first"})
	require.NoError(t, err)

	_, err = db.Conn().Exec(`CREATE TRIGGER poison BEFORE INSERT ON micro_test
		WHEN NEW.sample_no = 'BOOM' BEGIN SELECT RAISE(ABORT, 'poisoned row'); END`)
	require.NoError(t, err)

	wider := append(append([]domain.Column{}, testColumns...), domain.Column{Name: "campus_code", Type: domain.ColumnText})
	bad := [][]any{
		{"S3", int64(1), "x", "y", nil, nil, "QC"},
		{"BOOM", int64(1), "x", "y", nil, nil, "QC"},
		{"S4", int64(1), "x", "y", nil, nil, "QC"},
	}
	run := &domain.IngestRun{Source: "second", Status: domain.RunCommitted}
	_, _, err = tables.AppendRun(ctx, "micro_test", wider, bad, []string{"k3", "kb", "k4"}, run)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrStoreWrite)
	var swe *storage.StoreWriteError
	require.ErrorAs(t, err, &swe)
	assert.Equal(t, "insert", swe.Op)
	assert.Contains(t, err.Error(), "poisoned row")

	n, err := tables.Count(ctx, "micro_test")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	cols, err := tables.Columns(ctx, "micro_test")
	require.NoError(t, err)
	assert.NotContains(t, cols, "campus_code", "schema change rolled back too")

	list, err := runs.ListRuns(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "first", list[0].Source)
}

func TestAppendRun_RejectsBadInput(t *testing.T) {
	tables := storage.NewTableStore(openDB(t))
	ctx := context.Background()

	for _, name := range []string{"", "ingest_runs", "sqlite_master"} {
		_, _, err := tables.AppendRun(ctx, name, testColumns, nil, nil, nil)
		assert.ErrorIs(t, err, domain.ErrStoreWrite, name)
	}

	rows, _ := sampleRows("S1")
	_, _, err := tables.AppendRun(ctx, "micro_test", testColumns, rows, nil, nil)
	assert.Error(t, err)
}

func TestAppendRun_EmptyRunCreatesTable(t *testing.T) {
	db := openDB(t)
	tables := storage.NewTableStore(db)
	ctx := context.Background()

	run := &domain.IngestRun{Source: "empty.csv", Status: domain.RunCommitted}
	written, dups, err := tables.AppendRun(ctx, "odd \"name\"", testColumns, nil, nil, run)
	require.NoError(t, err)
	assert.Zero(t, written+dups)

	cols, err := tables.Columns(ctx, "odd \"name\"")
	require.NoError(t, err)
	assert.Len(t, cols, len(testColumns))

	var indexes int
	require.NoError(t, db.Conn().QueryRow(
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'index' AND tbl_name = ?`, "odd \"name\"").Scan(&indexes))
	assert.Equal(t, 3, indexes)
}

func TestRunStore_ListAndOrder(t *testing.T) {
	db := openDB(t)
	runs := storage.NewRunStore(db)
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)

	for i, status := range []domain.RunStatus{domain.RunCommitted, domain.RunFailed, domain.RunSkipped} {
		require.NoError(t, runs.CreateRun(ctx, &domain.IngestRun{
			Source:     "f.csv",
			TableName:  "micro_test",
			Status:     status,
			StartedAt:  base.Add(time.Duration(i) * time.Minute),
			FinishedAt: base.Add(time.Duration(i)*time.Minute + time.Second),
			Error:      string(status),
		}))
	}
	require.NoError(t, runs.CreateRun(ctx, &domain.IngestRun{Source: "g.csv", TableName: "other", Status: domain.RunCommitted}))

	list, err := runs.ListRuns(ctx, "micro_test", 0)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, domain.RunSkipped, list[0].Status)
	assert.Equal(t, domain.RunCommitted, list[2].Status)
	assert.True(t, list[2].StartedAt.Equal(base))

	all, err := runs.ListRuns(ctx, "", 2)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	none, err := runs.FindCommitted(ctx, "micro_test", "")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestOverview(t *testing.T) {
	db := openDB(t)
	tables := storage.NewTableStore(db)
	ctx := context.Background()

	rows := [][]any{
		{"S1", int64(1), "庆春院区", "a", nil, "2025-05-01"},
		{"S2", int64(1), "庆春院区", "a", nil, "2025-05-30"},
		{"S3", int64(1), "未知院区", "a", nil, nil},
	}
	_, _, err := tables.AppendRun(ctx, "micro_test", testColumns, rows, []string{"1", "2", "3"}, nil)
	require.NoError(t, err)

	ov, err := tables.Overview(ctx, "micro_test")
	require.NoError(t, err)
	assert.Equal(t, 3, ov.Rows)
	assert.Equal(t, []storage.LocationCount{{Location: "庆春院区", Rows: 2}, {Location: "未知院区", Rows: 1}}, ov.Locations)
	assert.Equal(t, "2025-05-01", ov.FirstDate)
	assert.Equal(t, "2025-05-30", ov.LastDate)

	_, err = tables.Overview(ctx, "missing")
	assert.Error(t, err)
}
