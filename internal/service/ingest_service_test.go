package service_test

import (
	"context"
	"database/sql"
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bactdb/internal/domain"
	"bactdb/internal/etl"
	"bactdb/internal/location"
	"bactdb/internal/logger"
	"bactdb/internal/metrics"
	"bactdb/internal/schema"
	"bactdb/internal/service"
	"bactdb/internal/storage"
	"bactdb/internal/temporal"
)

// ── Test fixtures ──────────────────────────────────────────

type fixture struct {
	db      *storage.DB
	svc     *service.IngestService
	emitter *service.MockEmitter
	dir     string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	db, err := storage.Open(filepath.Join(dir, "store", "bact.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	em := &service.MockEmitter{}
	svc := service.NewIngestService(db, service.Pipeline{
		Table:           "micro_test",
		TimestampColumn: domain.ColCollectTime,
		Deriver:         temporal.NewDeriver(time.UTC),
		Resolver: location.NewResolver(location.Mapping{Wards: map[string]string{
			"庆春": "庆春院区",
			"下沙": "下沙院区",
		}}),
	}, em, logger.Component(logger.Discard(), "test"))
	svc.Metrics = metrics.NewRegistry()
	return &fixture{db: db, svc: svc, emitter: em, dir: dir}
}

// exportRow builds a full raw row; only the identifying fields vary.
func exportRow(mrn, ward, sample, test, collected string) []string {
	return []string{
		mrn, "张三", "男", "1960-03-02", "65", "岁", ward, "痰",
		sample, "肺炎克雷伯菌", test, "S", "mg/L", "MIC", "",
		"2025-05-30 08:00:00", collected, "2025-05-30 10:00:00", "2025-06-01 16:00:00",
		"",
	}
}

func writeExport(t *testing.T, path string, header []string, rows ...[]string) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	f, err := os.Create(path)
	require.NoError(t, err)
	w := csv.NewWriter(f)
	require.NoError(t, w.Write(header))
	require.NoError(t, w.WriteAll(rows))
	require.NoError(t, f.Close())
	return path
}

func (f *fixture) count(t *testing.T) int {
	t.Helper()
	var n int
	require.NoError(t, f.db.Conn().QueryRow(`SELECT COUNT(*) FROM micro_test`).Scan(&n))
	return n
}

func threeRows() [][]string {
	return [][]string{
		exportRow("2300123456", "呼吸内科3-12(庆春)", "S1", "AMP", "2025-05-30 09:00:00"),
		exportRow("2300123456", "呼吸内科3-12(庆春)", "S1", "CIP", "2025-05-30 09:00:00"),
		exportRow("2300999999", "泌尿外科1-1（下沙）", "S2", "AMP", "2025/5/31 7:30"),
	}
}

// ── Idempotence ────────────────────────────────────────────

func TestIngestFile_SameFileTwice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	path := writeExport(t, filepath.Join(f.dir, "may.csv"), domain.RawColumns, threeRows()...)

	res, err := f.svc.IngestFile(ctx, path, service.RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, domain.RunCommitted, res.Run.Status)
	assert.Equal(t, 3, res.Run.RowsWritten)
	assert.Len(t, res.Run.Fingerprint, 64)
	assert.Equal(t, 3, f.count(t))

	res, err = f.svc.IngestFile(ctx, path, service.RunOptions{})
	require.NoError(t, err)
	assert.True(t, res.Skipped())
	assert.Equal(t, 3, f.count(t))

	res, err = f.svc.IngestFile(ctx, path, service.RunOptions{Force: true})
	require.NoError(t, err)
	assert.Equal(t, domain.RunCommitted, res.Run.Status)
	assert.Equal(t, 0, res.Run.RowsWritten)
	assert.Equal(t, 3, res.Run.RowsDuplicate)
	assert.Equal(t, 3, f.count(t))

	runs, err := f.svc.ListRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, []domain.RunStatus{domain.RunCommitted, domain.RunSkipped, domain.RunCommitted},
		[]domain.RunStatus{runs[0].Status, runs[1].Status, runs[2].Status})

	assert.Equal(t, 2.0, testutil.ToFloat64(f.svc.Metrics.Runs.WithLabelValues("committed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.svc.Metrics.Runs.WithLabelValues("skipped")))
	assert.Equal(t, 3.0, testutil.ToFloat64(f.svc.Metrics.RowsWritten))
	assert.Equal(t, 3.0, testutil.ToFloat64(f.svc.Metrics.RowsDuplicate))

	assert.Equal(t, []string{
		service.EventIngestStarted, service.EventIngestCommitted,
		service.EventIngestStarted, service.EventIngestSkipped,
		service.EventIngestStarted, service.EventIngestCommitted,
	}, f.emitter.Names())
}

func TestIngestFile_OverlappingExports(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rows := threeRows()
	a := writeExport(t, filepath.Join(f.dir, "a.csv"), domain.RawColumns, rows[0], rows[1])
	b := writeExport(t, filepath.Join(f.dir, "b.csv"), domain.RawColumns, rows[1], rows[2])

	results, err := f.svc.IngestAll(ctx, []string{a, b}, service.RunOptions{})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, 1, results[1].Run.RowsWritten)
	assert.Equal(t, 1, results[1].Run.RowsDuplicate)
	assert.Equal(t, 3, f.count(t))
}

func TestIngestFile_SameIsolateDifferentResults(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	mic := exportRow("2300123456", "呼吸内科3-12(庆春)", "S1", "AMP", "2025-05-30 09:00:00")
	mic[14] = "<=2"
	kb := append([]string{}, mic...)
	kb[11], kb[13], kb[14] = "R", "K-B法", "6"
	path := writeExport(t, filepath.Join(f.dir, "may.csv"), domain.RawColumns, mic, kb, mic)

	res, err := f.svc.IngestFile(ctx, path, service.RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Run.RowsRead)
	assert.Equal(t, 2, res.Run.RowsWritten)
	assert.Equal(t, 1, res.Run.RowsDuplicate, "only the repeated row is a duplicate")

	rows, err := f.db.Conn().Query(`SELECT test_result, test_method FROM micro_test ORDER BY rowid`)
	require.NoError(t, err)
	defer rows.Close()
	var got []string
	for rows.Next() {
		var result, method string
		require.NoError(t, rows.Scan(&result, &method))
		got = append(got, result+" "+method)
	}
	require.NoError(t, rows.Err())
	assert.Equal(t, []string{"S MIC", "R K-B法"}, got)
}

// ── Derived fields ─────────────────────────────────────────

func TestIngestFile_DerivedColumns(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	path := writeExport(t, filepath.Join(f.dir, "may.csv"), domain.RawColumns, threeRows()...)
	_, err := f.svc.IngestFile(ctx, path, service.RunOptions{})
	require.NoError(t, err)

	var (
		loc, datetime, date string
		ts                  int64
		mrn                 string
		age                 int64
	)
	require.NoError(t, f.db.Conn().QueryRow(`SELECT hospital_location, CAST(datetime AS TEXT), time_stamp, date, medical_record_no, patient_age
		FROM micro_test WHERE sample_no = 'S2'`).Scan(&loc, &datetime, &ts, &date, &mrn, &age))
	assert.Equal(t, "下沙院区", loc)
	assert.Equal(t, "2025-05-31 07:30:00", datetime)
	assert.Equal(t, "2025-05-31", date)
	assert.Equal(t, time.Date(2025, 5, 31, 7, 30, 0, 0, time.UTC).Unix(), ts)
	assert.Equal(t, "2300999999", mrn)
	assert.Equal(t, int64(65), age)

	cols, err := storage.NewTableStore(f.db).Columns(ctx, "micro_test")
	require.NoError(t, err)
	assert.Equal(t, append(append([]string{}, domain.RawColumns...), domain.DerivedColumns...), cols)
}

// ── Fatal vs soft failures ────────────────────────────────

func TestIngestFile_MissingRequiredColumnLoadsNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	header := append([]string{}, domain.RawColumns[1:]...)
	var rows [][]string
	for _, r := range threeRows() {
		rows = append(rows, r[1:])
	}
	path := writeExport(t, filepath.Join(f.dir, "bad.csv"), header, rows...)

	res, err := f.svc.IngestFile(ctx, path, service.RunOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, schema.ErrSchemaMismatch)
	assert.Equal(t, etl.FailureSchemaMismatch, etl.KindOf(err))
	assert.Contains(t, err.Error(), domain.ColMedicalRecordNo)
	assert.Equal(t, domain.RunFailed, res.Run.Status)

	var n int
	require.NoError(t, f.db.Conn().QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE name = 'micro_test'`).Scan(&n))
	assert.Zero(t, n, "no table, no rows")

	runs, err := f.svc.ListRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, domain.RunFailed, runs[0].Status)
	assert.Contains(t, runs[0].Error, domain.ColMedicalRecordNo)
	assert.Equal(t, service.EventIngestFailed, f.emitter.Names()[1])
}

func TestIngestFile_ExtraColumnPersisted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	header := append(append([]string{}, domain.RawColumns...), "campus_code")
	var rows [][]string
	for _, r := range threeRows() {
		rows = append(rows, append(r, "QC"))
	}
	path := writeExport(t, filepath.Join(f.dir, "extra.csv"), header, rows...)

	res, err := f.svc.IngestFile(ctx, path, service.RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Run.RowsWritten)
	assert.Equal(t, []string{"campus_code"}, res.Summary.ExtraColumns)
	assert.NotEmpty(t, res.Summary.Warnings)

	var code string
	require.NoError(t, f.db.Conn().QueryRow(`SELECT campus_code FROM micro_test LIMIT 1`).Scan(&code))
	assert.Equal(t, "QC", code)
}

func TestIngestFile_UnmappedAndUnparseable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	path := writeExport(t, filepath.Join(f.dir, "soft.csv"), domain.RawColumns,
		exportRow("1", "ICU1-3(余杭)", "S9", "AMP", "not a time"),
		exportRow("2", "呼吸内科3-12(庆春)", "S9", "CIP", "2025-05-30 09:00:00"),
	)

	res, err := f.svc.IngestFile(ctx, path, service.RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Run.RowsWritten)
	assert.Equal(t, 1, res.Run.UnmappedRows)
	assert.Equal(t, 1, res.Run.TemporalFailures)
	require.Len(t, res.Summary.UnmappedWards(), 1)
	assert.Equal(t, "ICU1-3(余杭)", res.Summary.UnmappedWards()[0].Ward)

	var loc string
	var dt sql.NullString
	require.NoError(t, f.db.Conn().QueryRow(`SELECT hospital_location, CAST(datetime AS TEXT) FROM micro_test WHERE medical_record_no = '1'`).Scan(&loc, &dt))
	assert.Equal(t, location.DefaultUnknown, loc)
	assert.False(t, dt.Valid, "unparseable time stays NULL")
}

// ── Transactional load ─────────────────────────────────────

func TestIngestFile_StoreFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rows := threeRows()
	first := writeExport(t, filepath.Join(f.dir, "first.csv"), domain.RawColumns, rows[0], rows[1])
	_, err := f.svc.IngestFile(ctx, first, service.RunOptions{})
	require.NoError(t, err)

	_, err = f.db.Conn().Exec(`CREATE TRIGGER poison BEFORE INSERT ON micro_test
		WHEN NEW.sample_no = 'BOOM' BEGIN SELECT RAISE(ABORT, 'poisoned row'); END`)
	require.NoError(t, err)

	second := writeExport(t, filepath.Join(f.dir, "second.csv"), domain.RawColumns,
		rows[2],
		exportRow("3", "呼吸内科3-12(庆春)", "BOOM", "AMP", "2025-05-30 09:00:00"),
	)
	res, err := f.svc.IngestFile(ctx, second, service.RunOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrStoreWrite)
	assert.Equal(t, etl.FailureStoreWrite, etl.KindOf(err))
	assert.Equal(t, domain.RunFailed, res.Run.Status)
	assert.Zero(t, res.Run.RowsWritten)
	assert.Equal(t, 2, f.count(t), "row count unchanged")

	runs, err := f.svc.ListRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, domain.RunFailed, runs[0].Status)
	assert.Contains(t, runs[0].Error, "poisoned row")
}

func TestIngestFile_CancelledBeforeCommit(t *testing.T) {
	f := newFixture(t)
	rows := threeRows()
	first := writeExport(t, filepath.Join(f.dir, "first.csv"), domain.RawColumns, rows[0], rows[1])
	_, err := f.svc.IngestFile(context.Background(), first, service.RunOptions{})
	require.NoError(t, err)

	second := writeExport(t, filepath.Join(f.dir, "second.csv"), domain.RawColumns, rows[2])
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := f.svc.IngestFile(ctx, second, service.RunOptions{Force: true})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, domain.RunFailed, res.Run.Status)
	assert.Equal(t, 2, f.count(t), "no row of the cancelled run is stored")

	runs, err := f.svc.ListRuns(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, domain.RunFailed, runs[0].Status)
	assert.Equal(t, domain.RunCommitted, runs[1].Status)
	assert.Equal(t, first, runs[1].Source)

	// Nothing was committed for the file, so it is not skipped later.
	res, err = f.svc.IngestFile(context.Background(), second, service.RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, domain.RunCommitted, res.Run.Status)
	assert.Equal(t, 1, res.Run.RowsWritten)
	assert.Equal(t, 3, f.count(t))
}

// ── Other run modes ───────────────────────────────────────

func TestIngestFile_DryRunWritesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	path := writeExport(t, filepath.Join(f.dir, "may.csv"), domain.RawColumns, threeRows()...)

	res, err := f.svc.IngestFile(ctx, path, service.RunOptions{DryRun: true})
	require.NoError(t, err)
	assert.True(t, res.DryRun)
	assert.Equal(t, 3, res.Summary.RowsRead)

	runs, err := f.svc.ListRuns(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, runs)
	_, err = f.svc.Overview(ctx)
	assert.Error(t, err, "table never created")
}

func TestIngestFile_BusyTable(t *testing.T) {
	f := newFixture(t)
	path := writeExport(t, filepath.Join(f.dir, "may.csv"), domain.RawColumns, threeRows()...)

	release := f.svc.LockTable("other.csv")
	_, err := f.svc.IngestFile(context.Background(), path, service.RunOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "other.csv")
	release()

	_, err = f.svc.IngestFile(context.Background(), path, service.RunOptions{})
	assert.NoError(t, err)
}

func TestIngestFile_UnsupportedInputs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	xls := filepath.Join(f.dir, "old.xls")
	require.NoError(t, os.WriteFile(xls, []byte("x"), 0o644))

	_, err := f.svc.IngestFile(ctx, xls, service.RunOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "xlsx")

	_, err = f.svc.IngestFile(ctx, filepath.Join(f.dir, "missing.csv"), service.RunOptions{})
	assert.Error(t, err)

	runs, err := f.svc.ListRuns(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, runs, 2)
}

func TestOverview(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	path := writeExport(t, filepath.Join(f.dir, "may.csv"), domain.RawColumns, threeRows()...)
	_, err := f.svc.IngestFile(ctx, path, service.RunOptions{})
	require.NoError(t, err)

	ov, err := f.svc.Overview(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, ov.Rows)
	assert.Equal(t, "2025-05-30", ov.FirstDate)
	assert.Equal(t, "2025-05-31", ov.LastDate)
	require.Len(t, ov.Locations, 2)
	assert.Equal(t, storage.LocationCount{Location: "庆春院区", Rows: 2}, ov.Locations[0])
}
