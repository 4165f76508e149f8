package etl_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bactdb/internal/domain"
	"bactdb/internal/etl"
	"bactdb/internal/location"
	"bactdb/internal/schema"
	"bactdb/internal/temporal"
)

// ── Test fixtures ──────────────────────────────────────────

// memorySource serves the header and rows passed in its config.
type memorySource struct{}

func init() { etl.RegisterSource(memorySource{}) }

func (memorySource) Spec() etl.SourceSpec { return etl.SourceSpec{Type: "memory", Label: "Memory"} }

func (memorySource) Discover(ctx context.Context, cfg etl.SourceConfig) (*etl.Schema, error) {
	header := schema.NormalizeHeader(cfg["header"].([]string))
	s := &etl.Schema{}
	for _, h := range header {
		s.Fields = append(s.Fields, etl.Field{Name: h, Type: domain.ColumnText})
	}
	return s, nil
}

func (memorySource) Read(ctx context.Context, cfg etl.SourceConfig) (<-chan etl.Record, <-chan error) {
	out := make(chan etl.Record)
	errCh := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errCh)
		header := schema.NormalizeHeader(cfg["header"].([]string))
		for i, row := range cfg["rows"].([][]string) {
			data := make(map[string]any, len(header))
			for j, h := range header {
				if j < len(row) {
					data[h] = row[j]
				}
			}
			select {
			case out <- etl.Record{Row: i + 2, Data: data}:
			case <-ctx.Done():
				return
			}
		}
		if e, ok := cfg["err"].(error); ok {
			errCh <- e
		}
	}()
	return out, errCh
}

// captureDest records what the engine hands to the store.
type captureDest struct {
	table   string
	schema  *etl.Schema
	records []etl.Record
	run     *domain.IngestRun
	err     error
}

func (d *captureDest) Write(ctx context.Context, table string, s *etl.Schema, records []etl.Record, run *domain.IngestRun) (etl.WriteResult, error) {
	d.table, d.schema, d.records, d.run = table, s, records, run
	if d.err != nil {
		return etl.WriteResult{}, d.err
	}
	return etl.WriteResult{Written: len(records)}, nil
}

func rawRow(mrn, ward, collected string) map[string]string {
	return map[string]string{
		domain.ColMedicalRecordNo: mrn,
		domain.ColPatientName:     "张三",
		domain.ColPatientSex:      "男",
		domain.ColPatientBirthday: "1960-03-02",
		domain.ColPatientAge:      "65",
		domain.ColPatientAgeUnit:  "岁",
		domain.ColWardName:        ward,
		domain.ColSampleTypeName:  "痰",
		domain.ColSampleNo:        "S" + mrn,
		domain.ColMicroTestName:   "肺炎克雷伯菌",
		domain.ColTestName:        "亚胺培南",
		domain.ColTestResult:      "R",
		domain.ColTestUnit:        "mm",
		domain.ColTestMethod:      "KB",
		domain.ColOrderTime:       "2025-05-30 08:00:00",
		domain.ColCollectTime:     collected,
		domain.ColReceiveTime:     "2025-05-30 10:00:00",
		domain.ColVerifyTime:      "2025-06-01 09:00:00",
	}
}

func table(header []string, rows ...map[string]string) etl.SourceConfig {
	var out [][]string
	for _, r := range rows {
		line := make([]string, len(header))
		for i, h := range header {
			line[i] = r[h]
		}
		out = append(out, line)
	}
	return etl.SourceConfig{"header": header, "rows": out}
}

func newEngine(dest etl.Destination) *etl.Engine {
	return &etl.Engine{
		Dest:      dest,
		Validator: schema.NewValidator(),
		Deriver:   temporal.NewDeriver(time.UTC),
		Resolver: location.NewResolver(location.Mapping{Wards: map[string]string{
			"庆春": "庆春院区",
			"下沙": "下沙院区",
		}}),
	}
}

func job(cfg etl.SourceConfig) *etl.Job {
	return &etl.Job{SourceType: "memory", SourceCfg: cfg, Source: "memory", Table: "micro_test"}
}

// ── Engine ─────────────────────────────────────────────────

func TestEngine_NormalizesRows(t *testing.T) {
	dest := &captureDest{}
	cfg := table(domain.RawColumns,
		rawRow("2300123456.0", "呼吸内科3-12(庆春)", "2025/5/30 9:15"),
		rawRow("2300000002", "急诊科1-1(下沙)", "2025-05-30 09:20:00"),
	)
	run := &domain.IngestRun{ID: "r1"}
	j := job(cfg)
	j.Run = run

	sum, err := newEngine(dest).Run(context.Background(), j)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.RowsRead)
	assert.Equal(t, 2, sum.RowsWritten)
	assert.Zero(t, sum.TemporalFailures)
	assert.Zero(t, sum.UnmappedRows)

	require.Len(t, dest.records, 2)
	first := dest.records[0]
	assert.Equal(t, "2300123456", first.Data[domain.ColMedicalRecordNo])
	assert.Equal(t, int64(65), first.Data[domain.ColPatientAge])
	assert.Equal(t, "庆春院区", first.Data[domain.ColHospitalLocation])
	assert.Equal(t, "2025-05-30 09:15:00", first.Data[domain.ColDatetime])
	assert.Equal(t, "2025-05-30", first.Data[domain.ColDate])
	assert.Equal(t, time.Date(2025, 5, 30, 9, 15, 0, 0, time.UTC).Unix(), first.Data[domain.ColTimeStamp])
	assert.Equal(t, "2025/5/30 9:15", first.Data[domain.ColCollectTime], "raw text kept")
	assert.Nil(t, first.Data[domain.ColUnnamed19])
	assert.Equal(t, 2, first.Row)

	assert.Equal(t, domain.RunCommitted, run.Status)
	assert.Equal(t, 2, run.RowsRead)
	assert.Equal(t, domain.ColCollectTime, run.TimestampColumn)
	assert.Same(t, run, dest.run)
}

func TestEngine_OutputColumnOrder(t *testing.T) {
	dest := &captureDest{}
	header := append([]string{"campus_code"}, domain.RawColumns...)
	header = append(header, "lab_section")
	row := rawRow("1", "ICU(庆春)", "2025-05-30 09:00:00")
	row["campus_code"] = "QC"
	row["lab_section"] = "micro"

	sum, err := newEngine(dest).Run(context.Background(), job(table(header, row)))
	require.NoError(t, err)
	assert.Equal(t, []string{"campus_code", "lab_section"}, sum.ExtraColumns)
	assert.Len(t, sum.Warnings, 2)

	want := append(append([]string{}, domain.RawColumns...), "campus_code", "lab_section")
	want = append(want, domain.DerivedColumns...)
	assert.Equal(t, want, dest.schema.FieldNames())
	assert.Equal(t, "QC", dest.records[0].Data["campus_code"])
}

func TestEngine_MissingRequiredColumnIsFatal(t *testing.T) {
	dest := &captureDest{}
	var header []string
	for _, c := range domain.RawColumns {
		if c != domain.ColMedicalRecordNo {
			header = append(header, c)
		}
	}
	sum, err := newEngine(dest).Run(context.Background(), job(table(header, rawRow("1", "ICU", "2025-05-30"))))
	require.Error(t, err)
	assert.ErrorIs(t, err, schema.ErrSchemaMismatch)
	assert.Equal(t, etl.FailureSchemaMismatch, etl.KindOf(err))
	assert.Zero(t, sum.RowsRead)
	assert.Nil(t, dest.records)
}

func TestEngine_SoftFailuresAreCounted(t *testing.T) {
	dest := &captureDest{}
	var rows []map[string]string
	for i := 0; i < 7; i++ {
		rows = append(rows, rawRow(fmt.Sprint(i), "ICU1-3(余杭)", "not a time"))
	}
	rows = append(rows, rawRow("8", "", ""))

	sum, err := newEngine(dest).Run(context.Background(), job(table(domain.RawColumns, rows...)))
	require.NoError(t, err)
	assert.Equal(t, 8, sum.RowsWritten)
	assert.Equal(t, 8, sum.TemporalFailures)
	assert.Len(t, sum.TemporalSamples, etl.MaxTemporalSamples)
	assert.Equal(t, 2, sum.TemporalSamples[0].Row)
	assert.Equal(t, "not a time", sum.TemporalSamples[0].Text)

	assert.Equal(t, 8, sum.UnmappedRows)
	assert.Equal(t, []etl.WardCount{{Ward: "ICU1-3(余杭)", Count: 7}, {Ward: "", Count: 1}}, sum.UnmappedWards())
	for _, rec := range dest.records {
		assert.Equal(t, location.DefaultUnknown, rec.Data[domain.ColHospitalLocation])
		assert.Nil(t, rec.Data[domain.ColDatetime])
		assert.Nil(t, rec.Data[domain.ColTimeStamp])
		assert.Nil(t, rec.Data[domain.ColDate])
	}
}

func TestEngine_AliasColumn(t *testing.T) {
	dest := &captureDest{}
	header := append([]string{}, domain.RawColumns...)
	for i, h := range header {
		if h == domain.ColTestUnit {
			header[i] = "test_item_unit"
		}
	}
	row := rawRow("1", "ICU(庆春)", "2025-05-30 09:00:00")
	row["test_item_unit"] = "μg/ml"

	sum, err := newEngine(dest).Run(context.Background(), job(table(header, row)))
	require.NoError(t, err)
	assert.Empty(t, sum.ExtraColumns)
	assert.Equal(t, "μg/ml", dest.records[0].Data[domain.ColTestUnit])
	assert.NotContains(t, dest.records[0].Data, "test_item_unit")
}

func TestEngine_BlankRowsDropped(t *testing.T) {
	dest := &captureDest{}
	sum, err := newEngine(dest).Run(context.Background(), job(table(domain.RawColumns,
		rawRow("1", "ICU(庆春)", "2025-05-30 09:00:00"),
		map[string]string{},
	)))
	require.NoError(t, err)
	assert.Equal(t, 2, sum.RowsRead)
	assert.Equal(t, 1, sum.RowsDropped)
	assert.Len(t, dest.records, 1)
}

func TestEngine_DryRunWritesNothing(t *testing.T) {
	dest := &captureDest{}
	j := job(table(domain.RawColumns, rawRow("1", "ICU(庆春)", "2025-05-30 09:00:00")))
	j.DryRun = true
	sum, err := newEngine(dest).Run(context.Background(), j)
	require.NoError(t, err)
	assert.True(t, sum.DryRun)
	assert.Equal(t, 1, sum.RowsRead)
	assert.Zero(t, sum.RowsWritten)
	assert.Nil(t, dest.schema)
}

func TestEngine_TimestampColumnChoice(t *testing.T) {
	dest := &captureDest{}
	j := job(table(domain.RawColumns, rawRow("1", "ICU(庆春)", "2025-05-30 09:00:00")))
	j.TimestampColumn = domain.ColVerifyTime
	_, err := newEngine(dest).Run(context.Background(), j)
	require.NoError(t, err)
	assert.Equal(t, "2025-06-01 09:00:00", dest.records[0].Data[domain.ColDatetime])

	j.TimestampColumn = domain.ColPatientName
	_, err = newEngine(dest).Run(context.Background(), j)
	assert.Error(t, err)
}

func TestEngine_SourceAndStoreErrors(t *testing.T) {
	cfg := table(domain.RawColumns, rawRow("1", "ICU(庆春)", "2025-05-30 09:00:00"))
	cfg["err"] = errors.New("truncated file")
	_, err := newEngine(&captureDest{}).Run(context.Background(), job(cfg))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "truncated file")
	assert.Equal(t, etl.FailureOther, etl.KindOf(err))

	dest := &captureDest{err: errors.Wrap(domain.ErrStoreWrite, "disk full")}
	_, err = newEngine(dest).Run(context.Background(), job(table(domain.RawColumns, rawRow("1", "ICU", "x"))))
	assert.Equal(t, etl.FailureStoreWrite, etl.KindOf(err))
	assert.True(t, etl.KindOf(err).Fatal())
}

func TestEngine_UnknownSourceType(t *testing.T) {
	_, err := newEngine(&captureDest{}).Run(context.Background(), &etl.Job{SourceType: "nope"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown source type: "nope"`)
	assert.Contains(t, fmt.Sprintf("%+v", err), "etl.GetSource", "error carries a stack")
}
