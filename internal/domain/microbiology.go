package domain

import (
	"context"
	"time"
)

// ─────────────────────────────────────────────────────────────
// Microbiology export columns
// ─────────────────────────────────────────────────────────────

// Raw columns as they appear in the laboratory export.
const (
	ColMedicalRecordNo = "medical_record_no"
	ColPatientName     = "patient_name"
	ColPatientSex      = "patient_sex"
	ColPatientBirthday = "patient_birthday"
	ColPatientAge      = "patient_age"
	ColPatientAgeUnit  = "patient_age_unit"
	ColWardName        = "inpatient_ward_name"
	ColSampleTypeName  = "sample_type_name"
	ColSampleNo        = "sample_no"
	ColMicroTestName   = "micro_test_name"
	ColTestName        = "test_name"
	ColTestResult      = "test_result"
	ColTestUnit        = "test_it_unit"
	ColTestMethod      = "test_method"
	ColTestResultOther = "test_result_other"
	ColOrderTime       = "开单时间"
	ColCollectTime     = "采集时间"
	ColReceiveTime     = "接收时间"
	ColVerifyTime      = "审核时间"
	ColUnnamed19       = "Unnamed: 19"
)

// Derived columns appended by the pipeline.
const (
	ColHospitalLocation = "hospital_location"
	ColDatetime         = "datetime"
	ColTimeStamp        = "time_stamp"
	ColDate             = "date"
)

// RawColumns is the canonical raw column order of an export.
var RawColumns = []string{
	ColMedicalRecordNo, ColPatientName, ColPatientSex, ColPatientBirthday,
	ColPatientAge, ColPatientAgeUnit, ColWardName, ColSampleTypeName,
	ColSampleNo, ColMicroTestName, ColTestName, ColTestResult,
	ColTestUnit, ColTestMethod, ColTestResultOther,
	ColOrderTime, ColCollectTime, ColReceiveTime, ColVerifyTime,
	ColUnnamed19,
}

// RequiredColumns are the named raw columns; a file missing any of them
// cannot be loaded. The stray Unnamed: 19 column is optional on input.
var RequiredColumns = RawColumns[:19:19]

// OptionalColumns may be absent from an export; they are emitted as NULL.
var OptionalColumns = []string{ColUnnamed19}

// DerivedColumns is the order of the columns computed per row.
var DerivedColumns = []string{ColHospitalLocation, ColDatetime, ColTimeStamp, ColDate}

// RowKeyColumn holds the natural-key digest of a stored row.
const RowKeyColumn = "_row_key"

// ReservedColumns are the names an export may not use for its own columns.
func ReservedColumns() []string {
	return append(append([]string{}, DerivedColumns...), RowKeyColumn)
}

// TimestampColumns are the event-time columns that may feed datetime.
var TimestampColumns = []string{ColOrderTime, ColCollectTime, ColReceiveTime, ColVerifyTime}

// ColumnAliases maps names used by older exports to the canonical name.
var ColumnAliases = map[string]string{
	"test_item_unit": ColTestUnit,
}

// DefaultTimestampColumn is the collection time, the event the dashboard
// counts samples by.
const DefaultTimestampColumn = ColCollectTime

// IsTimestampColumn reports whether name is one of the four event-time columns.
func IsTimestampColumn(name string) bool {
	for _, c := range TimestampColumns {
		if c == name {
			return true
		}
	}
	return false
}

// ─────────────────────────────────────────────────────────────
// Store columns
// ─────────────────────────────────────────────────────────────

// ColumnType is the storage affinity of a store column.
type ColumnType string

const (
	ColumnText      ColumnType = "text"
	ColumnInteger   ColumnType = "integer"
	ColumnReal      ColumnType = "real"
	ColumnTimestamp ColumnType = "datetime"
)

// Column describes one column of a normalized table.
type Column struct {
	Name string     `json:"name"`
	Type ColumnType `json:"type"`
}

// ─────────────────────────────────────────────────────────────
// Ingestion runs
// ─────────────────────────────────────────────────────────────

// RunStatus is the terminal state of an ingestion run.
type RunStatus string

const (
	RunCommitted RunStatus = "committed"
	RunFailed    RunStatus = "failed"
	RunSkipped   RunStatus = "skipped"
)

// IngestRun is the ledger entry for one execution of the pipeline.
type IngestRun struct {
	ID               string    `json:"id"`
	Source           string    `json:"source"`
	Fingerprint      string    `json:"fingerprint"`
	TableName        string    `json:"tableName"`
	TimestampColumn  string    `json:"timestampColumn"`
	StartedAt        time.Time `json:"startedAt"`
	FinishedAt       time.Time `json:"finishedAt"`
	Status           RunStatus `json:"status"`
	RowsRead         int       `json:"rowsRead"`
	RowsWritten      int       `json:"rowsWritten"`
	RowsDuplicate    int       `json:"rowsDuplicate"`
	TemporalFailures int       `json:"temporalFailures"`
	UnmappedRows     int       `json:"unmappedRows"`
	Error            string    `json:"error,omitempty"`
}

// IngestRunStore persists the run ledger.
type IngestRunStore interface {
	CreateRun(ctx context.Context, r *IngestRun) error
	ListRuns(ctx context.Context, table string, limit int) ([]IngestRun, error)
	FindCommitted(ctx context.Context, table, fingerprint string) (*IngestRun, error)
}

// RecordTableStore appends one run's rows to a normalized table.
// keys[i] is the natural-key digest of rows[i]; rows whose key already
// exists are skipped and counted as duplicates. The run ledger entry is
// written in the same transaction.
type RecordTableStore interface {
	AppendRun(ctx context.Context, table string, columns []Column, rows [][]any, keys []string, run *IngestRun) (written, duplicates int, err error)
}
