package sources

import (
	"context"
	"math"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/xuri/excelize/v2"

	"bactdb/internal/domain"
	"bactdb/internal/etl"
	"bactdb/internal/schema"
	"bactdb/internal/temporal"
)

// ── XLSX File Source ────────────────────────────────────────
// Reads rows from one sheet of an Excel workbook. Cell values are read
// raw, so numbers keep their stored form; date cells in the event-time
// and birthday columns arrive as serial day numbers and are rendered
// as text here.

type xlsxFileSource struct{}

func init() { etl.RegisterSource(&xlsxFileSource{}) }

func (s *xlsxFileSource) Spec() etl.SourceSpec {
	return etl.SourceSpec{
		Type:       "xlsx_file",
		Label:      "Excel Workbook",
		Extensions: []string{".xlsx", ".xlsm"},
		ConfigFields: []etl.ConfigField{
			{Key: "path", Label: "File Path", Required: true, Help: "Path to the .xlsx workbook"},
			{Key: "sheet", Label: "Sheet", Help: "Sheet name; the first sheet when empty"},
		},
	}
}

func (s *xlsxFileSource) Discover(ctx context.Context, cfg etl.SourceConfig) (*etl.Schema, error) {
	f, rows, err := openSheet(cfg)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	defer rows.Close()

	if !rows.Next() {
		return nil, errors.New("empty sheet")
	}
	header, err := rows.Columns()
	if err != nil {
		return nil, errors.Wrap(err, "read header row")
	}
	return headerSchema(header), nil
}

func (s *xlsxFileSource) Read(ctx context.Context, cfg etl.SourceConfig) (<-chan etl.Record, <-chan error) {
	out := make(chan etl.Record, 100)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		f, rows, err := openSheet(cfg)
		if err != nil {
			errCh <- err
			return
		}
		defer f.Close()
		defer rows.Close()

		if !rows.Next() {
			errCh <- errors.New("empty sheet")
			return
		}
		header, err := rows.Columns()
		if err != nil {
			errCh <- errors.Wrap(err, "read header row")
			return
		}
		header = schema.NormalizeHeader(header)

		for row := 2; rows.Next(); row++ {
			cells, err := rows.Columns(excelize.Options{RawCellValue: true})
			if err != nil {
				errCh <- errors.Wrapf(err, "read row %d", row)
				return
			}
			if len(cells) == 0 {
				continue
			}
			data := rowData(header, cells)
			renderSerialDates(data)
			select {
			case out <- etl.Record{Row: row, Data: data}:
			case <-ctx.Done():
				return
			}
		}
		if err := rows.Error(); err != nil {
			errCh <- errors.Wrap(err, "read sheet")
		}
	}()

	return out, errCh
}

func openSheet(cfg etl.SourceConfig) (*excelize.File, *excelize.Rows, error) {
	filePath := cfg.String("path")
	if filePath == "" {
		return nil, nil, errors.New("path is required")
	}
	f, err := excelize.OpenFile(filePath)
	if err != nil {
		return nil, nil, errors.Wrap(err, "open workbook")
	}

	sheet := cfg.String("sheet")
	if sheet == "" {
		sheets := f.GetSheetList()
		if len(sheets) == 0 {
			f.Close()
			return nil, nil, errors.New("workbook has no sheets")
		}
		sheet = sheets[0]
	}
	rows, err := f.Rows(sheet)
	if err != nil {
		f.Close()
		return nil, nil, errors.Wrapf(err, "open sheet %q", sheet)
	}
	return f, rows, nil
}

// serialDateColumns hold dates or times; a bare number in one of them
// is a spreadsheet serial day number.
var serialDateColumns = append([]string{domain.ColPatientBirthday}, domain.TimestampColumns...)

func renderSerialDates(data map[string]any) {
	for _, col := range serialDateColumns {
		s, ok := data[col].(string)
		if !ok || s == "" {
			continue
		}
		if text, ok := serialToText(s); ok {
			data[col] = text
		}
	}
}

// serialToText renders a serial day number as datetime text, or as a
// plain date when it has no time of day.
func serialToText(s string) (string, bool) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v <= 0 || v > 2958465 {
		return "", false
	}
	t, err := excelize.ExcelDateToTime(v, false)
	if err != nil {
		return "", false
	}
	t = t.Round(time.Second)
	if v == math.Trunc(v) {
		return t.Format(temporal.DateLayout), true
	}
	return t.Format(temporal.DatetimeLayout), true
}
