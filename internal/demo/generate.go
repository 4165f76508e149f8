// Package demo generates synthetic microbiology susceptibility exports
// shaped like the laboratory's real ones, for trying the pipeline
// without patient data.
package demo

import (
	"encoding/csv"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/xuri/excelize/v2"

	"bactdb/internal/domain"
)

var (
	campuses    = []string{"庆春", "之江", "城站", "余杭", "下沙"}
	departments = []string{"呼吸内科", "ICU", "感染科", "泌尿外科", "血液科", "综合监护室"}
	surnames    = []string{"赵", "钱", "孙", "李", "周", "吴", "郑", "王", "徐", "杨", "黄"}
	sampleTypes = []string{"痰", "血", "尿", "肺泡灌洗液"}
	organisms   = []string{"肺炎克雷伯菌", "铜绿假单胞菌", "大肠埃希菌", "鲍曼不动杆菌", "金黄色葡萄球菌", "粘质沙雷菌"}
	antibiotics = []string{
		"阿米卡星", "庆大霉素", "左旋氧氟沙星", "环丙沙星", "复方新诺明", "替加环素",
		"氨曲南", "头孢哌酮/舒巴坦", "氨苄西林", "亚胺培南", "头孢吡肟", "头孢唑啉", "厄他培南",
		"美罗培南", "头孢他啶", "哌拉西林/他唑巴坦",
		"ESBL检测", "多粘菌素",
	}
	micValues = []string{"0.12", "0.25", "0.5", "1", "2", "4", "8", "16", "32", "64"}
)

// legacyUnitColumn is the unit header older exports use.
const legacyUnitColumn = "test_item_unit"

const timeLayout = "2006-01-02 15:04:05"

// Options shape a generated export.
type Options struct {
	Patients       int
	MaxAntibiotics int
	Seed           uint64
	Start          time.Time // first possible order day
	Days           int       // order days are spread over [Start, Start+Days]
}

// DefaultOptions returns a small export of five patients.
func DefaultOptions() Options {
	return Options{
		Patients:       5,
		MaxAntibiotics: 8,
		Seed:           1,
		Start:          time.Date(2025, 5, 30, 0, 0, 0, 0, time.Local),
		Days:           10,
	}
}

// Export is a generated table. Cell values keep spreadsheet types:
// medical_record_no is a float and patient_age an int.
type Export struct {
	Header []string
	Rows   [][]any
}

// Generate builds an export: one sample per patient, several
// antibiotic results per sample.
func Generate(opts Options) *Export {
	if opts.Patients <= 0 {
		opts.Patients = 1
	}
	if opts.MaxAntibiotics < 3 {
		opts.MaxAntibiotics = 3
	}
	if opts.MaxAntibiotics > len(antibiotics) {
		opts.MaxAntibiotics = len(antibiotics)
	}
	if opts.Start.IsZero() {
		opts.Start = DefaultOptions().Start
	}
	rnd := rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15))
	pick := func(xs []string) string { return xs[rnd.IntN(len(xs))] }
	between := func(lo, hi int) int { return lo + rnd.IntN(hi-lo+1) }

	header := make([]string, len(domain.RawColumns))
	copy(header, domain.RawColumns)
	for i, c := range header {
		if c == domain.ColTestUnit {
			header[i] = legacyUnitColumn
		}
	}
	exp := &Export{Header: header}

	for p := 0; p < opts.Patients; p++ {
		mrn := 2.3e9 + float64(between(100000, 999999))
		name := pick(surnames) + "**"
		sex := pick([]string{"男", "女"})
		age := between(20, 90)
		birthday := fmt.Sprintf("%d-%02d-%02d", opts.Start.Year()-age, between(1, 12), between(1, 28))
		ward := fmt.Sprintf("%s%d-%d(%s)", pick(departments), between(1, 10), between(1, 50), pick(campuses))
		sampleType := pick(sampleTypes)
		organism := pick(organisms)

		base := opts.Start.AddDate(0, 0, rnd.IntN(opts.Days+1))
		order := base.Add(time.Duration(between(8, 16)) * time.Hour)
		collect := order.Add(time.Duration(between(1, 12)) * time.Hour)
		receive := collect.Add(time.Duration(between(30, 120)) * time.Minute)
		verify := receive.AddDate(0, 0, between(2, 4))
		sampleNo := fmt.Sprintf("%s00XJ%04d", base.Format("060102"), between(1000, 9999))

		n := between(3, opts.MaxAntibiotics)
		for _, idx := range rnd.Perm(len(antibiotics))[:n] {
			abx := antibiotics[idx]
			var result, unit, method, interp string
			if rnd.IntN(2) == 0 {
				method, unit = "mic", "µg/ml"
				result = pick([]string{"<=", "", "", "", ">="}) + pick(micValues)
			} else {
				method, unit = "K-B法", "mm"
				result = strconv.Itoa(between(6, 30))
			}
			interp = pick([]string{"S", "S", "S", "I", "R"})
			if abx == "ESBL检测" {
				result, unit, method, interp = pick([]string{"Neg", "Pos"}), "", "MIC法", "-"
			}

			exp.Rows = append(exp.Rows, []any{
				mrn, name, sex, birthday, age, "岁", ward, sampleType,
				sampleNo, organism, abx, result, unit, method, interp,
				order.Format(timeLayout), collect.Format(timeLayout),
				receive.Format(timeLayout), verify.Format(timeLayout),
				"",
			})
		}
	}
	return exp
}

// Write saves the export to path as CSV or XLSX by extension.
func (e *Export) Write(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrap(err, "create output directory")
		}
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		f, err := os.Create(path)
		if err != nil {
			return errors.Wrap(err, "create export")
		}
		if err := e.WriteCSV(f); err != nil {
			f.Close()
			return err
		}
		return f.Close()
	case ".xlsx":
		return e.WriteXLSX(path)
	default:
		return errors.Errorf("%s: demo exports are written as .csv or .xlsx", filepath.Base(path))
	}
}

// WriteCSV writes the export as UTF-8 CSV. Floats keep one decimal, the
// way spreadsheets save integral numbers.
func (e *Export) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(e.Header); err != nil {
		return errors.Wrap(err, "write header")
	}
	rec := make([]string, len(e.Header))
	for _, row := range e.Rows {
		for i, v := range row {
			rec[i] = cellText(v)
		}
		if err := cw.Write(rec); err != nil {
			return errors.Wrap(err, "write row")
		}
	}
	cw.Flush()
	return errors.Wrap(cw.Error(), "flush csv")
}

// WriteXLSX writes the export to a workbook with a single sheet.
func (e *Export) WriteXLSX(path string) error {
	f := excelize.NewFile()
	defer f.Close()

	const sheet = "Sheet1"
	sw, err := f.NewStreamWriter(sheet)
	if err != nil {
		return errors.Wrap(err, "open sheet writer")
	}
	header := make([]any, len(e.Header))
	for i, h := range e.Header {
		header[i] = h
	}
	if err := sw.SetRow("A1", header); err != nil {
		return errors.Wrap(err, "write header")
	}
	for i, row := range e.Rows {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := sw.SetRow(cell, row); err != nil {
			return errors.Wrapf(err, "write row %d", i+2)
		}
	}
	if err := sw.Flush(); err != nil {
		return errors.Wrap(err, "flush sheet")
	}
	return errors.Wrap(f.SaveAs(path), "save workbook")
}

func cellText(v any) string {
	switch x := v.(type) {
	case float64:
		return strconv.FormatFloat(x, 'f', 1, 64)
	case int:
		return strconv.Itoa(x)
	case string:
		return x
	case nil:
		return ""
	default:
		return fmt.Sprint(x)
	}
}
