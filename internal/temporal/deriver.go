// Package temporal parses the free-text event times of laboratory exports
// into the datetime, date and time_stamp columns.
package temporal

import (
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/pkg/errors"
	"github.com/xuri/excelize/v2"
)

// Storage layouts of the derived columns.
const (
	DatetimeLayout = "2006-01-02 15:04:05"
	DateLayout     = "2006-01-02"
)

var (
	// ErrEmpty is returned for blank timestamp text.
	ErrEmpty = errors.New("empty timestamp")
	// ErrUnparseable is returned when no known layout matches.
	ErrUnparseable = errors.New("unparseable timestamp")
)

// Layouts tried, in order, after separators are normalized to "-" and " ".
// Single-digit month, day, hour, minute and second are accepted by these
// layouts; a fractional second after the seconds field is accepted by
// time.Parse. Anything else falls through to dateparse.
var defaultLayouts = []string{
	"2006-1-2 15:4:5",
	"2006-1-2 15:4",
	"2006-1-2",
	"20060102150405",
	"20060102 15:04:05",
	"200601021504",
	"20060102",
}

// Excel serial day numbers accepted as timestamps: 1954-10-03 .. 2119-01-06.
const (
	minExcelSerial = 20000
	maxExcelSerial = 80000
)

// Fields holds the derived temporal values of one row.
type Fields struct {
	Datetime time.Time
	Valid    bool
}

// DatetimeValue is the datetime column value, nil when invalid.
func (f Fields) DatetimeValue() any {
	if !f.Valid {
		return nil
	}
	return f.Datetime.Format(DatetimeLayout)
}

// DateValue is the date column value, nil when invalid.
func (f Fields) DateValue() any {
	if !f.Valid {
		return nil
	}
	return f.Datetime.Format(DateLayout)
}

// TimeStampValue is the time_stamp column value (Unix seconds), nil when invalid.
func (f Fields) TimeStampValue() any {
	if !f.Valid {
		return nil
	}
	return f.Datetime.Unix()
}

// Deriver parses timestamp text in a fixed wall-clock location.
type Deriver struct {
	loc      *time.Location
	layouts  []string
	dayFirst bool
}

// NewDeriver returns a Deriver interpreting wall-clock text in loc.
// extraLayouts are tried before the built-in ones, against the raw text.
func NewDeriver(loc *time.Location, extraLayouts ...string) *Deriver {
	if loc == nil {
		loc = time.Local
	}
	return &Deriver{loc: loc, layouts: extraLayouts}
}

// WithDayFirst sets how an ambiguous numeric date such as 3/4/2025 is read:
// day first when true, month first otherwise. A date that only fits one
// order, such as 31/05/2025, is read that way regardless.
func (d *Deriver) WithDayFirst(dayFirst bool) *Deriver {
	d.dayFirst = dayFirst
	return d
}

// Location returns the wall-clock location.
func (d *Deriver) Location() *time.Location { return d.loc }

// Derive parses text and returns its derived fields. On failure the fields
// are invalid and the error says why.
func (d *Deriver) Derive(text string) (Fields, error) {
	t, err := d.Parse(text)
	if err != nil {
		return Fields{}, err
	}
	return Fields{Datetime: t, Valid: true}, nil
}

// Parse converts timestamp text to a time truncated to whole seconds.
func (d *Deriver) Parse(text string) (time.Time, error) {
	raw := strings.TrimSpace(text)
	if raw == "" {
		return time.Time{}, ErrEmpty
	}
	raw, meridiem := splitMeridiem(raw)

	t, err := d.parse(raw)
	if err != nil {
		return time.Time{}, err
	}
	return meridiem.apply(t), nil
}

func (d *Deriver) parse(raw string) (time.Time, error) {
	for _, layout := range d.layouts {
		if t, err := time.ParseInLocation(layout, raw, d.loc); err == nil {
			return t.Truncate(time.Second), nil
		}
	}

	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.In(d.loc).Truncate(time.Second), nil
	}

	if t, ok := d.parseExcelSerial(raw); ok {
		return t, nil
	}

	s := normalize(raw)
	for _, layout := range defaultLayouts {
		if t, err := time.ParseInLocation(layout, s, d.loc); err == nil {
			return t.Truncate(time.Second), nil
		}
	}

	if t, ok := d.parseAny(raw); ok {
		return t, nil
	}
	return time.Time{}, errors.Wrapf(ErrUnparseable, "%q", raw)
}

// parseAny handles the remaining date forms: month or day first numeric
// dates, English month names, AM/PM clocks. Bare numbers are refused, as
// dateparse would read them as Unix times.
func (d *Deriver) parseAny(raw string) (time.Time, bool) {
	if _, err := strconv.ParseFloat(raw, 64); err == nil {
		return time.Time{}, false
	}
	t, err := dateparse.ParseIn(raw, d.loc,
		dateparse.PreferMonthFirst(!d.dayFirst),
		dateparse.RetryAmbiguousDateWithSwap(true),
	)
	if err != nil {
		return time.Time{}, false
	}
	// Text without a zone comes back in d.loc, or in time.Local when the
	// day and month were swapped; either way the wall clock is meant in d.loc.
	if t.Location() == d.loc || t.Location() == time.Local {
		t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), 0, d.loc)
	}
	return t.In(d.loc).Truncate(time.Second), true
}

type meridiem int

const (
	noMeridiem meridiem = iota
	morning
	afternoon
)

// splitMeridiem removes a Chinese 上午/下午 marker from s.
func splitMeridiem(s string) (string, meridiem) {
	for marker, m := range map[string]meridiem{"上午": morning, "下午": afternoon} {
		if strings.Contains(s, marker) {
			s = strings.Join(strings.Fields(strings.Replace(s, marker, " ", 1)), " ")
			return s, m
		}
	}
	return s, noMeridiem
}

// apply moves a 12-hour clock reading onto the 24-hour clock.
func (m meridiem) apply(t time.Time) time.Time {
	h := t.Hour()
	switch {
	case m == afternoon && h < 12:
		h += 12
	case m == morning && h == 12:
		h = 0
	default:
		return t
	}
	return time.Date(t.Year(), t.Month(), t.Day(), h, t.Minute(), t.Second(), 0, t.Location())
}

// parseExcelSerial handles cells read as spreadsheet serial day numbers.
func (d *Deriver) parseExcelSerial(s string) (time.Time, bool) {
	if strings.ContainsAny(s, "-/: ") {
		return time.Time{}, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v < minExcelSerial || v > maxExcelSerial {
		return time.Time{}, false
	}
	t, err := excelize.ExcelDateToTime(v, false)
	if err != nil {
		return time.Time{}, false
	}
	// Serials carry no zone: keep the wall clock, round away float noise.
	t = t.Round(time.Second)
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), 0, d.loc), true
}

// FromTimeStamp is the inverse of the time_stamp column.
func FromTimeStamp(ts int64, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.Local
	}
	return time.Unix(ts, 0).In(loc)
}

var separatorReplacer = strings.NewReplacer(
	"/", "-",
	".", "-",
	"年", "-",
	"月", "-",
	"日", " ",
	"T", " ",
	"：", ":",
	"　", " ",
)

// normalize rewrites locale-specific separators to the canonical form.
// A "." after the time-of-day starts a fractional second and is kept.
func normalize(s string) string {
	date, clock := s, ""
	if i := strings.IndexAny(s, " T"); i > 0 {
		date, clock = s[:i], s[i:]
	} else if i := strings.Index(s, "日"); i > 0 {
		date, clock = s[:i+len("日")], s[i+len("日"):]
	}
	date = separatorReplacer.Replace(date)
	clock = strings.NewReplacer("T", " ", "：", ":", "　", " ").Replace(clock)
	out := strings.Join(strings.Fields(date+" "+clock), " ")
	return strings.TrimSuffix(out, "-")
}
