package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/jedib0t/go-pretty/table"
	"github.com/jedib0t/go-pretty/text"

	"bactdb/internal/domain"
	"bactdb/internal/service"
	"bactdb/internal/storage"
)

const nullValue = "NULL"

func newTable(out io.Writer, header ...any) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(out)
	// Don't uppercase the header values.
	t.Style().Format.Header = text.FormatDefault
	t.AppendHeader(table.Row(header))
	return t
}

// writeResult prints the end-of-run summary of one source: the counts,
// then the unmapped wards and unparseable timestamps when there are any.
// Warnings go to wErr.
func writeResult(out, wErr io.Writer, res *service.Result) {
	if res == nil || res.Run == nil {
		return
	}
	run := res.Run
	status := string(run.Status)
	if res.DryRun {
		status = "dry run"
	}

	t := newTable(out, "Source", "Status", "Read", "Written", "Duplicate", "Bad time", "Unmapped")
	t.AppendRow(table.Row{run.Source, status, run.RowsRead, run.RowsWritten, run.RowsDuplicate, run.TemporalFailures, run.UnmappedRows})
	t.Render()

	if run.Error != "" {
		fmt.Fprintln(wErr, "Error: "+run.Error)
	}
	sum := res.Summary
	if sum == nil {
		return
	}
	for _, w := range sum.Warnings {
		fmt.Fprintln(wErr, "Warning: "+w)
	}

	if wards := sum.UnmappedWards(); len(wards) > 0 {
		t := newTable(out, "Unmapped ward", "Rows")
		for _, w := range wards {
			name := w.Ward
			if name == "" {
				name = nullValue
			}
			t.AppendRow(table.Row{name, w.Count})
		}
		t.Render()
	}
	if len(sum.TemporalSamples) > 0 {
		t := newTable(out, "Row", "Column", "Unparseable time")
		for _, f := range sum.TemporalSamples {
			t.AppendRow(table.Row{f.Row, f.Column, f.Text})
		}
		if more := sum.TemporalFailures - len(sum.TemporalSamples); more > 0 {
			t.AppendFooter(table.Row{"", "", fmt.Sprintf("and %d more", more)})
		}
		t.Render()
	}
	// Add some white space after the summary.
	fmt.Fprintln(out)
}

func writeRuns(out io.Writer, runs []domain.IngestRun) {
	t := newTable(out, "Run", "Finished", "Status", "Source", "Read", "Written", "Duplicate", "Error")
	for _, r := range runs {
		id := r.ID
		if len(id) > 8 {
			id = id[:8]
		}
		t.AppendRow(table.Row{id, r.FinishedAt.Local().Format(time.DateTime), r.Status, r.Source,
			r.RowsRead, r.RowsWritten, r.RowsDuplicate, r.Error})
	}
	t.Render()
}

func writeOverview(out io.Writer, ov *storage.Overview) {
	fmt.Fprintf(out, "Table:   %s\n", ov.Table)
	fmt.Fprintf(out, "Rows:    %d\n", ov.Rows)
	first, last := ov.FirstDate, ov.LastDate
	if first == "" {
		first, last = nullValue, nullValue
	}
	fmt.Fprintf(out, "Dates:   %s .. %s\n", first, last)
	fmt.Fprintf(out, "Columns: %d\n\n", len(ov.Columns))

	t := newTable(out, "#", "Column")
	for i, c := range ov.Columns {
		t.AppendRow(table.Row{i + 1, c})
	}
	t.Render()

	t = newTable(out, "Location", "Rows")
	for _, l := range ov.Locations {
		t.AppendRow(table.Row{l.Location, l.Rows})
	}
	t.AppendFooter(table.Row{fmt.Sprintf("%d locations", len(ov.Locations)), ov.Rows})
	t.Render()
}
