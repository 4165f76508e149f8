package sources

import (
	"context"
	"encoding/csv"
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"bactdb/internal/domain"
	"bactdb/internal/etl"
	"bactdb/internal/schema"
)

// ── CSV File Source ─────────────────────────────────────────
// Reads rows from a local CSV export. Cells are passed on as raw text.

type csvFileSource struct{}

func init() { etl.RegisterSource(&csvFileSource{}) }

func (s *csvFileSource) Spec() etl.SourceSpec {
	return etl.SourceSpec{
		Type:       "csv_file",
		Label:      "CSV File",
		Extensions: []string{".csv", ".tsv"},
		ConfigFields: []etl.ConfigField{
			{Key: "path", Label: "File Path", Required: true, Help: "Path to the CSV file"},
			{Key: "delimiter", Label: "Delimiter", Default: ",", Help: "Column delimiter; \"tab\" or \\t for tab separated files"},
			{Key: "encoding", Label: "Encoding", Default: "utf-8", Help: "Text encoding, e.g. utf-8, gbk, gb18030"},
		},
	}
}

func (s *csvFileSource) Discover(ctx context.Context, cfg etl.SourceConfig) (*etl.Schema, error) {
	f, reader, err := openCSV(cfg)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	header, err := reader.Read()
	if err == io.EOF {
		return nil, errors.New("empty csv file")
	}
	if err != nil {
		return nil, errors.Wrap(err, "parse csv header")
	}
	return headerSchema(header), nil
}

func (s *csvFileSource) Read(ctx context.Context, cfg etl.SourceConfig) (<-chan etl.Record, <-chan error) {
	out := make(chan etl.Record, 100)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		f, reader, err := openCSV(cfg)
		if err != nil {
			errCh <- err
			return
		}
		defer f.Close()

		header, err := reader.Read()
		if err != nil {
			errCh <- errors.Wrap(err, "parse csv header")
			return
		}
		header = schema.NormalizeHeader(header)

		for row := 2; ; row++ {
			fields, err := reader.Read()
			if err == io.EOF {
				return
			}
			if err != nil {
				errCh <- errors.Wrapf(err, "parse csv row %d", row)
				return
			}
			select {
			case out <- etl.Record{Row: row, Data: rowData(header, fields)}:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, errCh
}

func openCSV(cfg etl.SourceConfig) (*os.File, *csv.Reader, error) {
	filePath := cfg.String("path")
	if filePath == "" {
		return nil, nil, errors.New("path is required")
	}
	dec, err := decoderFor(cfg.String("encoding"))
	if err != nil {
		return nil, nil, err
	}

	f, err := os.Open(filePath)
	if err != nil {
		return nil, nil, errors.Wrap(err, "open file")
	}

	// A byte-order mark wins over the configured encoding and is dropped.
	reader := csv.NewReader(transform.NewReader(f, unicode.BOMOverride(dec.NewDecoder())))
	reader.Comma = delimiterFor(cfg.String("delimiter"), filePath)
	reader.LazyQuotes = true
	reader.FieldsPerRecord = -1
	reader.ReuseRecord = false
	return f, reader, nil
}

// decoderFor resolves an encoding label such as "utf-8", "gbk" or "gb18030".
func decoderFor(label string) (encoding.Encoding, error) {
	if label == "" {
		return unicode.UTF8, nil
	}
	enc, err := htmlindex.Get(label)
	if err != nil {
		return nil, errors.Errorf("unsupported encoding %q", label)
	}
	return enc, nil
}

func delimiterFor(delim, filePath string) rune {
	switch delim {
	case "":
		if strings.EqualFold(extension(filePath), ".tsv") {
			return '\t'
		}
		return ','
	case "tab", `\t`:
		return '\t'
	}
	return []rune(delim)[0]
}

// ── Helpers ────────────────────────────────────────────────

// headerSchema normalizes header cells into a text schema.
func headerSchema(header []string) *etl.Schema {
	names := schema.NormalizeHeader(header)
	s := &etl.Schema{Fields: make([]etl.Field, len(names))}
	for i, h := range names {
		s.Fields[i] = etl.Field{Name: h, Type: domain.ColumnText}
	}
	return s
}

// rowData maps a row's cells onto the header. Short rows leave the
// trailing columns absent; cells beyond the header are dropped.
func rowData(header []string, cells []string) map[string]any {
	data := make(map[string]any, len(header))
	for i, h := range header {
		if i < len(cells) {
			data[h] = cells[i]
		}
	}
	return data
}
