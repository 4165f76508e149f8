package sources

import (
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"bactdb/internal/etl"
)

// FileOptions are the per-format settings of a local export file.
type FileOptions struct {
	Sheet     string
	Delimiter string
	Encoding  string
}

// ForPath picks the registered file source for path by its extension and
// returns the source type with its config.
func ForPath(path string, opts FileOptions) (string, etl.SourceConfig, error) {
	ext := extension(path)
	if ext == ".xls" {
		return "", nil, errors.Errorf("%s: legacy .xls workbooks are not supported, re-save it as .xlsx", filepath.Base(path))
	}
	src, ok := etl.SourceForExtension(ext)
	if !ok {
		return "", nil, errors.Errorf("%s: unsupported file type %q (expected .csv or .xlsx)", filepath.Base(path), ext)
	}
	cfg := etl.SourceConfig{"path": path}
	if opts.Sheet != "" {
		cfg["sheet"] = opts.Sheet
	}
	if opts.Delimiter != "" {
		cfg["delimiter"] = opts.Delimiter
	}
	if opts.Encoding != "" {
		cfg["encoding"] = opts.Encoding
	}
	return src.Spec().Type, cfg, nil
}

func extension(path string) string {
	return strings.ToLower(filepath.Ext(path))
}
