package sources

import (
	"context"

	"github.com/pkg/errors"

	"bactdb/internal/domain"
	"bactdb/internal/etl"
	"bactdb/internal/schema"
)

// ── LIS Database Source ────────────────────────────────────
// Reads rows straight from the laboratory information system's database.
// Reuses the dbclient connector infrastructure via a provider interface.

// QueryPage mirrors dbclient.QueryPage to avoid circular imports.
type QueryPage struct {
	Columns []string
	Rows    [][]any
	HasMore bool
}

// DBProvider abstracts how we get connector access.
// The service layer implements this and injects it at startup.
type DBProvider interface {
	ExecuteETLQuery(ctx context.Context, connID, query string, fetchSize int) (*QueryPage, error)
	FetchMoreETLRows(ctx context.Context, connID string, fetchSize int) (*QueryPage, error)
}

var dbProvider DBProvider

// SetDBProvider is called by the service at startup.
func SetDBProvider(p DBProvider) { dbProvider = p }

const dbFetchSize = 500

type databaseSource struct{}

func init() { etl.RegisterSource(&databaseSource{}) }

func (s *databaseSource) Spec() etl.SourceSpec {
	return etl.SourceSpec{
		Type:  "lis_database",
		Label: "LIS Database Query",
		ConfigFields: []etl.ConfigField{
			{Key: "connection", Label: "Connection", Required: true, Help: "Name of the configured LIS connection"},
			{Key: "query", Label: "Query", Required: true, Help: "SELECT returning the export columns"},
			{Key: "fetch_size", Label: "Fetch size", Default: "500", Help: "Rows fetched per round trip"},
		},
	}
}

func resolveDBConfig(cfg etl.SourceConfig) (string, string, error) {
	connID, query := cfg.String("connection"), cfg.String("query")
	if connID == "" || query == "" {
		return "", "", errors.New("connection and query are required")
	}
	if dbProvider == nil {
		return "", "", errors.New("database provider not initialized")
	}
	return connID, query, nil
}

func (s *databaseSource) Discover(ctx context.Context, cfg etl.SourceConfig) (*etl.Schema, error) {
	connID, query, err := resolveDBConfig(cfg)
	if err != nil {
		return nil, err
	}
	page, err := dbProvider.ExecuteETLQuery(ctx, connID, query, 1)
	if err != nil {
		return nil, err
	}

	names := schema.NormalizeHeader(page.Columns)
	sch := &etl.Schema{Fields: make([]etl.Field, len(names))}
	for i, col := range names {
		sch.Fields[i] = etl.Field{Name: col, Type: domain.ColumnText}
	}
	return sch, nil
}

func (s *databaseSource) Read(ctx context.Context, cfg etl.SourceConfig) (<-chan etl.Record, <-chan error) {
	out := make(chan etl.Record, 100)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		connID, query, err := resolveDBConfig(cfg)
		if err != nil {
			errCh <- err
			return
		}

		fetchSize := cfg.Int("fetch_size", dbFetchSize)
		page, err := dbProvider.ExecuteETLQuery(ctx, connID, query, fetchSize)
		if err != nil {
			errCh <- errors.Wrap(err, "execute")
			return
		}
		header := schema.NormalizeHeader(page.Columns)

		row := 0
		if !emitPage(ctx, out, header, page, &row) {
			return
		}
		for page.HasMore {
			page, err = dbProvider.FetchMoreETLRows(ctx, connID, fetchSize)
			if err != nil {
				errCh <- errors.Wrap(err, "fetch more")
				return
			}
			if !emitPage(ctx, out, header, page, &row) {
				return
			}
		}
	}()

	return out, errCh
}

// emitPage sends a page of rows; row counts result rows from 1.
func emitPage(ctx context.Context, out chan<- etl.Record, header []string, page *QueryPage, row *int) bool {
	for _, values := range page.Rows {
		*row++
		data := make(map[string]any, len(header))
		for i, col := range header {
			if i < len(values) {
				data[col] = values[i]
			}
		}
		select {
		case out <- etl.Record{Row: *row, Data: data}:
		case <-ctx.Done():
			return false
		}
	}
	return true
}
