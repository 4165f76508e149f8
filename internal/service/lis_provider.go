package service

// ─────────────────────────────────────────────────────────────
// LIS provider bridge
// ─────────────────────────────────────────────────────────────
//
// The lis_database source reads through the sources.DBProvider interface
// so it does not import dbclient. LISProvider satisfies it with dbclient
// connectors and resolves passwords from the secret store.

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"bactdb/internal/dbclient"
	"bactdb/internal/domain"
	"bactdb/internal/etl/sources"
	"bactdb/internal/secret"
)

// ConnectFunc opens a connector; tests swap it for a fake.
type ConnectFunc func(conn *domain.DatabaseConnection, password string) (dbclient.Connector, error)

// LISProvider implements sources.DBProvider over named LIS connections.
type LISProvider struct {
	secrets secret.SecretStore
	connect ConnectFunc

	mu    sync.Mutex
	conns map[string]*domain.DatabaseConnection
	open  map[string]dbclient.Connector
}

// NewLISProvider creates a provider. secrets may be nil when every
// connection is password-less (e.g. a SQLite extract).
func NewLISProvider(secrets secret.SecretStore) *LISProvider {
	return &LISProvider{
		secrets: secrets,
		connect: dbclient.NewConnector,
		conns:   make(map[string]*domain.DatabaseConnection),
		open:    make(map[string]dbclient.Connector),
	}
}

// WithConnect replaces the connector factory.
func (p *LISProvider) WithConnect(fn ConnectFunc) *LISProvider {
	p.connect = fn
	return p
}

// Register makes conn available under its name.
func (p *LISProvider) Register(conn *domain.DatabaseConnection) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.conns[conn.ID()] = conn
}

// Install registers p as the provider of the lis_database source.
func (p *LISProvider) Install() {
	sources.SetDBProvider(p)
}

func (p *LISProvider) connector(connID string) (dbclient.Connector, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.open[connID]; ok {
		return c, nil
	}
	conn, ok := p.conns[connID]
	if !ok {
		return nil, errors.Errorf("unknown LIS connection %q", connID)
	}

	var password string
	if p.secrets != nil {
		pw, err := p.secrets.Get(conn.SecretKey())
		if err != nil {
			return nil, errors.Wrap(err, "read LIS password")
		}
		password = string(pw)
	}
	c, err := p.connect(conn, password)
	if err != nil {
		return nil, errors.Wrapf(err, "connect %s", connID)
	}
	p.open[connID] = c
	return c, nil
}

func (p *LISProvider) ExecuteETLQuery(ctx context.Context, connID, query string, fetchSize int) (*sources.QueryPage, error) {
	c, err := p.connector(connID)
	if err != nil {
		return nil, err
	}
	result, err := c.Execute(ctx, query, fetchSize)
	if err != nil {
		return nil, err
	}
	return &sources.QueryPage{Columns: result.Columns, Rows: result.Rows, HasMore: result.HasMore}, nil
}

func (p *LISProvider) FetchMoreETLRows(ctx context.Context, connID string, fetchSize int) (*sources.QueryPage, error) {
	c, err := p.connector(connID)
	if err != nil {
		return nil, err
	}
	result, err := c.FetchMore(ctx, fetchSize)
	if err != nil {
		return nil, err
	}
	return &sources.QueryPage{Columns: result.Columns, Rows: result.Rows, HasMore: result.HasMore}, nil
}

// Ping tests the named connection.
func (p *LISProvider) Ping(ctx context.Context, connID string) error {
	c, err := p.connector(connID)
	if err != nil {
		return err
	}
	return c.TestConnection(ctx)
}

// Close closes every open connector.
func (p *LISProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var first error
	for id, c := range p.open {
		if err := c.Close(); err != nil && first == nil {
			first = errors.Wrapf(err, "close %s", id)
		}
		delete(p.open, id)
	}
	return first
}
