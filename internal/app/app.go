package app

import (
	"context"
	"io"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"bactdb/internal/config"
	"bactdb/internal/etl/sources"
	"bactdb/internal/location"
	"bactdb/internal/logger"
	"bactdb/internal/metrics"
	"bactdb/internal/secret"
	"bactdb/internal/service"
	"bactdb/internal/storage"
	"bactdb/internal/temporal"
)

// App owns the process-wide resources of one command: the store, the
// ingest service and the optional LIS and Kafka connections.
type App struct {
	Config  *config.Config
	Log     *logrus.Logger
	Secrets secret.SecretStore
	Metrics *metrics.Registry

	db     *storage.DB
	ingest *service.IngestService
	lis    *service.LISProvider
	kafka  *service.KafkaEmitter
}

// New creates an App. Nothing is opened until Startup.
func New(cfg *config.Config, log *logrus.Logger) *App {
	return &App{
		Config:  cfg,
		Log:     log,
		Secrets: secret.Default(),
		Metrics: metrics.NewRegistry(),
	}
}

// Startup opens the store and wires the ingest service.
func (a *App) Startup(ctx context.Context) error {
	if a.Log == nil {
		a.Log = logger.Discard()
	}
	cfg := a.Config

	loc, err := cfg.TimeLocation()
	if err != nil {
		return err
	}
	mapping, err := cfg.LocationMapping()
	if err != nil {
		return err
	}
	resolver := location.NewResolver(mapping)
	if resolver.Len() == 0 {
		a.Log.Warn("no location mapping configured; every row gets " + resolver.Unknown())
	}

	db, err := storage.Open(cfg.Database.Path)
	if err != nil {
		return errors.Wrap(err, "open store")
	}
	a.db = db

	emitters := service.MultiEmitter{&service.LogEmitter{Log: logger.Component(a.Log, "events")}}
	if len(cfg.Notify.KafkaBrokers) > 0 {
		a.kafka = service.NewKafkaEmitter(cfg.Notify.KafkaBrokers, cfg.Notify.KafkaTopic, logger.Component(a.Log, "notify"))
		emitters = append(emitters, a.kafka)
	}

	a.ingest = service.NewIngestService(db, service.Pipeline{
		Table:           cfg.Database.Table,
		TimestampColumn: cfg.Ingest.TimestampColumn,
		Deriver:         temporal.NewDeriver(loc, cfg.Ingest.TimeLayouts...).WithDayFirst(cfg.Ingest.DayFirst),
		Resolver:        resolver,
		File: sources.FileOptions{
			Sheet:     cfg.Ingest.Sheet,
			Delimiter: cfg.Ingest.Delimiter,
			Encoding:  cfg.Ingest.Encoding,
		},
	}, emitters, a.Log.WithField("store", db.Path()))
	a.ingest.Metrics = a.Metrics

	if conn := cfg.LISConnection(); conn != nil {
		a.lis = service.NewLISProvider(a.Secrets)
		a.lis.Register(conn)
		a.lis.Install()
	}
	return nil
}

// Ingest returns the ingest service. Startup must have succeeded.
func (a *App) Ingest() *service.IngestService { return a.ingest }

// LIS returns the LIS provider, or nil when no LIS is configured.
func (a *App) LIS() *service.LISProvider { return a.lis }

// DB returns the open store.
func (a *App) DB() *storage.DB { return a.db }

// Shutdown waits for running loads and releases everything Startup opened.
func (a *App) Shutdown(ctx context.Context) error {
	if a.ingest != nil {
		a.ingest.WaitRunning(ctx)
	}
	var closers []io.Closer
	if a.lis != nil {
		closers = append(closers, a.lis)
	}
	if a.kafka != nil {
		closers = append(closers, a.kafka)
	}
	if a.db != nil {
		closers = append(closers, a.db)
	}
	var first error
	for _, c := range closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
