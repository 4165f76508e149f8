// Package cli implements the bactdb command line.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"bactdb/internal/app"
	"bactdb/internal/config"
	"bactdb/internal/etl"
	"bactdb/internal/logger"
)

// Exit codes.
const (
	ExitOK             = 0
	ExitError          = 1
	ExitSchemaMismatch = 2
	ExitStoreWrite     = 3
)

// ExitCode maps a command error to the process exit status.
func ExitCode(err error) int {
	switch etl.KindOf(err) {
	case "":
		return ExitOK
	case etl.FailureSchemaMismatch:
		return ExitSchemaMismatch
	case etl.FailureStoreWrite:
		return ExitStoreWrite
	}
	return ExitError
}

// Execute runs the command line and returns the exit status.
func Execute(args []string, stdout, stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rc := NewRootCommand(stdout, stderr)
	rc.SetArgs(args)
	err := rc.ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintln(stderr, "Error:", err)
	}
	return ExitCode(err)
}

// NewRootCommand builds the command tree.
func NewRootCommand(stdout, stderr io.Writer) *cobra.Command {
	rc := &cobra.Command{
		Use:   "bactdb",
		Short: "Load microbiology susceptibility exports into the dashboard store.",
		Long: `bactdb validates laboratory exports (CSV, XLSX or a LIS database query),
derives the time and hospital-location columns the dashboard filters by,
and appends the records to a SQLite table. Loads are idempotent: a file
already loaded is skipped and rows already stored are not duplicated.

Every configuration key can be set in bactdb.toml, as a BACTDB_*
environment variable, or (for the common ones) as a flag.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rc.SetOut(stdout)
	rc.SetErr(stderr)

	pf := rc.PersistentFlags()
	pf.StringP("config", "c", "", "Configuration file to read from (default $BACTDB_CONFIG or ./bactdb.toml).")
	pf.String("db-path", "", "SQLite store file.")
	pf.String("table", "", "Table the records are appended to.")
	pf.String("timestamp-column", "", "Event time that feeds datetime, time_stamp and date.")
	pf.String("timezone", "", "IANA zone the export's wall-clock times are in.")
	pf.String("location-map", "", "TOML file mapping ward names or campus tags to locations.")
	pf.String("log-level", "", "Log level (debug, info, warn, error).")
	pf.String("log-format", "", "Log format (text or json).")

	rc.AddCommand(newIngestCommand())
	rc.AddCommand(newPullCommand())
	rc.AddCommand(newWatchCommand())
	rc.AddCommand(newRunsCommand())
	rc.AddCommand(newVerifyCommand())
	rc.AddCommand(newConfigCommand())
	rc.AddCommand(newGenerateCommand())
	return rc
}

// loadConfig resolves the configuration for cmd.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	file, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}
	return config.Load(file, cmd.Flags())
}

// session is a started App plus the resources to release with it.
type session struct {
	*app.App
	logCloser io.Closer
}

// startApp loads the configuration, builds the logger and opens the store.
func startApp(cmd *cobra.Command) (*session, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	log, closer, err := logger.New(cfg.Log)
	if err != nil {
		return nil, err
	}
	log.WithFields(logrus.Fields{
		"config": cfg.File(),
		"store":  cfg.Database.Path,
		"table":  cfg.Database.Table,
	}).Debug("configuration resolved")

	a := app.New(cfg, log)
	if err := a.Startup(cmd.Context()); err != nil {
		closer.Close()
		return nil, errors.Wrap(err, "startup")
	}
	return &session{App: a, logCloser: closer}, nil
}

// Close shuts the app down, giving running loads a grace period.
func (s *session) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err := s.Shutdown(ctx)
	s.logCloser.Close()
	return err
}
