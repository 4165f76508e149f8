// Package logger configures the logrus logger shared by every component.
package logger

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

const timestampFormat = "2006-01-02 15:04:05.000"

// Config controls level, format and destination of log output.
type Config struct {
	Level      string `mapstructure:"level" toml:"level" validate:"omitempty,oneof=trace debug info warn warning error fatal panic"`
	Format     string `mapstructure:"format" toml:"format" validate:"omitempty,oneof=text json"`
	Output     string `mapstructure:"output" toml:"output" validate:"omitempty,oneof=stdout stderr file both"`
	Path       string `mapstructure:"path" toml:"path"`
	File       string `mapstructure:"file" toml:"file"`
	MaxSize    int    `mapstructure:"max_size" toml:"max_size"`
	MaxBackups int    `mapstructure:"max_backups" toml:"max_backups"`
	MaxAge     int    `mapstructure:"max_age" toml:"max_age"`
	Compress   bool   `mapstructure:"compress" toml:"compress"`
}

// DefaultConfig logs text at info level to stderr.
func DefaultConfig() Config {
	return Config{
		Level:      "info",
		Format:     "text",
		Output:     "stderr",
		Path:       "logs",
		File:       "bactdb.log",
		MaxSize:    50,
		MaxBackups: 5,
		MaxAge:     30,
		Compress:   true,
	}
}

// New builds a logger from cfg. The returned closer releases the rotating
// file, if any.
func New(cfg Config) (*logrus.Logger, io.Closer, error) {
	def := DefaultConfig()
	if cfg.Level == "" {
		cfg.Level = def.Level
	}
	if cfg.Output == "" {
		cfg.Output = def.Output
	}
	if cfg.File == "" {
		cfg.File = def.File
	}

	log := logrus.New()
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "log level %q", cfg.Level)
	}
	log.SetLevel(level)

	if cfg.Format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: timestampFormat,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime: "timestamp",
				logrus.FieldKeyMsg:  "message",
			},
		})
	} else {
		log.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: timestampFormat,
		})
	}

	var (
		writers []io.Writer
		closer  io.Closer = nopCloser{}
	)
	switch strings.ToLower(cfg.Output) {
	case "file", "both":
		if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
			return nil, nil, errors.Wrap(err, "create log directory")
		}
		fw := &lumberjack.Logger{
			Filename:   filepath.Join(cfg.Path, cfg.File),
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   cfg.Compress,
		}
		writers = append(writers, fw)
		closer = fw
		if strings.EqualFold(cfg.Output, "both") {
			writers = append(writers, os.Stderr)
		}
	case "stdout":
		writers = append(writers, os.Stdout)
	default:
		writers = append(writers, os.Stderr)
	}
	log.SetOutput(io.MultiWriter(writers...))
	return log, closer, nil
}

// Component returns an entry tagged with the component name.
func Component(log *logrus.Logger, name string) *logrus.Entry {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return log.WithField("component", name)
}

// Discard returns a logger that writes nothing, for tests.
func Discard() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
