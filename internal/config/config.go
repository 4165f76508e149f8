// Package config resolves bactdb's settings from defaults, a TOML file,
// .env files, BACTDB_* environment variables and command-line flags.
package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"
	_ "time/tzdata" // ingest.timezone must resolve on hosts without a zone database

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"bactdb/internal/domain"
	"bactdb/internal/fetch"
	"bactdb/internal/location"
	"bactdb/internal/logger"
	"bactdb/internal/storage"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "BACTDB"

// DefaultFile is looked up in the working directory when no config file
// is named.
const DefaultFile = "bactdb.toml"

// Defaults of the [database] namespace.
const (
	DefaultDBPath = "data/bact.db"
	DefaultTable  = "micro_test"
)

type DatabaseConfig struct {
	Path  string `mapstructure:"path" toml:"path" validate:"required"`
	Table string `mapstructure:"table" toml:"table" validate:"required"`
}

type IngestConfig struct {
	Source          string   `mapstructure:"source" toml:"source"`
	TimestampColumn string   `mapstructure:"timestamp_column" toml:"timestamp_column" validate:"required,oneof=开单时间 采集时间 接收时间 审核时间"`
	Timezone        string   `mapstructure:"timezone" toml:"timezone" validate:"required,timezone"`
	Sheet           string   `mapstructure:"sheet" toml:"sheet"`
	Delimiter       string   `mapstructure:"delimiter" toml:"delimiter"`
	Encoding        string   `mapstructure:"encoding" toml:"encoding"`
	TimeLayouts     []string `mapstructure:"time_layouts" toml:"time_layouts,omitempty"`
	DayFirst        bool     `mapstructure:"day_first" toml:"day_first"`
	Force           bool     `mapstructure:"force" toml:"force"`
	DryRun          bool     `mapstructure:"dry_run" toml:"dry_run"`
}

type LocationConfig struct {
	Unknown     string `mapstructure:"unknown" toml:"unknown"`
	MappingFile string `mapstructure:"mapping_file" toml:"mapping_file"`
	// Mapping is read from the file with go-toml: viper folds key case and
	// ward names are case sensitive.
	Mapping map[string]string `mapstructure:"-" toml:"mapping,omitempty"`
}

type WatchConfig struct {
	Inbox       string        `mapstructure:"inbox" toml:"inbox"`
	Schedule    string        `mapstructure:"schedule" toml:"schedule"`
	MetricsAddr string        `mapstructure:"metrics_addr" toml:"metrics_addr" validate:"omitempty,hostname_port|startswith=:"`
	Debounce    time.Duration `mapstructure:"debounce" toml:"debounce" validate:"gte=0"`
}

type NotifyConfig struct {
	KafkaBrokers []string `mapstructure:"kafka_brokers" toml:"kafka_brokers,omitempty"`
	KafkaTopic   string   `mapstructure:"kafka_topic" toml:"kafka_topic" validate:"required_with=KafkaBrokers"`
}

type LISConfig struct {
	Name      string `mapstructure:"name" toml:"name"`
	Driver    string `mapstructure:"driver" toml:"driver" validate:"omitempty,oneof=postgres mysql sqlite"`
	Host      string `mapstructure:"host" toml:"host" validate:"required_with=Driver"`
	Port      int    `mapstructure:"port" toml:"port" validate:"gte=0,lte=65535"`
	Database  string `mapstructure:"database" toml:"database"`
	Username  string `mapstructure:"username" toml:"username"`
	SSLMode   string `mapstructure:"ssl_mode" toml:"ssl_mode"`
	Query     string `mapstructure:"query" toml:"query" validate:"required_with=Driver"`
	FetchSize int    `mapstructure:"fetch_size" toml:"fetch_size" validate:"gte=0"`
}

// Config is the resolved configuration.
type Config struct {
	Database DatabaseConfig `mapstructure:"database" toml:"database"`
	Ingest   IngestConfig   `mapstructure:"ingest" toml:"ingest"`
	Location LocationConfig `mapstructure:"location" toml:"location"`
	Watch    WatchConfig    `mapstructure:"watch" toml:"watch"`
	Notify   NotifyConfig   `mapstructure:"notify" toml:"notify"`
	LIS      LISConfig      `mapstructure:"lis" toml:"lis"`
	Log      logger.Config  `mapstructure:"log" toml:"log"`

	file string
}

// StoreRef names the table the pipeline writes and the dashboard reads.
type StoreRef struct {
	Path  string
	Table string
}

// FlagKeys maps command-line flag names to configuration keys. Flags not
// present in a command's flag set are ignored.
var FlagKeys = map[string]string{
	"db-path":          "database.path",
	"table":            "database.table",
	"timestamp-column": "ingest.timestamp_column",
	"timezone":         "ingest.timezone",
	"sheet":            "ingest.sheet",
	"delimiter":        "ingest.delimiter",
	"encoding":         "ingest.encoding",
	"force":            "ingest.force",
	"dry-run":          "ingest.dry_run",
	"location-map":     "location.mapping_file",
	"inbox":            "watch.inbox",
	"schedule":         "watch.schedule",
	"metrics-addr":     "watch.metrics_addr",
	"log-level":        "log.level",
	"log-format":       "log.format",
}

func setDefaults(v *viper.Viper) {
	logDefaults := logger.DefaultConfig()
	for key, val := range map[string]any{
		"database.path":           DefaultDBPath,
		"database.table":          DefaultTable,
		"ingest.source":           "",
		"ingest.timestamp_column": domain.DefaultTimestampColumn,
		"ingest.timezone":         "Asia/Shanghai",
		"ingest.sheet":            "",
		"ingest.delimiter":        ",",
		"ingest.encoding":         "utf-8",
		"ingest.time_layouts":     []string{},
		"ingest.day_first":        false,
		"ingest.force":            false,
		"ingest.dry_run":          false,
		"location.unknown":        location.DefaultUnknown,
		"location.mapping_file":   "",
		"watch.inbox":             "data/inbox",
		"watch.schedule":          "",
		"watch.metrics_addr":      "",
		"watch.debounce":          "2s",
		"notify.kafka_brokers":    []string{},
		"notify.kafka_topic":      "bactdb.ingest",
		"lis.name":                "lis",
		"lis.driver":              "",
		"lis.host":                "",
		"lis.port":                0,
		"lis.database":            "",
		"lis.username":            "",
		"lis.ssl_mode":            "disable",
		"lis.query":               "",
		"lis.fetch_size":          500,
		"log.level":               logDefaults.Level,
		"log.format":              logDefaults.Format,
		"log.output":              logDefaults.Output,
		"log.path":                logDefaults.Path,
		"log.file":                logDefaults.File,
		"log.max_size":            logDefaults.MaxSize,
		"log.max_backups":         logDefaults.MaxBackups,
		"log.max_age":             logDefaults.MaxAge,
		"log.compress":            logDefaults.Compress,
	} {
		v.SetDefault(key, val)
	}
}

// Load resolves the configuration. Priority, highest first: flags that were
// set, BACTDB_* environment (including .env files), the TOML file, defaults.
// configFile may be empty; then BACTDB_CONFIG or ./bactdb.toml is used
// when present.
func Load(configFile string, flags *pflag.FlagSet) (*Config, error) {
	if configFile == "" {
		configFile = os.Getenv(EnvPrefix + "_CONFIG")
	}
	if configFile == "" {
		if _, err := os.Stat(DefaultFile); err == nil {
			configFile = DefaultFile
		}
	}

	var base string
	if configFile != "" {
		abs, err := filepath.Abs(configFile)
		if err != nil {
			return nil, errors.Wrap(err, "config path")
		}
		configFile = abs
		base = filepath.Dir(abs)
	}

	if err := loadDotEnv(base); err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "error reading configuration file '%s'", configFile)
		}
	}

	if flags != nil {
		for name, key := range FlagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, errors.Wrapf(err, "bind flag %s", name)
				}
			}
		}
	}

	cfg := &Config{file: configFile}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "decode configuration")
	}
	if configFile != "" {
		m, err := readMappingTable(configFile)
		if err != nil {
			return nil, err
		}
		cfg.Location.Mapping = m
	}

	cfg.resolvePaths(base)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadDotEnv loads .env from the config directory and the working
// directory. Variables already set in the environment win.
func loadDotEnv(base string) error {
	var files []string
	for _, dir := range []string{base, "."} {
		if dir == "" {
			continue
		}
		p := filepath.Join(dir, ".env")
		if _, err := os.Stat(p); err == nil {
			files = append(files, p)
		}
	}
	if len(files) == 0 {
		return nil
	}
	return errors.Wrap(godotenv.Load(files...), "load .env")
}

func readMappingTable(configFile string) (map[string]string, error) {
	tree, err := toml.LoadFile(configFile)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing %s", configFile)
	}
	sub, ok := tree.GetPath([]string{"location", "mapping"}).(*toml.Tree)
	if !ok {
		return nil, nil
	}
	out := make(map[string]string)
	for k, val := range sub.ToMap() {
		s, ok := val.(string)
		if !ok {
			return nil, errors.Errorf("location.mapping.%q: value must be a string", k)
		}
		out[k] = s
	}
	return out, nil
}

func (c *Config) resolvePaths(base string) {
	c.Database.Path = resolve(base, c.Database.Path)
	c.Location.MappingFile = resolve(base, c.Location.MappingFile)
	c.Watch.Inbox = resolve(base, c.Watch.Inbox)
	c.Log.Path = resolve(base, c.Log.Path)
	if !fetch.IsRemote(c.Ingest.Source) {
		c.Ingest.Source = resolve(base, c.Ingest.Source)
	}
	if c.LIS.Driver == string(domain.DatabaseDriverSQLite) {
		c.LIS.Host = resolve(base, c.LIS.Host)
	}
}

func resolve(base, p string) string {
	if p == "" || base == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}

// Validate checks the configuration once, at startup.
func (c *Config) Validate() error {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("mapstructure"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	if err := v.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, describe(fe))
			}
			return errors.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
		}
		return errors.Wrap(err, "invalid configuration")
	}
	if err := storage.ValidateTableName(c.Database.Table); err != nil {
		return errors.Wrap(err, "invalid configuration: database.table")
	}
	return nil
}

// describe renders a validation failure as "section.key: reason".
func describe(fe validator.FieldError) string {
	key := strings.TrimPrefix(fe.Namespace(), "Config.")
	switch fe.Tag() {
	case "required", "required_with":
		return key + ": is required"
	case "oneof":
		return key + ": must be one of " + fe.Param() + ", got " + quote(fe.Value())
	case "timezone":
		return key + ": unknown timezone " + quote(fe.Value())
	case "hostname_port":
		return key + ": must be host:port, got " + quote(fe.Value())
	default:
		return key + ": failed " + fe.Tag()
	}
}

func quote(v any) string {
	s, _ := v.(string)
	return `"` + s + `"`
}

// File returns the config file in use, or "".
func (c *Config) File() string { return c.file }

// Store returns the resolved (path, table) pair.
func (c *Config) Store() StoreRef {
	return StoreRef{Path: c.Database.Path, Table: c.Database.Table}
}

// TimeLocation loads the configured timezone.
func (c *Config) TimeLocation() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Ingest.Timezone)
	return loc, errors.Wrapf(err, "timezone %q", c.Ingest.Timezone)
}

// LocationMapping merges the inline [location.mapping] table with the
// mapping file; file entries win.
func (c *Config) LocationMapping() (location.Mapping, error) {
	m := location.Mapping{Wards: c.Location.Mapping, Unknown: c.Location.Unknown}
	if c.Location.MappingFile == "" {
		return m, nil
	}
	fm, err := location.LoadMappingFile(c.Location.MappingFile)
	if err != nil {
		return location.Mapping{}, err
	}
	return m.Merge(fm), nil
}

// LISConnection describes the configured LIS database, or nil when none.
func (c *Config) LISConnection() *domain.DatabaseConnection {
	if c.LIS.Driver == "" {
		return nil
	}
	return &domain.DatabaseConnection{
		Name:     c.LIS.Name,
		Driver:   domain.DatabaseDriver(c.LIS.Driver),
		Host:     c.LIS.Host,
		Port:     c.LIS.Port,
		Database: c.LIS.Database,
		Username: c.LIS.Username,
		SSLMode:  c.LIS.SSLMode,
	}
}

// Render returns the effective configuration as TOML.
func (c *Config) Render() ([]byte, error) {
	out, err := toml.Marshal(*c)
	return out, errors.Wrap(err, "render configuration")
}

// ReadStoreRef reads only the [database] namespace of configFile. This is
// the read-only contract shared with the dashboard: both resolve relative
// paths against the config file's directory.
func ReadStoreRef(configFile string) (StoreRef, error) {
	abs, err := filepath.Abs(configFile)
	if err != nil {
		return StoreRef{}, errors.Wrap(err, "config path")
	}
	tree, err := toml.LoadFile(abs)
	if err != nil {
		return StoreRef{}, errors.Wrapf(err, "parsing %s", configFile)
	}
	ref := StoreRef{Path: DefaultDBPath, Table: DefaultTable}
	if s, ok := tree.Get("database.path").(string); ok && s != "" {
		ref.Path = s
	}
	if s, ok := tree.Get("database.table").(string); ok && s != "" {
		ref.Table = s
	}
	ref.Path = resolve(filepath.Dir(abs), ref.Path)
	return ref, nil
}
