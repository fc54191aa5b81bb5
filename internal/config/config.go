// Package config assembles pgdispatch's process configuration.
//
// Sources, lowest precedence first:
//
//  1. built-in defaults
//  2. the YAML file named by --config
//  3. PGDISPATCH_* environment variables
//  4. command-line flags
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/spf13/pflag"
	"go.yaml.in/yaml/v3"

	"github.com/koustreak/pgdispatch/internal/database"
	"github.com/koustreak/pgdispatch/internal/dispatch"
	"github.com/koustreak/pgdispatch/internal/errs"
	"github.com/koustreak/pgdispatch/internal/logger"
	"github.com/koustreak/pgdispatch/internal/server"
)

const envPrefix = "PGDISPATCH_"

// Config is the full process configuration.
type Config struct {
	Server   server.Config           `yaml:",inline"`
	Strategy string                  `yaml:"strategy"` // sync | threaded | async
	Blocking dispatch.ExecutorConfig `yaml:"blocking"`
	Log      logger.Config           `yaml:"log"`
	Database database.Config         `yaml:"database"`
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		Server:   server.DefaultConfig(),
		Strategy: dispatch.StrategyAsync.String(),
		Blocking: dispatch.DefaultExecutorConfig(),
		Log:      *logger.DefaultConfig(),
		Database: *database.DefaultConfig(),
	}
}

// Validate checks every section.
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return err
	}
	if _, err := dispatch.ParseStrategy(c.Strategy); err != nil {
		return err
	}
	if err := c.Blocking.Validate(); err != nil {
		return err
	}
	if !logger.ValidLevel(c.Log.Level) {
		return errs.New(errs.ErrKindInvalidInput, fmt.Sprintf("invalid log level %q", c.Log.Level))
	}
	if !logger.ValidFormat(c.Log.Format) {
		return errs.New(errs.ErrKindInvalidInput, fmt.Sprintf("invalid log format %q", c.Log.Format))
	}
	return c.Database.Validate()
}

// DispatchStrategy returns the parsed strategy. Only valid after Validate.
func (c *Config) DispatchStrategy() dispatch.Strategy {
	s, _ := dispatch.ParseStrategy(c.Strategy)
	return s
}

// LoadFile merges the YAML file at path into c.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overrides c from PGDISPATCH_* variables looked up with getenv.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	env := envReader{getenv: getenv}

	env.str("LISTEN", &c.Server.Listen)
	env.str("METRICS_LISTEN", &c.Server.MetricsListen)
	env.str("STRATEGY", &c.Strategy)
	env.str("LOG_LEVEL", &c.Log.Level)
	env.str("LOG_FORMAT", &c.Log.Format)

	env.str("DB_HOST", &c.Database.Host)
	env.integer("DB_PORT", &c.Database.Port)
	env.str("DB_USER", &c.Database.User)
	env.str("DB_PASSWORD", &c.Database.Password)
	env.str("DB_NAME", &c.Database.Database)
	env.str("DB_SSLMODE", &c.Database.SSLMode)
	env.int32("DB_MAX_CONNS", &c.Database.MaxConns)
	env.duration("DB_ACQUIRE_TIMEOUT", &c.Database.AcquireTimeout)

	env.integer("BLOCKING_WORKERS", &c.Blocking.Workers)
	env.integer("BLOCKING_QUEUE", &c.Blocking.Queue)

	return errors.Join(env.errs...)
}

// Load builds the configuration from args (without the program name) and
// the environment. It returns pflag.ErrHelp when -h/--help is given.
func Load(args []string, getenv func(string) string, usage io.Writer) (*Config, error) {
	cfg := Default()
	f := newFlags(cfg, usage)

	if err := f.set.Parse(args); err != nil {
		return nil, err
	}

	if f.configPath != "" {
		if err := cfg.LoadFile(f.configPath); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(getenv); err != nil {
		return nil, err
	}
	f.apply(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// flags holds values parsed from the command line. They are applied after
// the file and environment, and only when explicitly set.
type flags struct {
	set        *pflag.FlagSet
	configPath string

	sync, threaded, async bool

	listen, metricsListen string
	logLevel, logFormat   string
	dbHost                string
	dbPort                int
	dbUser, dbPassword    string
	dbName                string
	dbMaxConns            int32
	acquireTimeout        time.Duration
	workers, queue        int
}

func newFlags(defaults *Config, usage io.Writer) *flags {
	f := &flags{set: pflag.NewFlagSet("pgdispatch", pflag.ContinueOnError)}
	if usage != nil {
		f.set.SetOutput(usage)
	}
	s := f.set

	s.StringVar(&f.configPath, "config", "", "path to a YAML config file")

	s.BoolVar(&f.sync, "sync", false, "run queries synchronously on the request goroutine")
	s.BoolVar(&f.threaded, "threaded", false, "run queries on the blocking executor")
	s.BoolVar(&f.async, "async", false, "run queries asynchronously on the pgx pool (default)")

	s.StringVar(&f.listen, "listen", defaults.Server.Listen, "query API listen address")
	s.StringVar(&f.metricsListen, "metrics-listen", defaults.Server.MetricsListen, "Prometheus listen address (empty disables)")
	s.StringVar(&f.logLevel, "log-level", defaults.Log.Level, "log level: debug, info, warn, error")
	s.StringVar(&f.logFormat, "log-format", defaults.Log.Format, "log format: json, console")

	s.StringVar(&f.dbHost, "db-host", defaults.Database.Host, "PostgreSQL host")
	s.IntVar(&f.dbPort, "db-port", defaults.Database.Port, "PostgreSQL port")
	s.StringVar(&f.dbUser, "db-user", defaults.Database.User, "PostgreSQL user")
	s.StringVar(&f.dbPassword, "db-password", "", "PostgreSQL password")
	s.StringVar(&f.dbName, "db-name", defaults.Database.Database, "PostgreSQL database")
	s.Int32Var(&f.dbMaxConns, "db-max-conns", defaults.Database.MaxConns, "connection pool size")
	s.DurationVar(&f.acquireTimeout, "acquire-timeout", defaults.Database.AcquireTimeout, "connection check-out timeout")

	s.IntVar(&f.workers, "workers", defaults.Blocking.Workers, "blocking executor workers (--threaded)")
	s.IntVar(&f.queue, "queue", defaults.Blocking.Queue, "blocking executor queue length (--threaded)")
	return f
}

func (f *flags) apply(cfg *Config) {
	changed := f.set.Changed

	if changed("listen") {
		cfg.Server.Listen = f.listen
	}
	if changed("metrics-listen") {
		cfg.Server.MetricsListen = f.metricsListen
	}
	if changed("log-level") {
		cfg.Log.Level = f.logLevel
	}
	if changed("log-format") {
		cfg.Log.Format = f.logFormat
	}
	if changed("db-host") {
		cfg.Database.Host = f.dbHost
	}
	if changed("db-port") {
		cfg.Database.Port = f.dbPort
	}
	if changed("db-user") {
		cfg.Database.User = f.dbUser
	}
	if changed("db-password") {
		cfg.Database.Password = f.dbPassword
	}
	if changed("db-name") {
		cfg.Database.Database = f.dbName
	}
	if changed("db-max-conns") {
		cfg.Database.MaxConns = f.dbMaxConns
	}
	if changed("acquire-timeout") {
		cfg.Database.AcquireTimeout = f.acquireTimeout
	}
	if changed("workers") {
		cfg.Blocking.Workers = f.workers
	}
	if changed("queue") {
		cfg.Blocking.Queue = f.queue
	}

	// Several strategy flags may be given; threaded wins over sync, sync
	// over async.
	switch {
	case f.threaded:
		cfg.Strategy = dispatch.StrategyThreaded.String()
	case f.sync:
		cfg.Strategy = dispatch.StrategySync.String()
	case f.async:
		cfg.Strategy = dispatch.StrategyAsync.String()
	}
}

type envReader struct {
	getenv func(string) string
	errs   []error
}

func (e *envReader) lookup(key string) (string, bool) {
	v := e.getenv(envPrefix + key)
	return v, v != ""
}

func (e *envReader) str(key string, dst *string) {
	if v, ok := e.lookup(key); ok {
		*dst = v
	}
}

func (e *envReader) integer(key string, dst *int) {
	v, ok := e.lookup(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s%s: invalid integer %q", envPrefix, key, v))
		return
	}
	*dst = n
}

func (e *envReader) int32(key string, dst *int32) {
	v, ok := e.lookup(key)
	if !ok {
		return
	}
	n, err := strconv.ParseInt(v, 10, 32)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s%s: invalid integer %q", envPrefix, key, v))
		return
	}
	*dst = int32(n)
}

func (e *envReader) duration(key string, dst *time.Duration) {
	v, ok := e.lookup(key)
	if !ok {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s%s: invalid duration %q (use 5s, 1m)", envPrefix, key, v))
		return
	}
	*dst = d
}
