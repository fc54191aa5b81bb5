package database

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/koustreak/pgdispatch/internal/errs"
)

// Config holds all settings needed to connect to and pool PostgreSQL.
// Both pool flavors read the same Config.
type Config struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"sslmode"`

	// Pool tuning
	MaxConns        int32         `yaml:"max_conns"`          // hard upper bound on open connections
	MinConns        int32         `yaml:"min_conns"`          // idle connections kept warm
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"`  // maximum time a connection may be reused
	MaxConnIdleTime time.Duration `yaml:"max_conn_idle_time"` // maximum time a connection may sit idle

	// AcquireTimeout bounds a single check-out. Zero waits as long as the
	// caller's context allows.
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`

	// ConnectTimeout bounds dialing a new connection.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// TestOnCheckout pings a connection before handing it out.
	TestOnCheckout bool `yaml:"test_on_checkout"`
}

// DefaultConfig returns the settings of the benchmark setup: a local server,
// ten connections and a five second check-out timeout.
func DefaultConfig() *Config {
	return &Config{
		Host:            "localhost",
		Port:            5432,
		User:            "postgres",
		Password:        "prisma",
		Database:        "postgres",
		SSLMode:         "disable",
		MaxConns:        10,
		MinConns:        0,
		MaxConnLifetime: 30 * time.Minute,
		MaxConnIdleTime: 5 * time.Minute,
		AcquireTimeout:  5 * time.Second,
		ConnectTimeout:  10 * time.Second,
	}
}

// Validate rejects settings no pool can honor.
func (c *Config) Validate() error {
	switch {
	case c.Host == "":
		return errs.New(errs.ErrKindInvalidInput, "database host is empty")
	case c.Port <= 0 || c.Port > 65535:
		return errs.New(errs.ErrKindInvalidInput, fmt.Sprintf("database port %d out of range", c.Port))
	case c.MaxConns <= 0:
		return errs.New(errs.ErrKindInvalidInput, "max_conns must be positive")
	case c.MinConns < 0 || c.MinConns > c.MaxConns:
		return errs.New(errs.ErrKindInvalidInput, "min_conns must be between 0 and max_conns")
	case c.AcquireTimeout < 0:
		return errs.New(errs.ErrKindInvalidInput, "acquire_timeout must not be negative")
	}
	return nil
}

// DSN builds a postgres:// URL. The password is included; never log it.
func (c *Config) DSN() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	port := c.Port
	if port == 0 {
		port = 5432
	}

	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.User, c.Password),
		Host:   net.JoinHostPort(c.Host, strconv.Itoa(port)),
		Path:   "/" + c.Database,
	}
	q := u.Query()
	q.Set("sslmode", sslMode)
	u.RawQuery = q.Encode()
	return u.String()
}

// ConnConfig parses the DSN into a pgx connection config with the connect
// timeout applied.
func (c *Config) ConnConfig() (*pgx.ConnConfig, error) {
	cc, err := pgx.ParseConfig(c.DSN())
	if err != nil {
		return nil, errs.Wrap(errs.ErrKindInvalidInput, "invalid postgres config", err)
	}
	if c.ConnectTimeout > 0 {
		cc.ConnectTimeout = c.ConnectTimeout
	}
	return cc, nil
}

// Redacted returns the DSN with the password masked, for logs.
func (c *Config) Redacted() string {
	u, err := url.Parse(c.DSN())
	if err != nil {
		return ""
	}
	return u.Redacted()
}
