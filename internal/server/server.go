// Package server is the HTTP front end: the query API listener and an
// optional Prometheus listener, both shut down gracefully.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/koustreak/pgdispatch/internal/errs"
	"github.com/koustreak/pgdispatch/internal/logger"
)

// Config holds listener settings.
type Config struct {
	Listen          string        `yaml:"listen"`
	MetricsListen   string        `yaml:"metrics_listen"` // empty disables /metrics
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxQueryBytes   int64         `yaml:"max_query_bytes"`
}

// DefaultConfig listens on loopback only.
func DefaultConfig() Config {
	return Config{
		Listen:          "127.0.0.1:8080",
		MetricsListen:   "127.0.0.1:9090",
		ShutdownTimeout: 10 * time.Second,
		MaxQueryBytes:   1 << 20,
	}
}

// Validate reports the first invalid field as errs.ErrKindInvalidInput.
func (c Config) Validate() error {
	if c.Listen == "" {
		return errs.New(errs.ErrKindInvalidInput, "listen address is required")
	}
	if c.MaxQueryBytes <= 0 {
		return errs.New(errs.ErrKindInvalidInput, "max_query_bytes must be positive")
	}
	if c.ShutdownTimeout < 0 {
		return errs.New(errs.ErrKindInvalidInput, "shutdown_timeout must not be negative")
	}
	return nil
}

// Server owns the listeners.
type Server struct {
	cfg Config
	log *logger.Logger

	api     *http.Server
	metrics *http.Server

	apiLn     net.Listener
	metricsLn net.Listener
}

// New wires handler to the API listener and, when cfg.MetricsListen is set,
// exposes gatherer on /metrics.
func New(cfg Config, handler http.Handler, gatherer prometheus.Gatherer, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Nop()
	}
	s := &Server{
		cfg: cfg,
		log: log,
		api: &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
	}
	if cfg.MetricsListen != "" && gatherer != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
		s.metrics = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	}
	return s
}

// Listen binds every listener. A bind failure is returned immediately.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Listen, err)
	}
	s.apiLn = ln

	if s.metrics != nil {
		mln, err := net.Listen("tcp", s.cfg.MetricsListen)
		if err != nil {
			_ = ln.Close()
			return fmt.Errorf("listen metrics %s: %w", s.cfg.MetricsListen, err)
		}
		s.metricsLn = mln
	}
	return nil
}

// Addr is the bound API address. Only valid after Listen.
func (s *Server) Addr() net.Addr {
	if s.apiLn == nil {
		return nil
	}
	return s.apiLn.Addr()
}

// MetricsAddr is the bound metrics address, nil when disabled.
func (s *Server) MetricsAddr() net.Addr {
	if s.metricsLn == nil {
		return nil
	}
	return s.metricsLn.Addr()
}

// Run binds and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Serve serves on listeners bound by Listen until ctx is cancelled or one of
// them fails, then shuts every server down within ShutdownTimeout.
func (s *Server) Serve(ctx context.Context) error {
	if s.apiLn == nil {
		return errors.New("server: Serve called before Listen")
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.log.Info().Str("addr", s.apiLn.Addr().String()).Msg("query listener started")
		return serve(s.api, s.apiLn)
	})
	if s.metrics != nil {
		g.Go(func() error {
			s.log.Info().Str("addr", s.metricsLn.Addr().String()).Msg("metrics listener started")
			return serve(s.metrics, s.metricsLn)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		s.log.Info().Msg("shutting down")

		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
		defer cancel()

		var errList []error
		if err := s.api.Shutdown(sctx); err != nil {
			errList = append(errList, fmt.Errorf("shutdown query listener: %w", err))
		}
		if s.metrics != nil {
			if err := s.metrics.Shutdown(sctx); err != nil {
				errList = append(errList, fmt.Errorf("shutdown metrics listener: %w", err))
			}
		}
		return errors.Join(errList...)
	})

	return g.Wait()
}

func serve(srv *http.Server, ln net.Listener) error {
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
