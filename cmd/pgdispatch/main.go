// pgdispatch serves named SQL queries over HTTP and returns their rows as
// JSON. One of three dispatch strategies is chosen at startup:
//
//	--sync      run each query on the request goroutine
//	--threaded  hand each query to a bounded pool of blocking workers
//	--async     run each query on its own goroutine over pgxpool (default)
//
// POST /{name} registers the request body as a query; GET /{name} runs it.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/pflag"

	"github.com/koustreak/pgdispatch/internal/config"
	"github.com/koustreak/pgdispatch/internal/database"
	"github.com/koustreak/pgdispatch/internal/database/postgres"
	"github.com/koustreak/pgdispatch/internal/dispatch"
	"github.com/koustreak/pgdispatch/internal/logger"
	"github.com/koustreak/pgdispatch/internal/metrics"
	"github.com/koustreak/pgdispatch/internal/registry"
	"github.com/koustreak/pgdispatch/internal/server"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "pgdispatch: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(os.Args[1:], os.Getenv, os.Stderr)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	log := logger.New(&cfg.Log)
	strategy := cfg.DispatchStrategy()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := openPool(ctx, strategy, &cfg.Database, log)
	if err != nil {
		return err
	}
	defer pool.Close()

	pingCtx, cancel := context.WithTimeout(ctx, cfg.Database.ConnectTimeout)
	if err := pool.Ping(pingCtx); err != nil {
		log.Warn().Err(err).Str("dsn", cfg.Database.Redacted()).Msg("database not reachable yet, continuing")
	}
	cancel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m, err := metrics.New(reg)
	if err != nil {
		return err
	}
	if err := m.RegisterPool(pool.Stat); err != nil {
		return err
	}

	d, err := dispatch.New(strategy, dispatch.Options{
		Pool:     pool,
		Executor: cfg.Blocking,
		Logger:   log,
		Observer: m,
	})
	if err != nil {
		return err
	}

	queries := registry.New()
	handler := server.NewHandler(queries, d, log, cfg.Server.MaxQueryBytes)
	srv := server.New(cfg.Server, handler.Routes(m), reg, log)

	log.Info().
		Str("strategy", strategy.String()).
		Str("listen", cfg.Server.Listen).
		Int32("max_conns", cfg.Database.MaxConns).
		Msg("pgdispatch starting")

	runErr := srv.Run(ctx)

	closeStart := time.Now()
	if err := d.Close(); err != nil {
		log.Error().Err(err).Msg("dispatcher close failed")
	}
	log.Info().
		Dur("drain", time.Since(closeStart)).
		Strs("queries", queries.Names()).
		Msg("pgdispatch stopped")

	return runErr
}

// openPool picks the pool flavor that matches the strategy: the blocking
// strategies check connections out from database/sql, the async one from
// pgxpool.
func openPool(ctx context.Context, s dispatch.Strategy, cfg *database.Config, log *logger.Logger) (database.Pool, error) {
	if s == dispatch.StrategyAsync {
		return postgres.NewAsyncPool(ctx, cfg, log)
	}
	return postgres.NewBlockingPool(cfg, log)
}
