package postgres

import (
	"context"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/koustreak/pgdispatch/internal/database"
	"github.com/koustreak/pgdispatch/internal/errs"
	"github.com/koustreak/pgdispatch/internal/logger"
	"github.com/koustreak/pgdispatch/internal/rowjson"
)

// AsyncPool is a pgxpool-backed pool. Check-out waits are bounded by the
// configured acquire timeout and by the caller's context.
type AsyncPool struct {
	pool           *pgxpool.Pool
	acquireTimeout time.Duration
}

// NewAsyncPool builds the pool without dialing: connections are created on
// demand, so the service can start before the database is up.
func NewAsyncPool(ctx context.Context, cfg *database.Config, log *logger.Logger) (*AsyncPool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, errs.Wrap(errs.ErrKindInvalidInput, "invalid postgres config", err)
	}

	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	if cfg.ConnectTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	}
	poolCfg.ConnConfig.Tracer = log.PgxTracer()

	testOnCheckout := cfg.TestOnCheckout
	poolCfg.ShouldPing = func(context.Context, pgxpool.ShouldPingParams) bool {
		return testOnCheckout
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, errs.Wrap(errs.ErrKindPool, "failed to create connection pool", err)
	}

	log.Info().
		Str("pool", "async").
		Str("dsn", cfg.Redacted()).
		Int32("max_conns", cfg.MaxConns).
		Dur("acquire_timeout", cfg.AcquireTimeout).
		Msg("postgres pool opened")

	return &AsyncPool{pool: pool, acquireTimeout: cfg.AcquireTimeout}, nil
}

// Acquire checks out a connection, waiting at most the acquire timeout.
func (p *AsyncPool) Acquire(ctx context.Context) (database.Conn, error) {
	actx, cancel := acquireContext(ctx, p.acquireTimeout)
	defer cancel()

	c, err := p.pool.Acquire(actx)
	if err != nil {
		return nil, mapAcquireError(err, timedOut(ctx, actx))
	}
	return &asyncConn{conn: c}, nil
}

// Ping verifies the database is reachable by acquiring and releasing a connection.
func (p *AsyncPool) Ping(ctx context.Context) error {
	if err := p.pool.Ping(ctx); err != nil {
		return mapAcquireError(err, false)
	}
	return nil
}

// Stat reports pgxpool statistics.
func (p *AsyncPool) Stat() database.PoolStat {
	s := p.pool.Stat()
	return database.PoolStat{
		Max:   int(s.MaxConns()),
		InUse: int(s.AcquiredConns()),
		Idle:  int(s.IdleConns()),
		Total: int(s.TotalConns()),
	}
}

// Close drains the pool, waiting for checked-out connections to come back.
func (p *AsyncPool) Close() {
	p.pool.Close()
}

type asyncConn struct {
	conn *pgxpool.Conn
	once sync.Once
}

// Query runs sql on the checked-out connection. If ctx is cancelled mid-query
// pgx abandons the connection and Release destroys it instead of pooling it.
func (c *asyncConn) Query(ctx context.Context, sql string) (rowjson.Array, error) {
	return query(ctx, c.conn.Conn(), sql)
}

func (c *asyncConn) Release() {
	c.once.Do(c.conn.Release)
}
