package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/stdlib"

	"github.com/koustreak/pgdispatch/internal/database"
	"github.com/koustreak/pgdispatch/internal/errs"
	"github.com/koustreak/pgdispatch/internal/logger"
	"github.com/koustreak/pgdispatch/internal/rowjson"
)

// BlockingPool is a database/sql connection pool whose connections are
// owned by the goroutine holding them. It is safe for concurrent use.
type BlockingPool struct {
	db             *sql.DB
	acquireTimeout time.Duration
}

// NewBlockingPool opens the pool. No connection is made until the first
// Acquire or Ping.
func NewBlockingPool(cfg *database.Config, log *logger.Logger) (*BlockingPool, error) {
	cc, err := cfg.ConnConfig()
	if err != nil {
		return nil, err
	}
	cc.Tracer = log.PgxTracer()

	testOnCheckout := cfg.TestOnCheckout
	db := stdlib.OpenDB(*cc, stdlib.OptionShouldPing(func(context.Context, stdlib.ShouldPingParams) bool {
		return testOnCheckout
	}))

	db.SetMaxOpenConns(int(cfg.MaxConns))
	db.SetMaxIdleConns(int(cfg.MaxConns))
	db.SetConnMaxLifetime(cfg.MaxConnLifetime)
	db.SetConnMaxIdleTime(cfg.MaxConnIdleTime)

	log.Info().
		Str("pool", "blocking").
		Str("dsn", cfg.Redacted()).
		Int32("max_conns", cfg.MaxConns).
		Msg("postgres pool opened")

	return &BlockingPool{db: db, acquireTimeout: cfg.AcquireTimeout}, nil
}

// Acquire blocks until a connection is free, ctx ends or the acquire
// timeout expires.
func (p *BlockingPool) Acquire(ctx context.Context) (database.Conn, error) {
	actx, cancel := acquireContext(ctx, p.acquireTimeout)
	defer cancel()

	c, err := p.db.Conn(actx)
	if err != nil {
		return nil, mapAcquireError(err, timedOut(ctx, actx))
	}
	return &blockingConn{conn: c}, nil
}

// Ping verifies the database is reachable.
func (p *BlockingPool) Ping(ctx context.Context) error {
	if err := p.db.PingContext(ctx); err != nil {
		return mapAcquireError(err, false)
	}
	return nil
}

// Stat reports database/sql pool statistics.
func (p *BlockingPool) Stat() database.PoolStat {
	s := p.db.Stats()
	return database.PoolStat{
		Max:   s.MaxOpenConnections,
		InUse: s.InUse,
		Idle:  s.Idle,
		Total: s.OpenConnections,
	}
}

// Close closes the pool. Checked-out connections close when released.
func (p *BlockingPool) Close() {
	_ = p.db.Close()
}

// blockingConn is a *sql.Conn pinned to one goroutine until Release.
type blockingConn struct {
	conn *sql.Conn
	once sync.Once
}

// Query runs on the underlying *pgx.Conn so the converter sees raw cells
// and type OIDs rather than database/sql driver values.
func (c *blockingConn) Query(ctx context.Context, sql string) (rowjson.Array, error) {
	var out rowjson.Array
	err := c.conn.Raw(func(driverConn any) error {
		pc, ok := driverConn.(*stdlib.Conn)
		if !ok {
			return errs.New(errs.ErrKindDriver, fmt.Sprintf("unexpected driver connection %T", driverConn))
		}
		var qerr error
		out, qerr = query(ctx, pc.Conn(), sql)
		return qerr
	})
	if err != nil {
		return nil, mapQueryError(err)
	}
	return out, nil
}

func (c *blockingConn) Release() {
	c.once.Do(func() {
		_ = c.conn.Close()
	})
}
