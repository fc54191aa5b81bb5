// Package postgres implements database.Pool for PostgreSQL in two flavors:
//
//   - BlockingPool: database/sql over the pgx stdlib driver. Acquire parks the
//     calling goroutine until a connection frees up. Used by the synchronous
//     and threaded dispatchers.
//   - AsyncPool: pgxpool. Acquire is context-driven with a check-out timeout
//     and cancellation aborts in-flight work. Used by the asynchronous
//     dispatcher.
//
// Both run queries on a raw *pgx.Conn so result conversion is identical.
package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/koustreak/pgdispatch/internal/rowjson"
)

// query runs sql once on c and converts the full result set.
func query(ctx context.Context, c *pgx.Conn, sql string) (rowjson.Array, error) {
	rows, err := c.Query(ctx, sql, rowjson.ResultFormats)
	if err != nil {
		return nil, mapQueryError(err)
	}
	arr, err := rowjson.Collect(rows)
	if err != nil {
		return nil, mapQueryError(err)
	}
	return arr, nil
}

// acquireContext derives the context used for a single check-out.
func acquireContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

// timedOut reports whether the check-out context expired on its own
// deadline rather than because the caller gave up.
func timedOut(parent, acquire context.Context) bool {
	return parent.Err() == nil && acquire.Err() == context.DeadlineExceeded
}
