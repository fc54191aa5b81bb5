package database

import (
	"context"

	"github.com/koustreak/pgdispatch/internal/rowjson"
)

// Pool is a bounded set of live PostgreSQL connections.
// Layers above this package talk to this interface and never import the
// postgres package directly.
type Pool interface {
	// Acquire checks out a connection. The call waits while the pool is
	// exhausted and fails with an errs.ErrKindPool error when ctx ends, the
	// pool's own acquire timeout expires or the pool is closed.
	Acquire(ctx context.Context) (Conn, error)

	// Ping checks that the database is reachable.
	Ping(ctx context.Context) error

	// Stat reports a snapshot of pool usage.
	Stat() PoolStat

	// Close releases every connection. Acquire fails afterwards.
	Close()
}

// Conn is a checked-out connection. Callers must always call Release,
// usually with defer, so the connection returns on every exit path.
type Conn interface {
	// Query runs sql exactly once and converts the whole result set.
	Query(ctx context.Context, sql string) (rowjson.Array, error)

	// Release hands the connection back. Calling it twice is a no-op.
	Release()
}

// PoolStat is a point-in-time view of a pool.
type PoolStat struct {
	Max   int // configured upper bound
	InUse int // checked out right now
	Idle  int // open and waiting
	Total int // InUse + Idle (+ connections being established)
}
