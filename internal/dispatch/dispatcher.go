// Package dispatch runs SQL text against a database.Pool and hands back the
// converted JSON result through a Future. Three strategies share the same
// contract and differ only in where the blocking work happens:
//
//   - Synchronous: on the caller's goroutine, before Run returns.
//   - Threaded: on a worker of a bounded blocking Executor.
//   - Asynchronous: on a fresh goroutine driven by the caller's context.
package dispatch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/koustreak/pgdispatch/internal/database"
	"github.com/koustreak/pgdispatch/internal/errs"
	"github.com/koustreak/pgdispatch/internal/logger"
	"github.com/koustreak/pgdispatch/internal/rowjson"
)

// Dispatcher executes SQL text and yields a JSON result.
type Dispatcher interface {
	// Run executes sql exactly once. Cancelling ctx (or the returned
	// future) is how a caller abandons the result.
	Run(ctx context.Context, sql string) *Future

	// Strategy reports which execution strategy this dispatcher uses.
	Strategy() Strategy

	// Close stops accepting work and waits for in-flight queries.
	// It does not close the pool.
	Close() error
}

// Strategy selects a Dispatcher implementation.
type Strategy int

const (
	StrategyAsync Strategy = iota
	StrategySync
	StrategyThreaded
)

func (s Strategy) String() string {
	switch s {
	case StrategySync:
		return "sync"
	case StrategyThreaded:
		return "threaded"
	case StrategyAsync:
		return "async"
	default:
		return fmt.Sprintf("strategy(%d)", int(s))
	}
}

// ParseStrategy accepts "sync", "threaded" or "async" (case-insensitive).
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "sync", "synchronous":
		return StrategySync, nil
	case "threaded":
		return StrategyThreaded, nil
	case "async", "asynchronous", "":
		return StrategyAsync, nil
	default:
		return 0, errs.New(errs.ErrKindInvalidInput, fmt.Sprintf("unknown strategy %q", s))
	}
}

// Observer receives one callback per finished query and per rejected task.
type Observer interface {
	ObserveDispatch(strategy string, elapsed time.Duration, err error)
	ObserveRejected()
}

type nopObserver struct{}

func (nopObserver) ObserveDispatch(string, time.Duration, error) {}
func (nopObserver) ObserveRejected()                             {}

// Options carries the collaborators shared by every strategy.
type Options struct {
	Pool     database.Pool
	Executor ExecutorConfig // Threaded only
	Logger   *logger.Logger
	Observer Observer
}

// New builds the dispatcher for s.
func New(s Strategy, opts Options) (Dispatcher, error) {
	if opts.Pool == nil {
		return nil, errs.New(errs.ErrKindInvalidInput, "dispatcher requires a pool")
	}
	switch s {
	case StrategySync:
		return NewSynchronous(opts), nil
	case StrategyThreaded:
		return NewThreaded(opts)
	case StrategyAsync:
		return NewAsynchronous(opts), nil
	default:
		return nil, errs.New(errs.ErrKindInvalidInput, fmt.Sprintf("unknown strategy %s", s))
	}
}

// runner holds what all strategies need to execute one query.
type runner struct {
	strategy Strategy
	pool     database.Pool
	log      *logger.Logger
	obs      Observer
}

func newRunner(s Strategy, opts Options) runner {
	r := runner{strategy: s, pool: opts.Pool, log: opts.Logger, obs: opts.Observer}
	if r.log == nil {
		r.log = logger.Nop()
	}
	if r.obs == nil {
		r.obs = nopObserver{}
	}
	r.log = r.log.With().Str("strategy", s.String()).Logger()
	return r
}

// run acquires a connection, executes sql and converts the result. The
// connection is released on every exit path, panics included.
func (r *runner) run(ctx context.Context, sql string) (arr rowjson.Array, err error) {
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			arr, err = nil, errs.New(errs.ErrKindDriver, fmt.Sprintf("panic during query: %v", p))
		}
		r.obs.ObserveDispatch(r.strategy.String(), time.Since(start), err)
		r.logResult(len(arr), time.Since(start), err)
	}()

	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return nil, classify(err, errs.ErrKindPool)
	}
	defer conn.Release()

	arr, err = conn.Query(ctx, sql)
	if err != nil {
		return nil, classify(err, errs.ErrKindDriver)
	}
	return arr, nil
}

func (r *runner) logResult(rows int, elapsed time.Duration, err error) {
	if err != nil {
		r.log.Debug().Err(err).Str("kind", errs.KindOf(err).String()).Dur("elapsed", elapsed).Msg("query failed")
		return
	}
	r.log.Debug().Int("rows", rows).Dur("elapsed", elapsed).Msg("query finished")
}

// classify gives unclassified errors from a Pool implementation a kind.
func classify(err error, kind errs.ErrKind) error {
	if errs.KindOf(err) != errs.ErrKindUnknown {
		return err
	}
	return errs.Wrap(kind, kind.String()+" error", err)
}
