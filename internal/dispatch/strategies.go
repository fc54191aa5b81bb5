package dispatch

import (
	"context"
	"sync"

	"github.com/koustreak/pgdispatch/internal/errs"
)

// Synchronous runs the whole query on the caller's goroutine and returns
// an already-resolved future. Concurrency comes only from concurrent callers.
type Synchronous struct {
	runner
}

// NewSynchronous returns a dispatcher that runs queries inline.
func NewSynchronous(opts Options) *Synchronous {
	return &Synchronous{runner: newRunner(StrategySync, opts)}
}

// Run executes sql before returning; the future is already resolved.
func (d *Synchronous) Run(ctx context.Context, sql string) *Future {
	return resolvedFuture(d.run(ctx, sql))
}

func (d *Synchronous) Strategy() Strategy { return StrategySync }

// Close is a no-op; nothing outlives a Run call.
func (d *Synchronous) Close() error { return nil }

// Threaded hands acquisition, query and conversion to a blocking Executor.
// A task that has started is never interrupted: if the caller gives up, the
// result is discarded when the worker finishes.
type Threaded struct {
	runner
	exec *Executor
}

// NewThreaded starts the executor described by opts.Executor, or the
// default one when it is zero.
func NewThreaded(opts Options) (*Threaded, error) {
	r := newRunner(StrategyThreaded, opts)
	cfg := opts.Executor
	if cfg == (ExecutorConfig{}) {
		cfg = DefaultExecutorConfig()
	}
	exec, err := NewExecutor(cfg, r.log, r.obs.ObserveRejected)
	if err != nil {
		return nil, err
	}
	return &Threaded{runner: r, exec: exec}, nil
}

// Run queues sql on the executor. A full queue resolves the future with an
// errs.ErrKindBlocking error.
func (d *Threaded) Run(ctx context.Context, sql string) *Future {
	f := newFuture(nil)
	ctx = context.WithoutCancel(ctx)
	if err := d.exec.Submit(func() { f.resolve(d.run(ctx, sql)) }); err != nil {
		f.resolve(nil, err)
	}
	return f
}

func (d *Threaded) Strategy() Strategy { return StrategyThreaded }

// Close waits for queued and running tasks.
func (d *Threaded) Close() error { return d.exec.Close() }

// Asynchronous runs each query on its own goroutine under the caller's
// context. Cancelling that context, or the future, aborts the pending
// driver operation and the connection is released or destroyed.
type Asynchronous struct {
	runner

	mu       sync.RWMutex
	closed   bool
	inflight sync.WaitGroup
}

// NewAsynchronous returns a dispatcher that starts a goroutine per query.
func NewAsynchronous(opts Options) *Asynchronous {
	return &Asynchronous{runner: newRunner(StrategyAsync, opts)}
}

// Run starts sql on a new goroutine bound to ctx. After Close it resolves
// with an errs.ErrKindPool error.
func (d *Asynchronous) Run(ctx context.Context, sql string) *Future {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return resolvedFuture(nil, errs.New(errs.ErrKindPool, "dispatcher is closed"))
	}

	ctx, cancel := context.WithCancel(ctx)
	f := newFuture(cancel)
	d.inflight.Add(1)
	go func() {
		defer d.inflight.Done()
		defer cancel()
		f.resolve(d.run(ctx, sql))
	}()
	return f
}

func (d *Asynchronous) Strategy() Strategy { return StrategyAsync }

// Close rejects new queries and waits for in-flight ones.
func (d *Asynchronous) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.inflight.Wait()
	return nil
}
