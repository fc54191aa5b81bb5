package dispatch

import (
	"context"
	"sync"

	"github.com/koustreak/pgdispatch/internal/rowjson"
)

// Future is the pending result of one Run. It resolves exactly once.
type Future struct {
	done   chan struct{}
	once   sync.Once
	cancel context.CancelFunc

	result rowjson.Array
	err    error
}

func newFuture(cancel context.CancelFunc) *Future {
	return &Future{done: make(chan struct{}), cancel: cancel}
}

func resolvedFuture(arr rowjson.Array, err error) *Future {
	f := newFuture(nil)
	f.resolve(arr, err)
	return f
}

// resolve stores the outcome. Only the first call has any effect.
func (f *Future) resolve(arr rowjson.Array, err error) bool {
	resolved := false
	f.once.Do(func() {
		f.result, f.err = arr, err
		close(f.done)
		resolved = true
	})
	return resolved
}

// Done is closed once the result is available.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Ready reports whether the future has resolved.
func (f *Future) Ready() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the future resolves or ctx ends. A ctx that ends first
// returns ctx.Err() and leaves the future pending.
func (f *Future) Wait(ctx context.Context) (rowjson.Array, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel abandons the result. Strategies that can interrupt the query do
// so; the others let it finish and discard the outcome.
func (f *Future) Cancel() {
	if f.cancel != nil {
		f.cancel()
	}
}
