package postgres

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/puddle/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koustreak/pgdispatch/internal/errs"
)

func TestMapAcquireError(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		timeout bool
		msg     string
	}{
		{"closed pool", puddle.ErrClosedPool, false, "pool is closed"},
		{"closed pool wrapped", fmt.Errorf("acquire: %w", puddle.ErrClosedPool), false, "pool is closed"},
		{"own deadline", fmt.Errorf("acquire: %w", context.DeadlineExceeded), true, "timed out waiting for a connection"},
		{"caller deadline", context.DeadlineExceeded, false, "failed to acquire connection"},
		{"dial failure", errors.New("connection refused"), false, "failed to acquire connection"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := mapAcquireError(tt.err, tt.timeout)
			require.Error(t, err)
			assert.True(t, errs.IsPool(err))
			assert.Contains(t, err.Error(), tt.msg)
			assert.ErrorIs(t, err, tt.err)
		})
	}

	assert.NoError(t, mapAcquireError(nil, false))
}

func TestMapQueryError(t *testing.T) {
	syntax := &pgconn.PgError{Code: "42601", Message: `syntax error at or near "SELEC"`}
	broken := &pgconn.PgError{Code: "08006", Message: "connection failure"}

	tests := []struct {
		name string
		err  error
		msg  string
	}{
		{"server error", syntax, `query error 42601: syntax error at or near "SELEC"`},
		{"connection class", broken, "connection error 08006"},
		{"cancelled", context.Canceled, "query interrupted"},
		{"deadline", fmt.Errorf("read: %w", context.DeadlineExceeded), "query interrupted"},
		{"other", errors.New("unexpected EOF"), "query failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := mapQueryError(tt.err)
			assert.True(t, errs.IsDriver(err))
			assert.Contains(t, err.Error(), tt.msg)
		})
	}

	assert.NoError(t, mapQueryError(nil))
}

func TestMapQueryError_KeepsClassifiedErrors(t *testing.T) {
	decode := errs.New(errs.ErrKindDecode, `column "x" (oid 23)`)
	assert.Same(t, decode, mapQueryError(decode))

	wrapped := fmt.Errorf("raw: %w", decode)
	assert.Equal(t, errs.ErrKindDecode, errs.KindOf(mapQueryError(wrapped)))
}

func TestTimedOut(t *testing.T) {
	parent := context.Background()

	actx, cancel := acquireContext(parent, time.Nanosecond)
	defer cancel()
	<-actx.Done()
	assert.True(t, timedOut(parent, actx))

	gone, cancelParent := context.WithCancel(context.Background())
	actx2, cancel2 := acquireContext(gone, time.Hour)
	defer cancel2()
	cancelParent()
	<-actx2.Done()
	assert.False(t, timedOut(gone, actx2))
}

func TestAcquireContext_NoTimeout(t *testing.T) {
	ctx, cancel := acquireContext(context.Background(), 0)
	defer cancel()
	_, ok := ctx.Deadline()
	assert.False(t, ok)
}
