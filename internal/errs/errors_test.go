package errs

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_Message(t *testing.T) {
	assert.Equal(t, "[not_found] query q1", New(ErrKindNotFound, "query q1").Error())

	cause := errors.New("boom")
	assert.Equal(t, "[driver] query failed: boom", Wrap(ErrKindDriver, "query failed", cause).Error())
}

func TestError_UnwrapKeepsCause(t *testing.T) {
	err := Wrap(ErrKindPool, "acquire timed out", context.DeadlineExceeded)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPredicates(t *testing.T) {
	tests := []struct {
		name string
		err  error
		pred func(error) bool
	}{
		{"pool", New(ErrKindPool, "x"), IsPool},
		{"driver", New(ErrKindDriver, "x"), IsDriver},
		{"decode", New(ErrKindDecode, "x"), IsDecode},
		{"not found", New(ErrKindNotFound, "x"), IsNotFound},
		{"blocking", New(ErrKindBlocking, "x"), IsBlocking},
		{"invalid input", New(ErrKindInvalidInput, "x"), IsInvalidInput},
		{"wrapped by fmt", fmt.Errorf("dispatch: %w", New(ErrKindDecode, "x")), IsDecode},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, tt.pred(tt.err))
			assert.False(t, tt.pred(errors.New("plain")))
		})
	}
}

func TestKindOf_Plain(t *testing.T) {
	assert.Equal(t, ErrKindUnknown, KindOf(errors.New("plain")))
	assert.Equal(t, ErrKindUnknown, KindOf(nil))
	assert.Equal(t, "unknown", ErrKindUnknown.String())
}
