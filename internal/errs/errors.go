// Package errs provides the unified error type used across pgdispatch.
//
// Every subsystem (pools, converter, dispatchers, registry) wraps its native
// errors into *errs.Error before returning them. The HTTP facade inspects
// them with the Is* predicates and never leaks the message to clients.
//
// Usage:
//
//	// In a pool, wrap native errors:
//	return errs.Wrap(errs.ErrKindPool, "acquire timed out", err)
//
//	// In a handler, check the error kind:
//	if errs.IsNotFound(err) {
//	    http.Error(w, "not found", http.StatusNotFound)
//	}
package errs

import (
	"errors"
	"fmt"
)

// ErrKind categorises an error without exposing driver-specific codes.
type ErrKind int

const (
	ErrKindUnknown      ErrKind = iota
	ErrKindPool                 // connection could not be acquired
	ErrKindDriver               // protocol, syntax or execution error from PostgreSQL
	ErrKindDecode               // a cell could not be decoded as its declared type
	ErrKindNotFound             // no query registered under the requested name
	ErrKindBlocking             // the blocking executor rejected the task
	ErrKindInvalidInput         // bad arguments or configuration from the caller
)

func (k ErrKind) String() string {
	switch k {
	case ErrKindPool:
		return "pool"
	case ErrKindDriver:
		return "driver"
	case ErrKindDecode:
		return "decode"
	case ErrKindNotFound:
		return "not_found"
	case ErrKindBlocking:
		return "blocking"
	case ErrKindInvalidInput:
		return "invalid_input"
	default:
		return "unknown"
	}
}

// Error is the single error type returned by all pgdispatch subsystems.
type Error struct {
	Kind    ErrKind
	Message string
	Cause   error // original driver-level error, preserved for logging
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap allows errors.Is / errors.As to traverse the cause chain.
func (e *Error) Unwrap() error {
	return e.Cause
}

// --- Constructors ---

// New creates an *Error with the given kind and message and no cause.
func New(kind ErrKind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Wrap creates an *Error with the given kind, message, and an underlying cause.
func Wrap(kind ErrKind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, Cause: cause}
}

// --- Predicates ---

// IsPool reports whether err is a connection acquisition failure
// (exhausted and timed out, pool closed, dial failure).
func IsPool(err error) bool {
	return KindOf(err) == ErrKindPool
}

// IsDriver reports whether err was reported by the PostgreSQL driver.
func IsDriver(err error) bool {
	return KindOf(err) == ErrKindDriver
}

// IsDecode reports whether err is a column decoding failure.
func IsDecode(err error) bool {
	return KindOf(err) == ErrKindDecode
}

// IsNotFound reports whether err means the query name is not registered.
func IsNotFound(err error) bool {
	return KindOf(err) == ErrKindNotFound
}

// IsBlocking reports whether err is a rejection by the blocking executor.
func IsBlocking(err error) bool {
	return KindOf(err) == ErrKindBlocking
}

// IsInvalidInput reports whether err was caused by bad input from the caller.
func IsInvalidInput(err error) bool {
	return KindOf(err) == ErrKindInvalidInput
}

// KindOf extracts the outermost ErrKind from any error in the chain.
func KindOf(err error) ErrKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ErrKindUnknown
}
