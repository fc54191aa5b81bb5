package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/puddle/v2"

	"github.com/koustreak/pgdispatch/internal/errs"
)

// SQLSTATE class for connection exceptions.
// Full list: https://www.postgresql.org/docs/current/errcodes-appendix.html
const pgClassConnection = "08"

// mapAcquireError turns a failed check-out into an errs.ErrKindPool error.
func mapAcquireError(err error, timeout bool) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, puddle.ErrClosedPool) {
		return errs.Wrap(errs.ErrKindPool, "pool is closed", err)
	}
	if timeout && errors.Is(err, context.DeadlineExceeded) {
		return errs.Wrap(errs.ErrKindPool, "timed out waiting for a connection", err)
	}
	return errs.Wrap(errs.ErrKindPool, "failed to acquire connection", err)
}

// mapQueryError translates pgx / pgconn native errors into errs.ErrKindDriver.
// Errors that are already classified pass through untouched.
func mapQueryError(err error) error {
	if err == nil {
		return nil
	}

	var e *errs.Error
	if errors.As(err, &e) {
		return err
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return errs.Wrap(errs.ErrKindDriver, "query interrupted", err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		msg := fmt.Sprintf("query error %s: %s", pgErr.Code, pgErr.Message)
		if len(pgErr.Code) >= 2 && pgErr.Code[:2] == pgClassConnection {
			msg = fmt.Sprintf("connection error %s: %s", pgErr.Code, pgErr.Message)
		}
		return errs.Wrap(errs.ErrKindDriver, msg, err)
	}

	return errs.Wrap(errs.ErrKindDriver, "query failed", err)
}
