package store

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrNotConnected is returned when an operation runs before Connect or
// after Close.
var ErrNotConnected = errors.New("store not connected")

// ErrShuttingDown is returned once shutdown has begun; it is distinct from
// transient failures so callers do not retry into a closing process.
var ErrShuttingDown = errors.New("shutting down")

// ErrConflict marks a write conflict (uniqueness violation) that survived
// one reconciliation attempt. It is a domain error, never retried as
// transient.
var ErrConflict = errors.New("write conflict")

// Error tags a raw store error with the identity of the store and the
// operation that produced it. The underlying error is left unmodified.
type Error struct {
	Store string
	Op    string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Store, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// wrap tags err with store and op, passing nil through.
func wrap(storeName, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Store: storeName, Op: op, Err: err}
}

// IsTransient reports whether err looks like a connectivity problem worth
// retrying: refused/reset connections, timeouts, deadline expiry. Conflict
// and shutdown errors are never transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrConflict) || errors.Is(err, ErrShuttingDown) || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, probe := range []string{"connection refused", "connection reset", "broken pipe", "i/o timeout", "no such host", "eof"} {
		if strings.Contains(msg, probe) {
			return true
		}
	}
	return false
}

// pgUniqueViolation is the Postgres error code for unique constraint breaches.
const pgUniqueViolation = "23505"

// IsConflict reports whether err is a uniqueness-constraint violation.
func IsConflict(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrConflict) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}
