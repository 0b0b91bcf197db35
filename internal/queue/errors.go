package queue

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrConnection means the store could not be reached or refused the credentials.
	ErrConnection = errors.New("pqbus: store unreachable")

	// ErrNotFound means an ack or release targeted a row that no longer exists.
	ErrNotFound = errors.New("pqbus: message not found")

	// ErrSchemaMissing means the message table does not exist; run init.
	ErrSchemaMissing = errors.New("pqbus: schema missing")

	// ErrInvalidName means a queue or namespace name was rejected.
	ErrInvalidName = errors.New("pqbus: invalid name")

	// ErrClosed is returned by operations on a closed bus or subscription.
	ErrClosed = errors.New("pqbus: closed")
)

// StoreError wraps a failed statement or transaction.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("pqbus: %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// Transient reports whether retrying the operation may succeed.
func (e *StoreError) Transient() bool {
	return transient(e.Err)
}

// NewStoreError classifies err for op. Missing tables become ErrSchemaMissing,
// everything else is wrapped in a *StoreError. A nil err stays nil.
func NewStoreError(op string, err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "42P01" {
		return fmt.Errorf("%w: %s: %s", ErrSchemaMissing, op, pgErr.Message)
	}
	return &StoreError{Op: op, Err: err}
}

// IsTransient reports whether err is worth retrying: serialization failures,
// deadlocks, lock timeouts, connection drops and the like. Cancellation and
// fatal schema errors are never transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrSchemaMissing) || errors.Is(err, ErrInvalidName) {
		return false
	}
	var storeErr *StoreError
	if errors.As(err, &storeErr) {
		return storeErr.Transient()
	}
	return transient(err)
}

func transient(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", // serialization_failure
			"40P01", // deadlock_detected
			"55P03", // lock_not_available
			"57P01", // admin_shutdown
			"57P03", // cannot_connect_now
			"53300": // too_many_connections
			return true
		}
		// Class 08: connection exceptions
		return len(pgErr.Code) == 5 && pgErr.Code[:2] == "08"
	}
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
