package pool

import (
	"errors"
	"fmt"
	"time"

	"github.com/joao-brasil/enginepool/internal/engine"
)

var (
	// ErrPoolTimeout means no handle became available within the wait
	// deadline. Callers may retry with backoff.
	ErrPoolTimeout = errors.New("pool: timed out waiting for a connection")

	// ErrTransactionClosed is returned by every Tx method once the
	// transaction has been committed or rolled back.
	ErrTransactionClosed = errors.New("pool: transaction already closed")

	// ErrPoolClosed is returned by operations on a pool after Close.
	ErrPoolClosed = errors.New("pool: closed")
)

// TimeoutError carries the details of a lease that ran out of time. It
// matches ErrPoolTimeout with errors.Is.
type TimeoutError struct {
	Pool    string
	Waited  time.Duration
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("pool %s: timed out waiting for a connection (waited=%v, timeout=%v)",
		e.Pool, e.Waited, e.Timeout)
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrPoolTimeout
}

// ConnectionCreateError means the engine refused to open a session, for
// instance because of a file lock or corruption. It should be surfaced to
// health checks.
type ConnectionCreateError struct {
	Pool string
	Err  error
}

func (e *ConnectionCreateError) Error() string {
	return fmt.Sprintf("pool %s: creating connection: %v", e.Pool, e.Err)
}

func (e *ConnectionCreateError) Unwrap() error { return e.Err }

// StatementError wraps an engine failure of a single statement on an
// otherwise healthy handle. Busy is set when the failure is the engine's
// write contention condition rather than a bad statement.
type StatementError struct {
	SQL  string
	Busy bool
	Err  error
}

func (e *StatementError) Error() string {
	if e.Busy {
		return fmt.Sprintf("statement failed (engine busy): %v", e.Err)
	}
	return fmt.Sprintf("statement failed: %v", e.Err)
}

func (e *StatementError) Unwrap() error { return e.Err }

func newStatementError(query string, err error) *StatementError {
	return &StatementError{SQL: query, Busy: engine.IsBusy(err), Err: err}
}

// IsTimeout reports whether err is a pool lease timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrPoolTimeout)
}

// IsBusy reports whether err is a statement that failed on engine write
// contention. It is never true for pool exhaustion.
func IsBusy(err error) bool {
	var se *StatementError
	return errors.As(err, &se) && se.Busy
}

// IsCreateError reports whether err came from opening a new session.
func IsCreateError(err error) bool {
	var ce *ConnectionCreateError
	return errors.As(err, &ce)
}
