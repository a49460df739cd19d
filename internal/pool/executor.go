// Package pool owns the named database connections of a migration and
// exposes them through QueryExecutor, the only way the engine talks to a
// database.
package pool

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/johndauphine/shard-migrate/internal/driver"
)

// Connection ids. They are opaque to callers; credentials stay in the pool.
const (
	Source      = "source"
	Destination = "destination"
)

// Result is the outcome of one statement.
type Result struct {
	Columns      []string
	Rows         [][]any
	RowsAffected int64
}

// QueryExecutor runs a statement on a named connection within a timeout.
// Errors are *Error values carrying the engine's retry classification.
type QueryExecutor interface {
	Execute(ctx context.Context, conn string, stmt driver.Statement, timeout time.Duration) (*Result, error)
}

// Error is an execution failure with its classification.
type Error struct {
	Kind    driver.ErrorKind
	Conn    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (%s): %s", e.Conn, e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError wraps err with a classification.
func NewError(conn string, kind driver.ErrorKind, err error) *Error {
	return &Error{Kind: kind, Conn: conn, Message: err.Error(), Err: err}
}

// KindOf returns the classification of err. Unclassified errors are fatal,
// except deadline expiry which is always transient.
func KindOf(err error) driver.ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return driver.Transient
	}
	return driver.Fatal
}

// IsTransient reports whether err may succeed on retry.
func IsTransient(err error) bool {
	return err != nil && KindOf(err) == driver.Transient
}

// IsNoop reports whether err means "nothing to do".
func IsNoop(err error) bool {
	return err != nil && KindOf(err) == driver.Noop
}
