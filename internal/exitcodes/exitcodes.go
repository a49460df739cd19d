// Package exitcodes defines the process exit codes of shard-migrate.
// Schedulers (Airflow, Kubernetes Jobs, cron wrappers) use them to decide
// whether a failed run should be retried or escalated.
package exitcodes

import (
	"context"
	"errors"
	"os"
	"strings"
)

const (
	// Success - every table verified consistent
	Success = 0

	// ConfigError - bad configuration, date range or granularity (don't retry)
	ConfigError = 1

	// ConnectionError - source or destination unreachable (recoverable)
	ConnectionError = 2

	// TransferError - a table is blocked in schema, transfer or compaction
	TransferError = 3

	// ValidationError - reconciliation found an inconsistent table
	ValidationError = 4

	// Cancelled - user cancelled via SIGINT/SIGTERM (recoverable with resume)
	Cancelled = 5

	// StateError - state store errors, unknown run, config changed since the run started
	StateError = 6

	// IOError - file or object storage I/O errors (recoverable)
	IOError = 7
)

// Coder is implemented by typed errors that know their own exit code.
type Coder interface {
	ExitCode() int
}

// ExitError wraps an error with an exit code.
type ExitError struct {
	Err  error
	Code int
}

func (e *ExitError) Error() string {
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// ExitCode implements Coder.
func (e *ExitError) ExitCode() int {
	return e.Code
}

// NewExitError creates a new ExitError with the given code.
func NewExitError(err error, code int) *ExitError {
	return &ExitError{Err: err, Code: code}
}

// FromError determines the appropriate exit code for an error.
// Typed errors are consulted first, then the message is classified.
func FromError(err error) int {
	if err == nil {
		return Success
	}

	var coder Coder
	if errors.As(err, &coder) {
		return coder.ExitCode()
	}

	if errors.Is(err, context.Canceled) {
		return Cancelled
	}

	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return IOError
	}

	errStr := strings.ToLower(err.Error())

	if containsAny(errStr, []string{
		"no such file",
		"file not found",
		"permission denied",
		"is a directory",
		"not a directory",
		"bucket",
	}) {
		return IOError
	}

	// Checked before ConfigError so "verification" never falls into config
	if containsAny(errStr, []string{
		"inconsistent",
		"distinct id",
		"mismatch",
		"reconciliation",
	}) {
		return ValidationError
	}

	if containsAny(errStr, []string{
		"yaml:",
		"json:",
		"unmarshal",
		"invalid configuration",
		"invalid range",
		"granularity",
		"missing required",
		"invalid value",
		"parsing config",
	}) && !containsAny(errStr, []string{"connection", "connect", "dial"}) {
		return ConfigError
	}

	if containsAny(errStr, []string{
		"connection",
		"connect",
		"dial",
		"refused",
		"unreachable",
		"no such host",
		"network",
		"ping",
		"authentication",
		"login failed",
	}) {
		return ConnectionError
	}

	if containsAny(errStr, []string{
		"cancel",
		"interrupt",
		"context canceled",
	}) {
		return Cancelled
	}

	if containsAny(errStr, []string{
		"state",
		"checkpoint",
		"resume",
		"run not found",
		"already completed",
		"config changed",
	}) {
		return StateError
	}

	// blocked tables, failed units, compaction, schema provisioning
	return TransferError
}

// IsRecoverable returns true if the error is recoverable (safe to retry).
func IsRecoverable(code int) bool {
	switch code {
	case ConnectionError, Cancelled, IOError:
		return true
	default:
		return false
	}
}

// Description returns a human-readable description of the exit code.
func Description(code int) string {
	switch code {
	case Success:
		return "success"
	case ConfigError:
		return "configuration error"
	case ConnectionError:
		return "connection error (recoverable)"
	case TransferError:
		return "migration blocked"
	case ValidationError:
		return "verification inconsistent"
	case Cancelled:
		return "cancelled (recoverable)"
	case StateError:
		return "state error"
	case IOError:
		return "I/O error (recoverable)"
	default:
		return "unknown error"
	}
}

func containsAny(s string, substrs []string) bool {
	for _, substr := range substrs {
		if strings.Contains(s, substr) {
			return true
		}
	}
	return false
}
