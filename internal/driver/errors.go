package driver

import (
	"context"
	sqldriver "database/sql/driver"
	"errors"
	"io"
	"net"
	"strings"
	"syscall"
)

// ErrorKind is the retry decision for an execution error.
type ErrorKind int

const (
	// Fatal errors are not retried (syntax, permissions, missing tables).
	Fatal ErrorKind = iota
	// Transient errors are retried (timeouts, dropped connections, overload).
	Transient
	// Noop marks an outcome that is reported as an error but means
	// "nothing to do", e.g. a merge with nothing to merge.
	Noop
)

func (k ErrorKind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Noop:
		return "noop"
	default:
		return "fatal"
	}
}

// ClassifyCommon handles the engine-independent cases. ok is false when the
// engine-specific classifier has to decide.
func ClassifyCommon(err error) (kind ErrorKind, ok bool) {
	switch {
	case err == nil:
		return Fatal, false
	case errors.Is(err, context.Canceled):
		return Fatal, true
	case errors.Is(err, context.DeadlineExceeded):
		return Transient, true
	case errors.Is(err, sqldriver.ErrBadConn),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, net.ErrClosed):
		return Transient, true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return Transient, true
		}
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return Transient, true
	}

	return Fatal, false
}

var transientHints = []string{
	"connection reset",
	"broken pipe",
	"connection refused",
	"i/o timeout",
	"timeout exceeded",
	"too many connections",
	"too many simultaneous queries",
	"server is shutting down",
	"deadlock",
	"please retry",
	"try again",
}

// ClassifyMessage is the last resort for errors without structured codes.
func ClassifyMessage(err error) ErrorKind {
	msg := strings.ToLower(err.Error())
	for _, hint := range transientHints {
		if strings.Contains(msg, hint) {
			return Transient
		}
	}
	return Fatal
}
