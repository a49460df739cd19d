package transfer

import "fmt"

// TransientExecutionError is a failure that may succeed on retry: timeouts,
// dropped connections, overload.
type TransientExecutionError struct {
	Unit string
	Err  error
}

func (e *TransientExecutionError) Error() string {
	return fmt.Sprintf("transfer %s: transient: %v", e.Unit, e.Err)
}

func (e *TransientExecutionError) Unwrap() error { return e.Err }

// FatalExecutionError is a failure retrying cannot fix.
type FatalExecutionError struct {
	Unit string
	Err  error
}

func (e *FatalExecutionError) Error() string {
	return fmt.Sprintf("transfer %s: %v", e.Unit, e.Err)
}

func (e *FatalExecutionError) Unwrap() error { return e.Err }

// ExitCode reports a blocked transfer.
func (e *FatalExecutionError) ExitCode() int { return 3 }
