package orchestrator

import (
	"fmt"
	"strings"

	"github.com/johndauphine/shard-migrate/internal/exitcodes"
)

// BlockedError is returned when at least one table could not advance.
type BlockedError struct {
	RunID  string
	Tables []string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("run %s blocked: %s", e.RunID, strings.Join(e.Tables, ", "))
}

// ExitCode implements exitcodes.Coder.
func (e *BlockedError) ExitCode() int { return exitcodes.TransferError }

// InconsistentError is returned when every table advanced but at least one
// reconciled inconsistent.
type InconsistentError struct {
	RunID  string
	Tables []string
}

func (e *InconsistentError) Error() string {
	return fmt.Sprintf("run %s finished with inconsistent tables: %s", e.RunID, strings.Join(e.Tables, ", "))
}

// ExitCode implements exitcodes.Coder.
func (e *InconsistentError) ExitCode() int { return exitcodes.ValidationError }

// DependencyError is returned by RunPhase when a phase is asked to run before
// the phases it depends on have completed.
type DependencyError struct {
	PhaseID string
	Waiting []string
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("phase %s blocked: dependencies not complete: %s", e.PhaseID, strings.Join(e.Waiting, ", "))
}

// ExitCode implements exitcodes.Coder.
func (e *DependencyError) ExitCode() int { return exitcodes.TransferError }
