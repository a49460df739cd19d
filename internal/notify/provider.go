package notify

import "time"

// Provider defines the notification contract for migration events.
// This interface allows for different notification backends (Slack, email, etc.)
// and enables easier testing through mock implementations.
type Provider interface {
	// MigrationStarted sends notification when a run (or resume) starts.
	MigrationStarted(runID string, rangeText string, tableCount, unitCount int) error

	// MigrationCompleted sends notification when every table verified consistent.
	MigrationCompleted(runID string, duration time.Duration, tableCount int, rowCount int64) error

	// MigrationFinishedWithProblems sends notification when some tables are
	// blocked or inconsistent.
	MigrationFinishedWithProblems(runID, status string, duration time.Duration, problems []string) error

	// MigrationCancelled sends notification when a run was interrupted.
	MigrationCancelled(runID string, duration time.Duration) error

	// TableBlocked sends notification for a table that cannot advance.
	TableBlocked(runID, table, phase string, err error) error

	// TableInconsistent sends notification for a failed reconciliation.
	TableInconsistent(runID, table string, sourceIDs, destIDs int64) error
}

// Ensure Notifier implements Provider
var _ Provider = (*Notifier)(nil)
