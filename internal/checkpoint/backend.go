package checkpoint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/johndauphine/shard-migrate/internal/transfer"
)

// StateBackend defines the interface for state persistence.
// Implementations include SQLite (full history) and a YAML file (one run, for schedulers).
type StateBackend interface {
	// Run management
	CreateRun(run *Run) error
	CompleteRun(id string, status string, errorMsg string) error
	ReopenRun(id string) error
	GetRun(id string) (*Run, error)
	GetLastIncompleteRun() (*Run, error)
	GetAllRuns() ([]Run, error)

	// Units, keyed by (run, table, window_start, window_end)
	SaveUnit(runID string, u *transfer.Unit) error
	GetUnits(runID, table string) ([]*transfer.Unit, error)

	// Table phases
	SaveTable(runID string, ts TableState) error
	GetTables(runID string) (map[string]TableState, error)

	// Verification reports, stored as JSON
	SaveReport(runID, table string, report []byte) error
	GetReports(runID string) (map[string][]byte, error)

	// Lifecycle
	Close() error
}

// Run statuses.
const (
	RunRunning      = "running"
	RunSuccess      = "success"
	RunCancelled    = "cancelled"
	RunBlocked      = "blocked"
	RunInconsistent = "inconsistent"
)

// Run represents a migration run and the parameters needed to re-plan it.
type Run struct {
	ID          string
	StartedAt   time.Time
	CompletedAt *time.Time
	Status      string
	Error       string
	Start       time.Time
	End         time.Time
	Granularity string
	Tables      []string
	ConfigHash  string
}

// Phase is the position of a table in the migration pipeline.
type Phase string

const (
	NotStarted   Phase = "not_started"
	SchemaReady  Phase = "schema_ready"
	Transferring Phase = "transferring"
	Transferred  Phase = "transferred"
	Compacting   Phase = "compacting"
	Compacted    Phase = "compacted"
	Verifying    Phase = "verifying"
	Done         Phase = "done"
	Inconsistent Phase = "inconsistent"
)

var phaseOrder = map[Phase]int{
	NotStarted:   0,
	SchemaReady:  1,
	Transferring: 2,
	Transferred:  3,
	Compacting:   4,
	Compacted:    5,
	Verifying:    6,
	Done:         7,
	Inconsistent: 7,
}

// AtLeast reports whether p is at or past other in the pipeline.
func (p Phase) AtLeast(other Phase) bool {
	return phaseOrder[p] >= phaseOrder[other]
}

// Terminal reports whether no further work is scheduled for the table.
func (p Phase) Terminal() bool {
	return p == Done || p == Inconsistent
}

// TableState is the persisted phase of one table within a run.
type TableState struct {
	Table     string
	Phase     Phase
	Blocked   bool
	Error     string
	Attempts  int // compaction attempts
	UpdatedAt time.Time
}

// HashConfig returns a short fingerprint used to detect config changes
// between a run and its resume.
func HashConfig(config any) string {
	configJSON, _ := json.Marshal(config)
	hash := sha256.Sum256(configJSON)
	return hex.EncodeToString(hash[:8])
}
