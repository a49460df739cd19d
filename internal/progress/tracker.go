package progress

import (
	"fmt"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/johndauphine/shard-migrate/internal/logging"
	"github.com/schollz/progressbar/v3"
)

// Tracker renders unit progress as a terminal bar. A nil *Tracker is valid
// and draws nothing.
type Tracker struct {
	bar       *progressbar.ProgressBar
	total     int64
	current   atomic.Int64
	rows      atomic.Int64
	failed    atomic.Int64
	startTime time.Time

	// Track active tables for accurate display
	mu           sync.Mutex
	activeTables map[string]int // table name -> active job count
}

// New creates a new progress tracker
func New() *Tracker {
	return &Tracker{
		startTime:    time.Now(),
		activeTables: make(map[string]int),
	}
}

// SetTotal sets the number of units still to run
func (t *Tracker) SetTotal(total int64) {
	if t == nil {
		return
	}
	t.total = total
	t.bar = progressbar.NewOptions64(
		total,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetDescription("Transferring"),
		progressbar.OptionShowBytes(false),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(40),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("units"),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionFullWidth(),
		progressbar.OptionSetRenderBlankState(true),
	)
}

// UnitDone records a finished unit and the rows it inserted
func (t *Tracker) UnitDone(rows int64, failed bool) {
	if t == nil {
		return
	}
	t.current.Add(1)
	t.rows.Add(rows)
	if failed {
		t.failed.Add(1)
	}
	if t.bar != nil {
		t.bar.Add64(1)
	}
}

// StartTable marks a unit of the table as in flight
func (t *Tracker) StartTable(tableName string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.activeTables[tableName]++
	tableCount := len(t.activeTables)
	t.mu.Unlock()

	if t.bar != nil {
		if tableCount == 1 {
			t.bar.Describe(fmt.Sprintf("Transferring %s", tableName))
		} else {
			t.bar.Describe(fmt.Sprintf("Transferring (%d tables)", tableCount))
		}
		t.bar.RenderBlank()
	}
}

// EndTable marks a unit of the table as no longer in flight
func (t *Tracker) EndTable(tableName string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.activeTables[tableName]--
	if t.activeTables[tableName] <= 0 {
		delete(t.activeTables, tableName)
	}
	tableCount := len(t.activeTables)
	// Get remaining table name if only one left
	var remaining string
	for name := range t.activeTables {
		remaining = name
		break
	}
	t.mu.Unlock()

	if t.bar != nil && tableCount > 0 {
		if tableCount == 1 {
			t.bar.Describe(fmt.Sprintf("Transferring %s", remaining))
		} else {
			t.bar.Describe(fmt.Sprintf("Transferring (%d tables)", tableCount))
		}
	}
}

// ActiveTables returns the tables with units in flight, sorted
func (t *Tracker) ActiveTables() []string {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	names := make([]string, 0, len(t.activeTables))
	for name := range t.activeTables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Current returns the number of finished units
func (t *Tracker) Current() int64 {
	if t == nil {
		return 0
	}
	return t.current.Load()
}

// Rows returns the rows inserted by finished units
func (t *Tracker) Rows() int64 {
	if t == nil {
		return 0
	}
	return t.rows.Load()
}

// Finish marks the progress as complete
func (t *Tracker) Finish() {
	if t == nil {
		return
	}
	if t.bar != nil {
		t.bar.Finish()
		fmt.Fprintln(os.Stderr)
	}

	elapsed := time.Since(t.startTime)
	rowsPerSec := float64(t.rows.Load()) / elapsed.Seconds()

	logging.Info("Transfer phase finished: %d units (%d failed), %d rows in %s (%.0f rows/sec)",
		t.current.Load(), t.failed.Load(), t.rows.Load(), elapsed.Round(time.Second), rowsPerSec)
}
