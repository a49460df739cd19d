package orchestrator

import (
	"sync"
	"time"

	"github.com/johndauphine/shard-migrate/internal/logging"
	"github.com/johndauphine/shard-migrate/internal/progress"
	"github.com/johndauphine/shard-migrate/internal/transfer"
)

// unitObserver persists every unit transition before the worker moves on,
// so the store never lags behind what the destination has seen.
type unitObserver struct {
	o     *Orchestrator
	runID string

	mu      sync.Mutex
	started map[string]time.Time
}

func (uo *unitObserver) save(u *transfer.Unit) {
	if err := uo.o.state.SaveUnit(uo.runID, u); err != nil {
		logging.With("unit", u.Key()).Error("saving unit state: %v", err)
	}
}

func (uo *unitObserver) UnitStarted(u *transfer.Unit) {
	uo.mu.Lock()
	if uo.started == nil {
		uo.started = make(map[string]time.Time)
	}
	if _, ok := uo.started[u.Key()]; !ok {
		uo.started[u.Key()] = time.Now()
	}
	uo.mu.Unlock()

	uo.save(u)
	uo.o.metrics.UnitStarted()
}

func (uo *unitObserver) UnitRetrying(u *transfer.Unit, delay time.Duration, err error) {
	uo.save(u)
	uo.o.metrics.UnitDone()
	uo.o.metrics.UnitAttempt(u.Table, "retry")
}

func (uo *unitObserver) UnitFinished(u *transfer.Unit, err error) {
	uo.save(u)
	uo.o.metrics.UnitDone()

	uo.mu.Lock()
	began, ok := uo.started[u.Key()]
	delete(uo.started, u.Key())
	uo.mu.Unlock()
	var elapsed time.Duration
	if ok {
		elapsed = time.Since(began)
	}

	switch u.State {
	case transfer.Succeeded:
		uo.o.metrics.UnitAttempt(u.Table, "success")
		uo.o.metrics.UnitFinished(u.Table, string(u.State), u.RowsAffected, elapsed)
		uo.o.tracker.UnitDone(u.RowsAffected, false)
		uo.o.unitFinished(u.RowsAffected, false)
	case transfer.Failed:
		uo.o.metrics.UnitAttempt(u.Table, "failed")
		uo.o.metrics.UnitFinished(u.Table, string(u.State), 0, elapsed)
		uo.o.tracker.UnitDone(0, true)
		uo.o.unitFinished(0, true)
	default:
		// interrupted by cancellation; left pending for resume
		uo.o.metrics.UnitAttempt(u.Table, "interrupted")
	}
	uo.o.reporter.Report(uo.o.update("unit", u.Table, ""))
}

func (o *Orchestrator) beginRun(runID string, units int64, tables int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.runID = runID
	o.unitsTotal = units
	o.unitsDone = 0
	o.rowsDone = 0
	o.failedUnits = 0
	o.tablesDone = 0
	o.tablesTotal = tables
}

func (o *Orchestrator) unitFinished(rows int64, failed bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.unitsDone++
	o.rowsDone += rows
	if failed {
		o.failedUnits++
	}
}

func (o *Orchestrator) tableFinished() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.tablesDone++
}

// update snapshots the run counters for the progress reporter.
func (o *Orchestrator) update(event, table, phase string) progress.ProgressUpdate {
	o.mu.Lock()
	defer o.mu.Unlock()
	return progress.ProgressUpdate{
		RunID:          o.runID,
		Event:          event,
		Table:          table,
		Phase:          phase,
		TablesComplete: o.tablesDone,
		TablesTotal:    o.tablesTotal,
		UnitsComplete:  o.unitsDone,
		UnitsTotal:     o.unitsTotal,
		RowsInserted:   o.rowsDone,
		ProgressPct:    progress.Percent(o.unitsDone, o.unitsTotal),
		CurrentTables:  o.tracker.ActiveTables(),
		ErrorCount:     o.failedUnits,
	}
}
