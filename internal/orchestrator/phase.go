package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/johndauphine/shard-migrate/internal/checkpoint"
	"github.com/johndauphine/shard-migrate/internal/config"
	"github.com/johndauphine/shard-migrate/internal/dag"
	"github.com/johndauphine/shard-migrate/internal/driver"
	"github.com/johndauphine/shard-migrate/internal/logging"
	"github.com/johndauphine/shard-migrate/internal/transfer"
	"github.com/johndauphine/shard-migrate/internal/verify"
)

var _ dag.TaskRunner = (*Orchestrator)(nil)

// Policies returns the retry settings handed to a scheduler per node kind.
func (o *Orchestrator) Policies() dag.Policies {
	m := o.config.Migration
	backoff := func(attempts int, timeout time.Duration) dag.RetryPolicy {
		return dag.RetryPolicy{
			MaxAttempts:    attempts,
			InitialBackoff: m.InitialBackoff,
			MaxBackoff:     m.MaxBackoff,
			Timeout:        timeout,
		}
	}
	return dag.Policies{
		Schema:     dag.RetryPolicy{MaxAttempts: 1, Timeout: o.config.Schema.Timeout},
		Transfer:   backoff(m.MaxAttempts, m.UnitTimeout),
		Compaction: backoff(m.CompactionAttempts, m.CompactionTimeout),
		Verify:     backoff(o.phasePolicy().MaxAttempts, m.VerifyTimeout),
	}
}

// Graph builds the task graph of the selected tables. With register set a
// run record is created so a scheduler can drive the nodes through
// run-phase against that run id.
func (o *Orchestrator) Graph(register bool) (*dag.Graph, error) {
	tgt, err := o.resolve()
	if err != nil {
		return nil, err
	}
	plans, err := tgt.plans()
	if err != nil {
		return nil, err
	}
	g := dag.Build(plans, o.Policies())
	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("building task graph: %w", err)
	}
	if !register {
		return g, nil
	}

	run := &checkpoint.Run{
		ID:          uuid.New().String()[:8],
		StartedAt:   time.Now().UTC(),
		Status:      checkpoint.RunRunning,
		Start:       tgt.start,
		End:         tgt.end,
		Granularity: tgt.granularity.String(),
		Tables:      tgt.names(),
		ConfigHash:  o.configHash(),
	}
	if err := o.state.CreateRun(run); err != nil {
		return nil, fmt.Errorf("creating run state: %w", err)
	}
	g.RunID = run.ID
	return g, nil
}

// RetryPolicy implements dag.TaskRunner.
func (o *Orchestrator) RetryPolicy(phaseID string) dag.RetryPolicy {
	id, err := dag.ParseID(phaseID)
	if err != nil {
		return dag.RetryPolicy{MaxAttempts: 1}
	}
	return o.Policies().For(id.Kind)
}

// Attach selects the run that RunPhase works on.
func (o *Orchestrator) Attach(runID string) error {
	run, err := o.state.GetRun(runID)
	if err != nil {
		return fmt.Errorf("loading run state: %w", err)
	}
	if run == nil {
		return fmt.Errorf("run not found: %s", runID)
	}
	if run.ConfigHash != "" && run.ConfigHash != o.configHash() && !o.opts.Force {
		return fmt.Errorf("config changed since run %s started (use --force to continue anyway)", run.ID)
	}
	o.mu.Lock()
	o.runID = run.ID
	o.mu.Unlock()
	return nil
}

func (o *Orchestrator) attached() (*checkpoint.Run, error) {
	o.mu.Lock()
	id := o.runID
	o.mu.Unlock()
	if id == "" {
		return nil, fmt.Errorf("no run attached: pass the run id from 'dag'")
	}
	run, err := o.state.GetRun(id)
	if err != nil {
		return nil, fmt.Errorf("loading run state: %w", err)
	}
	if run == nil {
		return nil, fmt.Errorf("run not found: %s", id)
	}
	return run, nil
}

// RunPhase implements dag.TaskRunner. The node's own dependencies and the
// ones the scheduler passes are both checked against persisted state first,
// so a scheduler cannot run a phase early.
func (o *Orchestrator) RunPhase(ctx context.Context, phaseID string, dependsOn []string) error {
	run, err := o.attached()
	if err != nil {
		return err
	}
	id, err := dag.ParseID(phaseID)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	tgt, err := o.targetForRun(run)
	if err != nil {
		return err
	}
	plans, err := tgt.plans()
	if err != nil {
		return err
	}
	g := dag.Build(plans, o.Policies())
	node, ok := g.Node(phaseID)
	if !ok {
		return fmt.Errorf("invalid value: phase %s is not part of run %s", phaseID, run.ID)
	}

	deps := append(append([]string(nil), node.DependsOn...), dependsOn...)
	var waiting []string
	seen := make(map[string]bool, len(deps))
	for _, dep := range deps {
		if seen[dep] {
			continue
		}
		seen[dep] = true
		done, err := o.phaseDone(run.ID, dep)
		if err != nil {
			return err
		}
		if !done {
			waiting = append(waiting, dep)
		}
	}
	if len(waiting) > 0 {
		return &DependencyError{PhaseID: phaseID, Waiting: waiting}
	}

	log := logging.With("run", run.ID).With("phase", phaseID)
	log.Info("running")
	if id.Kind == dag.Finalize {
		return o.finalizeRun(ctx, run)
	}

	if err := o.connect(ctx); err != nil {
		return err
	}
	w, err := o.loadTableWork(run, id.Table, tgt)
	if err != nil {
		return err
	}
	t := driver.NewTable(w.config, o.config.Source)

	switch id.Kind {
	case dag.Schema:
		if w.state.Phase.AtLeast(checkpoint.SchemaReady) {
			return nil
		}
		if err := o.schema.Provision(ctx, w.config.Name); err != nil {
			o.block(w, fmt.Errorf("schema provisioning: %w", err))
			return fmt.Errorf("schema provisioning for %s: %w", w.config.Name, err)
		}
		o.setPhase(w, checkpoint.SchemaReady)
		return nil

	case dag.Transfer:
		return o.runUnitPhase(ctx, w, t, id)

	case dag.Compact:
		if w.state.Phase.AtLeast(checkpoint.Compacted) {
			return nil
		}
		if err := o.confirmTransferred(w); err != nil {
			return err
		}
		o.setPhase(w, checkpoint.Compacting)
		res, err := o.compactor().Compact(ctx, t)
		if err != nil {
			o.block(w, err)
			return err
		}
		w.state.Attempts += res.Attempts
		o.setPhase(w, checkpoint.Compacted)
		return nil

	case dag.Verify:
		if w.state.Phase.Terminal() {
			return nil
		}
		o.setPhase(w, checkpoint.Verifying)
		rep, err := o.verifyTable(ctx, run, t, true)
		if err != nil {
			return err
		}
		o.metrics.Verification(w.config.Name, string(rep.Verdict), rep.MissingIDs, rep.SkewRatio)
		if rep.Verdict == verify.Consistent {
			o.setPhase(w, checkpoint.Done)
			return nil
		}
		// Inconsistent is terminal but not a task failure; finalize reports it.
		o.setPhase(w, checkpoint.Inconsistent)
		o.notifier.TableInconsistent(run.ID, w.config.Name, rep.Source.DistinctIDs, rep.Destination.DistinctIDs)
		return nil
	}
	return fmt.Errorf("invalid value: unsupported phase kind %s", id.Kind)
}

// runUnitPhase executes a single unit, advancing the table to transferred
// once every unit of the table has succeeded.
func (o *Orchestrator) runUnitPhase(ctx context.Context, w *tableWork, t driver.Table, id dag.ID) error {
	key := transfer.Key(id.Table, id.Window)
	var unit *transfer.Unit
	for _, u := range w.units {
		if u.Key() == key {
			unit = u
			break
		}
	}
	if unit == nil {
		return fmt.Errorf("invalid value: unit %s is not in the plan", key)
	}
	if !w.state.Phase.AtLeast(checkpoint.Transferring) {
		o.setPhase(w, checkpoint.Transferring)
	}

	runner := &transfer.Runner{
		Exec:     o.exec,
		Dialect:  o.dest,
		Policy:   o.unitPolicy(),
		Timeout:  o.config.Migration.UnitTimeout,
		Observer: &unitObserver{o: o, runID: w.run.ID},
		Sleep:    o.sleep,
	}
	if err := runner.Run(ctx, t, unit); err != nil {
		return err
	}

	for _, u := range w.units {
		if !u.Done() {
			return nil
		}
	}
	if !w.state.Phase.AtLeast(checkpoint.Transferred) {
		o.setPhase(w, checkpoint.Transferred)
	}
	return nil
}

// phaseDone answers whether a node has completed according to the store.
func (o *Orchestrator) phaseDone(runID, phaseID string) (bool, error) {
	id, err := dag.ParseID(phaseID)
	if err != nil {
		return false, fmt.Errorf("invalid value: dependency: %w", err)
	}
	if id.Kind == dag.Finalize {
		run, err := o.state.GetRun(runID)
		if err != nil || run == nil {
			return false, err
		}
		return run.Status != checkpoint.RunRunning, nil
	}
	if id.Kind == dag.Transfer {
		units, err := o.state.GetUnits(runID, id.Table)
		if err != nil {
			return false, fmt.Errorf("loading unit state: %w", err)
		}
		key := transfer.Key(id.Table, id.Window)
		for _, u := range units {
			if u.Key() == key {
				return u.State == transfer.Succeeded, nil
			}
		}
		return false, nil
	}

	tables, err := o.state.GetTables(runID)
	if err != nil {
		return false, fmt.Errorf("loading table state: %w", err)
	}
	ts, ok := tables[id.Table]
	if !ok {
		return false, nil
	}
	switch id.Kind {
	case dag.Schema:
		return ts.Phase.AtLeast(checkpoint.SchemaReady), nil
	case dag.Compact:
		return ts.Phase.AtLeast(checkpoint.Compacted), nil
	case dag.Verify:
		return ts.Phase.Terminal(), nil
	}
	return false, nil
}

func (o *Orchestrator) loadTableWork(run *checkpoint.Run, table string, tgt *target) (*tableWork, error) {
	var tc config.TableConfig
	found := false
	for _, t := range tgt.tables {
		if t.Name == table {
			tc, found = t, true
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("invalid value: table %s is not part of run %s", table, run.ID)
	}
	plans, err := (&target{start: tgt.start, end: tgt.end, granularity: tgt.granularity, tables: []config.TableConfig{tc}}).plans()
	if err != nil {
		return nil, err
	}
	units, err := o.loadUnits(run.ID, plans[0])
	if err != nil {
		return nil, err
	}
	tables, err := o.state.GetTables(run.ID)
	if err != nil {
		return nil, fmt.Errorf("loading table state: %w", err)
	}
	ts, ok := tables[table]
	if !ok {
		ts = checkpoint.TableState{Table: table, Phase: checkpoint.NotStarted}
	}
	return &tableWork{run: run, config: tc, units: units, state: ts}, nil
}

// finalizeRun closes a scheduler-driven run from persisted table state.
func (o *Orchestrator) finalizeRun(ctx context.Context, run *checkpoint.Run) error {
	tables, err := o.state.GetTables(run.ID)
	if err != nil {
		return fmt.Errorf("loading table state: %w", err)
	}
	outcomes := make([]tableOutcome, 0, len(run.Tables))
	for _, name := range run.Tables {
		ts, ok := tables[name]
		out := tableOutcome{table: name, phase: ts.Phase}
		switch {
		case !ok:
			out.phase = checkpoint.NotStarted
			out.blocked = true
			out.err = fmt.Errorf("never started")
		case ts.Blocked:
			out.blocked = true
			out.err = fmt.Errorf("%s", ts.Error)
		case !ts.Phase.Terminal():
			out.blocked = true
			out.err = fmt.Errorf("stopped in %s", ts.Phase)
		}
		outcomes = append(outcomes, out)
	}
	return o.finish(ctx, run, outcomes, time.Since(run.StartedAt))
}
