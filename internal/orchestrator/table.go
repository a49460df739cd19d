package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/johndauphine/shard-migrate/internal/checkpoint"
	"github.com/johndauphine/shard-migrate/internal/compaction"
	"github.com/johndauphine/shard-migrate/internal/config"
	"github.com/johndauphine/shard-migrate/internal/driver"
	"github.com/johndauphine/shard-migrate/internal/logging"
	"github.com/johndauphine/shard-migrate/internal/pool"
	"github.com/johndauphine/shard-migrate/internal/transfer"
	"github.com/johndauphine/shard-migrate/internal/verify"
)

// tableWork is everything one table goroutine owns.
type tableWork struct {
	run    *checkpoint.Run
	config config.TableConfig
	units  []*transfer.Unit
	state  checkpoint.TableState
}

// tableOutcome is where a table stopped.
type tableOutcome struct {
	table   string
	phase   checkpoint.Phase
	blocked bool
	err     error
}

// runTable advances one table as far as it can. Each phase starts only after
// the previous one completed; a failure blocks the table without touching
// the others.
func (o *Orchestrator) runTable(ctx context.Context, w *tableWork) tableOutcome {
	name := w.config.Name
	t := driver.NewTable(w.config, o.config.Source)
	log := logging.With("table", name)

	if w.state.Phase == "" {
		w.state.Phase = checkpoint.NotStarted
	}
	if w.state.Phase.Terminal() {
		log.Info("already %s, skipping", w.state.Phase)
		o.tableFinished()
		return tableOutcome{table: name, phase: w.state.Phase}
	}
	w.state.Blocked = false
	w.state.Error = ""

	if !w.state.Phase.AtLeast(checkpoint.SchemaReady) {
		if err := o.schema.Provision(ctx, name); err != nil {
			if isCancelled(ctx, err) {
				return o.cancelled(w)
			}
			return o.block(w, fmt.Errorf("schema provisioning: %w", err))
		}
		o.setPhase(w, checkpoint.SchemaReady)
	}

	if !w.state.Phase.AtLeast(checkpoint.Transferred) {
		o.setPhase(w, checkpoint.Transferring)
		if err := o.transferUnits(ctx, w, t); err != nil {
			if isCancelled(ctx, err) {
				return o.cancelled(w)
			}
			return o.block(w, err)
		}
		o.setPhase(w, checkpoint.Transferred)
	}

	if !w.state.Phase.AtLeast(checkpoint.Compacted) {
		if ctx.Err() != nil {
			return o.cancelled(w)
		}
		if err := o.confirmTransferred(w); err != nil {
			return o.block(w, err)
		}
		o.setPhase(w, checkpoint.Compacting)
		res, err := o.compactor().Compact(ctx, t)
		if err != nil {
			if isCancelled(ctx, err) {
				return o.cancelled(w)
			}
			o.metrics.Compaction(name, "failed")
			var ce *compaction.CompactionError
			if errors.As(err, &ce) {
				w.state.Attempts += ce.Attempts
			}
			return o.block(w, err)
		}
		w.state.Attempts += res.Attempts
		outcome := "merged"
		if res.Noop {
			outcome = "noop"
		}
		o.metrics.Compaction(name, outcome)
		o.setPhase(w, checkpoint.Compacted)
	}

	if ctx.Err() != nil {
		return o.cancelled(w)
	}
	o.setPhase(w, checkpoint.Verifying)
	rep, err := o.verifyTable(ctx, w.run, t, true)
	if err != nil {
		if isCancelled(ctx, err) {
			return o.cancelled(w)
		}
		return o.block(w, err)
	}
	o.metrics.Verification(name, string(rep.Verdict), rep.MissingIDs, rep.SkewRatio)

	final := checkpoint.Done
	if rep.Verdict != verify.Consistent {
		final = checkpoint.Inconsistent
		o.notifier.TableInconsistent(w.run.ID, name, rep.Source.DistinctIDs, rep.Destination.DistinctIDs)
		log.Warn("verification %s: %d distinct ids missing", rep.Verdict, rep.MissingIDs)
	}
	o.setPhase(w, final)
	o.tableFinished()
	return tableOutcome{table: name, phase: final}
}

// transferUnits dispatches every unfinished unit to the shared worker pool
// and waits for them. Dispatch stops as soon as ctx is cancelled.
func (o *Orchestrator) transferUnits(ctx context.Context, w *tableWork, t driver.Table) error {
	runner := &transfer.Runner{
		Exec:     o.exec,
		Dialect:  o.dest,
		Policy:   o.unitPolicy(),
		Timeout:  o.config.Migration.UnitTimeout,
		Observer: &unitObserver{o: o, runID: w.run.ID},
		Sleep:    o.sleep,
	}

	var wg sync.WaitGroup
	for _, u := range w.units {
		if u.Done() {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		if err := o.sem.Acquire(ctx, 1); err != nil {
			break
		}
		if ctx.Err() != nil {
			o.sem.Release(1)
			break
		}
		wg.Add(1)
		go func(u *transfer.Unit) {
			defer wg.Done()
			defer o.sem.Release(1)
			o.tracker.StartTable(u.Table)
			defer o.tracker.EndTable(u.Table)
			runner.Run(ctx, t, u)
		}(u)
	}
	wg.Wait()

	if ctx.Err() != nil {
		return ctx.Err()
	}
	var failed int
	var first *transfer.Unit
	for _, u := range w.units {
		if !u.Done() {
			failed++
			if first == nil {
				first = u
			}
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d units failed; first %s: %s", failed, len(w.units), first.Key(), first.LastError)
	}
	return nil
}

// confirmTransferred re-reads unit state from the store: compaction is only
// issued when every planned unit is persisted as succeeded.
func (o *Orchestrator) confirmTransferred(w *tableWork) error {
	persisted, err := o.state.GetUnits(w.run.ID, w.config.Name)
	if err != nil {
		return fmt.Errorf("reading unit state before compaction: %w", err)
	}
	done := make(map[string]bool, len(persisted))
	for _, u := range persisted {
		if u.State == transfer.Succeeded {
			done[u.Key()] = true
		}
	}
	for _, u := range w.units {
		if !done[u.Key()] {
			return fmt.Errorf("unit %s not persisted as succeeded; compaction withheld", u.Key())
		}
	}
	return nil
}

// verifyTable reconciles t over the run range, retrying transient read
// failures, and stores the report.
func (o *Orchestrator) verifyTable(ctx context.Context, run *checkpoint.Run, t driver.Table, compacted bool) (*verify.Report, error) {
	v := o.verifier()
	policy := o.phasePolicy()
	var rep *verify.Report
	var err error
	for attempt := 1; ; attempt++ {
		rep, err = v.Verify(ctx, t, run.Start, run.End, compacted)
		if err == nil || !pool.IsTransient(err) || policy.Exhausted(attempt) || ctx.Err() != nil {
			break
		}
		delay := policy.Delay(attempt)
		logging.With("table", t.Name).Warn("verification attempt %d failed, retrying in %s: %v", attempt, delay.Round(time.Millisecond), err)
		if serr := o.sleep(ctx, delay); serr != nil {
			return nil, serr
		}
	}
	if err != nil {
		return nil, fmt.Errorf("verification: %w", err)
	}
	data, err := json.Marshal(rep)
	if err != nil {
		return nil, fmt.Errorf("encoding report: %w", err)
	}
	if err := o.state.SaveReport(run.ID, t.Name, data); err != nil {
		return nil, fmt.Errorf("saving report state: %w", err)
	}
	return rep, nil
}

func (o *Orchestrator) setPhase(w *tableWork, phase checkpoint.Phase) {
	w.state.Phase = phase
	w.state.UpdatedAt = time.Now().UTC()
	if err := o.state.SaveTable(w.run.ID, w.state); err != nil {
		logging.Error("Saving %s phase %s: %v", w.config.Name, phase, err)
	}
	logging.With("table", w.config.Name).Debug("phase %s", phase)
	o.reporter.ReportImmediate(o.update("phase", w.config.Name, string(phase)))
}

// block records a failure that stops the table where it is.
func (o *Orchestrator) block(w *tableWork, err error) tableOutcome {
	w.state.Blocked = true
	w.state.Error = err.Error()
	w.state.UpdatedAt = time.Now().UTC()
	if serr := o.state.SaveTable(w.run.ID, w.state); serr != nil {
		logging.Error("Saving %s state: %v", w.config.Name, serr)
	}
	logging.With("table", w.config.Name).Error("blocked in %s: %v", w.state.Phase, err)
	o.metrics.Blocked()
	o.notifier.TableBlocked(w.run.ID, w.config.Name, string(w.state.Phase), err)
	o.reporter.ReportImmediate(o.update("blocked", w.config.Name, string(w.state.Phase)))
	o.tableFinished()
	return tableOutcome{table: w.config.Name, phase: w.state.Phase, blocked: true, err: err}
}

// cancelled leaves the table where it is, unblocked, for resume.
func (o *Orchestrator) cancelled(w *tableWork) tableOutcome {
	logging.With("table", w.config.Name).Warn("stopped in %s (cancelled)", w.state.Phase)
	return tableOutcome{table: w.config.Name, phase: w.state.Phase, err: context.Canceled}
}

func (o *Orchestrator) compactor() *compaction.Coordinator {
	policy := o.unitPolicy()
	policy.MaxAttempts = o.config.Migration.CompactionAttempts
	return &compaction.Coordinator{
		Exec:    o.exec,
		Dialect: o.dest,
		Cluster: o.config.Destination.Cluster,
		Policy:  policy,
		Timeout: o.config.Migration.CompactionTimeout,
		Sleep:   o.sleep,
	}
}

func (o *Orchestrator) verifier() *verify.Verifier {
	return &verify.Verifier{
		Exec:          o.exec,
		Source:        o.source,
		Destination:   o.dest,
		Cluster:       o.config.Destination.Cluster,
		SkewThreshold: o.config.Migration.SkewThreshold,
		Timeout:       o.config.Migration.VerifyTimeout,
	}
}

func (o *Orchestrator) unitPolicy() transfer.RetryPolicy {
	p := transfer.DefaultRetryPolicy()
	m := o.config.Migration
	p.MaxAttempts = m.MaxAttempts
	p.InitialBackoff = m.InitialBackoff
	p.MaxBackoff = m.MaxBackoff
	return p
}

// phasePolicy covers the single-statement read phases (verification).
func (o *Orchestrator) phasePolicy() transfer.RetryPolicy {
	p := o.unitPolicy()
	p.MaxAttempts = 3
	return p
}
