// Package orchestrator drives a migration run: it plans every selected table,
// advances each table through schema, transfer, compaction and verification
// independently, and persists unit and phase state so a cancelled or blocked
// run can be resumed.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/johndauphine/shard-migrate/internal/checkpoint"
	"github.com/johndauphine/shard-migrate/internal/config"
	"github.com/johndauphine/shard-migrate/internal/driver"
	"github.com/johndauphine/shard-migrate/internal/logging"
	"github.com/johndauphine/shard-migrate/internal/metrics"
	"github.com/johndauphine/shard-migrate/internal/notify"
	"github.com/johndauphine/shard-migrate/internal/plan"
	"github.com/johndauphine/shard-migrate/internal/pool"
	"github.com/johndauphine/shard-migrate/internal/progress"
	"github.com/johndauphine/shard-migrate/internal/report"
	"github.com/johndauphine/shard-migrate/internal/schema"
	"github.com/johndauphine/shard-migrate/internal/transfer"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Options are per-invocation overrides. Zero values fall back to the config.
type Options struct {
	From        string
	To          string
	Granularity string
	Workers     int
	Tables      []string
	DryRun      bool
	Force       bool // resume even though the config changed
	StateFile   string
	OutputJSON  bool
	ShowBar     bool

	Reporter progress.Reporter
	Metrics  *metrics.Metrics
	Out      io.Writer
}

// Deps replaces the connections and collaborators New would build. Tests use
// it to run the engine against a fake executor or local SQLite files.
type Deps struct {
	Exec        pool.QueryExecutor
	Source      driver.Dialect
	Destination driver.Dialect
	State       checkpoint.StateBackend
	Schema      schema.Provisioner
	Notifier    notify.Provider
	Sleep       func(ctx context.Context, d time.Duration) error
}

// Orchestrator coordinates the migration process
type Orchestrator struct {
	config   *config.Config
	opts     Options
	pool     *pool.Pool
	exec     pool.QueryExecutor
	source   driver.Dialect
	dest     driver.Dialect
	state    checkpoint.StateBackend
	schema   schema.Provisioner
	notifier notify.Provider
	metrics  *metrics.Metrics
	tracker  *progress.Tracker
	reporter progress.Reporter
	archiver *report.Archiver
	sleep    func(ctx context.Context, d time.Duration) error
	out      io.Writer

	sem *semaphore.Weighted

	// per-run counters for progress updates
	mu          sync.Mutex
	runID       string
	unitsTotal  int64
	unitsDone   int64
	rowsDone    int64
	failedUnits int
	tablesDone  int
	tablesTotal int
}

// New creates an orchestrator with its state store. Database connections are
// opened on first use so plan and dag never touch a database.
func New(cfg *config.Config, opts Options) (*Orchestrator, error) {
	srcDriver, err := driver.Get(cfg.Source.Type)
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: source: %w", err)
	}
	dstDriver, err := driver.Get(cfg.Destination.Type)
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: destination: %w", err)
	}

	state, err := openState(cfg, opts)
	if err != nil {
		return nil, err
	}

	o := newOrchestrator(cfg, opts)
	o.source = srcDriver.Dialect()
	o.dest = dstDriver.Dialect()
	o.state = state
	o.notifier = notify.New(&cfg.Slack)
	o.schema = schema.Nop{}
	return o, nil
}

// NewWithDeps creates an orchestrator around existing collaborators.
func NewWithDeps(cfg *config.Config, opts Options, deps Deps) *Orchestrator {
	o := newOrchestrator(cfg, opts)
	o.exec = deps.Exec
	o.source = deps.Source
	o.dest = deps.Destination
	o.state = deps.State
	o.schema = deps.Schema
	if o.schema == nil {
		o.schema = schema.Nop{}
	}
	o.notifier = deps.Notifier
	if o.notifier == nil {
		o.notifier = notify.New(nil)
	}
	if deps.Sleep != nil {
		o.sleep = deps.Sleep
	}
	return o
}

func newOrchestrator(cfg *config.Config, opts Options) *Orchestrator {
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	reporter := opts.Reporter
	if reporter == nil {
		reporter = &progress.NullReporter{}
	}
	workers := cfg.Parallelism(opts.Workers)
	o := &Orchestrator{
		config:   cfg,
		opts:     opts,
		metrics:  opts.Metrics,
		reporter: reporter,
		sleep:    transfer.Sleep,
		out:      out,
		sem:      semaphore.NewWeighted(int64(workers)),
	}
	if opts.ShowBar {
		o.tracker = progress.New()
	}
	if cfg.Report.BucketURL != "" {
		o.archiver = &report.Archiver{
			BucketURL: cfg.Report.BucketURL,
			Prefix:    cfg.Report.Prefix,
			Compress:  cfg.Report.Compress,
		}
	}
	return o
}

func openState(cfg *config.Config, opts Options) (checkpoint.StateBackend, error) {
	if opts.StateFile != "" {
		fs, err := checkpoint.NewFileState(opts.StateFile)
		if err != nil {
			return nil, fmt.Errorf("opening state file: %w", err)
		}
		return fs, nil
	}
	dir := cfg.Migration.DataDir
	if dir == "" {
		var err error
		if dir, err = config.DefaultDataDir(); err != nil {
			return nil, fmt.Errorf("state directory: %w", err)
		}
	}
	state, err := checkpoint.New(dir)
	if err != nil {
		return nil, fmt.Errorf("creating state manager: %w", err)
	}
	return state, nil
}

// Close releases all resources
func (o *Orchestrator) Close() {
	if o.pool != nil {
		o.pool.Close()
	}
	if o.state != nil {
		o.state.Close()
	}
	o.reporter.Close()
}

// State exposes the state backend to read-only consumers such as watch.
func (o *Orchestrator) State() checkpoint.StateBackend {
	return o.state
}

// connect opens and pings both sides once.
func (o *Orchestrator) connect(ctx context.Context) error {
	if o.exec != nil {
		return nil
	}
	p, err := pool.Open(o.config)
	if err != nil {
		return err
	}
	if err := p.Ping(ctx); err != nil {
		p.Close()
		return err
	}
	o.pool = p
	o.exec = p

	var provisioner schema.Provisioner = schema.Nop{}
	files := make(map[string]string)
	for _, t := range o.config.Tables {
		if t.SchemaFile != "" {
			files[t.Name] = t.SchemaFile
		}
	}
	if len(o.config.Schema.Files) > 0 || len(files) > 0 {
		provisioner = &schema.SQLFiles{
			Exec:    p,
			Shared:  o.config.Schema.Files,
			Tables:  files,
			Timeout: o.config.Schema.Timeout,
			Vars: map[string]string{
				"cluster":  o.config.Destination.Cluster,
				"database": o.config.Destination.Database,
			},
		}
	}
	o.schema = provisioner
	return nil
}

// target is the resolved scope of a run.
type target struct {
	start       time.Time
	end         time.Time
	granularity plan.Granularity
	tables      []config.TableConfig
}

func (o *Orchestrator) resolve() (*target, error) {
	start, end, err := o.config.Range(o.opts.From, o.opts.To)
	if err != nil {
		return nil, err
	}
	gText := o.config.Migration.Granularity
	if o.opts.Granularity != "" {
		gText = o.opts.Granularity
	}
	g, err := plan.ParseGranularity(gText)
	if err != nil {
		return nil, err
	}
	tables := o.config.SelectedTables(o.opts.Tables)
	if len(tables) == 0 {
		return nil, fmt.Errorf("invalid configuration: no tables selected by filters")
	}
	return &target{start: start, end: end, granularity: g, tables: tables}, nil
}

// targetForRun rebuilds the scope of a persisted run from its recorded
// parameters, never from the current command line.
func (o *Orchestrator) targetForRun(run *checkpoint.Run) (*target, error) {
	g, err := plan.ParseGranularity(run.Granularity)
	if err != nil {
		return nil, fmt.Errorf("run %s state: %w", run.ID, err)
	}
	tgt := &target{start: run.Start, end: run.End, granularity: g}
	for _, name := range run.Tables {
		tc, ok := o.config.Table(name)
		if !ok {
			return nil, fmt.Errorf("resume run %s: table %s is no longer configured", run.ID, name)
		}
		tgt.tables = append(tgt.tables, tc)
	}
	return tgt, nil
}

func (tgt *target) plans() ([]*plan.Plan, error) {
	plans := make([]*plan.Plan, 0, len(tgt.tables))
	for _, tc := range tgt.tables {
		p, err := plan.New(tc.Name, tgt.start, tgt.end, tgt.granularity)
		if err != nil {
			return nil, err
		}
		plans = append(plans, p)
	}
	return plans, nil
}

func (tgt *target) names() []string {
	names := make([]string, len(tgt.tables))
	for i, t := range tgt.tables {
		names[i] = t.Name
	}
	return names
}

func (o *Orchestrator) configHash() string {
	return checkpoint.HashConfig(struct {
		Tables      []config.TableConfig
		Destination string
		Cluster     string
	}{o.config.Tables, o.config.Destination.Database, o.config.Destination.Cluster})
}

// Run executes a new migration
func (o *Orchestrator) Run(ctx context.Context) error {
	tgt, err := o.resolve()
	if err != nil {
		return err
	}
	if o.opts.DryRun {
		return o.DryRun(ctx)
	}
	if err := o.connect(ctx); err != nil {
		return err
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
		return fmt.Errorf("creating run state: %w", err)
	}
	logging.Info("Starting migration run %s: %d tables, %s - %s by %s", run.ID, len(tgt.tables),
		tgt.start.Format("2006-01-02"), tgt.end.Format("2006-01-02"), tgt.granularity)
	return o.execute(ctx, run, tgt)
}

// Resume continues the most recent running, cancelled or blocked run.
// Succeeded units are skipped; failed units get a fresh attempt budget.
func (o *Orchestrator) Resume(ctx context.Context) error {
	run, err := o.state.GetLastIncompleteRun()
	if err != nil {
		return fmt.Errorf("finding incomplete run state: %w", err)
	}
	if run == nil {
		return fmt.Errorf("nothing to resume: no incomplete run found, use 'run' to start a new migration")
	}
	if run.ConfigHash != "" && run.ConfigHash != o.configHash() {
		if !o.opts.Force {
			return fmt.Errorf("config changed since run %s started (use --force to resume anyway)", run.ID)
		}
		logging.Warn("Config changed since run %s started; resuming anyway (--force)", run.ID)
	}
	tgt, err := o.targetForRun(run)
	if err != nil {
		return err
	}
	if o.opts.DryRun {
		return o.dryRun(ctx, tgt)
	}
	if err := o.connect(ctx); err != nil {
		return err
	}
	if err := o.state.ReopenRun(run.ID); err != nil {
		return fmt.Errorf("reopening run state: %w", err)
	}
	logging.Info("Resuming run %s (started %s)", run.ID, run.StartedAt.Format(time.RFC3339))
	return o.execute(ctx, run, tgt)
}

// loadUnits regenerates the plan of a table and overlays persisted unit state.
// Persisted units whose window is no longer in the plan are ignored.
func (o *Orchestrator) loadUnits(runID string, p *plan.Plan) ([]*transfer.Unit, error) {
	persisted, err := o.state.GetUnits(runID, p.Table)
	if err != nil {
		return nil, fmt.Errorf("loading unit state for %s: %w", p.Table, err)
	}
	byKey := make(map[string]*transfer.Unit, len(persisted))
	for _, u := range persisted {
		byKey[u.Key()] = u
	}
	var units []*transfer.Unit
	for u := range transfer.Units(p) {
		if saved, ok := byKey[u.Key()]; ok {
			saved.Reset()
			u = saved
		}
		units = append(units, u)
	}
	return units, nil
}

// execute advances every table of the run and records the outcome.
func (o *Orchestrator) execute(ctx context.Context, run *checkpoint.Run, tgt *target) error {
	startTime := time.Now()
	plans, err := tgt.plans()
	if err != nil {
		return err
	}
	phases, err := o.state.GetTables(run.ID)
	if err != nil {
		return fmt.Errorf("loading table state: %w", err)
	}

	work := make([]tableWork, len(plans))
	var pending int64
	for i, p := range plans {
		units, err := o.loadUnits(run.ID, p)
		if err != nil {
			return err
		}
		for _, u := range units {
			if !u.Done() {
				pending++
			}
		}
		ts, ok := phases[p.Table]
		if !ok {
			ts = checkpoint.TableState{Table: p.Table, Phase: checkpoint.NotStarted}
		}
		work[i] = tableWork{run: run, config: tgt.tables[i], units: units, state: ts}
	}

	o.beginRun(run.ID, pending, len(work))
	o.tracker.SetTotal(pending)
	o.notifier.MigrationStarted(run.ID, rangeText(run), len(work), int(pending))

	outcomes := make([]tableOutcome, len(work))
	var g errgroup.Group
	for i := range work {
		g.Go(func() error {
			outcomes[i] = o.runTable(ctx, &work[i])
			return nil
		})
	}
	g.Wait()
	o.tracker.Finish()
	if o.pool != nil {
		for _, s := range o.pool.Stats() {
			logging.Debug("Pool %s", s)
		}
	}

	return o.finish(ctx, run, outcomes, time.Since(startTime))
}

// finish sets the run status from the table outcomes, then reports,
// archives and notifies.
func (o *Orchestrator) finish(ctx context.Context, run *checkpoint.Run, outcomes []tableOutcome, elapsed time.Duration) error {
	var blocked, inconsistent []string
	var problems []string
	for _, out := range outcomes {
		switch {
		case out.blocked:
			blocked = append(blocked, out.table)
			problems = append(problems, fmt.Sprintf("%s blocked in %s: %v", out.table, out.phase, out.err))
		case out.phase == checkpoint.Inconsistent:
			inconsistent = append(inconsistent, out.table)
			problems = append(problems, fmt.Sprintf("%s inconsistent", out.table))
		}
	}
	sort.Strings(blocked)
	sort.Strings(inconsistent)

	var status string
	var runErr error
	switch {
	case ctx.Err() != nil:
		status = checkpoint.RunCancelled
		runErr = fmt.Errorf("run %s interrupted, use 'resume' to continue: %w", run.ID, context.Canceled)
	case len(blocked) > 0:
		status = checkpoint.RunBlocked
		runErr = &BlockedError{RunID: run.ID, Tables: blocked}
	case len(inconsistent) > 0:
		status = checkpoint.RunInconsistent
		runErr = &InconsistentError{RunID: run.ID, Tables: inconsistent}
	default:
		status = checkpoint.RunSuccess
	}

	errMsg := ""
	if runErr != nil {
		errMsg = runErr.Error()
	}
	if err := o.state.CompleteRun(run.ID, status, errMsg); err != nil {
		logging.Error("Recording run status: %v", err)
	}

	rep, err := o.BuildReport(run.ID)
	if err != nil {
		logging.Error("Building report: %v", err)
	} else {
		o.writeReport(rep)
		o.archive(context.WithoutCancel(ctx), rep)
	}

	o.reporter.ReportImmediate(o.update("finished", "", status))

	switch status {
	case checkpoint.RunSuccess:
		var rows int64
		if rep != nil {
			_, rows = rep.Totals()
		}
		o.notifier.MigrationCompleted(run.ID, elapsed, len(outcomes), rows)
		logging.Info("Migration %s complete in %s", run.ID, elapsed.Round(time.Second))
	case checkpoint.RunCancelled:
		o.notifier.MigrationCancelled(run.ID, elapsed)
		logging.Warn("Migration %s cancelled after %s", run.ID, elapsed.Round(time.Second))
	default:
		o.notifier.MigrationFinishedWithProblems(run.ID, status, elapsed, problems)
		logging.Error("Migration %s finished %s: %s", run.ID, status, strings.Join(problems, "; "))
	}
	return runErr
}

func (o *Orchestrator) writeReport(rep *report.Run) {
	if o.opts.OutputJSON {
		if err := rep.WriteJSON(o.out); err != nil {
			logging.Error("Writing report: %v", err)
		}
		return
	}
	fmt.Fprintln(o.out)
	rep.WriteText(o.out)
}

func (o *Orchestrator) archive(ctx context.Context, rep *report.Run) {
	if o.archiver == nil {
		return
	}
	key, err := o.archiver.Upload(ctx, rep)
	if err != nil {
		logging.Warn("Archiving report: %v", err)
		return
	}
	logging.Info("Report archived to %s/%s", o.archiver.BucketURL, key)
}

func rangeText(run *checkpoint.Run) string {
	return fmt.Sprintf("%s - %s (%s)", run.Start.Format("2006-01-02"), run.End.Format("2006-01-02"), run.Granularity)
}

// isCancelled reports whether err stems from the run being cancelled.
func isCancelled(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, context.Canceled)
}
