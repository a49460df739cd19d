package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/johndauphine/shard-migrate/internal/checkpoint"
	"github.com/johndauphine/shard-migrate/internal/driver"
	"github.com/johndauphine/shard-migrate/internal/logging"
	"github.com/johndauphine/shard-migrate/internal/plan"
	"github.com/johndauphine/shard-migrate/internal/report"
	"github.com/johndauphine/shard-migrate/internal/transfer"
	"github.com/johndauphine/shard-migrate/internal/verify"
)

// BuildReport assembles the structured report of a run from persisted state.
// Units that were never started count as pending.
func (o *Orchestrator) BuildReport(runID string) (*report.Run, error) {
	run, err := o.state.GetRun(runID)
	if err != nil {
		return nil, fmt.Errorf("loading run state: %w", err)
	}
	if run == nil {
		return nil, fmt.Errorf("run not found: %s", runID)
	}
	tables, err := o.state.GetTables(runID)
	if err != nil {
		return nil, fmt.Errorf("loading table state: %w", err)
	}
	reports, err := o.state.GetReports(runID)
	if err != nil {
		return nil, fmt.Errorf("loading report state: %w", err)
	}
	g, gErr := plan.ParseGranularity(run.Granularity)

	rep := &report.Run{
		RunID:       run.ID,
		Status:      run.Status,
		Error:       run.Error,
		Start:       run.Start,
		End:         run.End,
		Granularity: run.Granularity,
		StartedAt:   run.StartedAt,
		CompletedAt: run.CompletedAt,
	}
	for _, name := range run.Tables {
		t := report.Table{Name: name, Phase: string(checkpoint.NotStarted)}
		if ts, ok := tables[name]; ok {
			t.Phase = string(ts.Phase)
			t.Blocked = ts.Blocked
			t.Error = ts.Error
		}

		units, err := o.state.GetUnits(runID, name)
		if err != nil {
			return nil, fmt.Errorf("loading unit state: %w", err)
		}
		for _, u := range units {
			switch u.State {
			case transfer.Pending:
				t.Units.Pending++
			case transfer.Running:
				t.Units.Running++
			case transfer.Succeeded:
				t.Units.Succeeded++
			case transfer.Failed:
				t.Units.Failed++
				t.FailedUnits = append(t.FailedUnits, report.FailedUnit{Key: u.Key(), Attempts: u.Attempts, LastError: u.LastError})
			}
			t.RowsInserted += u.RowsAffected
		}
		t.Units.Total = len(units)
		if gErr == nil {
			if p, err := plan.New(name, run.Start, run.End, g); err == nil {
				if n := p.Len(); n > t.Units.Total {
					t.Units.Pending += n - t.Units.Total
					t.Units.Total = n
				}
			}
		}

		if data, ok := reports[name]; ok {
			var vr verify.Report
			if err := json.Unmarshal(data, &vr); err != nil {
				logging.Warn("Decoding %s verification report: %v", name, err)
			} else {
				t.Verification = &vr
			}
		}
		rep.Tables = append(rep.Tables, t)
	}
	rep.Sort()
	return rep, nil
}

// latestRun returns the most recent incomplete run, else the most recent run.
func (o *Orchestrator) latestRun() (*checkpoint.Run, error) {
	run, err := o.state.GetLastIncompleteRun()
	if err != nil {
		return nil, fmt.Errorf("loading run state: %w", err)
	}
	if run != nil {
		return run, nil
	}
	runs, err := o.state.GetAllRuns()
	if err != nil {
		return nil, fmt.Errorf("loading run state: %w", err)
	}
	if len(runs) == 0 {
		return nil, nil
	}
	return &runs[0], nil
}

// Snapshot implements tui.Source: the report of runID, or of the latest run
// when runID is empty. It returns nil when there are no runs.
func (o *Orchestrator) Snapshot(runID string) (*report.Run, error) {
	if runID == "" {
		run, err := o.latestRun()
		if err != nil || run == nil {
			return nil, err
		}
		runID = run.ID
	}
	return o.BuildReport(runID)
}

// ShowStatus prints the report of a run, defaulting to the latest one.
func (o *Orchestrator) ShowStatus(runID string) error {
	if runID == "" {
		run, err := o.latestRun()
		if err != nil {
			return err
		}
		if run == nil {
			fmt.Fprintln(o.out, "No migration runs")
			return nil
		}
		runID = run.ID
	}
	rep, err := o.BuildReport(runID)
	if err != nil {
		return err
	}
	o.writeReport(rep)
	if !o.opts.OutputJSON && resumable(rep.Status) {
		fmt.Fprintln(o.out, "\nRun 'resume' to continue.")
	}
	return nil
}

func resumable(status string) bool {
	switch status {
	case checkpoint.RunRunning, checkpoint.RunCancelled, checkpoint.RunBlocked:
		return true
	}
	return false
}

// historyEntry is the JSON shape of one history line.
type historyEntry struct {
	ID          string     `json:"run_id"`
	Status      string     `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Start       time.Time  `json:"range_start"`
	End         time.Time  `json:"range_end"`
	Granularity string     `json:"granularity"`
	Tables      []string   `json:"tables"`
	Error       string     `json:"error,omitempty"`
}

// ShowHistory displays all migration runs, or one run's full report.
func (o *Orchestrator) ShowHistory(runID string) error {
	if runID != "" {
		return o.ShowStatus(runID)
	}
	runs, err := o.state.GetAllRuns()
	if err != nil {
		return fmt.Errorf("loading run state: %w", err)
	}

	if o.opts.OutputJSON {
		entries := make([]historyEntry, 0, len(runs))
		for _, r := range runs {
			entries = append(entries, historyEntry{
				ID: r.ID, Status: r.Status, StartedAt: r.StartedAt, CompletedAt: r.CompletedAt,
				Start: r.Start, End: r.End, Granularity: r.Granularity, Tables: r.Tables, Error: r.Error,
			})
		}
		enc := json.NewEncoder(o.out)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	}

	if len(runs) == 0 {
		fmt.Fprintln(o.out, "No migration history")
		return nil
	}

	fmt.Fprintf(o.out, "%-10s %-20s %-20s %-13s %-25s %s\n", "ID", "Started", "Completed", "Status", "Range", "Tables")
	fmt.Fprintln(o.out, strings.Repeat("-", 100))
	for _, r := range runs {
		completed := "-"
		if r.CompletedAt != nil {
			completed = r.CompletedAt.Format("2006-01-02 15:04:05")
		}
		fmt.Fprintf(o.out, "%-10s %-20s %-20s %-13s %-25s %d\n",
			r.ID, r.StartedAt.Format("2006-01-02 15:04:05"), completed, r.Status,
			r.Start.Format("2006-01-02")+" - "+r.End.Format("2006-01-02"), len(r.Tables))
		if r.Error != "" {
			fmt.Fprintf(o.out, "           Error: %s\n", r.Error)
		}
	}

	fmt.Fprintln(o.out, "\nUse 'history --run <ID>' to view a run's report")
	return nil
}

// VerifyTables reconciles the selected tables on demand. A table counts as
// compacted when the latest run that covered it got past compaction;
// otherwise its verdict is unverified.
func (o *Orchestrator) VerifyTables(ctx context.Context) error {
	tgt, err := o.resolve()
	if err != nil {
		return err
	}
	if err := o.connect(ctx); err != nil {
		return err
	}
	compacted, err := o.compactedTables()
	if err != nil {
		return err
	}

	v := o.verifier()
	var reports []*verify.Report
	var problems []string
	for _, tc := range tgt.tables {
		t := driver.NewTable(tc, o.config.Source)
		rep, err := v.Verify(ctx, t, tgt.start, tgt.end, compacted[tc.Name])
		if err != nil {
			return fmt.Errorf("verifying %s: %w", tc.Name, err)
		}
		o.metrics.Verification(tc.Name, string(rep.Verdict), rep.MissingIDs, rep.SkewRatio)
		reports = append(reports, rep)
		if rep.Verdict != verify.Consistent {
			problems = append(problems, fmt.Sprintf("%s (%s)", tc.Name, rep.Verdict))
		}
	}

	if o.opts.OutputJSON {
		enc := json.NewEncoder(o.out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(reports); err != nil {
			return err
		}
	} else {
		for i, rep := range reports {
			if i > 0 {
				fmt.Fprintln(o.out)
			}
			rep.WriteText(o.out)
		}
	}
	if len(problems) > 0 {
		return &InconsistentError{RunID: "verify", Tables: problems}
	}
	return nil
}

func (o *Orchestrator) compactedTables() (map[string]bool, error) {
	runs, err := o.state.GetAllRuns()
	if err != nil {
		return nil, fmt.Errorf("loading run state: %w", err)
	}
	out := make(map[string]bool)
	seen := make(map[string]bool)
	// newest first: the latest run covering a table decides
	for _, r := range runs {
		tables, err := o.state.GetTables(r.ID)
		if err != nil {
			return nil, fmt.Errorf("loading table state: %w", err)
		}
		for name, ts := range tables {
			if seen[name] {
				continue
			}
			seen[name] = true
			out[name] = ts.Phase.AtLeast(checkpoint.Compacted)
		}
	}
	return out, nil
}

// inspection is the JSON shape of one inspected table.
type inspection struct {
	Table    string            `json:"table"`
	Source   verify.Aggregates `json:"source"`
	Units    int               `json:"units"`
	Warnings []string          `json:"warnings,omitempty"`
}

// Inspect reads source aggregates of the selected tables and warns about
// rows outside the migration range.
func (o *Orchestrator) Inspect(ctx context.Context) error {
	tgt, err := o.resolve()
	if err != nil {
		return err
	}
	if err := o.connect(ctx); err != nil {
		return err
	}
	plans, err := tgt.plans()
	if err != nil {
		return err
	}

	v := o.verifier()
	var results []inspection
	for i, tc := range tgt.tables {
		agg, warnings, err := v.Inspect(ctx, driver.NewTable(tc, o.config.Source), tgt.start, tgt.end)
		if err != nil {
			return err
		}
		for _, w := range warnings {
			logging.Warn("%s", w)
		}
		results = append(results, inspection{Table: tc.Name, Source: agg, Units: plans[i].Len(), Warnings: warnings})
	}

	if o.opts.OutputJSON {
		enc := json.NewEncoder(o.out)
		enc.SetIndent("", "  ")
		return enc.Encode(results)
	}
	fmt.Fprintf(o.out, "%-30s %14s %14s %-12s %-12s %12s %6s\n", "TABLE", "ROWS", "DISTINCT IDS", "MIN KEY", "MAX KEY", "MAX VERSION", "UNITS")
	fmt.Fprintln(o.out, strings.Repeat("-", 110))
	for _, r := range results {
		fmt.Fprintf(o.out, "%-30s %14d %14d %-12s %-12s %12d %6d\n", r.Table, r.Source.Rows, r.Source.DistinctIDs,
			formatKey(r.Source.MinKey), formatKey(r.Source.MaxKey), r.Source.MaxVersion, r.Units)
	}
	for _, r := range results {
		for _, w := range r.Warnings {
			fmt.Fprintf(o.out, "warning: %s\n", w)
		}
	}
	return nil
}

func formatKey(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format("2006-01-02")
}
