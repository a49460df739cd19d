package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/johndauphine/shard-migrate/internal/driver"
	"github.com/johndauphine/shard-migrate/internal/logging"
	"github.com/johndauphine/shard-migrate/internal/pool"
	"github.com/johndauphine/shard-migrate/internal/schema"
	"github.com/johndauphine/shard-migrate/internal/transfer"
)

// PlannedUnit is one unit of a preview.
type PlannedUnit struct {
	Key       string `json:"key"`
	Statement string `json:"statement,omitempty"`
}

// PlannedTable is the preview of one table.
type PlannedTable struct {
	Table      string        `json:"table"`
	Units      []PlannedUnit `json:"units"`
	Schema     []string      `json:"schema,omitempty"`
	Compaction string        `json:"compaction,omitempty"`
}

// Preview is what a run would do, without doing it.
type Preview struct {
	Start       time.Time      `json:"range_start"`
	End         time.Time      `json:"range_end"`
	Granularity string         `json:"granularity"`
	Workers     int            `json:"workers"`
	Tables      []PlannedTable `json:"tables"`
}

// Plan prints the units of every selected table. With statements set, the
// rendered transfer, compaction and schema statements are included with
// credentials masked.
func (o *Orchestrator) Plan(statements bool) error {
	tgt, err := o.resolve()
	if err != nil {
		return err
	}
	p, err := o.preview(tgt, statements)
	if err != nil {
		return err
	}
	return o.writePreview(p, statements)
}

// DryRun renders every statement of a new run without executing anything.
func (o *Orchestrator) DryRun(ctx context.Context) error {
	tgt, err := o.resolve()
	if err != nil {
		return err
	}
	return o.dryRun(ctx, tgt)
}

func (o *Orchestrator) dryRun(_ context.Context, tgt *target) error {
	logging.Info("Performing dry run (nothing will be executed)...")
	p, err := o.preview(tgt, true)
	if err != nil {
		return err
	}
	return o.writePreview(p, true)
}

func (o *Orchestrator) preview(tgt *target, statements bool) (*Preview, error) {
	plans, err := tgt.plans()
	if err != nil {
		return nil, err
	}
	workers := o.config.Parallelism(o.opts.Workers)
	out := &Preview{Start: tgt.start, End: tgt.end, Granularity: tgt.granularity.String(), Workers: workers}

	files := &schema.SQLFiles{Vars: map[string]string{
		"cluster":  o.config.Destination.Cluster,
		"database": o.config.Destination.Database,
	}}
	for i, p := range plans {
		tc := tgt.tables[i]
		t := driver.NewTable(tc, o.config.Source)
		pt := PlannedTable{Table: tc.Name}
		for u := range transfer.Units(p) {
			pu := PlannedUnit{Key: u.Key()}
			if statements {
				pu.Statement = transfer.Render(o.dest, t, u).String()
			}
			pt.Units = append(pt.Units, pu)
		}
		if statements {
			pt.Compaction = o.compactor().Statement(t).String()
			if tc.SchemaFile != "" {
				stmts, err := files.Statements(tc.SchemaFile)
				if err != nil {
					return nil, err
				}
				for _, s := range stmts {
					pt.Schema = append(pt.Schema, s.String())
				}
			}
		}
		out.Tables = append(out.Tables, pt)
	}
	return out, nil
}

func (o *Orchestrator) writePreview(p *Preview, statements bool) error {
	if o.opts.OutputJSON {
		enc := json.NewEncoder(o.out)
		enc.SetIndent("", "  ")
		return enc.Encode(p)
	}
	fmt.Fprintf(o.out, "Range: %s - %s by %s, %d workers\n",
		p.Start.Format("2006-01-02"), p.End.Format("2006-01-02"), p.Granularity, p.Workers)
	total := 0
	for _, t := range p.Tables {
		total += len(t.Units)
		fmt.Fprintf(o.out, "\n%s: %d units\n", t.Table, len(t.Units))
		for _, s := range t.Schema {
			fmt.Fprintf(o.out, "  schema: %s\n", s)
		}
		for _, u := range t.Units {
			if statements {
				fmt.Fprintf(o.out, "  %s\n    %s\n", u.Key, u.Statement)
			} else {
				fmt.Fprintf(o.out, "  %s\n", u.Key)
			}
		}
		if t.Compaction != "" {
			fmt.Fprintf(o.out, "  compact: %s\n", t.Compaction)
		}
	}
	fmt.Fprintf(o.out, "\nTotal: %d tables, %d units\n", len(p.Tables), total)
	return nil
}

// ConnectionCheck is the result of probing one connection.
type ConnectionCheck struct {
	Conn      string `json:"conn"`
	Type      string `json:"type"`
	Connected bool   `json:"connected"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// HealthCheckResult is the outcome of HealthCheck.
type HealthCheckResult struct {
	Timestamp string            `json:"timestamp"`
	Healthy   bool              `json:"healthy"`
	Checks    []ConnectionCheck `json:"checks"`
}

// HealthCheck runs a trivial query on both connections in parallel, each with
// its own timeout so one slow side does not fail the other.
func (o *Orchestrator) HealthCheck(ctx context.Context) (*HealthCheckResult, error) {
	if o.exec == nil {
		p, err := pool.Open(o.config)
		if err != nil {
			return nil, err
		}
		o.pool = p
		o.exec = p
	}
	const checkTimeout = 30 * time.Second

	result := &HealthCheckResult{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Checks: []ConnectionCheck{
			{Conn: pool.Source, Type: o.config.Source.Type},
			{Conn: pool.Destination, Type: o.config.Destination.Type},
		},
	}
	var wg sync.WaitGroup
	for i := range result.Checks {
		wg.Add(1)
		go func(c *ConnectionCheck) {
			defer wg.Done()
			start := time.Now()
			_, err := o.exec.Execute(ctx, c.Conn, driver.Statement{Text: "SELECT 1", ReturnsRows: true}, checkTimeout)
			c.LatencyMs = time.Since(start).Milliseconds()
			if err != nil {
				c.Error = err.Error()
				return
			}
			c.Connected = true
		}(&result.Checks[i])
	}
	wg.Wait()

	result.Healthy = true
	for _, c := range result.Checks {
		result.Healthy = result.Healthy && c.Connected
	}
	return result, nil
}
