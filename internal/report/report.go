// Package report renders the outcome of a run and archives it to object storage.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/johndauphine/shard-migrate/internal/verify"
)

// UnitCounts summarizes unit states of a table.
type UnitCounts struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// Table is the per-table section of a run report.
type Table struct {
	Name         string         `json:"table"`
	Phase        string         `json:"phase"`
	Blocked      bool           `json:"blocked,omitempty"`
	Error        string         `json:"error,omitempty"`
	Units        UnitCounts     `json:"units"`
	RowsInserted int64          `json:"rows_inserted"`
	FailedUnits  []FailedUnit   `json:"failed_units,omitempty"`
	Verification *verify.Report `json:"verification,omitempty"`
}

// FailedUnit lists a unit that needs attention.
type FailedUnit struct {
	Key       string `json:"key"`
	Attempts  int    `json:"attempts"`
	LastError string `json:"last_error"`
}

// Run is the report of one migration run.
type Run struct {
	RunID       string     `json:"run_id"`
	Status      string     `json:"status"`
	Error       string     `json:"error,omitempty"`
	Start       time.Time  `json:"range_start"`
	End         time.Time  `json:"range_end"`
	Granularity string     `json:"granularity"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Tables      []Table    `json:"tables"`
}

// Sort orders tables by name for stable output.
func (r *Run) Sort() {
	sort.Slice(r.Tables, func(i, j int) bool { return r.Tables[i].Name < r.Tables[j].Name })
}

// Totals sums units and rows across tables.
func (r *Run) Totals() (UnitCounts, int64) {
	var c UnitCounts
	var rows int64
	for _, t := range r.Tables {
		c.Total += t.Units.Total
		c.Pending += t.Units.Pending
		c.Running += t.Units.Running
		c.Succeeded += t.Units.Succeeded
		c.Failed += t.Units.Failed
		rows += t.RowsInserted
	}
	return c, rows
}

// WriteJSON renders the report as indented JSON.
func (r *Run) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

// WriteText renders the report for a terminal.
func (r *Run) WriteText(w io.Writer) {
	fmt.Fprintf(w, "Run: %s\n", r.RunID)
	fmt.Fprintf(w, "Status: %s\n", r.Status)
	fmt.Fprintf(w, "Range: %s - %s (%s)\n", r.Start.Format("2006-01-02"), r.End.Format("2006-01-02"), r.Granularity)
	fmt.Fprintf(w, "Started: %s\n", r.StartedAt.Format(time.RFC3339))
	if r.CompletedAt != nil {
		fmt.Fprintf(w, "Completed: %s (%s)\n", r.CompletedAt.Format(time.RFC3339),
			r.CompletedAt.Sub(r.StartedAt).Round(time.Second))
	}
	if r.Error != "" {
		fmt.Fprintf(w, "Error: %s\n", r.Error)
	}
	units, rows := r.Totals()
	fmt.Fprintf(w, "Units: %d total, %d succeeded, %d failed, %d pending, %d running; %d rows inserted\n",
		units.Total, units.Succeeded, units.Failed, units.Pending, units.Running, rows)

	fmt.Fprintf(w, "\n%-30s %-14s %8s %8s %8s %s\n", "TABLE", "PHASE", "UNITS", "DONE", "FAILED", "VERDICT")
	fmt.Fprintln(w, strings.Repeat("-", 84))
	for _, t := range r.Tables {
		verdict := "-"
		if t.Verification != nil {
			verdict = string(t.Verification.Verdict)
		}
		phase := t.Phase
		if t.Blocked {
			phase += "!"
		}
		fmt.Fprintf(w, "%-30s %-14s %8d %8d %8d %s\n", t.Name, phase, t.Units.Total, t.Units.Succeeded, t.Units.Failed, verdict)
	}

	for _, t := range r.Tables {
		if t.Error != "" || len(t.FailedUnits) > 0 {
			fmt.Fprintf(w, "\n%s blocked: %s\n", t.Name, t.Error)
			for _, u := range t.FailedUnits {
				fmt.Fprintf(w, "  %s (attempts %d): %s\n", u.Key, u.Attempts, u.LastError)
			}
		}
		if t.Verification != nil {
			fmt.Fprintln(w)
			t.Verification.WriteText(w)
		}
	}
}
