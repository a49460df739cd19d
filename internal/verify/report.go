package verify

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// Verdict is the outcome of reconciling one table.
type Verdict string

const (
	Consistent   Verdict = "consistent"
	Inconsistent Verdict = "inconsistent"
	Unverified   Verdict = "unverified"
)

// Aggregates is one side of a reconciliation. MinKey and MaxKey are nil
// when the side holds no rows.
type Aggregates struct {
	Rows        int64      `json:"rows"`
	DistinctIDs int64      `json:"distinct_ids"`
	MinKey      *time.Time `json:"min_key,omitempty"`
	MaxKey      *time.Time `json:"max_key,omitempty"`
	MaxVersion  int64      `json:"max_version"`
}

// ShardStat is the row and byte count of one destination shard.
type ShardStat struct {
	Shard int   `json:"shard"`
	Rows  int64 `json:"rows"`
	Bytes int64 `json:"bytes"`
}

// Report is the reconciliation result for one table.
type Report struct {
	Table       string      `json:"table"`
	Start       time.Time   `json:"range_start"`
	End         time.Time   `json:"range_end"`
	Source      Aggregates  `json:"source"`
	Destination Aggregates  `json:"destination"`
	MissingIDs  int64       `json:"missing_ids"`
	Shards      []ShardStat `json:"shards,omitempty"`
	SkewRatio   float64     `json:"skew_ratio,omitempty"`
	Warnings    []string    `json:"warnings,omitempty"`
	Verdict     Verdict     `json:"verdict"`
	CheckedAt   time.Time   `json:"checked_at"`
}

// Duplicates is the number of destination rows beyond one per id. Before
// background merges finish this is non-zero even for a consistent table.
func (r *Report) Duplicates() int64 {
	return r.Destination.Rows - r.Destination.DistinctIDs
}

func (r *Report) warnf(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// WriteText renders the report the way operators read it in logs.
func (r *Report) WriteText(w io.Writer) {
	fmt.Fprintf(w, "Table %s [%s, %s): %s\n", r.Table,
		r.Start.Format("2006-01-02"), r.End.Format("2006-01-02"), strings.ToUpper(string(r.Verdict)))
	fmt.Fprintf(w, "  %-12s %15s %15s\n", "", "source", "destination")
	fmt.Fprintf(w, "  %-12s %15d %15d\n", "rows", r.Source.Rows, r.Destination.Rows)
	fmt.Fprintf(w, "  %-12s %15d %15d\n", "distinct ids", r.Source.DistinctIDs, r.Destination.DistinctIDs)
	fmt.Fprintf(w, "  %-12s %15d %15d\n", "max version", r.Source.MaxVersion, r.Destination.MaxVersion)
	if r.MissingIDs != 0 {
		fmt.Fprintf(w, "  missing ids: %d\n", r.MissingIDs)
	}
	if len(r.Shards) > 0 {
		fmt.Fprintf(w, "  shards (skew %.2f):\n", r.SkewRatio)
		for _, s := range r.Shards {
			fmt.Fprintf(w, "    shard %-3d %12d rows %10s\n", s.Shard, s.Rows, FormatBytes(s.Bytes))
		}
	}
	for _, warn := range r.Warnings {
		fmt.Fprintf(w, "  warning: %s\n", warn)
	}
}

// FormatBytes renders a byte count with a binary unit, like ClickHouse's
// formatReadableSize.
func FormatBytes(n int64) string {
	if n < 0 {
		n = 0
	}
	return humanize.IBytes(uint64(n))
}
