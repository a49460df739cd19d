// Package verify reconciles source and destination aggregates per table and
// reports shard distribution.
package verify

import (
	"context"
	"fmt"
	"time"

	"github.com/johndauphine/shard-migrate/internal/driver"
	"github.com/johndauphine/shard-migrate/internal/logging"
	"github.com/johndauphine/shard-migrate/internal/pool"
)

// Verifier reads aggregates from both connections.
type Verifier struct {
	Exec          pool.QueryExecutor
	Source        driver.Dialect
	Destination   driver.Dialect
	Cluster       string
	SkewThreshold float64
	Timeout       time.Duration
}

// Verify reconciles t over [start, end). A table whose compaction is not
// confirmed is reported Unverified; its aggregates are still collected.
func (v *Verifier) Verify(ctx context.Context, t driver.Table, start, end time.Time, compacted bool) (*Report, error) {
	log := logging.With("table", t.Name).With("phase", "verification")
	r := &Report{Table: t.Name, Start: start, End: end, CheckedAt: time.Now().UTC()}

	src := t.SourceAggregate()
	src.Start, src.End = start, end
	var err error
	if r.Source, err = v.aggregate(ctx, pool.Source, v.Source, src); err != nil {
		return nil, fmt.Errorf("source aggregate for %s: %w", t.Name, err)
	}

	dst := t.DestinationAggregate()
	dst.Start, dst.End = start, end
	if r.Destination, err = v.aggregate(ctx, pool.Destination, v.Destination, dst); err != nil {
		return nil, fmt.Errorf("destination aggregate for %s: %w", t.Name, err)
	}

	r.MissingIDs = r.Source.DistinctIDs - r.Destination.DistinctIDs
	switch {
	case !compacted:
		r.Verdict = Unverified
		r.warnf("compaction not confirmed; duplicates may remain")
	case r.MissingIDs == 0:
		r.Verdict = Consistent
	default:
		r.Verdict = Inconsistent
		if r.MissingIDs > 0 {
			r.warnf("%d distinct ids missing on destination", r.MissingIDs)
		} else {
			r.warnf("%d distinct ids on destination not present in source", -r.MissingIDs)
		}
	}
	if r.Destination.Rows > 0 && r.Destination.MaxVersion < r.Source.MaxVersion {
		r.warnf("destination max version %d behind source %d", r.Destination.MaxVersion, r.Source.MaxVersion)
	}

	v.shards(ctx, t, r)

	log.Info("verdict %s: source %d ids, destination %d ids (%d rows)",
		r.Verdict, r.Source.DistinctIDs, r.Destination.DistinctIDs, r.Destination.Rows)
	return r, nil
}

// Inspect reads the unbounded source aggregate and warns about rows that lie
// outside [start, end) and therefore will not be migrated.
func (v *Verifier) Inspect(ctx context.Context, t driver.Table, start, end time.Time) (Aggregates, []string, error) {
	agg, err := v.aggregate(ctx, pool.Source, v.Source, t.SourceAggregate())
	if err != nil {
		return Aggregates{}, nil, fmt.Errorf("inspecting %s: %w", t.Name, err)
	}
	var warnings []string
	if agg.MinKey != nil && agg.MinKey.Before(start) {
		warnings = append(warnings, fmt.Sprintf("%s: source data starts %s, before range start %s",
			t.Name, agg.MinKey.Format("2006-01-02"), start.Format("2006-01-02")))
	}
	if agg.MaxKey != nil && !agg.MaxKey.Before(end) {
		warnings = append(warnings, fmt.Sprintf("%s: source data ends %s, at or after range end %s",
			t.Name, agg.MaxKey.Format("2006-01-02"), end.Format("2006-01-02")))
	}
	return agg, warnings, nil
}

func (v *Verifier) aggregate(ctx context.Context, conn string, d driver.Dialect, a driver.Aggregate) (Aggregates, error) {
	res, err := v.Exec.Execute(ctx, conn, d.AggregateStatement(a), v.Timeout)
	if err != nil {
		return Aggregates{}, err
	}
	if len(res.Rows) != 1 || len(res.Rows[0]) < 5 {
		return Aggregates{}, fmt.Errorf("aggregate returned %d rows, want 1 row of 5 columns", len(res.Rows))
	}
	return parseAggregates(res.Rows[0])
}

// parseAggregates reads (rows, distinct_ids, min_key, max_key, max_version).
// Engines return epoch or NULL min/max for empty input; both are dropped.
func parseAggregates(row []any) (Aggregates, error) {
	var agg Aggregates
	var err error
	if agg.Rows, err = pool.Int64(row[0]); err != nil {
		return agg, fmt.Errorf("rows: %w", err)
	}
	if agg.DistinctIDs, err = pool.Int64(row[1]); err != nil {
		return agg, fmt.Errorf("distinct_ids: %w", err)
	}
	if agg.Rows == 0 {
		return agg, nil
	}
	for i, dst := range []**time.Time{&agg.MinKey, &agg.MaxKey} {
		t, err := pool.Time(row[2+i])
		if err != nil {
			return agg, fmt.Errorf("partition key bound: %w", err)
		}
		if !t.IsZero() {
			*dst = &t
		}
	}
	if agg.MaxVersion, err = pool.Int64(row[4]); err != nil {
		return agg, fmt.Errorf("max_version: %w", err)
	}
	return agg, nil
}

// shards fills the per-shard distribution. Failures only add a warning: the
// verdict does not depend on placement.
func (v *Verifier) shards(ctx context.Context, t driver.Table, r *Report) {
	stmt, ok := v.Destination.ShardDistributionStatement(t, v.Cluster)
	if !ok {
		return
	}
	res, err := v.Exec.Execute(ctx, pool.Destination, stmt, v.Timeout)
	if err != nil {
		r.warnf("shard distribution unavailable: %v", err)
		return
	}
	for _, row := range res.Rows {
		if len(row) < 3 {
			continue
		}
		shard, _ := pool.Int64(row[0])
		rows, _ := pool.Int64(row[1])
		bytes, _ := pool.Int64(row[2])
		r.Shards = append(r.Shards, ShardStat{Shard: int(shard), Rows: rows, Bytes: bytes})
	}
	r.SkewRatio = Skew(r.Shards)
	if v.SkewThreshold > 0 && r.SkewRatio > v.SkewThreshold {
		r.warnf("shard skew %.2f exceeds threshold %.2f", r.SkewRatio, v.SkewThreshold)
	}
}

// Skew is the largest shard's row count over the mean. Zero when there is
// nothing to compare.
func Skew(shards []ShardStat) float64 {
	if len(shards) == 0 {
		return 0
	}
	var total, largest int64
	for _, s := range shards {
		total += s.Rows
		if s.Rows > largest {
			largest = s.Rows
		}
	}
	if total == 0 {
		return 0
	}
	mean := float64(total) / float64(len(shards))
	return float64(largest) / mean
}
