// Package compaction triggers the destination's highest-version-wins merge
// for a table once all of its units have been transferred.
package compaction

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/johndauphine/shard-migrate/internal/driver"
	"github.com/johndauphine/shard-migrate/internal/logging"
	"github.com/johndauphine/shard-migrate/internal/pool"
	"github.com/johndauphine/shard-migrate/internal/transfer"
)

// CompactionError is returned when the merge could not be completed.
type CompactionError struct {
	Table    string
	Attempts int
	Err      error
}

func (e *CompactionError) Error() string {
	return fmt.Sprintf("compaction of %s failed after %d attempt(s): %v", e.Table, e.Attempts, e.Err)
}

func (e *CompactionError) Unwrap() error { return e.Err }

// ExitCode reports a blocked table.
func (e *CompactionError) ExitCode() int { return 3 }

// Result describes a completed compaction.
type Result struct {
	Table    string
	Attempts int
	Noop     bool // the engine had nothing to merge
	Elapsed  time.Duration
}

// Coordinator issues one merge statement per table with phase-level retries.
type Coordinator struct {
	Exec    pool.QueryExecutor
	Dialect driver.Dialect
	Cluster string
	Policy  transfer.RetryPolicy
	Timeout time.Duration

	// Sleep waits between attempts; tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Statement returns the merge statement for t, for dry runs and DAG export.
func (c *Coordinator) Statement(t driver.Table) driver.Statement {
	return c.Dialect.CompactStatement(t, c.Cluster)
}

// Compact merges t. A "nothing to merge" outcome counts as success.
// The merge is idempotent, so every failure is retried up to
// Policy.MaxAttempts before a *CompactionError is returned.
func (c *Coordinator) Compact(ctx context.Context, t driver.Table) (*Result, error) {
	stmt := c.Statement(t)
	log := logging.With("table", t.Name).With("phase", "compaction")
	start := time.Now()

	sleep := c.Sleep
	if sleep == nil {
		sleep = transfer.Sleep
	}

	for attempt := 1; ; attempt++ {
		log.Debug("attempt %d: %s", attempt, stmt)
		_, err := c.Exec.Execute(ctx, pool.Destination, stmt, c.Timeout)
		switch {
		case err == nil:
			log.Info("compacted %s in %s", t.Compact, time.Since(start).Round(time.Millisecond))
			return &Result{Table: t.Name, Attempts: attempt, Elapsed: time.Since(start)}, nil
		case pool.IsNoop(err):
			log.Info("nothing to merge for %s", t.Compact)
			return &Result{Table: t.Name, Attempts: attempt, Noop: true, Elapsed: time.Since(start)}, nil
		case errors.Is(err, context.Canceled) || ctx.Err() != nil:
			return nil, &CompactionError{Table: t.Name, Attempts: attempt, Err: ctx.Err()}
		case c.Policy.Exhausted(attempt):
			log.Error("compaction failed: %v", err)
			return nil, &CompactionError{Table: t.Name, Attempts: attempt, Err: err}
		}

		delay := c.Policy.Delay(attempt)
		log.Warn("attempt %d failed, retrying in %s: %v", attempt, delay.Round(time.Millisecond), err)
		if err := sleep(ctx, delay); err != nil {
			return nil, &CompactionError{Table: t.Name, Attempts: attempt, Err: err}
		}
	}
}
