package transfer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/johndauphine/shard-migrate/internal/driver"
	"github.com/johndauphine/shard-migrate/internal/logging"
	"github.com/johndauphine/shard-migrate/internal/pool"
)

// Observer is notified of unit transitions. The orchestrator persists state
// from these hooks, so they are called synchronously.
type Observer interface {
	UnitStarted(u *Unit)
	UnitRetrying(u *Unit, delay time.Duration, err error)
	UnitFinished(u *Unit, err error)
}

// Runner executes units against the destination connection.
type Runner struct {
	Exec    pool.QueryExecutor
	Dialect driver.Dialect
	Policy  RetryPolicy
	Timeout time.Duration

	// Observer is optional.
	Observer Observer

	// Sleep waits between attempts; tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Run drives u until it succeeds, fails terminally or the run is cancelled.
//
// Statements run on a context detached from ctx so a statement already sent
// to the engine is not torn down mid-insert. Once ctx is cancelled the unit
// gets at most one more attempt; if that also fails it goes back to Pending
// for a later resume.
func (r *Runner) Run(ctx context.Context, t driver.Table, u *Unit) error {
	if u.Done() {
		return nil
	}
	execCtx := context.WithoutCancel(ctx)
	stmt := Render(r.Dialect, t, u)
	log := logging.With("table", u.Table).With("window", u.Window.String())

	postCancel := false
	for {
		if err := u.Begin(); err != nil {
			return err
		}
		r.started(u)
		log.Debug("attempt %d: %s", u.Attempts, stmt)

		rows, err := Execute(execCtx, r.Exec, u, stmt, r.Timeout)
		if err == nil {
			u.Succeed(rows)
			log.Info("transferred %d rows in %d attempt(s)", rows, u.Attempts)
			r.finished(u, nil)
			return nil
		}

		var transient *TransientExecutionError
		if !errors.As(err, &transient) {
			u.Fail(err.Error())
			log.Error("unit failed: %v", err)
			r.finished(u, err)
			return err
		}
		if r.Policy.Exhausted(u.Attempts) {
			err = fmt.Errorf("%w (gave up after %d attempts)", err, u.Attempts)
			u.Fail(err.Error())
			log.Error("unit failed: %v", err)
			r.finished(u, err)
			return err
		}
		if postCancel {
			u.Interrupt(err.Error())
			log.Warn("run cancelled; unit left pending: %v", err)
			r.finished(u, ctx.Err())
			return ctx.Err()
		}

		if ctx.Err() != nil {
			// Retry once more right away, without backoff.
			postCancel = true
			r.retrying(u, 0, err)
			continue
		}

		delay := r.Policy.Delay(u.Attempts)
		log.Warn("attempt %d failed, retrying in %s: %v", u.Attempts, delay.Round(time.Millisecond), err)
		r.retrying(u, delay, err)
		if serr := r.sleep(ctx, delay); serr != nil {
			postCancel = true
		}
	}
}

func (r *Runner) sleep(ctx context.Context, d time.Duration) error {
	if r.Sleep != nil {
		return r.Sleep(ctx, d)
	}
	return Sleep(ctx, d)
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (r *Runner) started(u *Unit) {
	if r.Observer != nil {
		r.Observer.UnitStarted(u)
	}
}

func (r *Runner) retrying(u *Unit, d time.Duration, err error) {
	if r.Observer != nil {
		r.Observer.UnitRetrying(u, d, err)
	}
}

func (r *Runner) finished(u *Unit, err error) {
	if r.Observer != nil {
		r.Observer.UnitFinished(u, err)
	}
}
