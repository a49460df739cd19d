// Package transfer models a migration unit (one table, one window) and runs
// its transfer statement with bounded, backed-off retries.
package transfer

import (
	"fmt"
	"iter"
	"time"

	"github.com/johndauphine/shard-migrate/internal/plan"
)

// State is the lifecycle state of a unit.
type State string

const (
	Pending   State = "pending"
	Running   State = "running"
	Succeeded State = "succeeded"
	Failed    State = "failed"
)

// ParseState converts a persisted state string.
func ParseState(s string) (State, error) {
	switch st := State(s); st {
	case Pending, Running, Succeeded, Failed:
		return st, nil
	default:
		return "", fmt.Errorf("unknown unit state %q", s)
	}
}

// Unit is one table's half-open window. A unit is owned by exactly one
// worker while Running.
type Unit struct {
	Table        string
	Window       plan.Window
	State        State
	Attempts     int
	LastError    string
	RowsAffected int64
	UpdatedAt    time.Time
}

// NewUnit returns a pending unit.
func NewUnit(table string, w plan.Window) *Unit {
	return &Unit{Table: table, Window: w, State: Pending}
}

// Units yields a fresh pending unit per window of p.
func Units(p *plan.Plan) iter.Seq[*Unit] {
	return func(yield func(*Unit) bool) {
		for w := range p.Windows() {
			if !yield(NewUnit(p.Table, w)) {
				return
			}
		}
	}
}

// Key identifies a unit across runs: table/start/end.
func (u *Unit) Key() string {
	return Key(u.Table, u.Window)
}

// Key builds the unit key for a table and window.
func Key(table string, w plan.Window) string {
	aligned := w.DateAligned()
	return fmt.Sprintf("%s/%s/%s", table, plan.FormatBound(w.Start, aligned), plan.FormatBound(w.End, aligned))
}

// Begin moves a pending (or previously failed) unit to running and counts the attempt.
func (u *Unit) Begin() error {
	switch u.State {
	case Pending, Failed, Running:
	default:
		return fmt.Errorf("unit %s: cannot start from %s", u.Key(), u.State)
	}
	u.State = Running
	u.Attempts++
	u.UpdatedAt = time.Now()
	return nil
}

// Succeed records a successful attempt.
func (u *Unit) Succeed(rows int64) {
	u.State = Succeeded
	u.RowsAffected = rows
	u.LastError = ""
	u.UpdatedAt = time.Now()
}

// Fail records a terminal failure.
func (u *Unit) Fail(reason string) {
	u.State = Failed
	u.LastError = reason
	u.UpdatedAt = time.Now()
}

// Interrupt returns a running unit to pending so a resumed run picks it up.
func (u *Unit) Interrupt(reason string) {
	u.State = Pending
	u.LastError = reason
	u.UpdatedAt = time.Now()
}

// Reset prepares a unit for a new run: failed units become pending with a
// fresh attempt budget. Succeeded units are left untouched.
func (u *Unit) Reset() {
	if u.State == Succeeded {
		return
	}
	u.State = Pending
	u.Attempts = 0
}

// Done reports whether the unit needs no more work.
func (u *Unit) Done() bool {
	return u.State == Succeeded
}
