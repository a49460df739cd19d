package transfer

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/johndauphine/shard-migrate/internal/driver"
	"github.com/johndauphine/shard-migrate/internal/driver/sqlite"
	"github.com/johndauphine/shard-migrate/internal/plan"
	"github.com/johndauphine/shard-migrate/internal/pool"
)

// scriptedExec returns the scripted errors in order, then succeeds.
type scriptedExec struct {
	mu     sync.Mutex
	errs   []error
	calls  int
	stmts  []driver.Statement
	onCall func(n int)
}

func (s *scriptedExec) Execute(ctx context.Context, conn string, stmt driver.Statement, timeout time.Duration) (*pool.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.stmts = append(s.stmts, stmt)
	if s.onCall != nil {
		s.onCall(s.calls)
	}
	if conn != pool.Destination {
		return nil, errors.New("transfer must run on the destination")
	}
	if s.calls <= len(s.errs) && s.errs[s.calls-1] != nil {
		return nil, s.errs[s.calls-1]
	}
	return &pool.Result{RowsAffected: 42}, nil
}

func transient() error {
	return pool.NewError(pool.Destination, driver.Transient, errors.New("code: 209, socket timeout"))
}

func fatal() error {
	return pool.NewError(pool.Destination, driver.Fatal, errors.New("code: 60, unknown table"))
}

type recorder struct {
	started, retried, finished int
	delays                     []time.Duration
}

func (r *recorder) UnitStarted(*Unit) { r.started++ }
func (r *recorder) UnitRetrying(_ *Unit, d time.Duration, _ error) {
	r.retried++
	r.delays = append(r.delays, d)
}
func (r *recorder) UnitFinished(*Unit, error) { r.finished++ }

func testTable() driver.Table {
	return driver.Table{
		Name: "visits", Target: "visits", PartitionKey: "visit_date", DateKey: true,
		IDColumn: "id", VersionColumn: "version", Columns: []string{"id", "version", "visit_date"},
		Source: driver.Source{Table: "visits"},
	}
}

func testUnit() *Unit {
	return NewUnit("visits", plan.Window{
		Start: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC),
	})
}

func newRunner(exec pool.QueryExecutor, obs Observer) *Runner {
	return &Runner{
		Exec:     exec,
		Dialect:  &sqlite.Dialect{},
		Policy:   RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Second, MaxBackoff: time.Minute, Multiplier: 2},
		Timeout:  time.Minute,
		Observer: obs,
		Sleep:    func(ctx context.Context, d time.Duration) error { return ctx.Err() },
	}
}

func TestUnitKey(t *testing.T) {
	u := testUnit()
	if got := u.Key(); got != "visits/2024-01-01/2024-02-01" {
		t.Errorf("Key() = %q", got)
	}
	hourly := NewUnit("events", plan.Window{
		Start: time.Date(2024, 1, 1, 1, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 1, 1, 2, 0, 0, 0, time.UTC),
	})
	if got := hourly.Key(); !strings.Contains(got, "01:00:00") {
		t.Errorf("Key() for hourly window = %q, want time component", got)
	}
}

func TestUnitsFromPlan(t *testing.T) {
	p, err := plan.New("visits",
		time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC), plan.Monthly)
	if err != nil {
		t.Fatalf("plan.New() error: %v", err)
	}
	var n int
	for u := range Units(p) {
		if u.State != Pending || u.Attempts != 0 || u.Table != "visits" {
			t.Errorf("unexpected unit %+v", u)
		}
		n++
	}
	if n != 3 {
		t.Errorf("got %d units, want 3", n)
	}
}

func TestRunSucceedsFirstAttempt(t *testing.T) {
	exec := &scriptedExec{}
	rec := &recorder{}
	u := testUnit()

	if err := newRunner(exec, rec).Run(context.Background(), testTable(), u); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if u.State != Succeeded || u.Attempts != 1 || u.RowsAffected != 42 {
		t.Errorf("unit = %+v", u)
	}
	if rec.started != 1 || rec.finished != 1 || rec.retried != 0 {
		t.Errorf("observer = %+v", rec)
	}
	args := exec.stmts[0].Args
	if len(args) != 2 || args[0] != "2024-01-01" || args[1] != "2024-02-01" {
		t.Errorf("bounds = %v", args)
	}
}

func TestRunRetriesTransient(t *testing.T) {
	exec := &scriptedExec{errs: []error{transient(), transient()}}
	rec := &recorder{}
	u := testUnit()

	if err := newRunner(exec, rec).Run(context.Background(), testTable(), u); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if u.State != Succeeded || u.Attempts != 3 {
		t.Errorf("state=%s attempts=%d, want succeeded after 3", u.State, u.Attempts)
	}
	if len(rec.delays) != 2 || rec.delays[0] != time.Second || rec.delays[1] != 2*time.Second {
		t.Errorf("delays = %v, want [1s 2s]", rec.delays)
	}
}

func TestRunExhaustsAttempts(t *testing.T) {
	exec := &scriptedExec{errs: []error{transient(), transient(), transient(), transient()}}
	u := testUnit()

	err := newRunner(exec, nil).Run(context.Background(), testTable(), u)
	var te *TransientExecutionError
	if !errors.As(err, &te) {
		t.Fatalf("Run() error = %v, want TransientExecutionError", err)
	}
	if u.State != Failed || u.Attempts != 3 || exec.calls != 3 {
		t.Errorf("state=%s attempts=%d calls=%d", u.State, u.Attempts, exec.calls)
	}
	if !strings.Contains(u.LastError, "socket timeout") {
		t.Errorf("LastError = %q", u.LastError)
	}
}

func TestRunFatalStopsImmediately(t *testing.T) {
	exec := &scriptedExec{errs: []error{fatal()}}
	u := testUnit()

	err := newRunner(exec, nil).Run(context.Background(), testTable(), u)
	var fe *FatalExecutionError
	if !errors.As(err, &fe) {
		t.Fatalf("Run() error = %v, want FatalExecutionError", err)
	}
	if fe.ExitCode() != 3 {
		t.Errorf("ExitCode() = %d", fe.ExitCode())
	}
	if u.State != Failed || exec.calls != 1 {
		t.Errorf("state=%s calls=%d", u.State, exec.calls)
	}
}

func TestRunCancelledAllowsOneMoreAttempt(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	exec := &scriptedExec{
		errs: []error{transient(), transient(), transient()},
		onCall: func(n int) {
			if n == 1 {
				cancel()
			}
		},
	}
	r := newRunner(exec, nil)
	r.Policy.MaxAttempts = 5
	u := testUnit()

	err := r.Run(ctx, testTable(), u)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}
	if exec.calls != 2 {
		t.Errorf("calls = %d, want 2 (one retry after cancel)", exec.calls)
	}
	if u.State != Pending {
		t.Errorf("state = %s, want pending", u.State)
	}
}

func TestRunSkipsSucceeded(t *testing.T) {
	exec := &scriptedExec{}
	u := testUnit()
	u.Succeed(10)
	if err := newRunner(exec, nil).Run(context.Background(), testTable(), u); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if exec.calls != 0 {
		t.Errorf("succeeded unit was re-executed")
	}
}

func TestRetryPolicyDelay(t *testing.T) {
	p := RetryPolicy{InitialBackoff: time.Second, MaxBackoff: 5 * time.Second, Multiplier: 2}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second}
	for i, w := range want {
		if got := p.Delay(i + 1); got != w {
			t.Errorf("Delay(%d) = %s, want %s", i+1, got, w)
		}
	}

	p.JitterFactor = 0.5
	for i := 0; i < 50; i++ {
		d := p.Delay(1)
		if d < 500*time.Millisecond || d > 1500*time.Millisecond {
			t.Fatalf("jittered delay %s out of bounds", d)
		}
	}
}

func TestReset(t *testing.T) {
	u := testUnit()
	u.Begin()
	u.Fail("boom")
	u.Reset()
	if u.State != Pending || u.Attempts != 0 {
		t.Errorf("Reset() on failed unit = %+v", u)
	}

	u.Succeed(1)
	u.Reset()
	if u.State != Succeeded {
		t.Error("Reset() must not touch succeeded units")
	}
}

func TestParseState(t *testing.T) {
	for _, s := range []string{"pending", "running", "succeeded", "failed"} {
		if _, err := ParseState(s); err != nil {
			t.Errorf("ParseState(%q) error: %v", s, err)
		}
	}
	if _, err := ParseState("done"); err == nil {
		t.Error("expected error for unknown state")
	}
}
