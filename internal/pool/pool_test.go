package pool

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/johndauphine/shard-migrate/internal/config"
	"github.com/johndauphine/shard-migrate/internal/driver"
)

func openSQLite(t *testing.T) *Pool {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{
		Source:      config.DatabaseConfig{Type: "sqlite", Path: filepath.Join(dir, "src.db"), MaxConnections: 1},
		Destination: config.DatabaseConfig{Type: "sqlite", Path: filepath.Join(dir, "dst.db"), MaxConnections: 1},
		Migration:   config.MigrationConfig{Workers: 2},
	}
	p, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

func TestExecuteRoundTrip(t *testing.T) {
	p := openSQLite(t)
	ctx := context.Background()

	if err := p.Ping(ctx); err != nil {
		t.Fatalf("Ping() error: %v", err)
	}

	exec := func(text string, args ...any) *Result {
		t.Helper()
		res, err := p.Execute(ctx, Destination, driver.Statement{Text: text, Args: args}, time.Second)
		if err != nil {
			t.Fatalf("Execute(%q) error: %v", text, err)
		}
		return res
	}
	exec(`CREATE TABLE t (id INTEGER, d TEXT)`)
	res := exec(`INSERT INTO t VALUES (?, ?), (?, ?)`, 1, "2024-01-01", 2, "2024-01-02")
	if res.RowsAffected != 2 {
		t.Errorf("RowsAffected = %d, want 2", res.RowsAffected)
	}

	res, err := p.Execute(ctx, Destination, driver.Statement{Text: `SELECT COUNT(*), MAX(d) FROM t`, ReturnsRows: true}, time.Second)
	if err != nil {
		t.Fatalf("query error: %v", err)
	}
	if len(res.Rows) != 1 || len(res.Columns) != 2 {
		t.Fatalf("unexpected result shape: %+v", res)
	}
	n, err := Int64(res.Rows[0][0])
	if err != nil || n != 2 {
		t.Errorf("count = %d (%v), want 2", n, err)
	}
	ts, err := Time(res.Rows[0][1])
	if err != nil || ts.Day() != 2 {
		t.Errorf("max(d) = %v (%v)", ts, err)
	}
}

func TestExecuteClassifiesErrors(t *testing.T) {
	p := openSQLite(t)
	_, err := p.Execute(context.Background(), Destination, driver.Statement{Text: `SELECT * FROM missing_table`, ReturnsRows: true}, time.Second)
	if err == nil {
		t.Fatal("expected error")
	}
	var perr *Error
	if !errors.As(err, &perr) {
		t.Fatalf("expected *Error, got %T", err)
	}
	if perr.Kind != driver.Fatal || perr.Conn != Destination {
		t.Errorf("got kind=%s conn=%s", perr.Kind, perr.Conn)
	}

	_, err = p.Execute(context.Background(), "replica", driver.Statement{Text: "SELECT 1"}, 0)
	if err == nil || IsTransient(err) {
		t.Errorf("unknown connection should be a fatal error, got %v", err)
	}
}

func TestKindOf(t *testing.T) {
	if !IsTransient(context.DeadlineExceeded) {
		t.Error("deadline should be transient")
	}
	if IsTransient(errors.New("boom")) {
		t.Error("plain error should be fatal")
	}
	if !IsNoop(NewError(Destination, driver.Noop, errors.New("nothing to merge"))) {
		t.Error("expected noop")
	}
}

func TestValueConversions(t *testing.T) {
	intCases := []struct {
		in   any
		want int64
	}{
		{nil, 0},
		{int64(7), 7},
		{uint64(9), 9},
		{[]byte("42"), 42},
		{"3.0", 3},
		{float64(5), 5},
	}
	for _, tc := range intCases {
		got, err := Int64(tc.in)
		if err != nil || got != tc.want {
			t.Errorf("Int64(%v) = %d, %v; want %d", tc.in, got, err, tc.want)
		}
	}
	if _, err := Int64(struct{}{}); err == nil {
		t.Error("expected error for struct")
	}

	tm, err := Time("2024-02-29 13:00:00")
	if err != nil || tm.Hour() != 13 {
		t.Errorf("Time() = %v, %v", tm, err)
	}
	if tm, _ := Time(nil); !tm.IsZero() {
		t.Error("NULL should be zero time")
	}
}
