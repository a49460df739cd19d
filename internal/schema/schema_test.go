package schema

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/johndauphine/shard-migrate/internal/driver"
	"github.com/johndauphine/shard-migrate/internal/pool"
)

func TestSplit(t *testing.T) {
	tests := []struct {
		name   string
		script string
		want   []string
	}{
		{
			name:   "simple",
			script: "CREATE DATABASE a; CREATE TABLE a.t (x Int32);",
			want:   []string{"CREATE DATABASE a", "CREATE TABLE a.t (x Int32)"},
		},
		{
			name:   "semicolon in string",
			script: "INSERT INTO t VALUES ('a;b'); SELECT 1",
			want:   []string{"INSERT INTO t VALUES ('a;b')", "SELECT 1"},
		},
		{
			name:   "escaped quote",
			script: `SELECT 'it''s; fine'; SELECT 'a\';b'`,
			want:   []string{`SELECT 'it''s; fine'`, `SELECT 'a\';b'`},
		},
		{
			name:   "comments",
			script: "-- setup; ignored\nCREATE TABLE t (x Int32) /* a; b */;\n-- trailing only\n",
			want:   []string{"-- setup; ignored\nCREATE TABLE t (x Int32) /* a; b */"},
		},
		{
			name:   "dollar quoted body",
			script: "CREATE FUNCTION f() RETURNS int AS $$ SELECT 1; $$ LANGUAGE sql; SELECT 2",
			want:   []string{"CREATE FUNCTION f() RETURNS int AS $$ SELECT 1; $$ LANGUAGE sql", "SELECT 2"},
		},
		{
			name:   "positional parameter is not a tag",
			script: "SELECT $1; SELECT 2",
			want:   []string{"SELECT $1", "SELECT 2"},
		},
		{
			name:   "empty",
			script: " ;; \n",
			want:   nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Split(tt.script)
			if len(got) != len(tt.want) {
				t.Fatalf("Split() = %q, want %q", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("statement %d = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

type recordingExec struct {
	stmts []string
}

func (r *recordingExec) Execute(ctx context.Context, conn string, stmt driver.Statement, timeout time.Duration) (*pool.Result, error) {
	r.stmts = append(r.stmts, stmt.Text)
	return &pool.Result{}, nil
}

func TestSQLFilesProvision(t *testing.T) {
	dir := t.TempDir()
	shared := filepath.Join(dir, "shared.sql")
	tableFile := filepath.Join(dir, "medical_services.sql")
	if err := os.WriteFile(shared, []byte("CREATE DATABASE IF NOT EXISTS outpatient ON CLUSTER '${cluster}';"), 0644); err != nil {
		t.Fatalf("write shared: %v", err)
	}
	if err := os.WriteFile(tableFile, []byte("CREATE TABLE a (x Int32);\nCREATE TABLE b (x Int32);"), 0644); err != nil {
		t.Fatalf("write table file: %v", err)
	}

	exec := &recordingExec{}
	p := &SQLFiles{
		Exec:    exec,
		Shared:  []string{shared},
		Tables:  map[string]string{"medical_services": tableFile},
		Timeout: time.Minute,
		Vars:    map[string]string{"cluster": "dwh_sharded_cluster"},
	}

	ctx := context.Background()
	if err := p.Provision(ctx, "medical_services"); err != nil {
		t.Fatalf("Provision() error: %v", err)
	}
	if err := p.Provision(ctx, "lab_results"); err != nil {
		t.Fatalf("Provision(no file) error: %v", err)
	}

	if len(exec.stmts) != 3 {
		t.Fatalf("executed %d statements, want 3: %q", len(exec.stmts), exec.stmts)
	}
	if !strings.Contains(exec.stmts[0], "ON CLUSTER 'dwh_sharded_cluster'") {
		t.Errorf("vars not substituted: %q", exec.stmts[0])
	}
}

func TestSQLFilesMissingFile(t *testing.T) {
	p := &SQLFiles{
		Exec:   &recordingExec{},
		Tables: map[string]string{"t": filepath.Join(t.TempDir(), "missing.sql")},
	}
	err := p.Provision(context.Background(), "t")
	if err == nil || !strings.Contains(err.Error(), "reading schema file") {
		t.Fatalf("expected read error, got %v", err)
	}
}
