package checkpoint

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/johndauphine/shard-migrate/internal/plan"
	"github.com/johndauphine/shard-migrate/internal/transfer"
)

func TestFileState_ReloadFromDisk(t *testing.T) {
	stateFile := filepath.Join(t.TempDir(), "nested", "state.yaml")

	fs, err := NewFileState(stateFile)
	if err != nil {
		t.Fatalf("NewFileState: %v", err)
	}
	if err := fs.CreateRun(testRun("abc")); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	u := transfer.NewUnit("visits", plan.Window{Start: day(2024, 1, 1), End: day(2024, 2, 1)})
	u.Begin()
	u.Succeed(7)
	if err := fs.SaveUnit("abc", u); err != nil {
		t.Fatalf("SaveUnit: %v", err)
	}
	if err := fs.SaveTable("abc", TableState{Table: "visits", Phase: Transferred}); err != nil {
		t.Fatalf("SaveTable: %v", err)
	}

	data, err := os.ReadFile(stateFile)
	if err != nil {
		t.Fatalf("reading state file: %v", err)
	}
	for _, want := range []string{"run_id: abc", "attempt_count: 1", "phase: transferred"} {
		if !strings.Contains(string(data), want) {
			t.Errorf("state file missing %q:\n%s", want, data)
		}
	}

	reloaded, err := NewFileState(stateFile)
	if err != nil {
		t.Fatalf("NewFileState(reload): %v", err)
	}
	units, err := reloaded.GetUnits("abc", "visits")
	if err != nil || len(units) != 1 {
		t.Fatalf("GetUnits after reload = %v, %v", units, err)
	}
	if units[0].State != transfer.Succeeded || units[0].RowsAffected != 7 {
		t.Errorf("reloaded unit = %+v", units[0])
	}
	if !units[0].Window.Start.Equal(day(2024, 1, 1)) {
		t.Errorf("window start = %s", units[0].Window.Start)
	}
}

func TestFileState_RunMismatch(t *testing.T) {
	fs, err := NewFileState(filepath.Join(t.TempDir(), "state.yaml"))
	if err != nil {
		t.Fatalf("NewFileState: %v", err)
	}
	if err := fs.CreateRun(testRun("one")); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if err := fs.CompleteRun("two", RunSuccess, ""); err == nil {
		t.Error("expected run ID mismatch error")
	}
	if run, _ := fs.GetRun("two"); run != nil {
		t.Errorf("GetRun(other) = %+v, want nil", run)
	}
}

func TestFileState_CancelledIsResumable(t *testing.T) {
	fs, err := NewFileState(filepath.Join(t.TempDir(), "state.yaml"))
	if err != nil {
		t.Fatalf("NewFileState: %v", err)
	}
	if err := fs.CreateRun(testRun("c1")); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if err := fs.CompleteRun("c1", RunCancelled, "interrupted"); err != nil {
		t.Fatalf("CompleteRun: %v", err)
	}
	run, err := fs.GetLastIncompleteRun()
	if err != nil || run == nil || run.Status != RunCancelled {
		t.Errorf("GetLastIncompleteRun() = %+v, %v", run, err)
	}
}
