package tui

import (
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/johndauphine/shard-migrate/internal/report"
	"github.com/johndauphine/shard-migrate/internal/verify"
)

type fakeSource struct {
	calls []string
	rep   *report.Run
	err   error
}

func (f *fakeSource) Snapshot(runID string) (*report.Run, error) {
	f.calls = append(f.calls, runID)
	return f.rep, f.err
}

func sampleRun() *report.Run {
	return &report.Run{
		RunID:       "ab12cd34",
		Status:      "blocked",
		Start:       time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		End:         time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC),
		Granularity: "1mo",
		Tables: []report.Table{
			{
				Name: "medical_services", Phase: "done",
				Units:        report.UnitCounts{Total: 3, Succeeded: 3},
				RowsInserted: 1200,
				Verification: &verify.Report{Verdict: verify.Consistent},
			},
			{
				Name: "visits", Phase: "transferring", Blocked: true,
				Error:        "1 of 3 units failed",
				Units:        report.UnitCounts{Total: 3, Succeeded: 2, Failed: 1},
				FailedUnits:  []report.FailedUnit{{Key: "visits/2024-02-01/2024-03-01", Attempts: 3, LastError: "timeout"}},
				RowsInserted: 40,
			},
		},
	}
}

func sized(t *testing.T, m Model) Model {
	t.Helper()
	next, _ := m.Update(tea.WindowSizeMsg{Width: 140, Height: 30})
	return next.(Model)
}

func TestSnapshotRendersTables(t *testing.T) {
	src := &fakeSource{rep: sampleRun()}
	m := sized(t, New(src, "", time.Second))

	msg := m.fetch()()
	next, cmd := m.Update(msg)
	m = next.(Model)
	if cmd == nil {
		t.Fatal("Update(SnapshotMsg) should schedule the next poll")
	}
	if m.runID != "ab12cd34" {
		t.Errorf("runID = %q, want the latest run pinned", m.runID)
	}

	body := m.body()
	for _, want := range []string{"medical_services", "3/3 (0 failed)", "transferring!", "visits blocked", "visits/2024-02-01/2024-03-01 (attempts 3)", "consistent"} {
		if !strings.Contains(body, want) {
			t.Errorf("body missing %q:\n%s", want, body)
		}
	}
	bar := m.statusBarView()
	if !strings.Contains(bar, "run ab12cd34") || !strings.Contains(bar, "5/6 units, 1240 rows") {
		t.Errorf("status bar = %q", bar)
	}
}

func TestSnapshotError(t *testing.T) {
	m := sized(t, New(&fakeSource{}, "", time.Second))
	next, _ := m.Update(SnapshotMsg{Err: errors.New("run not found: zz")})
	m = next.(Model)
	if !strings.Contains(m.body(), "run not found: zz") {
		t.Errorf("body = %q", m.body())
	}
	if !strings.Contains(m.statusBarView(), "poll failed") {
		t.Errorf("status bar = %q", m.statusBarView())
	}
}

func TestNoRuns(t *testing.T) {
	m := sized(t, New(&fakeSource{}, "", time.Second))
	next, _ := m.Update(SnapshotMsg{})
	if body := next.(Model).body(); !strings.Contains(body, "No migration runs") {
		t.Errorf("body = %q", body)
	}
}

func TestQuitKeys(t *testing.T) {
	m := New(&fakeSource{}, "", time.Second)
	for _, key := range []tea.KeyMsg{
		{Type: tea.KeyRunes, Runes: []rune("q")},
		{Type: tea.KeyCtrlC},
		{Type: tea.KeyEsc},
	} {
		_, cmd := m.Update(key)
		if cmd == nil {
			t.Fatalf("Update(%s) returned no command", key)
		}
		if _, ok := cmd().(tea.QuitMsg); !ok {
			t.Errorf("Update(%s) did not quit", key)
		}
	}
}

func TestRefreshKeyPollsPinnedRun(t *testing.T) {
	src := &fakeSource{rep: sampleRun()}
	m := New(src, "ab12cd34", time.Second)
	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("r")})
	if _, ok := cmd().(SnapshotMsg); !ok {
		t.Fatal("refresh did not poll")
	}
	if len(src.calls) != 1 || src.calls[0] != "ab12cd34" {
		t.Errorf("Snapshot calls = %v", src.calls)
	}
}

func TestBar(t *testing.T) {
	tests := []struct {
		done, total int
		filled      int
	}{
		{0, 4, 0},
		{2, 4, 4},
		{4, 4, 8},
		{0, 0, 8},
	}
	for _, tt := range tests {
		got := strings.Count(bar(tt.done, tt.total, 8), "█")
		if got != tt.filled {
			t.Errorf("bar(%d, %d) filled %d cells, want %d", tt.done, tt.total, got, tt.filled)
		}
	}
}

func TestWrapLine(t *testing.T) {
	got := wrapLine("connection reset by peer while inserting", 16)
	for _, line := range strings.Split(got, "\n") {
		if len(line) > 16 {
			t.Errorf("line %q longer than 16", line)
		}
	}
	if strings.ReplaceAll(got, "\n", " ") != "connection reset by peer while inserting" {
		t.Errorf("wrapLine() lost text: %q", got)
	}
	if wrapLine("short", 16) != "short" {
		t.Error("short line should be unchanged")
	}
}
