package checkpoint

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/johndauphine/shard-migrate/internal/plan"
	"github.com/johndauphine/shard-migrate/internal/transfer"
)

// FileState implements StateBackend using a single YAML file holding one run.
// Designed for schedulers and headless environments where SQLite is impractical.
type FileState struct {
	path  string
	mu    sync.RWMutex
	state *fileStateData
}

// fileStateData is the YAML structure for the state file.
type fileStateData struct {
	RunID       string                `yaml:"run_id"`
	StartedAt   time.Time             `yaml:"started_at"`
	CompletedAt *time.Time            `yaml:"completed_at,omitempty"`
	Status      string                `yaml:"status"`
	Error       string                `yaml:"error,omitempty"`
	Start       time.Time             `yaml:"range_start"`
	End         time.Time             `yaml:"range_end"`
	Granularity string                `yaml:"granularity"`
	Tables      []string              `yaml:"tables"`
	ConfigHash  string                `yaml:"config_hash,omitempty"`
	TableStates map[string]*fileTable `yaml:"table_states"`
}

type fileTable struct {
	Phase    Phase               `yaml:"phase"`
	Blocked  bool                `yaml:"blocked,omitempty"`
	Error    string              `yaml:"error,omitempty"`
	Attempts int                 `yaml:"attempts,omitempty"`
	Updated  time.Time           `yaml:"updated_at"`
	Units    map[string]fileUnit `yaml:"units,omitempty"`
	Report   string              `yaml:"report,omitempty"`
}

// fileUnit is keyed by "<window_start>/<window_end>" within its table.
type fileUnit struct {
	Start        time.Time `yaml:"window_start"`
	End          time.Time `yaml:"window_end"`
	State        string    `yaml:"state"`
	Attempts     int       `yaml:"attempt_count"`
	LastError    string    `yaml:"last_error,omitempty"`
	RowsAffected int64     `yaml:"rows_affected,omitempty"`
	Updated      time.Time `yaml:"updated_at"`
}

// NewFileState creates a file-based state manager.
// If the file exists, it loads the existing state.
func NewFileState(path string) (*FileState, error) {
	fs := &FileState{
		path:  path,
		state: &fileStateData{TableStates: make(map[string]*fileTable)},
	}

	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading state file: %w", err)
		}
		if err := yaml.Unmarshal(data, fs.state); err != nil {
			return nil, fmt.Errorf("parsing state file: %w", err)
		}
		if fs.state.TableStates == nil {
			fs.state.TableStates = make(map[string]*fileTable)
		}
	}

	return fs, nil
}

// save writes the state through a temp file so a crash never leaves a torn file.
func (fs *FileState) save() error {
	data, err := yaml.Marshal(fs.state)
	if err != nil {
		return fmt.Errorf("marshaling state: %w", err)
	}
	if dir := filepath.Dir(fs.path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating state dir: %w", err)
		}
	}
	tmp := fs.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("writing state file: %w", err)
	}
	if err := os.Rename(tmp, fs.path); err != nil {
		return fmt.Errorf("writing state file: %w", err)
	}
	return nil
}

func (fs *FileState) run() *Run {
	return &Run{
		ID:          fs.state.RunID,
		StartedAt:   fs.state.StartedAt,
		CompletedAt: fs.state.CompletedAt,
		Status:      fs.state.Status,
		Error:       fs.state.Error,
		Start:       fs.state.Start,
		End:         fs.state.End,
		Granularity: fs.state.Granularity,
		Tables:      append([]string(nil), fs.state.Tables...),
		ConfigHash:  fs.state.ConfigHash,
	}
}

func (fs *FileState) checkRun(runID string) error {
	if fs.state.RunID != runID {
		return fmt.Errorf("run ID mismatch: state file holds %q, got %q", fs.state.RunID, runID)
	}
	return nil
}

func (fs *FileState) table(name string) *fileTable {
	ft, ok := fs.state.TableStates[name]
	if !ok {
		ft = &fileTable{Phase: NotStarted}
		fs.state.TableStates[name] = ft
	}
	return ft
}

// CreateRun replaces whatever run the file held with a new one.
func (fs *FileState) CreateRun(run *Run) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	if run.Status == "" {
		run.Status = RunRunning
	}
	fs.state = &fileStateData{
		RunID:       run.ID,
		StartedAt:   run.StartedAt,
		Status:      run.Status,
		Start:       run.Start.UTC(),
		End:         run.End.UTC(),
		Granularity: run.Granularity,
		Tables:      append([]string(nil), run.Tables...),
		ConfigHash:  run.ConfigHash,
		TableStates: make(map[string]*fileTable),
	}
	return fs.save()
}

// CompleteRun marks the run as finished.
func (fs *FileState) CompleteRun(id string, status string, errorMsg string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if err := fs.checkRun(id); err != nil {
		return err
	}
	now := time.Now().UTC()
	fs.state.Status = status
	fs.state.CompletedAt = &now
	fs.state.Error = errorMsg
	return fs.save()
}

// ReopenRun sets the run back to running for resume.
func (fs *FileState) ReopenRun(id string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if err := fs.checkRun(id); err != nil {
		return err
	}
	fs.state.Status = RunRunning
	fs.state.CompletedAt = nil
	fs.state.Error = ""
	return fs.save()
}

// GetRun returns the run if it matches.
func (fs *FileState) GetRun(id string) (*Run, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	if fs.state.RunID == "" || fs.state.RunID != id {
		return nil, nil
	}
	return fs.run(), nil
}

// GetLastIncompleteRun returns the current run if it can be resumed.
func (fs *FileState) GetLastIncompleteRun() (*Run, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	switch fs.state.Status {
	case RunRunning, RunCancelled, RunBlocked:
		if fs.state.RunID != "" {
			return fs.run(), nil
		}
	}
	return nil, nil
}

// GetAllRuns returns the current run only; file state keeps no history.
func (fs *FileState) GetAllRuns() ([]Run, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	if fs.state.RunID == "" {
		return nil, nil
	}
	return []Run{*fs.run()}, nil
}

func unitKey(w plan.Window) string {
	return w.Start.UTC().Format(time.RFC3339) + "/" + w.End.UTC().Format(time.RFC3339)
}

// SaveUnit upserts a unit under its table.
func (fs *FileState) SaveUnit(runID string, u *transfer.Unit) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if err := fs.checkRun(runID); err != nil {
		return err
	}
	ft := fs.table(u.Table)
	if ft.Units == nil {
		ft.Units = make(map[string]fileUnit)
	}
	ft.Units[unitKey(u.Window)] = fileUnit{
		Start:        u.Window.Start.UTC(),
		End:          u.Window.End.UTC(),
		State:        string(u.State),
		Attempts:     u.Attempts,
		LastError:    u.LastError,
		RowsAffected: u.RowsAffected,
		Updated:      time.Now().UTC(),
	}
	return fs.save()
}

// GetUnits returns the units of a table (or all tables) ordered by window.
func (fs *FileState) GetUnits(runID, table string) ([]*transfer.Unit, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	if fs.state.RunID != runID {
		return nil, nil
	}
	var units []*transfer.Unit
	for name, ft := range fs.state.TableStates {
		if table != "" && name != table {
			continue
		}
		for _, fu := range ft.Units {
			state, err := transfer.ParseState(fu.State)
			if err != nil {
				return nil, err
			}
			units = append(units, &transfer.Unit{
				Table:        name,
				Window:       plan.Window{Start: fu.Start, End: fu.End},
				State:        state,
				Attempts:     fu.Attempts,
				LastError:    fu.LastError,
				RowsAffected: fu.RowsAffected,
				UpdatedAt:    fu.Updated,
			})
		}
	}
	sort.Slice(units, func(i, j int) bool {
		if units[i].Table != units[j].Table {
			return units[i].Table < units[j].Table
		}
		return units[i].Window.Start.Before(units[j].Window.Start)
	})
	return units, nil
}

// SaveTable records a table's phase.
func (fs *FileState) SaveTable(runID string, ts TableState) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if err := fs.checkRun(runID); err != nil {
		return err
	}
	ft := fs.table(ts.Table)
	ft.Phase = ts.Phase
	ft.Blocked = ts.Blocked
	ft.Error = ts.Error
	ft.Attempts = ts.Attempts
	ft.Updated = time.Now().UTC()
	return fs.save()
}

// GetTables returns the table phases of the run.
func (fs *FileState) GetTables(runID string) (map[string]TableState, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	tables := make(map[string]TableState)
	if fs.state.RunID != runID {
		return tables, nil
	}
	for name, ft := range fs.state.TableStates {
		tables[name] = TableState{
			Table:     name,
			Phase:     ft.Phase,
			Blocked:   ft.Blocked,
			Error:     ft.Error,
			Attempts:  ft.Attempts,
			UpdatedAt: ft.Updated,
		}
	}
	return tables, nil
}

// SaveReport stores a table's verification report.
func (fs *FileState) SaveReport(runID, table string, report []byte) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if err := fs.checkRun(runID); err != nil {
		return err
	}
	fs.table(table).Report = string(report)
	return fs.save()
}

// GetReports returns verification reports by table.
func (fs *FileState) GetReports(runID string) (map[string][]byte, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	reports := make(map[string][]byte)
	if fs.state.RunID != runID {
		return reports, nil
	}
	for name, ft := range fs.state.TableStates {
		if ft.Report != "" {
			reports[name] = []byte(ft.Report)
		}
	}
	return reports, nil
}

// Close is a no-op for file state.
func (fs *FileState) Close() error {
	return nil
}

// Path returns the state file path.
func (fs *FileState) Path() string {
	return fs.path
}

// Ensure FileState implements StateBackend
var _ StateBackend = (*FileState)(nil)
