package checkpoint

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/johndauphine/shard-migrate/internal/plan"
	"github.com/johndauphine/shard-migrate/internal/transfer"

	_ "modernc.org/sqlite"
)

const timeLayout = time.RFC3339Nano

// State manages migration state in SQLite
type State struct {
	db *sql.DB
}

var _ StateBackend = (*State)(nil)

// New creates a new state manager in dataDir/state.db
func New(dataDir string) (*State, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}

	dbPath := filepath.Join(dataDir, "state.db")
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// Workers report unit transitions concurrently; serialize writers.
	db.SetMaxOpenConns(1)

	s := &State{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating schema: %w", err)
	}

	return s, nil
}

func (s *State) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		started_at TEXT NOT NULL,
		completed_at TEXT,
		status TEXT NOT NULL DEFAULT 'running',
		error TEXT,
		range_start TEXT NOT NULL,
		range_end TEXT NOT NULL,
		granularity TEXT NOT NULL,
		tables TEXT NOT NULL,
		config_hash TEXT
	);

	CREATE TABLE IF NOT EXISTS units (
		run_id TEXT NOT NULL REFERENCES runs(id),
		table_name TEXT NOT NULL,
		window_start TEXT NOT NULL,
		window_end TEXT NOT NULL,
		state TEXT NOT NULL DEFAULT 'pending',
		attempt_count INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		rows_affected INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT,
		PRIMARY KEY (run_id, table_name, window_start, window_end)
	);

	CREATE TABLE IF NOT EXISTS table_states (
		run_id TEXT NOT NULL REFERENCES runs(id),
		table_name TEXT NOT NULL,
		phase TEXT NOT NULL,
		blocked INTEGER NOT NULL DEFAULT 0,
		error TEXT,
		attempts INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT,
		PRIMARY KEY (run_id, table_name)
	);

	CREATE TABLE IF NOT EXISTS reports (
		run_id TEXT NOT NULL REFERENCES runs(id),
		table_name TEXT NOT NULL,
		report TEXT NOT NULL,
		created_at TEXT NOT NULL,
		PRIMARY KEY (run_id, table_name)
	);

	CREATE INDEX IF NOT EXISTS idx_units_run_state ON units(run_id, state);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *State) Close() error {
	return s.db.Close()
}

func now() string {
	return time.Now().UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

// CreateRun records a new migration run
func (s *State) CreateRun(run *Run) error {
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	if run.Status == "" {
		run.Status = RunRunning
	}
	_, err := s.db.Exec(`
		INSERT INTO runs (id, started_at, status, range_start, range_end, granularity, tables, config_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, run.ID, run.StartedAt.UTC().Format(timeLayout), run.Status,
		run.Start.UTC().Format(timeLayout), run.End.UTC().Format(timeLayout),
		run.Granularity, strings.Join(run.Tables, ","), run.ConfigHash)
	return err
}

// CompleteRun marks a run as finished with the given status
func (s *State) CompleteRun(id string, status string, errorMsg string) error {
	res, err := s.db.Exec(`
		UPDATE runs SET status = ?, error = ?, completed_at = ?
		WHERE id = ?
	`, status, errorMsg, now(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run not found: %s", id)
	}
	return nil
}

// ReopenRun sets a finished run back to running for resume
func (s *State) ReopenRun(id string) error {
	_, err := s.db.Exec(`UPDATE runs SET status = 'running', completed_at = NULL, error = NULL WHERE id = ?`, id)
	return err
}

const runColumns = `id, started_at, completed_at, status, error, range_start, range_end, granularity, tables, config_hash`

func scanRun(scan func(dest ...any) error) (*Run, error) {
	var r Run
	var startedAt, rangeStart, rangeEnd, tables string
	var completedAt, errMsg, hash sql.NullString
	if err := scan(&r.ID, &startedAt, &completedAt, &r.Status, &errMsg, &rangeStart, &rangeEnd, &r.Granularity, &tables, &hash); err != nil {
		return nil, err
	}
	r.StartedAt = parseTime(startedAt)
	if completedAt.Valid {
		t := parseTime(completedAt.String)
		r.CompletedAt = &t
	}
	r.Error = errMsg.String
	r.ConfigHash = hash.String
	r.Start = parseTime(rangeStart)
	r.End = parseTime(rangeEnd)
	if tables != "" {
		r.Tables = strings.Split(tables, ",")
	}
	return &r, nil
}

// GetRun returns a run by id, or nil if it does not exist
func (s *State) GetRun(id string) (*Run, error) {
	r, err := scanRun(s.db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id = ?`, id).Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

// GetLastIncompleteRun returns the most recent run that can be resumed:
// still running (crashed) or cancelled/blocked.
func (s *State) GetLastIncompleteRun() (*Run, error) {
	r, err := scanRun(s.db.QueryRow(`
		SELECT ` + runColumns + ` FROM runs
		WHERE status IN ('running', 'cancelled', 'blocked')
		ORDER BY started_at DESC LIMIT 1
	`).Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

// GetAllRuns returns the most recent runs for history
func (s *State) GetAllRuns() ([]Run, error) {
	rows, err := s.db.Query(`SELECT ` + runColumns + ` FROM runs ORDER BY started_at DESC LIMIT 20`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

// SaveUnit upserts the state of one unit
func (s *State) SaveUnit(runID string, u *transfer.Unit) error {
	_, err := s.db.Exec(`
		INSERT INTO units (run_id, table_name, window_start, window_end, state, attempt_count, last_error, rows_affected, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, table_name, window_start, window_end) DO UPDATE SET
			state = excluded.state,
			attempt_count = excluded.attempt_count,
			last_error = excluded.last_error,
			rows_affected = excluded.rows_affected,
			updated_at = excluded.updated_at
	`, runID, u.Table, u.Window.Start.UTC().Format(timeLayout), u.Window.End.UTC().Format(timeLayout),
		string(u.State), u.Attempts, u.LastError, u.RowsAffected, now())
	return err
}

// GetUnits returns persisted units of a run ordered by window; table "" returns all tables.
func (s *State) GetUnits(runID, table string) ([]*transfer.Unit, error) {
	query := `
		SELECT table_name, window_start, window_end, state, attempt_count, last_error, rows_affected, updated_at
		FROM units WHERE run_id = ?`
	args := []any{runID}
	if table != "" {
		query += ` AND table_name = ?`
		args = append(args, table)
	}
	query += ` ORDER BY table_name, window_start`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var units []*transfer.Unit
	for rows.Next() {
		var u transfer.Unit
		var start, end, state string
		var lastErr, updated sql.NullString
		if err := rows.Scan(&u.Table, &start, &end, &state, &u.Attempts, &lastErr, &u.RowsAffected, &updated); err != nil {
			return nil, err
		}
		if u.State, err = transfer.ParseState(state); err != nil {
			return nil, err
		}
		u.Window = plan.Window{Start: parseTime(start), End: parseTime(end)}
		u.LastError = lastErr.String
		u.UpdatedAt = parseTime(updated.String)
		units = append(units, &u)
	}
	return units, rows.Err()
}

// SaveTable upserts a table's phase
func (s *State) SaveTable(runID string, ts TableState) error {
	_, err := s.db.Exec(`
		INSERT INTO table_states (run_id, table_name, phase, blocked, error, attempts, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, table_name) DO UPDATE SET
			phase = excluded.phase,
			blocked = excluded.blocked,
			error = excluded.error,
			attempts = excluded.attempts,
			updated_at = excluded.updated_at
	`, runID, ts.Table, string(ts.Phase), ts.Blocked, ts.Error, ts.Attempts, now())
	return err
}

// GetTables returns every table state recorded for a run
func (s *State) GetTables(runID string) (map[string]TableState, error) {
	rows, err := s.db.Query(`
		SELECT table_name, phase, blocked, error, attempts, updated_at
		FROM table_states WHERE run_id = ?
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tables := make(map[string]TableState)
	for rows.Next() {
		var ts TableState
		var phase string
		var errMsg, updated sql.NullString
		if err := rows.Scan(&ts.Table, &phase, &ts.Blocked, &errMsg, &ts.Attempts, &updated); err != nil {
			return nil, err
		}
		ts.Phase = Phase(phase)
		ts.Error = errMsg.String
		ts.UpdatedAt = parseTime(updated.String)
		tables[ts.Table] = ts
	}
	return tables, rows.Err()
}

// SaveReport stores the latest verification report of a table
func (s *State) SaveReport(runID, table string, report []byte) error {
	_, err := s.db.Exec(`
		INSERT INTO reports (run_id, table_name, report, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(run_id, table_name) DO UPDATE SET
			report = excluded.report,
			created_at = excluded.created_at
	`, runID, table, string(report), now())
	return err
}

// GetReports returns the verification reports of a run by table
func (s *State) GetReports(runID string) (map[string][]byte, error) {
	rows, err := s.db.Query(`SELECT table_name, report FROM reports WHERE run_id = ?`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	reports := make(map[string][]byte)
	for rows.Next() {
		var table, report string
		if err := rows.Scan(&table, &report); err != nil {
			return nil, err
		}
		reports[table] = []byte(report)
	}
	return reports, rows.Err()
}

// CleanupOldRuns deletes finished runs completed more than days ago, with
// their units, table states and reports. Running runs are never deleted.
func (s *State) CleanupOldRuns(days int) (int, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -days).Format(timeLayout)

	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	sel := `SELECT id FROM runs WHERE status != 'running' AND completed_at IS NOT NULL AND completed_at < ?`
	for _, child := range []string{"units", "table_states", "reports"} {
		if _, err := tx.Exec(`DELETE FROM `+child+` WHERE run_id IN (`+sel+`)`, cutoff); err != nil {
			return 0, fmt.Errorf("cleaning %s: %w", child, err)
		}
	}
	res, err := tx.Exec(`DELETE FROM runs WHERE id IN (`+sel+`)`, cutoff)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), tx.Commit()
}
