package sqlite

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/johndauphine/shard-migrate/internal/config"
	"github.com/johndauphine/shard-migrate/internal/driver"
)

func setup(t *testing.T) (*sql.DB, driver.Table) {
	t.Helper()
	dir := t.TempDir()
	srcCfg := config.DatabaseConfig{Type: "sqlite", Path: filepath.Join(dir, "src.db")}
	dstCfg := config.DatabaseConfig{Type: "sqlite", Path: filepath.Join(dir, "dst.db")}

	d := &Driver{}
	src, err := d.Open(srcCfg, driver.OpenOptions{MaxConns: 1})
	if err != nil {
		t.Fatalf("Open(src) error: %v", err)
	}
	stmts := []string{
		`CREATE TABLE visits (id INTEGER, version INTEGER, visit_date TEXT)`,
		`INSERT INTO visits VALUES (1, 1, '2024-01-05'), (1, 2, '2024-01-20'), (2, 1, '2024-02-10'), (3, 1, '2023-12-31')`,
	}
	for _, s := range stmts {
		if _, err := src.Exec(s); err != nil {
			t.Fatalf("seed source: %v", err)
		}
	}
	src.Close()

	dst, err := d.Open(dstCfg, driver.OpenOptions{MaxConns: 1, Peer: &srcCfg})
	if err != nil {
		t.Fatalf("Open(dst) error: %v", err)
	}
	t.Cleanup(func() { dst.Close() })
	if _, err := dst.Exec(`CREATE TABLE visits (id INTEGER, version INTEGER, visit_date TEXT)`); err != nil {
		t.Fatalf("create destination: %v", err)
	}

	tbl := driver.Table{
		Name:          "visits",
		Target:        "visits",
		Compact:       "visits",
		PartitionKey:  "visit_date",
		DateKey:       true,
		IDColumn:      "id",
		VersionColumn: "version",
		Columns:       []string{"id", "version", "visit_date"},
		Source:        driver.Source{Table: "visits"},
	}
	return dst, tbl
}

func TestTransferCompactAggregate(t *testing.T) {
	dst, tbl := setup(t)
	d := &Dialect{}
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	// Transfer twice to simulate a retried unit.
	for i := 0; i < 2; i++ {
		stmt := d.TransferStatement(tbl, start, end)
		res, err := dst.Exec(stmt.Text, stmt.Args...)
		if err != nil {
			t.Fatalf("transfer: %v", err)
		}
		if n, _ := res.RowsAffected(); n != 3 {
			t.Errorf("transfer %d copied %d rows, want 3", i, n)
		}
	}

	if _, err := dst.Exec(d.CompactStatement(tbl, "").Text); err != nil {
		t.Fatalf("compact: %v", err)
	}

	a := tbl.DestinationAggregate()
	a.Start, a.End = start, end
	agg := d.AggregateStatement(a)
	var rows, distinct, maxVersion int64
	var minKey, maxKey string
	if err := dst.QueryRow(agg.Text, agg.Args...).Scan(&rows, &distinct, &minKey, &maxKey, &maxVersion); err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if rows != 2 || distinct != 2 {
		t.Errorf("after compaction rows=%d distinct=%d, want 2/2", rows, distinct)
	}
	if minKey != "2024-01-20" || maxKey != "2024-02-10" || maxVersion != 2 {
		t.Errorf("min=%s max=%s maxVersion=%d", minKey, maxKey, maxVersion)
	}
}

func TestClassifyMessageFallback(t *testing.T) {
	d := &Driver{}
	if got := d.Classify(sql.ErrConnDone); got != driver.Fatal {
		t.Errorf("Classify(ErrConnDone) = %s", got)
	}
}
