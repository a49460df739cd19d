// Package sqlite implements a single-file driver on modernc.org/sqlite. The
// destination attaches the source file as schema "src", so transfers run as
// plain INSERT ... SELECT like the server engines. It backs local dry
// rehearsals and the end-to-end tests.
package sqlite

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/johndauphine/shard-migrate/internal/config"
	"github.com/johndauphine/shard-migrate/internal/driver"
	"modernc.org/sqlite"
)

// SourceSchema is the alias the source database is attached under.
const SourceSchema = "src"

const (
	codeBusy   = 5
	codeLocked = 6
)

func init() {
	driver.Register(&Driver{})
}

// Driver implements driver.Driver for SQLite.
type Driver struct{}

// Name returns the primary driver name.
func (d *Driver) Name() string {
	return "sqlite"
}

// Aliases returns alternative names for the driver.
func (d *Driver) Aliases() []string {
	return []string{"sqlite3"}
}

// Defaults returns the default configuration values for SQLite.
func (d *Driver) Defaults() driver.Defaults {
	return driver.Defaults{MaxConns: 1}
}

// Dialect returns the SQLite dialect.
func (d *Driver) Dialect() driver.Dialect {
	return &Dialect{}
}

// Open uses a single long-lived connection so the ATTACH of the peer
// survives for the life of the pool.
func (d *Driver) Open(cfg config.DatabaseConfig, opts driver.OpenOptions) (*sql.DB, error) {
	dsn := cfg.Path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)

	if peer := opts.Peer; peer != nil && driver.Canonicalize(peer.Type) == "sqlite" {
		if _, err := db.Exec("ATTACH DATABASE ? AS "+SourceSchema, peer.Path); err != nil {
			db.Close()
			return nil, fmt.Errorf("attaching %s: %w", peer.Path, err)
		}
	}
	return db, nil
}

// Classify retries lock contention; everything else is fatal.
func (d *Driver) Classify(err error) driver.ErrorKind {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() & 0xff {
		case codeBusy, codeLocked:
			return driver.Transient
		default:
			return driver.Fatal
		}
	}
	if kind, ok := driver.ClassifyCommon(err); ok {
		return kind
	}
	return driver.ClassifyMessage(err)
}
