// Package driver provides pluggable database driver abstractions.
// Each engine (ClickHouse, PostgreSQL, SQL Server, SQLite) implements the
// Driver interface: how to connect, how to render the migration statements,
// and how to classify the errors it returns.
package driver

import (
	"database/sql"

	"github.com/johndauphine/shard-migrate/internal/config"
)

// Defaults contains default values for a database driver.
type Defaults struct {
	// Port is the default port (9000 for ClickHouse native, 5432 for PostgreSQL).
	Port int

	// User is the default login, if the engine has one.
	User string

	// MaxConns caps the pool when the config does not.
	MaxConns int
}

// OpenOptions controls how a connection pool is opened.
type OpenOptions struct {
	MaxConns int

	// Peer is the other side of the migration. Engines that read the source
	// through the destination connection (sqlite ATTACH) use it.
	Peer *config.DatabaseConfig
}

// Driver represents a pluggable database engine.
//
// To add a new database:
// 1. Create a package under internal/driver/<dbname>/
// 2. Implement the Driver interface
// 3. Register via init(): driver.Register(&MyDriver{})
type Driver interface {
	// Name returns the primary driver name (e.g., "clickhouse", "postgres").
	Name() string

	// Aliases returns alternative names for this driver.
	Aliases() []string

	// Defaults returns the default configuration values for this driver.
	Defaults() Defaults

	// Dialect returns the SQL dialect for this database.
	Dialect() Dialect

	// Open returns a configured, not yet pinged, *sql.DB.
	Open(cfg config.DatabaseConfig, opts OpenOptions) (*sql.DB, error)

	// Classify maps an error returned by this engine to a retry decision.
	Classify(err error) ErrorKind
}
