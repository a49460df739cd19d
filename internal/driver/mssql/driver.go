package mssql

import (
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/johndauphine/shard-migrate/internal/config"
	"github.com/johndauphine/shard-migrate/internal/driver"
	mssql "github.com/microsoft/go-mssqldb"
)

func init() {
	driver.Register(&Driver{})
}

// Driver implements driver.Driver for Microsoft SQL Server.
type Driver struct{}

// Name returns the primary driver name.
func (d *Driver) Name() string {
	return "mssql"
}

// Aliases returns alternative names for the driver.
func (d *Driver) Aliases() []string {
	return []string{"sqlserver", "sql-server"}
}

// Defaults returns the default configuration values for MSSQL.
func (d *Driver) Defaults() driver.Defaults {
	return driver.Defaults{
		Port:     1433,
		MaxConns: 8,
	}
}

// Dialect returns the MSSQL dialect.
func (d *Driver) Dialect() driver.Dialect {
	return &Dialect{}
}

// BuildDSN builds a sqlserver:// URL with escaped credentials.
func BuildDSN(cfg config.DatabaseConfig) string {
	u := url.URL{
		Scheme: "sqlserver",
		User:   url.UserPassword(cfg.User, cfg.Password),
		Host:   fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
	}
	params := url.Values{}
	params.Set("database", cfg.Database)
	params.Set("encrypt", cfg.Encrypt)
	if cfg.TrustServerCert {
		params.Set("TrustServerCertificate", "true")
	}
	if cfg.DialTimeout > 0 {
		params.Set("dial timeout", fmt.Sprintf("%d", int(cfg.DialTimeout.Seconds())))
	}
	params.Set("app name", "shard-migrate")
	u.RawQuery = params.Encode()
	return u.String()
}

// Open creates a connector from the DSN and wraps it in database/sql.
func (d *Driver) Open(cfg config.DatabaseConfig, opts driver.OpenOptions) (*sql.DB, error) {
	connector, err := mssql.NewConnector(BuildDSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("parsing sqlserver config: %w", err)
	}
	db := sql.OpenDB(connector)
	db.SetMaxOpenConns(opts.MaxConns)
	db.SetMaxIdleConns(max(opts.MaxConns/4, 1))
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

// Transient server error numbers: deadlock victim, timeouts, Azure SQL
// throttling and failover, transport-level connection drops.
var transientNumbers = map[int32]bool{
	-2:    true, // timeout
	233:   true, // no process on the other end of the pipe
	1205:  true, // deadlock victim
	10053: true, // transport-level error
	10054: true, // connection reset
	10928: true, // resource limit
	10929: true, // resource limit
	40501: true, // service busy
	40613: true, // database unavailable
	49918: true, // not enough resources
}

// Classify maps server error numbers to a retry decision.
func (d *Driver) Classify(err error) driver.ErrorKind {
	var msErr mssql.Error
	if errors.As(err, &msErr) {
		if transientNumbers[msErr.Number] {
			return driver.Transient
		}
		return driver.Fatal
	}
	if kind, ok := driver.ClassifyCommon(err); ok {
		return kind
	}
	return driver.ClassifyMessage(err)
}
