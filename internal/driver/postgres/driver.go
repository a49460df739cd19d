package postgres

import (
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/johndauphine/shard-migrate/internal/config"
	"github.com/johndauphine/shard-migrate/internal/driver"
)

func init() {
	driver.Register(&Driver{})
}

// Driver implements driver.Driver for PostgreSQL.
type Driver struct{}

// Name returns the primary driver name.
func (d *Driver) Name() string {
	return "postgres"
}

// Aliases returns alternative names for the driver.
func (d *Driver) Aliases() []string {
	return []string{"postgresql", "pg"}
}

// Defaults returns the default configuration values for PostgreSQL.
func (d *Driver) Defaults() driver.Defaults {
	return driver.Defaults{
		Port:     5432,
		MaxConns: 8,
	}
}

// Dialect returns the PostgreSQL dialect.
func (d *Driver) Dialect() driver.Dialect {
	return &Dialect{}
}

// BuildDSN builds a postgres:// URL with escaped credentials.
func BuildDSN(cfg config.DatabaseConfig) string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(cfg.User, cfg.Password),
		Host:   fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Path:   "/" + cfg.Database,
	}
	params := url.Values{}
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "prefer"
	}
	params.Set("sslmode", sslMode)
	if cfg.DialTimeout > 0 {
		params.Set("connect_timeout", fmt.Sprintf("%d", int(cfg.DialTimeout.Seconds())))
	}
	params.Set("application_name", "shard-migrate")
	u.RawQuery = params.Encode()
	return u.String()
}

// Open parses the DSN with pgx and wraps it in database/sql.
func (d *Driver) Open(cfg config.DatabaseConfig, opts driver.OpenOptions) (*sql.DB, error) {
	connConfig, err := pgx.ParseConfig(BuildDSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("parsing postgres config: %w", err)
	}
	db := stdlib.OpenDB(*connConfig)
	db.SetMaxOpenConns(opts.MaxConns)
	db.SetMaxIdleConns(max(opts.MaxConns/4, 1))
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

// Classify uses SQLSTATE classes: connection exceptions (08), serialization
// failures and deadlocks (40001, 40P01), admin shutdown (57P01), statement
// timeout (57014) and too many connections (53300) are retried.
func (d *Driver) Classify(err error) driver.ErrorKind {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "08"),
			pgErr.Code == "40001",
			pgErr.Code == "40P01",
			pgErr.Code == "57P01",
			pgErr.Code == "57014",
			pgErr.Code == "53300":
			return driver.Transient
		default:
			return driver.Fatal
		}
	}
	if pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return driver.Transient
	}
	if kind, ok := driver.ClassifyCommon(err); ok {
		return kind
	}
	return driver.ClassifyMessage(err)
}
