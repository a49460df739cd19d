// Package clickhouse implements the ClickHouse driver: native-protocol
// connections through clickhouse-go, remote() based transfers and
// OPTIMIZE ... FINAL compaction.
package clickhouse

import (
	"crypto/tls"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	ch "github.com/ClickHouse/clickhouse-go/v2"
	"github.com/johndauphine/shard-migrate/internal/config"
	"github.com/johndauphine/shard-migrate/internal/driver"
)

func init() {
	driver.Register(&Driver{})
}

// Driver implements driver.Driver for ClickHouse.
type Driver struct{}

// Name returns the primary driver name.
func (d *Driver) Name() string {
	return "clickhouse"
}

// Aliases returns alternative names for the driver.
func (d *Driver) Aliases() []string {
	return []string{"ch"}
}

// Defaults returns the default configuration values for ClickHouse.
func (d *Driver) Defaults() driver.Defaults {
	return driver.Defaults{
		Port:     9000,
		User:     "default",
		MaxConns: 8,
	}
}

// Dialect returns the ClickHouse dialect.
func (d *Driver) Dialect() driver.Dialect {
	return &Dialect{}
}

// Open builds a database/sql pool over the native protocol. Host may list
// several comma-separated replicas.
func (d *Driver) Open(cfg config.DatabaseConfig, opts driver.OpenOptions) (*sql.DB, error) {
	var addrs []string
	for _, h := range strings.Split(cfg.Host, ",") {
		h = strings.TrimSpace(h)
		if h == "" {
			continue
		}
		if !strings.Contains(h, ":") {
			h = fmt.Sprintf("%s:%d", h, cfg.Port)
		}
		addrs = append(addrs, h)
	}
	if len(addrs) == 0 {
		return nil, errors.New("clickhouse: no host configured")
	}

	options := &ch.Options{
		Addr: addrs,
		Auth: ch.Auth{
			Database: cfg.Database,
			Username: cfg.User,
			Password: cfg.Password,
		},
		DialTimeout: cfg.DialTimeout,
		Compression: &ch.Compression{Method: ch.CompressionLZ4},
		Settings: ch.Settings{
			// the unit timeout is enforced client-side; let the server run
			"max_execution_time": 0,
		},
		ConnOpenStrategy: ch.ConnOpenInOrder,
	}
	if cfg.Secure {
		options.TLS = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	db := ch.OpenDB(options)
	db.SetMaxOpenConns(opts.MaxConns)
	db.SetMaxIdleConns(max(opts.MaxConns/2, 1))
	db.SetConnMaxLifetime(time.Hour)
	return db, nil
}

// Server error codes, from ClickHouse src/Common/ErrorCodes.cpp.
const (
	codeUnexpectedEOF            = 3
	codeAttemptToReadAfterEOF    = 32
	codeTimeoutExceeded          = 159
	codeTooManySimultaneous      = 202
	codeSocketTimeout            = 209
	codeNetworkError             = 210
	codeAborted                  = 236
	codeMemoryLimitExceeded      = 241
	codeTooManyParts             = 252
	codeAllConnectionTriesFailed = 279
	codeUnknownStatusOfInsert    = 319
	codeCannotAssignOptimize     = 388
	codeQueryWasCancelled        = 394
	codeSystemError              = 425
	codeKeeperException          = 999
)

var transientCodes = map[int32]bool{
	codeUnexpectedEOF:            true,
	codeAttemptToReadAfterEOF:    true,
	codeTimeoutExceeded:          true,
	codeTooManySimultaneous:      true,
	codeSocketTimeout:            true,
	codeNetworkError:             true,
	codeAborted:                  true,
	codeMemoryLimitExceeded:      true,
	codeTooManyParts:             true,
	codeAllConnectionTriesFailed: true,
	codeUnknownStatusOfInsert:    true,
	codeQueryWasCancelled:        true,
	codeSystemError:              true,
	codeKeeperException:          true,
}

// Classify maps server exceptions by code; CANNOT_ASSIGN_OPTIMIZE means there
// was nothing left to merge.
func (d *Driver) Classify(err error) driver.ErrorKind {
	var exc *ch.Exception
	if errors.As(err, &exc) {
		if exc.Code == codeCannotAssignOptimize {
			return driver.Noop
		}
		if transientCodes[exc.Code] {
			return driver.Transient
		}
		return driver.Fatal
	}
	if kind, ok := driver.ClassifyCommon(err); ok {
		return kind
	}
	return driver.ClassifyMessage(err)
}
