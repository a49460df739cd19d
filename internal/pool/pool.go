package pool

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/johndauphine/shard-migrate/internal/config"
	"github.com/johndauphine/shard-migrate/internal/driver"
	"github.com/johndauphine/shard-migrate/internal/logging"
	"github.com/johndauphine/shard-migrate/internal/stats"

	// Import driver packages to trigger init() registration
	_ "github.com/johndauphine/shard-migrate/internal/driver/clickhouse"
	_ "github.com/johndauphine/shard-migrate/internal/driver/mssql"
	_ "github.com/johndauphine/shard-migrate/internal/driver/postgres"
	_ "github.com/johndauphine/shard-migrate/internal/driver/sqlite"
)

type conn struct {
	db    *sql.DB
	drv   driver.Driver
	label string
}

// Pool is the database/sql backed QueryExecutor.
type Pool struct {
	conns map[string]*conn
}

// Open connects both sides of cfg. Nothing is pinged; use Ping.
func Open(cfg *config.Config) (*Pool, error) {
	p := &Pool{conns: make(map[string]*conn)}

	maxConns := cfg.WorkerLimit() + 1 // one spare for aggregates and status queries
	src := cfg.Source
	if err := p.add(Source, cfg.Source, driver.OpenOptions{MaxConns: min(maxConns, cfg.Source.MaxConnections)}); err != nil {
		return nil, err
	}
	if err := p.add(Destination, cfg.Destination, driver.OpenOptions{
		MaxConns: min(maxConns, cfg.Destination.MaxConnections),
		Peer:     &src,
	}); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

func (p *Pool) add(name string, cfg config.DatabaseConfig, opts driver.OpenOptions) error {
	db, drv, err := driver.Open(cfg, opts)
	if err != nil {
		return fmt.Errorf("%s connection: %w", name, err)
	}
	label := fmt.Sprintf("%s %s:%d/%s", drv.Name(), cfg.Host, cfg.Port, cfg.Database)
	if cfg.Path != "" {
		label = fmt.Sprintf("%s %s", drv.Name(), cfg.Path)
	}
	p.conns[name] = &conn{db: db, drv: drv, label: label}
	return nil
}

// NewWithDB wraps already opened databases, keyed by connection id.
func NewWithDB(dbs map[string]*sql.DB, drivers map[string]driver.Driver) *Pool {
	p := &Pool{conns: make(map[string]*conn, len(dbs))}
	for name, db := range dbs {
		p.conns[name] = &conn{db: db, drv: drivers[name], label: name}
	}
	return p
}

func (p *Pool) get(name string) (*conn, error) {
	c, ok := p.conns[name]
	if !ok {
		return nil, &Error{Kind: driver.Fatal, Conn: name, Message: "unknown connection", Err: fmt.Errorf("unknown connection %q", name)}
	}
	return c, nil
}

// Dialect returns the SQL dialect of a connection.
func (p *Pool) Dialect(name string) (driver.Dialect, error) {
	c, err := p.get(name)
	if err != nil {
		return nil, err
	}
	return c.drv.Dialect(), nil
}

// Execute implements QueryExecutor. Row values are returned as the driver
// produced them; use the conversion helpers to read them.
func (p *Pool) Execute(ctx context.Context, name string, stmt driver.Statement, timeout time.Duration) (*Result, error) {
	c, err := p.get(name)
	if err != nil {
		return nil, err
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	logging.Debug("[%s] %s %v", name, stmt, stmt.Args)

	if !stmt.ReturnsRows {
		res, err := c.db.ExecContext(ctx, stmt.Text, stmt.Args...)
		if err != nil {
			return nil, p.classify(ctx, name, c, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			// ClickHouse and some DDL do not report affected rows
			affected = 0
		}
		return &Result{RowsAffected: affected}, nil
	}

	rows, err := c.db.QueryContext(ctx, stmt.Text, stmt.Args...)
	if err != nil {
		return nil, p.classify(ctx, name, c, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, p.classify(ctx, name, c, err)
	}
	result := &Result{Columns: cols}
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, p.classify(ctx, name, c, err)
		}
		result.Rows = append(result.Rows, values)
	}
	if err := rows.Err(); err != nil {
		return nil, p.classify(ctx, name, c, err)
	}
	return result, nil
}

// classify prefers the statement deadline over whatever the driver reported
// when the context expired mid-flight.
func (p *Pool) classify(ctx context.Context, name string, c *conn, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(ctxErr, context.DeadlineExceeded) {
		return NewError(name, driver.Transient, fmt.Errorf("statement timeout: %w", err))
	}
	kind := driver.Fatal
	if c.drv != nil {
		kind = c.drv.Classify(err)
	} else if k, ok := driver.ClassifyCommon(err); ok {
		kind = k
	}
	return NewError(name, kind, err)
}

// Ping checks every connection in parallel and returns the first failure.
func (p *Pool) Ping(ctx context.Context) error {
	type result struct {
		name string
		err  error
		took time.Duration
	}
	ch := make(chan result, len(p.conns))
	for name, c := range p.conns {
		go func(name string, c *conn) {
			start := time.Now()
			err := c.db.PingContext(ctx)
			ch <- result{name: name, err: err, took: time.Since(start)}
		}(name, c)
	}

	var firstErr error
	for range p.conns {
		r := <-ch
		if r.err != nil {
			logging.Error("%s connection failed: %v", r.name, r.err)
			if firstErr == nil {
				firstErr = fmt.Errorf("%s connection: %w", r.name, r.err)
			}
			continue
		}
		logging.Info("Connected to %s (%s) in %s", r.name, p.conns[r.name].label, r.took.Round(time.Millisecond))
	}
	return firstErr
}

// Stats returns pool statistics for every connection, sorted by name.
func (p *Pool) Stats() []stats.PoolStats {
	names := make([]string, 0, len(p.conns))
	for name := range p.conns {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]stats.PoolStats, 0, len(names))
	for _, name := range names {
		c := p.conns[name]
		s := c.db.Stats()
		label := name
		if c.drv != nil {
			label = name + "/" + c.drv.Name()
		}
		out = append(out, stats.PoolStats{
			Conn:        label,
			MaxConns:    s.MaxOpenConnections,
			ActiveConns: s.InUse,
			IdleConns:   s.Idle,
			WaitCount:   s.WaitCount,
			WaitTimeMs:  s.WaitDuration.Milliseconds(),
		})
	}
	return out
}

// Close closes every connection.
func (p *Pool) Close() error {
	var errs []error
	for _, c := range p.conns {
		if err := c.db.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
