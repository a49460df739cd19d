package mssql

import (
	"fmt"
	"strings"
	"time"

	"github.com/johndauphine/shard-migrate/internal/driver"
)

// Dialect implements driver.Dialect for SQL Server.
type Dialect struct{}

func (d *Dialect) Name() string { return "mssql" }

func (d *Dialect) QuoteIdentifier(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

func (d *Dialect) QualifyTable(schema, table string) string {
	if schema == "" {
		return d.QuoteIdentifier(table)
	}
	return d.QuoteIdentifier(schema) + "." + d.QuoteIdentifier(table)
}

// sourceRef uses a four-part name through a linked server, or a three-part
// cross-database name on the same instance.
func (d *Dialect) sourceRef(src driver.Source) string {
	schema := src.Schema
	if schema == "" {
		schema = "dbo"
	}
	parts := []string{src.Database, schema, src.Table}
	if src.LinkedServer != "" {
		parts = append([]string{src.LinkedServer}, parts...)
	} else if src.Database == "" {
		parts = parts[1:]
	}
	quoted := make([]string, len(parts))
	for i, p := range parts {
		quoted[i] = d.QuoteIdentifier(p)
	}
	return strings.Join(quoted, ".")
}

func (d *Dialect) rangePredicate(key string, dateKey bool) string {
	cast := "datetime2"
	if dateKey {
		cast = "date"
	}
	return fmt.Sprintf("%s >= CAST(@p1 AS %s) AND %s < CAST(@p2 AS %s)", key, cast, key, cast)
}

func (d *Dialect) TransferStatement(t driver.Table, start, end time.Time) driver.Statement {
	cols := driver.QuoteWith(d, t.Columns)
	text := fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s WHERE %s",
		d.QualifyTable(t.Schema, t.Target), cols, cols, d.sourceRef(t.Source),
		d.rangePredicate(d.QuoteIdentifier(t.PartitionKey), t.DateKey))
	return driver.Statement{
		Text: text,
		Args: []any{driver.BoundArg(start, t.DateKey), driver.BoundArg(end, t.DateKey)},
	}
}

// CompactStatement deletes every row ranked below the highest version of its id.
func (d *Dialect) CompactStatement(t driver.Table, _ string) driver.Statement {
	text := fmt.Sprintf("WITH ranked AS (SELECT ROW_NUMBER() OVER (PARTITION BY %s ORDER BY %s DESC) AS rn FROM %s) DELETE FROM ranked WHERE rn > 1",
		d.QuoteIdentifier(t.IDColumn), d.QuoteIdentifier(t.VersionColumn), d.QualifyTable(t.Schema, t.Compact))
	return driver.Statement{Text: text}
}

func (d *Dialect) AggregateStatement(a driver.Aggregate) driver.Statement {
	var b strings.Builder
	key := d.QuoteIdentifier(a.PartitionKey)
	fmt.Fprintf(&b, "SELECT COUNT_BIG(*) AS [rows], COUNT_BIG(DISTINCT %s) AS distinct_ids, MIN(%s) AS min_key, MAX(%s) AS max_key, MAX(%s) AS max_version FROM %s",
		d.QuoteIdentifier(a.IDColumn), key, key, d.QuoteIdentifier(a.VersionColumn), d.QualifyTable(a.Schema, a.Table))
	var args []any
	if a.Bounded() {
		b.WriteString(" WHERE " + d.rangePredicate(key, a.DateKey))
		args = []any{driver.BoundArg(a.Start, a.DateKey), driver.BoundArg(a.End, a.DateKey)}
	}
	return driver.Statement{Text: b.String(), Args: args, ReturnsRows: true}
}

// ShardDistributionStatement: SQL Server tables are not sharded.
func (d *Dialect) ShardDistributionStatement(driver.Table, string) (driver.Statement, bool) {
	return driver.Statement{}, false
}
