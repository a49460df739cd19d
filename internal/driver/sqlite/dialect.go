package sqlite

import (
	"fmt"
	"strings"
	"time"

	"github.com/johndauphine/shard-migrate/internal/driver"
)

// Dialect implements driver.Dialect for SQLite.
type Dialect struct{}

func (d *Dialect) Name() string { return "sqlite" }

func (d *Dialect) QuoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func (d *Dialect) QualifyTable(schema, table string) string {
	if schema == "" {
		return d.QuoteIdentifier(table)
	}
	return d.QuoteIdentifier(schema) + "." + d.QuoteIdentifier(table)
}

func (d *Dialect) rangePredicate(key string) string {
	return fmt.Sprintf("%s >= ? AND %s < ?", key, key)
}

func (d *Dialect) TransferStatement(t driver.Table, start, end time.Time) driver.Statement {
	cols := driver.QuoteWith(d, t.Columns)
	text := fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s WHERE %s",
		d.QualifyTable(t.Schema, t.Target), cols, cols,
		d.QualifyTable(SourceSchema, t.Source.Table),
		d.rangePredicate(d.QuoteIdentifier(t.PartitionKey)))
	return driver.Statement{
		Text: text,
		Args: []any{driver.BoundArg(start, t.DateKey), driver.BoundArg(end, t.DateKey)},
	}
}

// CompactStatement keeps the highest version per id; ties keep the lowest rowid.
func (d *Dialect) CompactStatement(t driver.Table, _ string) driver.Statement {
	table := d.QualifyTable(t.Schema, t.Compact)
	self := d.QuoteIdentifier(t.Compact)
	id := d.QuoteIdentifier(t.IDColumn)
	ver := d.QuoteIdentifier(t.VersionColumn)
	text := fmt.Sprintf("DELETE FROM %s WHERE EXISTS (SELECT 1 FROM %s AS o WHERE o.%s = %s.%s AND (o.%s > %s.%s OR (o.%s = %s.%s AND o.rowid < %s.rowid)))",
		table, table, id, self, id, ver, self, ver, ver, self, ver, self)
	return driver.Statement{Text: text}
}

func (d *Dialect) AggregateStatement(a driver.Aggregate) driver.Statement {
	var b strings.Builder
	key := d.QuoteIdentifier(a.PartitionKey)
	fmt.Fprintf(&b, `SELECT COUNT(*) AS "rows", COUNT(DISTINCT %s) AS distinct_ids, MIN(%s) AS min_key, MAX(%s) AS max_key, MAX(%s) AS max_version FROM %s`,
		d.QuoteIdentifier(a.IDColumn), key, key, d.QuoteIdentifier(a.VersionColumn), d.QualifyTable(a.Schema, a.Table))
	var args []any
	if a.Bounded() {
		b.WriteString(" WHERE " + d.rangePredicate(key))
		args = []any{driver.BoundArg(a.Start, a.DateKey), driver.BoundArg(a.End, a.DateKey)}
	}
	return driver.Statement{Text: b.String(), Args: args, ReturnsRows: true}
}

// ShardDistributionStatement: a SQLite file is a single shard.
func (d *Dialect) ShardDistributionStatement(driver.Table, string) (driver.Statement, bool) {
	return driver.Statement{}, false
}
