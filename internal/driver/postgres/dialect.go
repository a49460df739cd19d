package postgres

import (
	"fmt"
	"strings"
	"time"

	"github.com/johndauphine/shard-migrate/internal/driver"
	"github.com/lib/pq"
)

// Dialect implements driver.Dialect for PostgreSQL.
type Dialect struct{}

func (d *Dialect) Name() string { return "postgres" }

func (d *Dialect) QuoteIdentifier(name string) string {
	return pq.QuoteIdentifier(name)
}

func (d *Dialect) QualifyTable(schema, table string) string {
	if schema == "" {
		return d.QuoteIdentifier(table)
	}
	return d.QuoteIdentifier(schema) + "." + d.QuoteIdentifier(table)
}

func keyCast(dateKey bool) string {
	if dateKey {
		return "date"
	}
	return "timestamp"
}

// sourceRef reads the source through a postgres_fdw foreign schema when one
// is configured, otherwise from a schema in the same database.
func (d *Dialect) sourceRef(src driver.Source) string {
	if src.ForeignSchema != "" {
		return d.QualifyTable(src.ForeignSchema, src.Table)
	}
	return d.QualifyTable(src.Schema, src.Table)
}

func (d *Dialect) rangePredicate(key string, dateKey bool) string {
	cast := keyCast(dateKey)
	return fmt.Sprintf("%s >= $1::%s AND %s < $2::%s", key, cast, key, cast)
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

// CompactStatement keeps the highest version per id; ties on version keep
// the physically first row.
func (d *Dialect) CompactStatement(t driver.Table, _ string) driver.Statement {
	table := d.QualifyTable(t.Schema, t.Compact)
	id := d.QuoteIdentifier(t.IDColumn)
	ver := d.QuoteIdentifier(t.VersionColumn)
	text := fmt.Sprintf("DELETE FROM %s a USING %s b WHERE a.%s = b.%s AND (a.%s < b.%s OR (a.%s = b.%s AND a.ctid > b.ctid))",
		table, table, id, id, ver, ver, ver, ver)
	return driver.Statement{Text: text}
}

func (d *Dialect) AggregateStatement(a driver.Aggregate) driver.Statement {
	var b strings.Builder
	key := d.QuoteIdentifier(a.PartitionKey)
	fmt.Fprintf(&b, "SELECT COUNT(*) AS rows, COUNT(DISTINCT %s) AS distinct_ids, MIN(%s) AS min_key, MAX(%s) AS max_key, MAX(%s) AS max_version FROM %s",
		d.QuoteIdentifier(a.IDColumn), key, key, d.QuoteIdentifier(a.VersionColumn), d.QualifyTable(a.Schema, a.Table))
	var args []any
	if a.Bounded() {
		b.WriteString(" WHERE " + d.rangePredicate(key, a.DateKey))
		args = []any{driver.BoundArg(a.Start, a.DateKey), driver.BoundArg(a.End, a.DateKey)}
	}
	return driver.Statement{Text: b.String(), Args: args, ReturnsRows: true}
}

// ShardDistributionStatement: a single PostgreSQL node has no shards.
func (d *Dialect) ShardDistributionStatement(driver.Table, string) (driver.Statement, bool) {
	return driver.Statement{}, false
}

// Literal quotes a string literal.
func Literal(s string) string {
	return pq.QuoteLiteral(s)
}
