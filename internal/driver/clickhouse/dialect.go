package clickhouse

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/johndauphine/shard-migrate/internal/driver"
)

// Dialect implements driver.Dialect for ClickHouse.
type Dialect struct{}

func (d *Dialect) Name() string { return "clickhouse" }

func (d *Dialect) QuoteIdentifier(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

func (d *Dialect) QualifyTable(schema, table string) string {
	if schema == "" {
		return d.QuoteIdentifier(table)
	}
	return d.QuoteIdentifier(schema) + "." + d.QuoteIdentifier(table)
}

// Literal quotes a string literal.
func Literal(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return "'" + strings.ReplaceAll(s, "'", `\'`) + "'"
}

func (d *Dialect) cast(dateKey bool) string {
	if dateKey {
		return "toDate(?)"
	}
	return "toDateTime(?)"
}

// sourceRef addresses the source table: through a named collection, an
// explicit remote() address, or locally when both live on one cluster.
func (d *Dialect) sourceRef(src driver.Source) (string, []string) {
	switch {
	case src.NamedCollection != "":
		return fmt.Sprintf("remote(%s, database = %s, table = %s)",
			src.NamedCollection, Literal(src.Schema), Literal(src.Table)), nil
	case src.Address != "":
		var secrets []string
		if src.Password != "" {
			secrets = append(secrets, Literal(src.Password))
		}
		return fmt.Sprintf("remote(%s, %s, %s, %s, %s)",
			Literal(src.Address), Literal(src.Schema), Literal(src.Table),
			Literal(src.User), Literal(src.Password)), secrets
	default:
		return d.QualifyTable(src.Schema, src.Table), nil
	}
}

func settingsClause(settings []string) string {
	if len(settings) == 0 {
		return ""
	}
	parts := make([]string, len(settings))
	for i, kv := range settings {
		k, v, _ := strings.Cut(kv, "=")
		if _, err := strconv.ParseFloat(v, 64); err != nil {
			v = Literal(v)
		}
		parts[i] = k + " = " + v
	}
	return " SETTINGS " + strings.Join(parts, ", ")
}

func (d *Dialect) TransferStatement(t driver.Table, start, end time.Time) driver.Statement {
	cols := driver.QuoteWith(d, t.Columns)
	from, secrets := d.sourceRef(t.Source)
	key := d.QuoteIdentifier(t.PartitionKey)
	text := fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s WHERE %s >= %s AND %s < %s%s",
		d.QualifyTable(t.Schema, t.Target), cols, cols, from,
		key, d.cast(t.DateKey), key, d.cast(t.DateKey),
		settingsClause(t.Settings))
	return driver.Statement{
		Text:    text,
		Args:    []any{driver.BoundArg(start, t.DateKey), driver.BoundArg(end, t.DateKey)},
		Secrets: secrets,
	}
}

func (d *Dialect) CompactStatement(t driver.Table, cluster string) driver.Statement {
	text := "OPTIMIZE TABLE " + d.QualifyTable(t.Schema, t.Compact)
	if cluster != "" {
		text += " ON CLUSTER " + Literal(cluster)
	}
	return driver.Statement{Text: text + " FINAL"}
}

func (d *Dialect) AggregateStatement(a driver.Aggregate) driver.Statement {
	var b strings.Builder
	key := d.QuoteIdentifier(a.PartitionKey)
	fmt.Fprintf(&b, "SELECT count() AS rows, uniqExact(%s) AS distinct_ids, min(%s) AS min_key, max(%s) AS max_key, max(%s) AS max_version FROM %s",
		d.QuoteIdentifier(a.IDColumn), key, key, d.QuoteIdentifier(a.VersionColumn), d.QualifyTable(a.Schema, a.Table))
	if a.Final {
		b.WriteString(" FINAL")
	}
	var args []any
	if a.Bounded() {
		fmt.Fprintf(&b, " WHERE %s >= %s AND %s < %s", key, d.cast(a.DateKey), key, d.cast(a.DateKey))
		args = []any{driver.BoundArg(a.Start, a.DateKey), driver.BoundArg(a.End, a.DateKey)}
	}
	return driver.Statement{Text: b.String(), Args: args, ReturnsRows: true}
}

func (d *Dialect) ShardDistributionStatement(t driver.Table, cluster string) (driver.Statement, bool) {
	if cluster == "" {
		return driver.Statement{}, false
	}
	text := fmt.Sprintf("SELECT shardNum() AS shard, sum(rows) AS rows, sum(bytes_on_disk) AS bytes "+
		"FROM cluster(%s, system.parts) WHERE database = ? AND table = ? AND active "+
		"GROUP BY shard ORDER BY shard", Literal(cluster))
	return driver.Statement{
		Text:        text,
		Args:        []any{t.Schema, t.Compact},
		ReturnsRows: true,
	}, true
}
