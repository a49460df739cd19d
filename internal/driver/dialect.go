package driver

import (
	"strings"
	"time"
)

// Statement is a parameterized SQL statement plus the metadata needed to run
// and log it safely.
type Statement struct {
	Text        string
	Args        []any
	ReturnsRows bool

	// Secrets are substrings of Text (inline credentials) masked by String.
	Secrets []string
}

// String renders the statement for logs and dry runs with secrets masked.
func (s Statement) String() string {
	text := s.Text
	for _, secret := range s.Secrets {
		if secret != "" {
			text = strings.ReplaceAll(text, secret, "******")
		}
	}
	return text
}

// Aggregate describes the reconciliation aggregate over one table. The
// statement must return a single row:
//
//	rows, distinct_ids, min_key, max_key, max_version
//
// A zero Start and End means the whole table.
type Aggregate struct {
	Schema        string
	Table         string
	Final         bool // read through the engine's deduplicated view
	PartitionKey  string
	DateKey       bool
	IDColumn      string
	VersionColumn string
	Start         time.Time
	End           time.Time
}

// Bounded reports whether the aggregate is scoped to a range.
func (a Aggregate) Bounded() bool {
	return !a.Start.IsZero() || !a.End.IsZero()
}

// Dialect renders the engine-specific SQL used by a migration.
type Dialect interface {
	// Name returns the engine name the dialect belongs to.
	Name() string

	// QuoteIdentifier quotes a single identifier.
	QuoteIdentifier(name string) string

	// QualifyTable returns the quoted schema.table reference.
	QualifyTable(schema, table string) string

	// TransferStatement renders the destination-side INSERT ... SELECT that
	// copies [start, end) from the source. Executed on the destination.
	TransferStatement(t Table, start, end time.Time) Statement

	// CompactStatement renders the highest-version-wins merge for a table.
	CompactStatement(t Table, cluster string) Statement

	// AggregateStatement renders the reconciliation aggregate.
	AggregateStatement(a Aggregate) Statement

	// ShardDistributionStatement returns rows and bytes per shard as
	// (shard, rows, bytes). ok is false when the engine is not sharded.
	ShardDistributionStatement(t Table, cluster string) (stmt Statement, ok bool)
}

// BoundArg formats a window bound as the literal each dialect casts
// server-side (toDate(?), $1::date, CAST(@p1 AS date), plain text in sqlite).
func BoundArg(t time.Time, dateKey bool) string {
	if dateKey {
		return t.UTC().Format("2006-01-02")
	}
	return t.UTC().Format("2006-01-02 15:04:05")
}

// QuoteWith quotes each column with the dialect and joins them.
func QuoteWith(d Dialect, cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = d.QuoteIdentifier(c)
	}
	return strings.Join(quoted, ", ")
}
