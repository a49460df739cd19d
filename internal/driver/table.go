package driver

import "github.com/johndauphine/shard-migrate/internal/config"

// Table is the engine-neutral description of one migrated table: where it
// lives on the destination, and how the destination reaches the source.
type Table struct {
	Name          string
	Schema        string
	Target        string
	Compact       string
	Verify        string
	PartitionKey  string
	DateKey       bool
	IDColumn      string
	VersionColumn string
	Columns       []string
	Settings      []string // sorted key=value
	Source        Source
}

// Source describes how the destination addresses the source table.
type Source struct {
	Type     string
	Database string
	Schema   string
	Table    string

	// ClickHouse remote()
	Address         string
	NamedCollection string
	User            string
	Password        string

	ForeignSchema string // postgres_fdw
	LinkedServer  string // SQL Server linked server
}

// NewTable merges a table config with the source connection config.
func NewTable(tc config.TableConfig, src config.DatabaseConfig) Table {
	return Table{
		Name:          tc.Name,
		Schema:        tc.Schema,
		Target:        tc.TargetTable,
		Compact:       tc.CompactTable,
		Verify:        tc.VerifyTable,
		PartitionKey:  tc.PartitionKey,
		DateKey:       tc.DateKey(),
		IDColumn:      tc.IDColumn,
		VersionColumn: tc.VersionColumn,
		Columns:       tc.Columns,
		Settings:      tc.SettingsList(),
		Source: Source{
			Type:            src.Type,
			Database:        src.Database,
			Schema:          tc.SourceSchema,
			Table:           tc.SourceTable,
			Address:         src.RemoteAddress,
			NamedCollection: src.NamedCollection,
			User:            src.User,
			Password:        src.Password,
			ForeignSchema:   src.ForeignSchema,
			LinkedServer:    src.LinkedServer,
		},
	}
}

// SourceAggregate describes the source-side reconciliation aggregate,
// executed on the source connection.
func (t Table) SourceAggregate() Aggregate {
	return Aggregate{
		Schema:        t.Source.Schema,
		Table:         t.Source.Table,
		PartitionKey:  t.PartitionKey,
		DateKey:       t.DateKey,
		IDColumn:      t.IDColumn,
		VersionColumn: t.VersionColumn,
	}
}

// DestinationAggregate reads the post-compaction view: the configured verify
// table as-is, or the target through the engine's deduplicated read.
func (t Table) DestinationAggregate() Aggregate {
	a := Aggregate{
		Schema:        t.Schema,
		Table:         t.Target,
		Final:         true,
		PartitionKey:  t.PartitionKey,
		DateKey:       t.DateKey,
		IDColumn:      t.IDColumn,
		VersionColumn: t.VersionColumn,
	}
	if t.Verify != "" {
		a.Table = t.Verify
		a.Final = false
	}
	return a
}
