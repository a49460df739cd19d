package postgres

import (
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/johndauphine/shard-migrate/internal/config"
	"github.com/johndauphine/shard-migrate/internal/driver"
)

func visits() driver.Table {
	return driver.Table{
		Name:          "visits",
		Schema:        "public",
		Target:        "visits",
		Compact:       "visits",
		PartitionKey:  "visit_date",
		DateKey:       true,
		IDColumn:      "id",
		VersionColumn: "version",
		Columns:       []string{"id", "version", "visit_date"},
		Source:        driver.Source{Schema: "public", Table: "visits", ForeignSchema: "legacy"},
	}
}

func TestTransferStatement(t *testing.T) {
	d := &Dialect{}
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	stmt := d.TransferStatement(visits(), start, start.AddDate(0, 0, 7))

	want := `INSERT INTO "public"."visits" ("id", "version", "visit_date") SELECT "id", "version", "visit_date" ` +
		`FROM "legacy"."visits" WHERE "visit_date" >= $1::date AND "visit_date" < $2::date`
	if stmt.Text != want {
		t.Errorf("TransferStatement() =\n%s\nwant\n%s", stmt.Text, want)
	}
	if stmt.Args[1] != "2024-01-08" {
		t.Errorf("end bound = %v", stmt.Args[1])
	}
}

func TestCompactStatement(t *testing.T) {
	got := (&Dialect{}).CompactStatement(visits(), "ignored").Text
	if !strings.HasPrefix(got, `DELETE FROM "public"."visits" a USING "public"."visits" b WHERE a."id" = b."id"`) {
		t.Errorf("CompactStatement() = %s", got)
	}
	if !strings.Contains(got, "a.ctid > b.ctid") {
		t.Errorf("expected ctid tie-break: %s", got)
	}
}

func TestAggregateDatetimeKey(t *testing.T) {
	a := visits().DestinationAggregate()
	a.DateKey = false
	a.Start = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	a.End = time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	stmt := (&Dialect{}).AggregateStatement(a)
	if !strings.Contains(stmt.Text, `"visit_date" >= $1::timestamp`) {
		t.Errorf("expected timestamp cast: %s", stmt.Text)
	}
	if stmt.Args[0] != "2024-01-01 00:00:00" {
		t.Errorf("start arg = %v", stmt.Args[0])
	}
}

func TestBuildDSN(t *testing.T) {
	dsn := BuildDSN(config.DatabaseConfig{
		Host: "pg", Port: 5432, Database: "dwh", User: "user@corp", Password: "p@ss:w/rd", SSLMode: "disable",
	})
	if !strings.HasPrefix(dsn, "postgres://user%40corp:p%40ss%3Aw%2Frd@pg:5432/dwh?") {
		t.Errorf("credentials not escaped: %s", dsn)
	}
	if !strings.Contains(dsn, "sslmode=disable") {
		t.Errorf("missing sslmode: %s", dsn)
	}
}

func TestClassify(t *testing.T) {
	d := &Driver{}
	tests := []struct {
		code string
		want driver.ErrorKind
	}{
		{"40P01", driver.Transient},
		{"08006", driver.Transient},
		{"57014", driver.Transient},
		{"42P01", driver.Fatal},
		{"23505", driver.Fatal},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			if got := d.Classify(&pgconn.PgError{Code: tt.code}); got != tt.want {
				t.Errorf("Classify(%s) = %s, want %s", tt.code, got, tt.want)
			}
		})
	}
}
