package clickhouse

import (
	"strings"
	"testing"
	"time"

	"github.com/johndauphine/shard-migrate/internal/driver"
)

func medicalServices() driver.Table {
	return driver.Table{
		Name:          "medical_services",
		Schema:        "outpatient",
		Target:        "medical_services",
		Compact:       "medical_services_local",
		PartitionKey:  "service_date",
		DateKey:       true,
		IDColumn:      "id",
		VersionColumn: "version",
		Columns:       []string{"id", "version", "service_date"},
		Settings:      []string{"max_block_size=100000", "max_execution_time=3600"},
		Source: driver.Source{
			Schema:   "outpatient",
			Table:    "medical_services",
			Address:  "192.168.9.15:9000",
			User:     "default",
			Password: "s3cret",
		},
	}
}

func TestTransferStatement(t *testing.T) {
	d := &Dialect{}
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	stmt := d.TransferStatement(medicalServices(), start, start.AddDate(0, 1, 0))

	want := "INSERT INTO `outpatient`.`medical_services` (`id`, `version`, `service_date`) " +
		"SELECT `id`, `version`, `service_date` FROM remote('192.168.9.15:9000', 'outpatient', 'medical_services', 'default', 's3cret') " +
		"WHERE `service_date` >= toDate(?) AND `service_date` < toDate(?) " +
		"SETTINGS max_block_size = 100000, max_execution_time = 3600"
	if stmt.Text != want {
		t.Errorf("TransferStatement() =\n%s\nwant\n%s", stmt.Text, want)
	}
	if len(stmt.Args) != 2 || stmt.Args[0] != "2024-01-01" || stmt.Args[1] != "2024-02-01" {
		t.Errorf("args = %v", stmt.Args)
	}
	if strings.Contains(stmt.String(), "s3cret") {
		t.Errorf("String() leaked password: %s", stmt.String())
	}
}

func TestTransferStatementNamedCollection(t *testing.T) {
	d := &Dialect{}
	tbl := medicalServices()
	tbl.Source.NamedCollection = "legacy_dwh"
	tbl.DateKey = false
	tbl.Settings = nil

	stmt := d.TransferStatement(tbl, time.Date(2024, 1, 1, 6, 0, 0, 0, time.UTC), time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC))
	if !strings.Contains(stmt.Text, "FROM remote(legacy_dwh, database = 'outpatient', table = 'medical_services')") {
		t.Errorf("named collection not used: %s", stmt.Text)
	}
	if !strings.Contains(stmt.Text, ">= toDateTime(?)") {
		t.Errorf("datetime key should use toDateTime: %s", stmt.Text)
	}
	if stmt.Args[0] != "2024-01-01 06:00:00" {
		t.Errorf("datetime bound = %v", stmt.Args[0])
	}
}

func TestCompactStatement(t *testing.T) {
	d := &Dialect{}
	got := d.CompactStatement(medicalServices(), "dwh_sharded_cluster").Text
	want := "OPTIMIZE TABLE `outpatient`.`medical_services_local` ON CLUSTER 'dwh_sharded_cluster' FINAL"
	if got != want {
		t.Errorf("CompactStatement() = %q, want %q", got, want)
	}
}

func TestAggregateStatement(t *testing.T) {
	d := &Dialect{}
	a := medicalServices().DestinationAggregate()
	a.Start = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	a.End = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	stmt := d.AggregateStatement(a)
	if !strings.Contains(stmt.Text, "FROM `outpatient`.`medical_services` FINAL WHERE") {
		t.Errorf("expected FINAL read: %s", stmt.Text)
	}
	if !stmt.ReturnsRows || len(stmt.Args) != 2 {
		t.Errorf("unexpected statement metadata: %+v", stmt)
	}

	tbl := medicalServices()
	tbl.Verify = "medical_services_actual"
	stmt = d.AggregateStatement(tbl.DestinationAggregate())
	if strings.Contains(stmt.Text, "FINAL") || !strings.Contains(stmt.Text, "`medical_services_actual`") {
		t.Errorf("verify view should be read without FINAL: %s", stmt.Text)
	}
	if len(stmt.Args) != 0 || strings.Contains(stmt.Text, "WHERE") {
		t.Errorf("unbounded aggregate should have no predicate: %s", stmt.Text)
	}
}

func TestShardDistributionStatement(t *testing.T) {
	d := &Dialect{}
	if _, ok := d.ShardDistributionStatement(medicalServices(), ""); ok {
		t.Error("expected no shard statement without a cluster")
	}
	stmt, ok := d.ShardDistributionStatement(medicalServices(), "dwh_sharded_cluster")
	if !ok {
		t.Fatal("expected shard statement")
	}
	if !strings.Contains(stmt.Text, "cluster('dwh_sharded_cluster', system.parts)") {
		t.Errorf("unexpected text: %s", stmt.Text)
	}
	if stmt.Args[1] != "medical_services_local" {
		t.Errorf("expected local table arg, got %v", stmt.Args)
	}
}

func TestLiteral(t *testing.T) {
	if got := Literal(`it's a \ test`); got != `'it\'s a \\ test'` {
		t.Errorf("Literal() = %s", got)
	}
}
