package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const baseYAML = `
source:
  type: clickhouse
  host: 192.168.9.15
  database: outpatient
  remote_address: 192.168.9.15:9000
destination:
  type: clickhouse
  host: ch-new
  database: outpatient
  cluster: dwh_sharded_cluster
migration:
  start_date: 2020-01-01
  end_date: 2024-01-01
tables:
  - name: medical_services
    schema: outpatient
    compact_table: medical_services_local
    verify_table: medical_services_actual
    partition_key: service_date
    columns: [id, version, service_date, amount]
    settings:
      max_execution_time: "3600"
      max_block_size: "100000"
`

func TestLoadBytesDefaults(t *testing.T) {
	cfg, err := LoadBytes([]byte(baseYAML))
	if err != nil {
		t.Fatalf("LoadBytes() error: %v", err)
	}

	if cfg.Source.Port != 9000 || cfg.Destination.Port != 9000 {
		t.Errorf("expected clickhouse default port 9000, got %d/%d", cfg.Source.Port, cfg.Destination.Port)
	}
	if cfg.Source.User != "default" {
		t.Errorf("expected default clickhouse user, got %q", cfg.Source.User)
	}
	m := cfg.Migration
	if m.Granularity != "1 month" {
		t.Errorf("expected default granularity '1 month', got %q", m.Granularity)
	}
	if m.MaxAttempts != 3 || m.CompactionAttempts != 3 {
		t.Errorf("expected 3 attempts, got %d/%d", m.MaxAttempts, m.CompactionAttempts)
	}
	if m.UnitTimeout != time.Hour {
		t.Errorf("expected 1h unit timeout, got %s", m.UnitTimeout)
	}

	tbl, ok := cfg.Table("medical_services")
	if !ok {
		t.Fatal("table medical_services not found")
	}
	if tbl.SourceTable != "medical_services" || tbl.TargetTable != "medical_services" {
		t.Errorf("source/target table defaults not applied: %+v", tbl)
	}
	if tbl.SourceSchema != "outpatient" {
		t.Errorf("expected source_schema to default to schema, got %q", tbl.SourceSchema)
	}
	if tbl.IDColumn != "id" || tbl.VersionColumn != "version" {
		t.Errorf("expected id/version defaults, got %q/%q", tbl.IDColumn, tbl.VersionColumn)
	}
	if !tbl.DateKey() {
		t.Error("expected date partition key by default")
	}
	if got := strings.Join(tbl.SettingsList(), ","); got != "max_block_size=100000,max_execution_time=3600" {
		t.Errorf("SettingsList() = %q", got)
	}
}

func TestDurationsParse(t *testing.T) {
	yaml := baseYAML + `
schema:
  timeout: 90s
`
	yaml = strings.Replace(yaml, "  end_date: 2024-01-01\n", "  end_date: 2024-01-01\n  initial_backoff: 2s\n  max_backoff: 1m\n  unit_timeout: 45m\n", 1)
	cfg, err := LoadBytes([]byte(yaml))
	if err != nil {
		t.Fatalf("LoadBytes() error: %v", err)
	}
	if cfg.Migration.InitialBackoff != 2*time.Second || cfg.Migration.MaxBackoff != time.Minute {
		t.Errorf("backoff = %s/%s", cfg.Migration.InitialBackoff, cfg.Migration.MaxBackoff)
	}
	if cfg.Migration.UnitTimeout != 45*time.Minute {
		t.Errorf("unit_timeout = %s", cfg.Migration.UnitTimeout)
	}
	if cfg.Schema.Timeout != 90*time.Second {
		t.Errorf("schema.timeout = %s", cfg.Schema.Timeout)
	}
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(string) string
		wantErr string
	}{
		{
			name:    "bad source type",
			mutate:  func(s string) string { return strings.Replace(s, "type: clickhouse", "type: oracle", 1) },
			wantErr: "source.type",
		},
		{
			name:    "reversed range",
			mutate:  func(s string) string { return strings.Replace(s, "start_date: 2020-01-01", "start_date: 2025-01-01", 1) },
			wantErr: "invalid range",
		},
		{
			name: "degenerate granularity",
			mutate: func(s string) string {
				return strings.Replace(s, "  end_date: 2024-01-01\n", "  end_date: 2024-01-01\n  granularity: 0d\n", 1)
			},
			wantErr: "does not advance",
		},
		{
			name:    "missing partition key",
			mutate:  func(s string) string { return strings.Replace(s, "    partition_key: service_date\n", "", 1) },
			wantErr: "partition_key is required",
		},
		{
			name: "bad key type",
			mutate: func(s string) string {
				return strings.Replace(s, "    partition_key: service_date\n", "    partition_key: service_date\n    key_type: uuid\n", 1)
			},
			wantErr: "key_type",
		},
		{
			name:    "missing destination host",
			mutate:  func(s string) string { return strings.Replace(s, "  host: ch-new\n", "", 1) },
			wantErr: "destination.host is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadBytes([]byte(tt.mutate(baseYAML)))
			if err == nil {
				t.Fatalf("expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestSQLiteNeedsPath(t *testing.T) {
	yaml := `
source: {type: sqlite, path: /tmp/src.db}
destination: {type: sqlite}
tables:
  - {name: visits, partition_key: visit_date, columns: [id, version, visit_date]}
`
	_, err := LoadBytes([]byte(yaml))
	if err == nil || !strings.Contains(err.Error(), "destination.path") {
		t.Fatalf("expected destination.path error, got %v", err)
	}
}

func TestRange(t *testing.T) {
	cfg, err := LoadBytes([]byte(baseYAML))
	if err != nil {
		t.Fatalf("LoadBytes() error: %v", err)
	}

	start, end, err := cfg.Range("", "")
	if err != nil {
		t.Fatalf("Range() error: %v", err)
	}
	if start.Year() != 2020 || end.Year() != 2024 {
		t.Errorf("Range() = %s - %s", start, end)
	}

	start, _, err = cfg.Range("2023-06-01", "")
	if err != nil {
		t.Fatalf("Range(override) error: %v", err)
	}
	if start.Year() != 2023 || start.Month() != time.June {
		t.Errorf("override not applied: %s", start)
	}

	if _, _, err := cfg.Range("2025-01-01", ""); err == nil {
		t.Error("expected invalid range error for override after end")
	}
}

func TestSelectedTables(t *testing.T) {
	cfg := &Config{
		Tables: []TableConfig{
			{Name: "medical_services"},
			{Name: "medical_visits"},
			{Name: "lab_results"},
		},
		Migration: MigrationConfig{ExcludeTables: []string{"*_visits"}},
	}

	got := cfg.SelectedTables(nil)
	if len(got) != 2 || got[0].Name != "medical_services" || got[1].Name != "lab_results" {
		t.Errorf("SelectedTables(nil) = %v", got)
	}

	got = cfg.SelectedTables([]string{"MEDICAL_*"})
	if len(got) != 1 || got[0].Name != "medical_services" {
		t.Errorf("SelectedTables(MEDICAL_*) = %v", got)
	}
}

func TestWorkerLimit(t *testing.T) {
	cfg := &Config{
		Source:      DatabaseConfig{MaxConnections: 3},
		Destination: DatabaseConfig{MaxConnections: 10},
		Migration:   MigrationConfig{Workers: 8},
	}
	if got := cfg.WorkerLimit(); got != 3 {
		t.Errorf("WorkerLimit() = %d, want 3", got)
	}
}

func TestParallelism(t *testing.T) {
	cfg := &Config{
		Source:      DatabaseConfig{MaxConnections: 2},
		Destination: DatabaseConfig{MaxConnections: 2},
		Migration:   MigrationConfig{Workers: 4},
	}
	tests := []struct {
		override int
		want     int
	}{
		{0, 2},
		{1, 1},
		{2, 2},
		{10, 2},
		{-1, 2},
	}
	for _, tt := range tests {
		if got := cfg.Parallelism(tt.override); got != tt.want {
			t.Errorf("Parallelism(%d) = %d, want %d", tt.override, got, tt.want)
		}
	}
}

func TestExpandTemplateValue(t *testing.T) {
	tmpDir := t.TempDir()
	secretFile := filepath.Join(tmpDir, "secret.txt")
	if err := os.WriteFile(secretFile, []byte("  my-secret-password  \n"), 0600); err != nil {
		t.Fatalf("failed to create secret file: %v", err)
	}

	t.Setenv("TEST_SECRET_VAR", "env-secret-value")

	tests := []struct {
		name      string
		input     string
		expected  string
		expectErr bool
	}{
		{name: "cleartext password", input: "my-plain-password", expected: "my-plain-password"},
		{name: "empty string", input: "", expected: ""},
		{name: "file template", input: "${file:" + secretFile + "}", expected: "my-secret-password"},
		{name: "env template", input: "${env:TEST_SECRET_VAR}", expected: "env-secret-value"},
		{name: "env template missing var", input: "${env:NONEXISTENT_VAR_12345}", expected: ""},
		{name: "file template missing file", input: "${file:/nonexistent/path/to/secret}", expectErr: true},
		{name: "not a template", input: "$file:/path", expected: "$file:/path"},
		{name: "empty file path", input: "${file:}", expected: "${file:}"},
		{name: "legacy env var syntax", input: "${TEST_SECRET_VAR}", expected: "env-secret-value"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := expandTemplateValue(tt.input)
			if tt.expectErr {
				if err == nil {
					t.Errorf("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if result != tt.expected {
				t.Errorf("expected %q, got %q", tt.expected, result)
			}
		})
	}
}

func TestLoadBytesWithSecretTemplates(t *testing.T) {
	tmpDir := t.TempDir()
	pwdFile := filepath.Join(tmpDir, "ch_password")
	if err := os.WriteFile(pwdFile, []byte("p@ss$word\n"), 0600); err != nil {
		t.Fatalf("failed to create password file: %v", err)
	}
	t.Setenv("TEST_DEST_PASSWORD", "env-dest-password")

	yaml := strings.Replace(baseYAML, "  remote_address: 192.168.9.15:9000\n",
		"  remote_address: 192.168.9.15:9000\n  password: ${file:"+pwdFile+"}\n", 1)
	yaml = strings.Replace(yaml, "  cluster: dwh_sharded_cluster\n",
		"  cluster: dwh_sharded_cluster\n  password: ${env:TEST_DEST_PASSWORD}\n", 1)

	cfg, err := LoadBytes([]byte(yaml))
	if err != nil {
		t.Fatalf("LoadBytes() error: %v", err)
	}
	if cfg.Source.Password != "p@ss$word" {
		t.Errorf("source password = %q, want file contents unexpanded", cfg.Source.Password)
	}
	if cfg.Destination.Password != "env-dest-password" {
		t.Errorf("destination password = %q", cfg.Destination.Password)
	}
}

func TestSanitized(t *testing.T) {
	cfg := &Config{
		Source:      DatabaseConfig{Password: "secret"},
		Destination: DatabaseConfig{Password: "secret2"},
		Slack:       SlackConfig{WebhookURL: "https://hooks.slack.com/services/x"},
	}
	s := cfg.Sanitized()
	if s.Source.Password != "[REDACTED]" || s.Destination.Password != "[REDACTED]" || s.Slack.WebhookURL != "[REDACTED]" {
		t.Errorf("Sanitized() leaked secrets: %+v", s)
	}
	if cfg.Source.Password != "secret" {
		t.Error("Sanitized() modified the original")
	}
}
