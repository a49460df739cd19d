package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/johndauphine/shard-migrate/internal/plan"
	"gopkg.in/yaml.v3"
)

// expandTilde expands ~ or ~/ at the start of a path to the user's home directory
func expandTilde(path string) string {
	if path == "" {
		return path
	}
	if path == "~" {
		home, _ := os.UserHomeDir()
		return home
	}
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// Config holds all configuration for a migration.
type Config struct {
	Source      DatabaseConfig  `yaml:"source"`
	Destination DatabaseConfig  `yaml:"destination"`
	Migration   MigrationConfig `yaml:"migration"`
	Tables      []TableConfig   `yaml:"tables"`
	Schema      SchemaConfig    `yaml:"schema"`
	Slack       SlackConfig     `yaml:"slack"`
	Report      ReportConfig    `yaml:"report"`
	Metrics     MetricsConfig   `yaml:"metrics"`
}

// SlackConfig holds Slack notification settings
type SlackConfig struct {
	WebhookURL string `yaml:"webhook_url"`
	Channel    string `yaml:"channel"`
	Username   string `yaml:"username"`
	Enabled    bool   `yaml:"enabled"`
}

// ReportConfig controls where reconciliation reports are archived.
type ReportConfig struct {
	BucketURL string `yaml:"bucket_url"` // file:///var/reports, s3://bucket?region=.., gs://bucket
	Prefix    string `yaml:"prefix"`
	Compress  bool   `yaml:"compress"` // zstd
}

// MetricsConfig enables the Prometheus endpoint.
type MetricsConfig struct {
	Address string `yaml:"address"` // e.g. ":9102"
}

// SchemaConfig lists DDL files applied to the destination before any transfer.
type SchemaConfig struct {
	Files   []string      `yaml:"files"`
	Timeout time.Duration `yaml:"timeout"`
}

// DatabaseConfig describes one side of the migration. Fields that only make
// sense for one engine are ignored by the others.
type DatabaseConfig struct {
	Type            string `yaml:"type"` // clickhouse, postgres, mssql, sqlite
	Host            string `yaml:"host"`
	Port            int    `yaml:"port"`
	Database        string `yaml:"database"`
	User            string `yaml:"user"`
	Password        string `yaml:"password"`
	Path            string `yaml:"path"`              // sqlite file
	Secure          bool   `yaml:"secure"`            // ClickHouse TLS
	SSLMode         string `yaml:"ssl_mode"`          // PostgreSQL
	Encrypt         string `yaml:"encrypt"`           // MSSQL: disable, false, true
	TrustServerCert bool   `yaml:"trust_server_cert"` // MSSQL
	MaxConnections  int    `yaml:"max_connections"`

	DialTimeout time.Duration `yaml:"dial_timeout"`

	// Destination only: ON CLUSTER target for compaction and shard stats.
	Cluster string `yaml:"cluster"`

	// Source only: how the destination reaches the source during INSERT ... SELECT.
	RemoteAddress   string `yaml:"remote_address"`   // ClickHouse remote('host:port', ...)
	NamedCollection string `yaml:"named_collection"` // ClickHouse remote(named_collection, ...)
	ForeignSchema   string `yaml:"foreign_schema"`   // postgres_fdw imported schema
	LinkedServer    string `yaml:"linked_server"`    // SQL Server linked server name
}

// MigrationConfig holds migration behavior settings
type MigrationConfig struct {
	StartDate          string        `yaml:"start_date"`
	EndDate            string        `yaml:"end_date"`
	Granularity        string        `yaml:"granularity"`
	Workers            int           `yaml:"workers"`
	MaxAttempts        int           `yaml:"max_attempts"`
	InitialBackoff     time.Duration `yaml:"initial_backoff"`
	MaxBackoff         time.Duration `yaml:"max_backoff"`
	UnitTimeout        time.Duration `yaml:"unit_timeout"`
	CompactionAttempts int           `yaml:"compaction_attempts"`
	CompactionTimeout  time.Duration `yaml:"compaction_timeout"`
	VerifyTimeout      time.Duration `yaml:"verify_timeout"`
	SkewThreshold      float64       `yaml:"skew_threshold"`
	DataDir            string        `yaml:"data_dir"`
	IncludeTables      []string      `yaml:"include_tables"` // glob patterns
	ExcludeTables      []string      `yaml:"exclude_tables"` // glob patterns
}

// TableConfig describes one versioned, time-partitioned table.
type TableConfig struct {
	Name          string            `yaml:"name"`
	Schema        string            `yaml:"schema"`        // destination database/schema
	SourceSchema  string            `yaml:"source_schema"` // defaults to Schema
	SourceTable   string            `yaml:"source_table"`  // defaults to Name
	TargetTable   string            `yaml:"target_table"`  // defaults to Name
	CompactTable  string            `yaml:"compact_table"` // e.g. medical_services_local
	VerifyTable   string            `yaml:"verify_table"`  // e.g. medical_services_actual
	PartitionKey  string            `yaml:"partition_key"`
	KeyType       string            `yaml:"key_type"` // date or datetime
	IDColumn      string            `yaml:"id_column"`
	VersionColumn string            `yaml:"version_column"`
	Columns       []string          `yaml:"columns"`
	SchemaFile    string            `yaml:"schema_file"`
	Settings      map[string]string `yaml:"settings"`
}

// Key types for the partition column.
const (
	KeyDate     = "date"
	KeyDateTime = "datetime"
)

// DateKey reports whether the partition key is a DATE column.
func (t TableConfig) DateKey() bool {
	return t.KeyType != KeyDateTime
}

// SettingsList returns settings as sorted key=value pairs.
func (t TableConfig) SettingsList() []string {
	keys := make([]string, 0, len(t.Settings))
	for k := range t.Settings {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+t.Settings[k])
	}
	return out
}

// LoadOptions controls configuration loading behavior.
type LoadOptions struct {
	SuppressWarnings bool
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	return LoadWithOptions(path, LoadOptions{})
}

// LoadWithOptions reads configuration from a YAML file with options.
func LoadWithOptions(path string, opts LoadOptions) (*Config, error) {
	if warning := credentialFileWarning(path); warning != "" && !opts.SuppressWarnings {
		fmt.Fprint(os.Stderr, warning)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	return LoadBytes(data)
}

// LoadBytes reads configuration from YAML bytes.
func LoadBytes(data []byte) (*Config, error) {
	expanded, err := expandTemplates(string(data))
	if err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// expandTemplates resolves ${file:/path}, ${env:NAME} and legacy ${NAME}/$NAME
// references in one pass, so expanded secrets are never re-expanded.
func expandTemplates(s string) (string, error) {
	var firstErr error
	out := os.Expand(s, func(name string) string {
		v, err := expandTemplateValue("${" + name + "}")
		if err != nil && firstErr == nil {
			firstErr = err
		}
		return v
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}

// expandTemplateValue resolves a single value. File contents are trimmed.
func expandTemplateValue(v string) (string, error) {
	if !strings.HasPrefix(v, "${") || !strings.HasSuffix(v, "}") {
		return v, nil
	}
	inner := v[2 : len(v)-1]
	switch {
	case strings.HasPrefix(inner, "file:"):
		path := strings.TrimPrefix(inner, "file:")
		if path == "" {
			return v, nil
		}
		data, err := os.ReadFile(expandTilde(path))
		if err != nil {
			return "", fmt.Errorf("reading secret file %s: %w", path, err)
		}
		return strings.TrimSpace(string(data)), nil
	case strings.HasPrefix(inner, "env:"):
		name := strings.TrimPrefix(inner, "env:")
		if name == "" {
			return v, nil
		}
		return os.Getenv(name), nil
	default:
		return os.ExpandEnv(v), nil
	}
}

// DefaultDataDir returns the default data directory for state storage.
func DefaultDataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(home, ".shard-migrate")
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", err
	}
	if err := os.Chmod(dir, 0700); err != nil {
		return "", err
	}
	return dir, nil
}

func defaultPort(dbType string) int {
	switch dbType {
	case "clickhouse":
		return 9000
	case "postgres":
		return 5432
	case "mssql":
		return 1433
	default:
		return 0
	}
}

func (d *DatabaseConfig) applyDefaults() {
	d.Type = strings.ToLower(d.Type)
	switch d.Type {
	case "", "ch":
		d.Type = "clickhouse"
	case "postgresql", "pg":
		d.Type = "postgres"
	case "sqlserver":
		d.Type = "mssql"
	case "sqlite3":
		d.Type = "sqlite"
	}
	if d.Port == 0 {
		d.Port = defaultPort(d.Type)
	}
	if d.Type == "clickhouse" && d.User == "" {
		d.User = "default"
	}
	if d.SSLMode == "" {
		d.SSLMode = "require"
	}
	if d.Encrypt == "" {
		d.Encrypt = "true"
	}
	if d.MaxConnections == 0 {
		d.MaxConnections = 8
	}
	if d.DialTimeout == 0 {
		d.DialTimeout = 30 * time.Second
	}
	d.Path = expandTilde(d.Path)
}

func (c *Config) applyDefaults() {
	c.Source.applyDefaults()
	c.Destination.applyDefaults()

	m := &c.Migration
	if m.Granularity == "" {
		m.Granularity = "1 month"
	}
	if m.Workers == 0 {
		m.Workers = 4
	}
	if m.MaxAttempts == 0 {
		m.MaxAttempts = 3
	}
	if m.InitialBackoff == 0 {
		m.InitialBackoff = 5 * time.Second
	}
	if m.MaxBackoff == 0 {
		m.MaxBackoff = 5 * time.Minute
	}
	if m.UnitTimeout == 0 {
		m.UnitTimeout = time.Hour
	}
	if m.CompactionAttempts == 0 {
		m.CompactionAttempts = 3
	}
	if m.CompactionTimeout == 0 {
		m.CompactionTimeout = 6 * time.Hour
	}
	if m.VerifyTimeout == 0 {
		m.VerifyTimeout = 30 * time.Minute
	}
	if m.SkewThreshold == 0 {
		m.SkewThreshold = 1.5
	}
	m.DataDir = expandTilde(m.DataDir)

	if c.Schema.Timeout == 0 {
		c.Schema.Timeout = 10 * time.Minute
	}
	for i := range c.Schema.Files {
		c.Schema.Files[i] = expandTilde(c.Schema.Files[i])
	}

	for i := range c.Tables {
		t := &c.Tables[i]
		if t.SourceSchema == "" {
			t.SourceSchema = t.Schema
		}
		if t.SourceTable == "" {
			t.SourceTable = t.Name
		}
		if t.TargetTable == "" {
			t.TargetTable = t.Name
		}
		if t.CompactTable == "" {
			t.CompactTable = t.TargetTable
		}
		if t.IDColumn == "" {
			t.IDColumn = "id"
		}
		if t.VersionColumn == "" {
			t.VersionColumn = "version"
		}
		if t.KeyType == "" {
			t.KeyType = KeyDate
		}
		t.KeyType = strings.ToLower(t.KeyType)
		t.SchemaFile = expandTilde(t.SchemaFile)
	}
}

var validTypes = map[string]bool{"clickhouse": true, "postgres": true, "mssql": true, "sqlite": true}

func (d *DatabaseConfig) validate(side string) error {
	if !validTypes[d.Type] {
		return fmt.Errorf("%s.type must be one of clickhouse, postgres, mssql, sqlite; got '%s'", side, d.Type)
	}
	if d.Type == "sqlite" {
		if d.Path == "" {
			return fmt.Errorf("%s.path is required for sqlite", side)
		}
		return nil
	}
	if d.Host == "" {
		return fmt.Errorf("%s.host is required", side)
	}
	if d.Database == "" {
		return fmt.Errorf("%s.database is required", side)
	}
	return nil
}

func (c *Config) validate() error {
	if err := c.Source.validate("source"); err != nil {
		return err
	}
	if err := c.Destination.validate("destination"); err != nil {
		return err
	}

	m := c.Migration
	if m.Workers < 1 {
		return fmt.Errorf("migration.workers must be at least 1")
	}
	if m.MaxAttempts < 1 {
		return fmt.Errorf("migration.max_attempts must be at least 1")
	}
	if m.CompactionAttempts < 1 {
		return fmt.Errorf("migration.compaction_attempts must be at least 1")
	}
	if m.MaxBackoff < m.InitialBackoff {
		return fmt.Errorf("migration.max_backoff (%s) is less than initial_backoff (%s)", m.MaxBackoff, m.InitialBackoff)
	}
	if m.SkewThreshold < 1 {
		return fmt.Errorf("migration.skew_threshold must be >= 1")
	}
	if _, err := plan.ParseGranularity(m.Granularity); err != nil {
		return fmt.Errorf("migration.granularity: %w", err)
	}
	// The range may be supplied on the command line instead.
	if m.StartDate != "" && m.EndDate != "" {
		if _, _, err := plan.ParseRange(m.StartDate, m.EndDate); err != nil {
			return fmt.Errorf("migration range: %w", err)
		}
	}

	if len(c.Tables) == 0 {
		return fmt.Errorf("missing required tables list")
	}
	seen := make(map[string]bool, len(c.Tables))
	for i, t := range c.Tables {
		if t.Name == "" {
			return fmt.Errorf("tables[%d].name is required", i)
		}
		if seen[t.Name] {
			return fmt.Errorf("duplicate table %q", t.Name)
		}
		seen[t.Name] = true
		if t.PartitionKey == "" {
			return fmt.Errorf("table %s: partition_key is required", t.Name)
		}
		if t.KeyType != KeyDate && t.KeyType != KeyDateTime {
			return fmt.Errorf("table %s: key_type must be 'date' or 'datetime'", t.Name)
		}
		if len(t.Columns) == 0 {
			return fmt.Errorf("table %s: columns list is required", t.Name)
		}
	}
	return nil
}

// Range resolves the migration range, letting non-empty overrides win.
func (c *Config) Range(fromOverride, toOverride string) (time.Time, time.Time, error) {
	from, to := c.Migration.StartDate, c.Migration.EndDate
	if fromOverride != "" {
		from = fromOverride
	}
	if toOverride != "" {
		to = toOverride
	}
	if from == "" || to == "" {
		return time.Time{}, time.Time{}, fmt.Errorf("missing required date range (migration.start_date/end_date or --from/--to)")
	}
	return plan.ParseRange(from, to)
}

// Table returns the named table config.
func (c *Config) Table(name string) (TableConfig, bool) {
	for _, t := range c.Tables {
		if t.Name == name {
			return t, true
		}
	}
	return TableConfig{}, false
}

// SelectedTables applies include/exclude glob patterns (case-insensitive).
// An explicit list overrides the configured include patterns.
func (c *Config) SelectedTables(only []string) []TableConfig {
	include := c.Migration.IncludeTables
	if len(only) > 0 {
		include = only
	}
	exclude := c.Migration.ExcludeTables

	var selected []TableConfig
	for _, t := range c.Tables {
		name := strings.ToLower(t.Name)
		if len(include) > 0 && !matchAny(include, name) {
			continue
		}
		if matchAny(exclude, name) {
			continue
		}
		selected = append(selected, t)
	}
	return selected
}

func matchAny(patterns []string, name string) bool {
	for _, pattern := range patterns {
		if match, _ := filepath.Match(strings.ToLower(pattern), name); match {
			return true
		}
	}
	return false
}

// WorkerLimit caps the configured workers by the smaller connection pool.
func (c *Config) WorkerLimit() int {
	w := c.Migration.Workers
	if c.Source.MaxConnections < w {
		w = c.Source.MaxConnections
	}
	if c.Destination.MaxConnections < w {
		w = c.Destination.MaxConnections
	}
	if w < 1 {
		w = 1
	}
	return w
}

// Parallelism resolves a --workers override. The override can lower the
// worker count but never raise it past WorkerLimit, since the connection
// pools are sized from it.
func (c *Config) Parallelism(override int) int {
	limit := c.WorkerLimit()
	if override > 0 && override < limit {
		return override
	}
	return limit
}

// Sanitized returns a copy of the config with sensitive fields redacted
func (c *Config) Sanitized() *Config {
	sanitized := *c

	if sanitized.Source.Password != "" {
		sanitized.Source.Password = "[REDACTED]"
	}
	if sanitized.Destination.Password != "" {
		sanitized.Destination.Password = "[REDACTED]"
	}
	if sanitized.Slack.WebhookURL != "" {
		sanitized.Slack.WebhookURL = "[REDACTED]"
	}

	return &sanitized
}
