package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/johndauphine/shard-migrate/internal/config"
	"github.com/johndauphine/shard-migrate/internal/exitcodes"
	"github.com/johndauphine/shard-migrate/internal/logging"
	"github.com/johndauphine/shard-migrate/internal/metrics"
	"github.com/johndauphine/shard-migrate/internal/orchestrator"
	"github.com/johndauphine/shard-migrate/internal/progress"
	"github.com/johndauphine/shard-migrate/internal/tui"
	"github.com/urfave/cli/v2"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"
)

var version = "dev"

var rangeFlags = []cli.Flag{
	&cli.StringFlag{
		Name:  "from",
		Usage: "Range start, inclusive (YYYY-MM-DD or RFC3339); overrides migration.start_date",
	},
	&cli.StringFlag{
		Name:  "to",
		Usage: "Range end, exclusive; overrides migration.end_date",
	},
	&cli.StringFlag{
		Name:  "granularity",
		Usage: "Unit size, e.g. '1 month', '7d', 'daily'; overrides migration.granularity",
	},
	&cli.StringSliceFlag{
		Name:  "tables",
		Usage: "Only these tables (glob patterns, comma separated)",
	},
}

func main() {
	app := &cli.App{
		Name:    "shard-migrate",
		Usage:   "Batched, resumable migration of time-partitioned tables into sharded stores",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "config.yaml",
				Usage:   "Path to configuration file",
			},
			&cli.StringFlag{
				Name:  "state-file",
				Usage: "Use YAML state file instead of SQLite (for Airflow/headless)",
			},
			&cli.BoolFlag{
				Name:  "output-json",
				Usage: "Write results as JSON to stdout (logs and progress go to stderr)",
			},
			&cli.StringFlag{
				Name:  "log-format",
				Value: "text",
				Usage: "Log format: text or json",
			},
			&cli.StringFlag{
				Name:  "verbosity",
				Value: "info",
				Usage: "Log verbosity level (debug, info, warn, error)",
			},
			&cli.StringFlag{
				Name:  "metrics-addr",
				Usage: "Serve Prometheus metrics on this address (overrides metrics.address)",
			},
		},
		Before: func(c *cli.Context) error {
			level, err := logging.ParseLevel(c.String("verbosity"))
			if err != nil {
				return exitcodes.NewExitError(err, exitcodes.ConfigError)
			}
			logging.SetLevel(level)

			if c.String("log-format") == "json" {
				logging.SetFormat("json")
			}

			// stdout is reserved for results
			logging.SetOutput(os.Stderr)
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:   "plan",
				Usage:  "Print the units of the selected tables without connecting",
				Action: planMigration,
				Flags: append([]cli.Flag{
					&cli.BoolFlag{
						Name:  "statements",
						Usage: "Include rendered statements (credentials masked)",
					},
				}, rangeFlags...),
			},
			{
				Name:   "run",
				Usage:  "Start a new migration",
				Action: runMigration,
				Flags: append([]cli.Flag{
					&cli.IntFlag{
						Name:  "workers",
						Usage: "Concurrent units across all tables (default: migration.workers)",
					},
					&cli.BoolFlag{
						Name:  "dry-run",
						Usage: "Render every statement without executing anything",
					},
				}, rangeFlags...),
			},
			{
				Name:   "resume",
				Usage:  "Resume the last cancelled, blocked or crashed run",
				Action: resumeMigration,
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "workers",
						Usage: "Concurrent units across all tables (default: migration.workers)",
					},
					&cli.BoolFlag{
						Name:  "force",
						Usage: "Resume even if the config has changed since the run started",
					},
					&cli.BoolFlag{
						Name:  "dry-run",
						Usage: "Show what would be resumed without executing anything",
					},
				},
			},
			{
				Name:   "status",
				Usage:  "Show the report of the current or last run",
				Action: showStatus,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "run",
						Usage: "Show a specific run ID",
					},
				},
			},
			{
				Name:   "verify",
				Usage:  "Reconcile source and destination for the selected tables",
				Action: verifyMigration,
				Flags:  rangeFlags,
			},
			{
				Name:  "history",
				Usage: "List all migration runs, or view the report of a specific run",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "run",
						Usage: "Show details for a specific run ID",
					},
					&cli.IntFlag{
						Name:  "prune-days",
						Usage: "Delete finished runs older than this many days first (SQLite state only)",
					},
				},
				Action: showHistory,
			},
			{
				Name:   "inspect",
				Usage:  "Read source aggregates and warn about rows outside the range",
				Action: inspectSource,
				Flags:  rangeFlags,
			},
			{
				Name:   "dag",
				Usage:  "Export the task graph for an external scheduler",
				Action: exportDAG,
				Flags: append([]cli.Flag{
					&cli.StringFlag{
						Name:  "format",
						Value: "json",
						Usage: "Output format: json or yaml",
					},
					&cli.BoolFlag{
						Name:  "register",
						Usage: "Create a run record so nodes can be executed with run-phase",
					},
				}, rangeFlags...),
			},
			{
				Name:      "run-phase",
				Usage:     "Execute one node of a registered task graph",
				ArgsUsage: "<phase-id>",
				Action:    runPhase,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "run",
						Required: true,
						Usage:    "Run ID printed by 'dag --register'",
					},
					&cli.StringSliceFlag{
						Name:  "depends-on",
						Usage: "Additional phase ids that must have completed",
					},
					&cli.BoolFlag{
						Name:  "force",
						Usage: "Run even if the config has changed since the run was registered",
					},
				},
			},
			{
				Name:   "watch",
				Usage:  "Live dashboard of a run (reads the state store)",
				Action: watchRun,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "run",
						Usage: "Watch a specific run ID (default: latest)",
					},
					&cli.DurationFlag{
						Name:  "interval",
						Value: 2 * time.Second,
						Usage: "Poll interval",
					},
				},
			},
			{
				Name:   "health-check",
				Usage:  "Test source and destination connectivity",
				Action: healthCheck,
			},
			{
				Name:   "config",
				Usage:  "Print the effective configuration with secrets redacted",
				Action: showConfig,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		code := exitcodes.FromError(err)
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if code != exitcodes.Success {
			fmt.Fprintf(os.Stderr, "(exit %d: %s)\n", code, exitcodes.Description(code))
		}
		os.Exit(code)
	}
}

// flagString returns a flag from the command or any parent context.
func flagString(c *cli.Context, name string) string {
	for _, ctx := range c.Lineage() {
		if ctx == nil {
			continue
		}
		if v := ctx.String(name); v != "" {
			return v
		}
	}
	return ""
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	configPath := flagString(c, "config")
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, exitcodes.NewExitError(fmt.Errorf("configuration file not found: %s", configPath), exitcodes.ConfigError)
	}
	cfg, err := config.LoadWithOptions(configPath, config.LoadOptions{SuppressWarnings: c.Bool("output-json")})
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// buildOptions collects the per-invocation overrides present on c.
func buildOptions(c *cli.Context) orchestrator.Options {
	return orchestrator.Options{
		From:        c.String("from"),
		To:          c.String("to"),
		Granularity: c.String("granularity"),
		Workers:     c.Int("workers"),
		Tables:      splitList(c.StringSlice("tables")),
		DryRun:      c.Bool("dry-run"),
		Force:       c.Bool("force"),
		StateFile:   flagString(c, "state-file"),
		OutputJSON:  c.Bool("output-json"),
		Out:         os.Stdout,
	}
}

func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func newOrchestrator(c *cli.Context, opts orchestrator.Options) (*orchestrator.Orchestrator, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, err
	}
	return orchestrator.New(cfg, opts)
}

// withProgress picks the bar on an interactive terminal and JSON lines on
// stderr otherwise, for schedulers that scrape logs.
func withProgress(opts *orchestrator.Options) {
	if term.IsTerminal(int(os.Stderr.Fd())) && !opts.OutputJSON {
		opts.ShowBar = true
		return
	}
	opts.Reporter = progress.NewJSONReporter(os.Stderr, 5*time.Second)
}

// signalContext cancels on SIGINT/SIGTERM. Units already sent finish or get
// one last attempt; state is saved for resume.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// serveMetrics exposes Prometheus metrics for the life of ctx when an
// address is configured.
func serveMetrics(ctx context.Context, c *cli.Context, cfg *config.Config, opts *orchestrator.Options) {
	addr := flagString(c, "metrics-addr")
	if addr == "" {
		addr = cfg.Metrics.Address
	}
	if addr == "" {
		return
	}
	m := metrics.New(nil)
	opts.Metrics = m
	go func() {
		if err := m.Serve(ctx, addr); err != nil {
			logging.Warn("Metrics server on %s stopped: %v", addr, err)
		}
	}()
	logging.Info("Serving metrics on %s/metrics", addr)
}

// migrate runs fn on a fully wired orchestrator with progress, metrics and
// signal handling.
func migrate(c *cli.Context, fn func(context.Context, *orchestrator.Orchestrator) error) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	opts := buildOptions(c)
	withProgress(&opts)

	ctx, stop := signalContext()
	defer stop()
	metricsCtx, stopMetrics := context.WithCancel(context.Background())
	defer stopMetrics()
	serveMetrics(metricsCtx, c, cfg, &opts)

	orch, err := orchestrator.New(cfg, opts)
	if err != nil {
		return err
	}
	defer orch.Close()
	return fn(ctx, orch)
}

func planMigration(c *cli.Context) error {
	orch, err := newOrchestrator(c, buildOptions(c))
	if err != nil {
		return err
	}
	defer orch.Close()
	return orch.Plan(c.Bool("statements"))
}

func runMigration(c *cli.Context) error {
	return migrate(c, func(ctx context.Context, o *orchestrator.Orchestrator) error {
		return o.Run(ctx)
	})
}

func resumeMigration(c *cli.Context) error {
	return migrate(c, func(ctx context.Context, o *orchestrator.Orchestrator) error {
		return o.Resume(ctx)
	})
}

func showStatus(c *cli.Context) error {
	orch, err := newOrchestrator(c, buildOptions(c))
	if err != nil {
		return err
	}
	defer orch.Close()
	return orch.ShowStatus(c.String("run"))
}

func verifyMigration(c *cli.Context) error {
	ctx, stop := signalContext()
	defer stop()
	orch, err := newOrchestrator(c, buildOptions(c))
	if err != nil {
		return err
	}
	defer orch.Close()
	return orch.VerifyTables(ctx)
}

func showHistory(c *cli.Context) error {
	orch, err := newOrchestrator(c, buildOptions(c))
	if err != nil {
		return err
	}
	defer orch.Close()

	if days := c.Int("prune-days"); days > 0 {
		pruner, ok := orch.State().(interface{ CleanupOldRuns(int) (int, error) })
		if !ok {
			return fmt.Errorf("invalid value: --prune-days needs the SQLite state store")
		}
		n, err := pruner.CleanupOldRuns(days)
		if err != nil {
			return fmt.Errorf("pruning state: %w", err)
		}
		logging.Info("Pruned %d runs older than %d days", n, days)
	}
	return orch.ShowHistory(c.String("run"))
}

func inspectSource(c *cli.Context) error {
	ctx, stop := signalContext()
	defer stop()
	orch, err := newOrchestrator(c, buildOptions(c))
	if err != nil {
		return err
	}
	defer orch.Close()
	return orch.Inspect(ctx)
}

func exportDAG(c *cli.Context) error {
	format := strings.ToLower(c.String("format"))
	if format != "json" && format != "yaml" {
		return exitcodes.NewExitError(fmt.Errorf("invalid value: --format must be json or yaml, got %q", format), exitcodes.ConfigError)
	}
	orch, err := newOrchestrator(c, buildOptions(c))
	if err != nil {
		return err
	}
	defer orch.Close()

	g, err := orch.Graph(c.Bool("register"))
	if err != nil {
		return err
	}
	if g.RunID != "" {
		logging.Info("Registered run %s; execute nodes with: run-phase --run %s <phase-id>", g.RunID, g.RunID)
	}
	if format == "yaml" {
		return g.WriteYAML(os.Stdout)
	}
	return g.WriteJSON(os.Stdout)
}

func runPhase(c *cli.Context) error {
	if c.NArg() != 1 {
		return exitcodes.NewExitError(fmt.Errorf("invalid value: run-phase takes exactly one phase id"), exitcodes.ConfigError)
	}
	return migrate(c, func(ctx context.Context, o *orchestrator.Orchestrator) error {
		if err := o.Attach(c.String("run")); err != nil {
			return err
		}
		return o.RunPhase(ctx, c.Args().First(), splitList(c.StringSlice("depends-on")))
	})
}

func watchRun(c *cli.Context) error {
	orch, err := newOrchestrator(c, buildOptions(c))
	if err != nil {
		return err
	}
	defer orch.Close()
	return tui.Start(orch, c.String("run"), c.Duration("interval"))
}

func healthCheck(c *cli.Context) error {
	orch, err := newOrchestrator(c, buildOptions(c))
	if err != nil {
		return err
	}
	defer orch.Close()

	result, err := orch.HealthCheck(context.Background())
	if err != nil {
		return err
	}
	if c.Bool("output-json") {
		data, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
	} else {
		for _, chk := range result.Checks {
			status := "OK"
			if !chk.Connected {
				status = "FAILED: " + chk.Error
			}
			fmt.Printf("%-12s %-10s %6dms  %s\n", chk.Conn, chk.Type, chk.LatencyMs, status)
		}
	}
	if !result.Healthy {
		return exitcodes.NewExitError(fmt.Errorf("health check failed"), exitcodes.ConnectionError)
	}
	return nil
}

func showConfig(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	sanitized := cfg.Sanitized()
	if c.Bool("output-json") {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(sanitized)
	}
	data, err := yaml.Marshal(sanitized)
	if err != nil {
		return err
	}
	fmt.Print(string(data))

	dataDir := cfg.Migration.DataDir
	if dataDir == "" {
		if dataDir, err = config.DefaultDataDir(); err != nil {
			return err
		}
	}
	if sf := flagString(c, "state-file"); sf != "" {
		fmt.Printf("# state: %s (YAML)\n", sf)
	} else {
		fmt.Printf("# state: %s (SQLite)\n", dataDir)
	}
	return nil
}
