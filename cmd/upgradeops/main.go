package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/joestump/upgrade-ops/internal/build"
	"github.com/joestump/upgrade-ops/internal/config"
	"github.com/joestump/upgrade-ops/internal/db"
	"github.com/joestump/upgrade-ops/internal/hub"
	"github.com/joestump/upgrade-ops/internal/logging"
	"github.com/joestump/upgrade-ops/internal/mcpserver"
	"github.com/joestump/upgrade-ops/internal/memory"
	"github.com/joestump/upgrade-ops/internal/metrics"
	"github.com/joestump/upgrade-ops/internal/oracle"
	"github.com/joestump/upgrade-ops/internal/outcome"
	"github.com/joestump/upgrade-ops/internal/pipeline"
	"github.com/joestump/upgrade-ops/internal/rules"
	"github.com/joestump/upgrade-ops/internal/scan"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "upgradeops",
		Short:         "Retarget legacy .NET projects and learn which fixes make them build",
		RunE:          run,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Flags shared by every subcommand: where state lives and how to log.
	pf := rootCmd.PersistentFlags()
	pf.String("state-dir", "state", "directory for the SQLite memory database")
	pf.String("memory-backend", "sqlite", "memory store: sqlite or postgres")
	pf.String("database-url", "", "PostgreSQL URL when memory-backend is postgres")
	pf.String("rules-file", "rules/dotnet_upgrade_rules.json", "path to the static rule file")
	pf.Float64("decay-weight", memory.DefaultDecayWeight, "per-day decay applied to remembered outcomes (0-1)")
	pf.Int("retention-days", 0, "ignore outcomes older than this many days (0 keeps all)")
	pf.String("log-level", "info", "log level: debug, info, warn or error")
	pf.String("log-format", "console", "log format: console or json")

	f := rootCmd.Flags()
	f.String("input", ".", "directory or .csproj to upgrade")
	f.String("output", "reports", "directory for reports and crash logs")
	f.String("target-framework", pipeline.DefaultTargetFramework, "target framework moniker")
	f.Int("max-retries", 3, "verifier fix passes before the final build")
	f.Int("memory-limit", 5, "remembered remedies recalled per pattern")
	f.String("oracle-provider", oracle.ProviderOpenAI, "generative oracle: anthropic, openai, gemini or none")
	f.String("oracle-model", "", "model name for the oracle provider")
	f.String("oracle-base-url", "", "base URL override for the oracle provider")
	f.String("oracle-api-key", "", "API key for the oracle provider")
	f.Int("oracle-timeout", 180, "seconds allowed per oracle call")
	f.Float64("oracle-rate", 1, "oracle requests per second")
	f.Int("build-timeout", 600, "seconds allowed per dotnet invocation")
	f.Bool("safe-mode", false, "on a failed build revert all edits and re-apply package rules only")
	f.Bool("incremental-check", false, "build after each autofix edit and roll back regressions")
	f.Bool("smoke-test", true, "run the application briefly after a successful build")
	f.Bool("summary", true, "ask the oracle for migration recommendations")
	f.String("metrics-file", "", "write Prometheus metrics to this textfile")
	f.Bool("follow", false, "stream each project's pipeline events to stderr")
	f.Int("log-buffer", 1000, "pipeline log lines kept per project for the report")

	// Viper keys use underscores so they match the env var suffix after
	// stripping the UPGRADEOPS_ prefix.
	bindFlag := func(viperKey, flagName string) {
		flag := f.Lookup(flagName)
		if flag == nil {
			flag = pf.Lookup(flagName)
		}
		_ = viper.BindPFlag(viperKey, flag)
	}
	for _, name := range []string{
		"state-dir", "memory-backend", "database-url", "rules-file", "decay-weight",
		"retention-days", "log-level", "log-format", "input", "output", "target-framework",
		"max-retries", "memory-limit", "oracle-provider", "oracle-model", "oracle-base-url",
		"oracle-api-key", "oracle-timeout", "oracle-rate", "build-timeout", "safe-mode",
		"incremental-check", "smoke-test", "summary", "metrics-file", "follow", "log-buffer",
	} {
		bindFlag(strings.ReplaceAll(name, "-", "_"), name)
	}

	viper.SetEnvPrefix("UPGRADEOPS")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	rootCmd.AddCommand(memoryCmd(), mcpCmd(), versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck

	log.Info("upgradeops starting",
		zap.String("version", config.Version),
		zap.String("input", cfg.Input),
		zap.String("output", cfg.Output),
		zap.String("target_framework", cfg.TargetFramework),
		zap.String("oracle", cfg.OracleProvider),
		zap.Bool("safe_mode", cfg.SafeMode),
	)

	ctx, cancel := signalContext(log)
	defer cancel()

	mem, closeMem, err := openMemory(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeMem()

	orc, err := resolveOracle(ctx, cfg, log)
	if err != nil {
		return err
	}

	m := metrics.New()
	var follow io.Writer
	if cfg.Follow {
		follow = os.Stderr
	}
	p := pipeline.New(pipeline.Config{
		TargetFramework:  cfg.TargetFramework,
		RulesFile:        cfg.RulesFile,
		OutputDir:        cfg.Output,
		MaxRetries:       cfg.MaxRetries,
		SafeMode:         cfg.SafeMode,
		IncrementalCheck: cfg.IncrementalCheck,
		SmokeTest:        cfg.SmokeTest,
		Summary:          cfg.Summary,
	}, pipeline.Deps{
		Dotnet: build.NewDotnet(build.ExecRunner{}, cfg.BuildTimeout, log.Named("dotnet")),
		Rules: rules.NewGenerator(mem, orc,
			rules.WithLogger(log.Named("rules")),
			rules.WithMemoryLimit(cfg.MemoryLimit),
			rules.WithDecayWeight(cfg.DecayWeight),
		),
		Scanner:  scan.NewScanner(log.Named("scan")),
		Oracle:   orc,
		Recorder: outcome.NewRecorder(mem, log.Named("outcome")),
		Hub:      hub.NewWithCapacity(cfg.LogBuffer),
		Metrics:  m,
		Logger:   log,
		Follow:   follow,
	})

	results, runErr := p.RunAll(ctx, cfg.Input)
	if err := m.WriteTextfile(cfg.MetricsFile); err != nil {
		log.Warn("metrics not written", zap.String("path", cfg.MetricsFile), zap.Error(err))
	}
	if runErr != nil {
		return runErr
	}

	failed := 0
	for _, r := range results {
		switch {
		case r.Err != nil:
			failed++
			fmt.Printf("ERROR   %s: %v (crash log %s)\n", r.Manifest, r.Err, r.CrashPath)
		case r.Success:
			fmt.Printf("OK      %s: %s\n", r.Manifest, r.ReportPath)
		default:
			failed++
			fmt.Printf("FAILED  %s: %s\n", r.Manifest, r.ReportPath)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d project(s) did not build", failed, len(results))
	}
	return nil
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext(log *zap.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		select {
		case sig := <-sigCh:
			log.Warn("shutting down", zap.Stringer("signal", sig))
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}

// openMemory opens the configured memory backend.
func openMemory(ctx context.Context, cfg config.Config, log *zap.Logger) (*memory.Scored, func(), error) {
	opts := []memory.Option{
		memory.WithLogger(log.Named("memory")),
		memory.WithRetentionDays(cfg.RetentionDays),
	}

	switch strings.ToLower(cfg.MemoryBackend) {
	case "", "sqlite":
		if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("create state dir: %w", err)
		}
		database, err := db.Open(filepath.Join(cfg.StateDir, "upgradeops.db"))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open database: %w", err)
		}
		return memory.New(memory.NewSQLiteBackend(database), opts...), func() { _ = database.Close() }, nil
	case "postgres":
		if cfg.DatabaseURL == "" {
			return nil, nil, fmt.Errorf("memory-backend postgres requires --database-url")
		}
		pg, err := memory.NewPostgresBackend(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open postgres memory: %w", err)
		}
		return memory.New(pg, opts...), pg.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown memory backend %q (sqlite or postgres)", cfg.MemoryBackend)
	}
}

// resolveOracle returns the configured oracle behind a rate limit and a
// per-call timeout, or nil when oracles are turned off.
func resolveOracle(ctx context.Context, cfg config.Config, log *zap.Logger) (oracle.Oracle, error) {
	registry := oracle.NewRegistry(ctx, oracle.Settings{
		Model:   cfg.OracleModel,
		APIKey:  cfg.OracleAPIKey,
		BaseURL: cfg.OracleBaseURL,
	})
	o, err := registry.ResolveByName(cfg.OracleProvider)
	if err != nil {
		return nil, err
	}
	if d, ok := o.(*oracle.Disabled); ok {
		log.Info("oracle disabled", zap.String("provider", d.Name()))
		return nil, nil
	}
	return oracle.NewLimited(o, cfg.OracleRate, cfg.OracleTimeout, log.Named("oracle")), nil
}

func memoryCmd() *cobra.Command {
	memCmd := &cobra.Command{
		Use:   "memory",
		Short: "Inspect the scored fix memory",
	}

	var limit int
	query := &cobra.Command{
		Use:   "query <pattern>",
		Short: "Show the best remembered remedies for patterns containing a substring",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
			if err != nil {
				return err
			}
			mem, closeMem, err := openMemory(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer closeMem()

			candidates := mem.Query(cmd.Context(), args[0], limit, cfg.DecayWeight)
			if len(candidates) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no prior evidence")
				return nil
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SCORE\tSAMPLES\tPATTERN\tRECOMMENDATION")
			for _, c := range candidates {
				fmt.Fprintf(tw, "%.3f\t%d\t%s\t%s\n", c.Score, c.Samples, c.Pattern, c.Recommendation)
			}
			return tw.Flush()
		},
	}
	query.Flags().IntVar(&limit, "limit", 10, "maximum candidates to show")
	memCmd.AddCommand(query)
	return memCmd
}

func mcpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve read-only memory and project tools over MCP stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			// stdout carries the protocol, so logs always go to stderr as JSON.
			log, err := logging.New(cfg.LogLevel, "json")
			if err != nil {
				return err
			}
			ctx, cancel := signalContext(log)
			defer cancel()

			mem, closeMem, err := openMemory(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer closeMem()

			s := mcpserver.NewServer(mem, cfg.RulesFile, cfg.DecayWeight, log.Named("mcp"))
			return s.Serve(ctx, os.Stdin, os.Stdout, os.Stderr)
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "upgradeops %s\n", config.Version)
		},
	}
}
