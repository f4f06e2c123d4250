// trackit-collector is the backend that TrackIt agents report to.
//
// It accepts agent websockets on /ws, stores processed_data reports in
// SQLite and exposes an admin API for pushing schedules and on-demand
// requests.
//
// Usage:
//
//	trackit-collector [flags]
//
// Flags:
//
//	--config string     Path to configuration file
//	--listen string     Listen address (default from [backend] listen)
//	--db string         SQLite database path
//	--baseline string   YAML file of schedules pushed to every agent
//	--preset string     Built-in baseline schedule preset
//	--verbose           Enable verbose logging
//	--version           Print version and exit
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"gitlab.com/tinyland/lab/trackit/pkg/backend"
	"gitlab.com/tinyland/lab/trackit/pkg/config"
	"gitlab.com/tinyland/lab/trackit/pkg/logging"
)

var (
	version = "0.1.0"
	commit  = "dev"
	date    = "unknown"
)

func main() {
	var (
		configPath   = pflag.String("config", "", "Path to configuration file")
		listen       = pflag.String("listen", "", "Listen address")
		dbPath       = pflag.String("db", "", "SQLite database path")
		baselinePath = pflag.String("baseline", "", "YAML file of baseline schedules")
		preset       = pflag.String("preset", "", "Baseline schedule preset")
		verbose      = pflag.BoolP("verbose", "v", false, "Enable verbose logging")
		showVersion  = pflag.Bool("version", false, "Print version and exit")
	)
	pflag.Parse()

	if *showVersion {
		fmt.Printf("trackit-collector %s (%s) built %s\n", version, commit, date)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *listen != "" {
		cfg.Backend.Listen = *listen
	}
	if *dbPath != "" {
		cfg.Backend.Database = *dbPath
	}
	if *baselinePath != "" {
		cfg.Backend.BaselineSchedules = *baselinePath
	}
	if *preset != "" {
		cfg.Backend.BaselinePreset = *preset
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger, closeLog, err := logging.New(logging.FromConfig(cfg, *verbose))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to set up logging: %v\n", err)
		os.Exit(1)
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("collector failed", "error", err)
		stop()
		closeLog()
		os.Exit(1)
	}
	logger.Info("collector stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	baseline, err := backend.LoadBaseline(cfg.Backend.BaselinePreset, cfg.Backend.BaselineSchedules)
	if err != nil {
		return err
	}

	store, err := backend.OpenStore(config.ExpandHome(cfg.Backend.Database))
	if err != nil {
		return err
	}
	defer store.Close()

	srv := backend.New(backend.Config{
		Store:           store,
		Baseline:        baseline,
		CORSOrigins:     cfg.Backend.CORSOrigins,
		MaxMessageBytes: cfg.Server.MaxMessageBytes,
		Logger:          logger,
	})
	logger.Info("starting trackit-collector",
		"version", version,
		"database", cfg.Backend.Database,
		"baseline_schedules", len(baseline),
	)
	return srv.ListenAndServe(ctx, cfg.Backend.Listen)
}
