// trackit is a host telemetry agent.
//
// It gathers machine-state snapshots (hardware, software, network, security,
// user info) under named schedules and delivers them to a trackit-collector
// over a websocket, falling back to a local cache while disconnected.
//
// Usage:
//
//	trackit [flags]
//
// Flags:
//
//	--daemon             Run the agent: collector connection, ticks, IPC socket
//	--once               Run one tick and print what ran
//	--connect            With --once, deliver to the collector when reachable
//	--collect string     Gather capabilities on demand (comma separated, or "all")
//	--capabilities       List capabilities by family
//	--schedules          List schedules and their next due time
//	--schedule string    Add a schedule: id:interval:cap1,cap2
//	--delete string      Remove a schedule
//	--status             Show the status of a running daemon
//	--config string      Path to configuration file
//	--verbose            Enable verbose logging
//	--version            Print version and exit
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/pflag"

	"gitlab.com/tinyland/lab/trackit/pkg/agent"
	"gitlab.com/tinyland/lab/trackit/pkg/config"
	"gitlab.com/tinyland/lab/trackit/pkg/daemon"
	"gitlab.com/tinyland/lab/trackit/pkg/logging"
	"gitlab.com/tinyland/lab/trackit/pkg/schedule"
	"gitlab.com/tinyland/lab/trackit/pkg/status"
)

var (
	version = "0.1.0"
	commit  = "dev"
	date    = "unknown"
)

// connectWait bounds how long --once --connect waits for the collector.
const connectWait = 10 * time.Second

func main() {
	var (
		configPath   = pflag.String("config", "", "Path to configuration file")
		runDaemon    = pflag.Bool("daemon", false, "Run the agent daemon")
		runOnce      = pflag.Bool("once", false, "Run one scheduler tick and exit")
		connect      = pflag.Bool("connect", false, "With --once, connect to the collector")
		collect      = pflag.String("collect", "", "Gather capabilities on demand (comma separated, or all)")
		listCaps     = pflag.Bool("capabilities", false, "List capabilities by family")
		listScheds   = pflag.Bool("schedules", false, "List schedules")
		addSchedule  = pflag.String("schedule", "", "Add a schedule: id:interval:cap1,cap2")
		delSchedule  = pflag.String("delete", "", "Remove a schedule by id")
		showStatus   = pflag.Bool("status", false, "Show the status of a running daemon")
		verbose      = pflag.BoolP("verbose", "v", false, "Enable verbose logging")
		showVersion  = pflag.Bool("version", false, "Print version and exit")
	)
	pflag.Parse()

	if *showVersion {
		fmt.Printf("trackit %s (%s) built %s\n", version, commit, date)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	cfg.Agent.DataDir = config.ExpandHome(cfg.Agent.DataDir)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	// Status queries talk to the daemon and need neither a logger nor an
	// agent of their own.
	if *showStatus {
		if err := printStatus(cfg); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}
		return
	}

	// One-shot commands keep stderr quiet unless asked.
	logOpts := logging.FromConfig(cfg, *verbose)
	if !*runDaemon && !*verbose && logOpts.Level < slog.LevelWarn {
		logOpts.Level = slog.LevelWarn
	}
	logger, closeLog, err := logging.New(logOpts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to set up logging: %v\n", err)
		os.Exit(1)
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := agent.New(agent.Options{
		Config:  cfg,
		Version: version,
		Fs:      afero.NewOsFs(),
		Logger:  logger,
		Connect: *runDaemon || (*runOnce && *connect),
	})
	if err != nil {
		logger.Error("agent init failed", "error", err)
		os.Exit(1)
	}

	out := status.New(os.Stdout)
	switch {
	case *runDaemon:
		if err := a.Run(ctx); err != nil {
			logger.Error("daemon error", "error", err)
			os.Exit(1)
		}

	case *runOnce:
		report, err := a.RunOnce(ctx, connectWait)
		fmt.Println(out.Report(report))
		if err != nil {
			logger.Error("tick failed", "error", err)
			os.Exit(1)
		}

	case *collect != "":
		res := a.Collect(ctx, splitList(*collect))
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			fmt.Fprintf(os.Stderr, "encode result: %v\n", err)
			os.Exit(1)
		}

	case *listCaps:
		fmt.Println(out.Capabilities(a.Registry().ByFamily()))

	case *listScheds:
		scheds, err := a.Store().ListAll(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}
		fmt.Println(out.Schedules(scheds, a.Scheduler().Runs(), time.Now()))

	case *addSchedule != "":
		s, err := parseScheduleFlag(*addSchedule)
		if err == nil {
			s, err = a.PutSchedule(ctx, s)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}
		fmt.Printf("schedule %s: every %s: %s\n", s.ID, s.IntervalDuration(), strings.Join(s.Capabilities, ", "))

	case *delSchedule != "":
		if err := deleteSchedule(ctx, cfg, a, *delSchedule); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}
		fmt.Printf("schedule %s deleted\n", *delSchedule)

	default:
		pflag.Usage()
		os.Exit(2)
	}
}

// printStatus asks a running daemon for its status. When none answers, the
// last health file it wrote is shown instead.
func printStatus(cfg *config.Config) error {
	out := status.New(os.Stdout)
	client := daemon.NewIPCClient(cfg.SocketPath(), 5*time.Second)
	resp, err := client.SendCommand(daemon.CmdStatus)
	if err == nil {
		var h daemon.HealthStatus
		if err := json.Unmarshal([]byte(resp), &h); err != nil {
			return fmt.Errorf("decode status: %w", err)
		}
		fmt.Println(out.Health(&h))
		return nil
	}

	h, herr := daemon.ReadHealthFile(afero.NewOsFs(), cfg.HealthPath())
	if herr != nil {
		return fmt.Errorf("daemon not running (%v) and no health file: %w", err, herr)
	}
	fmt.Fprintf(os.Stderr, "daemon not running; last recorded status:\n")
	fmt.Println(out.Health(h))
	return nil
}

// deleteSchedule routes through the daemon when one is running so that its
// in-memory ledger forgets the schedule too.
func deleteSchedule(ctx context.Context, cfg *config.Config, a *agent.Agent, id string) error {
	if pid, err := daemon.ReadPID(cfg.PIDPath()); err == nil && daemon.IsProcessAlive(pid) {
		_, err := daemon.NewIPCClient(cfg.SocketPath(), 0).SendCommand(daemon.CmdDelete + " " + id)
		return err
	}
	return a.DeleteSchedule(ctx, id)
}

// parseScheduleFlag parses id:interval:cap1,cap2. The interval is seconds or
// a Go duration.
func parseScheduleFlag(v string) (schedule.Schedule, error) {
	parts := strings.SplitN(v, ":", 3)
	if len(parts) != 3 {
		return schedule.Schedule{}, errors.New("schedule must be id:interval:cap1,cap2")
	}
	interval, err := strconv.ParseFloat(parts[1], 64)
	if err != nil {
		d, derr := time.ParseDuration(parts[1])
		if derr != nil {
			return schedule.Schedule{}, fmt.Errorf("schedule interval %q: not seconds or a duration", parts[1])
		}
		interval = d.Seconds()
	}
	return schedule.Validate(schedule.Schedule{
		ID:           parts[0],
		Interval:     interval,
		Capabilities: splitList(parts[2]),
	})
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
