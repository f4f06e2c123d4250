package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"gitlab.com/tinyland/lab/trackit/pkg/daemon"
	"gitlab.com/tinyland/lab/trackit/pkg/scheduler"
)

// Run operates the agent as a daemon until ctx is cancelled. It holds the
// PID file, serves the IPC socket, keeps the collector connection alive and
// ticks the scheduler every tick_interval. Ticks never overlap.
func (a *Agent) Run(ctx context.Context) error {
	if err := daemon.AcquirePID(a.cfg.PIDPath()); err != nil {
		return fmt.Errorf("agent: %w", err)
	}
	defer func() {
		if err := daemon.ReleasePID(a.cfg.PIDPath()); err != nil {
			a.logger.Warn("release pid file", "error", err)
		}
	}()

	ipc := daemon.NewIPCServer(a.cfg.SocketPath(), a, a.logger)
	if err := ipc.Start(); err != nil {
		return fmt.Errorf("agent: %w", err)
	}
	defer ipc.Stop()

	var wg sync.WaitGroup
	if a.client != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = a.client.Run(ctx)
		}()
	}

	cl := cronLogger{a.logger.With("component", "cron")}
	c := cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	spec := "@every " + a.cfg.Agent.TickInterval.Duration.String()
	if _, err := c.AddFunc(spec, func() { a.tick(ctx) }); err != nil {
		return fmt.Errorf("agent: schedule ticks %q: %w", spec, err)
	}

	a.logger.Info("agent started",
		"version", a.version,
		"data_dir", a.cfg.Agent.DataDir,
		"tick_interval", a.cfg.Agent.TickInterval,
		"server", a.cfg.Server.URL,
		"capabilities", len(a.registry.List()),
	)
	a.tick(ctx)
	c.Start()

	<-ctx.Done()
	a.logger.Info("shutting down")
	<-c.Stop().Done()
	wg.Wait()
	if a.client != nil {
		a.client.Wait()
	}
	return nil
}

// RunOnce runs a single tick. When the agent was built with Connect it first
// waits up to wait for the collector connection; a tick that starts
// disconnected delivers offline.
func (a *Agent) RunOnce(ctx context.Context, wait time.Duration) (scheduler.TickReport, error) {
	if a.client == nil {
		return a.Tick(ctx)
	}

	clientCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = a.client.Run(clientCtx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	deadline := time.NewTimer(wait)
	defer deadline.Stop()
	poll := time.NewTicker(20 * time.Millisecond)
	defer poll.Stop()
	for !a.client.Connected() {
		select {
		case <-ctx.Done():
			return scheduler.TickReport{}, ctx.Err()
		case <-deadline.C:
			a.logger.Warn("collector unreachable, delivering offline", "server", a.cfg.Server.URL, "waited", wait)
			return a.Tick(ctx)
		case <-poll.C:
		}
	}
	return a.Tick(ctx)
}

// tick runs one pass for the cron driver. Failures are logged by the
// scheduler and surface in the health file.
func (a *Agent) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	_, _ = a.Tick(ctx)
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error(msg, append(keysAndValues, "error", err)...)
}
