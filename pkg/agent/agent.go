// Package agent assembles a running TrackIt agent: the capability registry,
// the schedule store, the run-state ledger, the scheduler, the offline cache
// and the transport to the collector. It also handles the collector's inbound
// events and the local IPC commands.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"gitlab.com/tinyland/lab/trackit/pkg/cache"
	"gitlab.com/tinyland/lab/trackit/pkg/clock"
	"gitlab.com/tinyland/lab/trackit/pkg/collectors"
	"gitlab.com/tinyland/lab/trackit/pkg/collectors/builtin"
	"gitlab.com/tinyland/lab/trackit/pkg/config"
	"gitlab.com/tinyland/lab/trackit/pkg/daemon"
	"gitlab.com/tinyland/lab/trackit/pkg/delivery"
	"gitlab.com/tinyland/lab/trackit/pkg/ledger"
	"gitlab.com/tinyland/lab/trackit/pkg/schedule"
	"gitlab.com/tinyland/lab/trackit/pkg/scheduler"
	"gitlab.com/tinyland/lab/trackit/pkg/storage"
	"gitlab.com/tinyland/lab/trackit/pkg/transport"
)

// Options configures New. Only Config is required.
type Options struct {
	Config  *config.Config
	Version string

	// Fs holds the agent's durable state. Defaults to the OS filesystem.
	Fs     afero.Fs
	Clock  clock.Clock
	Logger *slog.Logger

	// Registry replaces the built-in capabilities.
	Registry *collectors.Registry

	// Channel replaces the transport. When nil, Connect selects a websocket
	// client to Config.Server.URL; otherwise the agent stays offline.
	Channel delivery.Channel
	Connect bool
}

// Agent is one host's collection agent.
type Agent struct {
	cfg      *config.Config
	version  string
	fs       afero.Fs
	clock    clock.Clock
	logger   *slog.Logger
	id       string
	hostname string
	started  time.Time

	registry  *collectors.Registry
	store     *schedule.FileStore
	ledger    *ledger.Ledger
	cache     *cache.Store
	sink      *delivery.Sink
	scheduler *scheduler.Scheduler
	channel   delivery.Channel
	client    *transport.Client

	mu      sync.Mutex
	lastErr string
}

// New builds an agent from opts. It creates the data directory, loads or
// mints the agent id and writes the capability list.
func New(opts Options) (*Agent, error) {
	if opts.Config == nil {
		return nil, errors.New("agent: nil config")
	}
	cfg := opts.Config
	a := &Agent{
		cfg:     cfg,
		version: opts.Version,
		fs:      opts.Fs,
		clock:   opts.Clock,
		logger:  opts.Logger,
	}
	if a.fs == nil {
		a.fs = afero.NewOsFs()
	}
	if a.clock == nil {
		a.clock = clock.Real()
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	a.started = a.clock.Now()

	if err := a.fs.MkdirAll(cfg.Agent.DataDir, 0o755); err != nil {
		return nil, &storage.StorageError{Op: "mkdir", Path: cfg.Agent.DataDir, Err: err}
	}

	id, err := loadOrCreateID(a.fs, cfg.AgentIDPath())
	if err != nil {
		return nil, err
	}
	a.id = id
	a.hostname, _ = os.Hostname()
	if a.hostname == "" {
		a.hostname = "unknown"
	}
	a.logger = a.logger.With("agent_id", a.id)

	a.registry = opts.Registry
	if a.registry == nil {
		a.registry = collectors.NewRegistry(
			collectors.WithTimeout(cfg.Agent.CollectTimeout.Duration),
			collectors.WithClock(a.clock),
			collectors.WithLogger(a.logger),
			collectors.WithIdentity(a.id, a.hostname),
		)
		if err := builtin.Register(a.registry, collectors.Env{
			PublicIPURL:     cfg.Collectors.PublicIPURL,
			TailscaleSocket: cfg.Collectors.TailscaleSocket,
			AssetTag:        cfg.Agent.AssetTag,
			ProcessLimit:    cfg.Collectors.ProcessLimit,
			Logger:          a.logger,
		}); err != nil {
			return nil, fmt.Errorf("agent: %w", err)
		}
	}
	if err := storage.WriteJSON(a.fs, cfg.CapabilitiesPath(), a.registry.List()); err != nil {
		a.logger.Warn("write capability list", "error", err)
	}

	a.store = schedule.NewFileStore(a.fs, cfg.SchedulesDir(), a.logger)
	a.ledger = ledger.Load(a.fs, cfg.LedgerPath(), a.logger)
	a.cache, err = cache.NewStore(cache.StoreConfig{FS: a.fs, Dir: cfg.ResultsDir(), Logger: a.logger})
	if err != nil {
		return nil, fmt.Errorf("agent: offline cache: %w", err)
	}

	switch {
	case opts.Channel != nil:
		a.channel = opts.Channel
	case opts.Connect:
		a.client = transport.NewClient(transport.Config{
			URL:             cfg.Server.URL,
			ReconnectMin:    cfg.Server.ReconnectMin.Duration,
			ReconnectMax:    cfg.Server.ReconnectMax.Duration,
			MaxMessageBytes: cfg.Server.MaxMessageBytes,
			Logger:          a.logger,
			OnConnect:       a.Announce,
		})
		a.client.Handle(transport.EventCreateSchedule, a.HandleCreateSchedule)
		a.client.Handle(transport.EventCustomData, a.HandleCustomData)
		a.channel = a.client
	default:
		a.channel = offline{}
	}

	a.sink = delivery.NewSink(a.channel, a.cache, a.logger)
	a.scheduler = scheduler.New(scheduler.Config{
		Store:     a.store,
		Ledger:    a.ledger,
		Collector: a.registry,
		Sink:      a.sink,
		Clock:     a.clock,
		Logger:    a.logger,
	})
	return a, nil
}

// ID returns the persistent agent id.
func (a *Agent) ID() string { return a.id }

// Registry returns the capability registry.
func (a *Agent) Registry() *collectors.Registry { return a.registry }

// Store returns the schedule store.
func (a *Agent) Store() *schedule.FileStore { return a.store }

// Scheduler returns the scheduler.
func (a *Agent) Scheduler() *scheduler.Scheduler { return a.scheduler }

// Connected reports whether the collector is reachable right now.
func (a *Agent) Connected() bool { return a.channel.Connected() }

// Tick runs one scheduler pass and rewrites the health file.
func (a *Agent) Tick(ctx context.Context) (scheduler.TickReport, error) {
	report, err := a.scheduler.Tick(ctx)

	a.mu.Lock()
	a.lastErr = ""
	if err != nil {
		a.lastErr = err.Error()
	}
	a.mu.Unlock()

	if herr := daemon.WriteHealthFile(a.fs, a.cfg.HealthPath(), a.Health(ctx)); herr != nil {
		a.logger.Warn("health file", "error", herr)
	}
	return report, err
}

// Collect gathers names on demand. No due check, no ledger access. An empty
// list means every capability.
func (a *Agent) Collect(ctx context.Context, names []string) collectors.Result {
	if len(names) == 0 {
		names = []string{collectors.AllCapabilities}
	}
	return a.registry.Gather(ctx, names)
}

// PutSchedule validates and stores s.
func (a *Agent) PutSchedule(ctx context.Context, s schedule.Schedule) (schedule.Schedule, error) {
	return a.store.Put(ctx, s)
}

// DeleteSchedule removes a schedule and forgets its run record. The ledger
// change reaches disk with the next tick.
func (a *Agent) DeleteSchedule(ctx context.Context, id string) error {
	if _, ok, err := a.store.Get(ctx, id); err != nil {
		return err
	} else if !ok {
		return fmt.Errorf("schedule %q not found", id)
	}
	if err := a.store.Delete(ctx, id); err != nil {
		return err
	}
	a.scheduler.Forget(id)
	a.logger.Info("schedule deleted", "schedule", id)
	return nil
}

// Health snapshots the agent state.
func (a *Agent) Health(ctx context.Context) *daemon.HealthStatus {
	h := &daemon.HealthStatus{
		PID:        os.Getpid(),
		Version:    a.version,
		AgentID:    a.id,
		Hostname:   a.hostname,
		StartedAt:  a.started,
		UpdatedAt:  a.clock.Now(),
		ServerURL:  a.cfg.Server.URL,
		Connected:  a.channel.Connected(),
		Delivery:   a.sink.Stats(),
		Cache:      a.cache.Stats(),
		Collectors: a.registry.AllStatus(),
	}
	if scheds, err := a.store.ListAll(ctx); err == nil {
		h.Schedules = len(scheds)
	}
	if rep, ok := a.scheduler.LastReport(); ok {
		h.LastTick = rep.Now
		h.LastTickRuns = len(rep.Runs)
	}
	a.mu.Lock()
	h.LastTickError = a.lastErr
	a.mu.Unlock()
	return h
}

// loadOrCreateID returns the UUID stored at path, minting and persisting a
// new one when the file is missing or does not hold a UUID.
func loadOrCreateID(fs afero.Fs, path string) (string, error) {
	if data, err := afero.ReadFile(fs, path); err == nil {
		if id, err := uuid.Parse(strings.TrimSpace(string(data))); err == nil {
			return id.String(), nil
		}
	}
	id := uuid.NewString()
	if err := storage.AtomicWrite(fs, path, []byte(id+"\n")); err != nil {
		return "", fmt.Errorf("agent: persist id: %w", err)
	}
	return id, nil
}

// offline is the channel of an agent that never connects.
type offline struct{}

func (offline) Connected() bool { return false }

func (offline) Emit(context.Context, string, any) error { return transport.ErrNotConnected }

// platform is reported in agent_online.
var platform = runtime.GOOS + "/" + runtime.GOARCH
