// Package scheduler turns stored schedules into timed collections. A tick
// scans the schedule store, runs every schedule whose interval has elapsed
// since its last recorded run, delivers each result and records the run, then
// flushes the run-state ledger once.
//
// The scheduler does not clock itself. The host calls Tick at its own cadence
// (the daemon uses robfig/cron); ticks are serialized, so the ledger always
// has a single writer.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"gitlab.com/tinyland/lab/trackit/pkg/clock"
	"gitlab.com/tinyland/lab/trackit/pkg/collectors"
	"gitlab.com/tinyland/lab/trackit/pkg/delivery"
	"gitlab.com/tinyland/lab/trackit/pkg/ledger"
	"gitlab.com/tinyland/lab/trackit/pkg/schedule"
)

// Gatherer collects a set of capabilities into one result.
type Gatherer interface {
	Gather(ctx context.Context, names []string) collectors.Result
}

// Deliverer hands a result to the collector or the offline cache.
type Deliverer interface {
	Deliver(ctx context.Context, r collectors.Result) (delivery.Mode, error)
}

// Config holds the collaborators of a Scheduler. Clock and Logger are
// optional.
type Config struct {
	Store     schedule.Store
	Ledger    *ledger.Ledger
	Collector Gatherer
	Sink      Deliverer
	Clock     clock.Clock
	Logger    *slog.Logger
}

// RunReport describes one schedule executed during a tick.
type RunReport struct {
	ScheduleID string        `json:"schedule_id"`
	DeliveryID string        `json:"delivery_id"`
	Mode       delivery.Mode `json:"mode"`
	// Failed lists capabilities that produced an error entry.
	Failed        []string `json:"failed,omitempty"`
	DeliveryError string   `json:"delivery_error,omitempty"`
}

// TickReport summarizes one tick.
type TickReport struct {
	Now      time.Time     `json:"now"`
	Duration time.Duration `json:"duration"`
	Scanned  int           `json:"scanned"`
	Runs     []RunReport   `json:"runs"`
	Flushed  bool          `json:"flushed"`

	FlushError string `json:"flush_error,omitempty"`
	ScanError  string `json:"scan_error,omitempty"`
}

// CapabilityErrors returns the number of failed capabilities across all runs.
func (r TickReport) CapabilityErrors() int {
	n := 0
	for _, run := range r.Runs {
		n += len(run.Failed)
	}
	return n
}

// DeliveryErrors returns the runs whose delivery failed.
func (r TickReport) DeliveryErrors() []RunReport {
	var out []RunReport
	for _, run := range r.Runs {
		if run.DeliveryError != "" {
			out = append(out, run)
		}
	}
	return out
}

// Scheduler runs due schedules. It is safe for concurrent use; concurrent
// Tick calls run one after another.
type Scheduler struct {
	cfg    Config
	logger *slog.Logger

	mu   sync.Mutex // serializes ticks and ledger writes
	last *TickReport
}

// New returns a Scheduler for cfg.
func New(cfg Config) *Scheduler {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{cfg: cfg, logger: logger.With("component", "scheduler")}
}

// Tick runs one pass. The returned error is non-nil when the schedule store
// could not be listed (nothing ran) or the ledger could not be flushed (the
// runs happened and stay recorded in memory; the next tick retries the
// flush). Capability and delivery failures are reported in the TickReport
// only.
func (s *Scheduler) Tick(ctx context.Context) (report TickReport, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.cfg.Clock.Now()
	report = TickReport{Now: now, Runs: []RunReport{}}
	start := time.Now()
	defer func() {
		report.Duration = time.Since(start)
		r := report
		s.last = &r
	}()

	scheds, err := s.cfg.Store.ListAll(ctx)
	if err != nil {
		report.ScanError = err.Error()
		s.logger.Error("list schedules", "error", err)
		return report, fmt.Errorf("scheduler: list schedules: %w", err)
	}
	report.Scanned = len(scheds)

	for _, sched := range scheds {
		if ctx.Err() != nil {
			s.logger.Warn("tick interrupted", "error", ctx.Err())
			break
		}
		if !s.cfg.Ledger.IsDue(sched.ID, sched.Interval, now) {
			continue
		}
		rr, ok := s.run(ctx, sched, now)
		if !ok {
			s.logger.Warn("tick interrupted", "schedule", sched.ID, "error", ctx.Err())
			break
		}
		report.Runs = append(report.Runs, rr)
	}

	// A failed flush from an earlier tick leaves the ledger dirty, so it is
	// retried here even when nothing ran.
	if !s.cfg.Ledger.Dirty() {
		if len(report.Runs) == 0 {
			s.logger.Debug("tick idle", "scanned", report.Scanned)
		}
		return report, nil
	}
	if err := s.cfg.Ledger.Flush(); err != nil {
		report.FlushError = err.Error()
		s.logger.Error("flush ledger", "error", err)
		return report, fmt.Errorf("scheduler: %w", err)
	}
	report.Flushed = true
	s.logger.Info("tick complete",
		"scanned", report.Scanned,
		"ran", len(report.Runs),
		"capability_errors", report.CapabilityErrors(),
		"delivery_errors", len(report.DeliveryErrors()),
	)
	return report, nil
}

// run collects, delivers and records one due schedule. It reports false,
// with nothing delivered or recorded, when ctx ended during the gather; the
// schedule stays due.
func (s *Scheduler) run(ctx context.Context, sched schedule.Schedule, now time.Time) (RunReport, bool) {
	result := s.cfg.Collector.Gather(ctx, sched.Capabilities)
	if ctx.Err() != nil {
		return RunReport{}, false
	}
	result.ScheduleID = sched.ID

	rr := RunReport{
		ScheduleID: sched.ID,
		DeliveryID: result.DeliveryID,
		Failed:     result.Failed(),
	}

	mode, err := s.cfg.Sink.Deliver(ctx, result)
	rr.Mode = mode
	if err != nil {
		rr.DeliveryError = err.Error()
		var de *delivery.DeliveryError
		if errors.As(err, &de) {
			s.logger.Warn("emit failed", "schedule", sched.ID, "error", err)
		} else {
			s.logger.Error("offline write failed", "schedule", sched.ID, "error", err)
		}
	}

	// Recorded even when delivery failed.
	s.cfg.Ledger.RecordRun(sched.ID, sched.Interval, now)
	s.logger.Debug("schedule ran",
		"schedule", sched.ID,
		"mode", mode,
		"failed", rr.Failed,
		"delivery_id", result.DeliveryID,
	)
	return rr, true
}

// Forget drops the run record of id. The removal reaches disk with the next
// tick's flush.
func (s *Scheduler) Forget(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.Ledger.Remove(id)
}

// Runs returns the ledger's run records sorted by schedule id.
func (s *Scheduler) Runs() []ledger.RunRecord {
	return s.cfg.Ledger.Snapshot()
}

// LastReport returns the report of the most recent tick.
func (s *Scheduler) LastReport() (TickReport, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return TickReport{}, false
	}
	return *s.last, true
}
