// Package ledger tracks the last run of every schedule across restarts.
//
// The ledger is held in memory and written back as a single JSON document.
// Only the scheduler loop mutates it; callers that need to read it from other
// goroutines use Snapshot.
package ledger

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/spf13/afero"

	"gitlab.com/tinyland/lab/trackit/pkg/storage"
)

// RunRecord is the persisted state of one schedule.
type RunRecord struct {
	ScheduleID string    `json:"schedule_id"`
	LastRun    time.Time `json:"last_run"`
	Interval   float64   `json:"interval"` // seconds, copied from the schedule on every run
}

// Due reports whether a schedule with this record should run at now. The
// boundary is strict: a run exactly one interval later is not yet due.
func (r RunRecord) Due(now time.Time) bool {
	elapsed := now.Sub(r.LastRun).Seconds()
	return elapsed > r.Interval
}

// NextDue returns the instant after which the schedule is due again.
func (r RunRecord) NextDue() time.Time {
	return r.LastRun.Add(time.Duration(r.Interval * float64(time.Second)))
}

type document struct {
	Runs map[string]RunRecord `json:"runs"`
}

// Ledger is the in-memory run state plus its backing file.
type Ledger struct {
	fs     afero.Fs
	path   string
	logger *slog.Logger

	mu    sync.RWMutex
	runs  map[string]RunRecord
	dirty bool
}

// Load reads the ledger at path. A missing, unreadable or corrupt file yields
// an empty ledger; the latter two are logged. At worst this re-runs every
// schedule once.
func Load(fs afero.Fs, path string, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Ledger{fs: fs, path: path, logger: logger, runs: make(map[string]RunRecord)}

	doc, err := storage.ReadJSON[document](fs, path)
	if err != nil {
		if !storage.IsNotExist(err) {
			logger.Warn("run-state ledger unreadable, starting empty", "path", path, "error", err)
		}
		return l
	}
	for id, rec := range doc.Runs {
		if id == "" {
			continue
		}
		rec.ScheduleID = id
		l.runs[id] = rec
	}
	logger.Debug("run-state ledger loaded", "path", path, "records", len(l.runs))
	return l
}

// IsDue reports whether schedule id, whose current interval is interval
// seconds, should run at now. A schedule with no record is always due. The
// current interval wins over the recorded one, so a replaced schedule takes
// its new cadence immediately.
func (l *Ledger) IsDue(id string, interval float64, now time.Time) bool {
	l.mu.RLock()
	rec, ok := l.runs[id]
	l.mu.RUnlock()
	if !ok {
		return true
	}
	rec.Interval = interval
	return rec.Due(now)
}

// RecordRun stores now as the last run of id together with the schedule's
// current interval. The change is in memory only until Flush.
func (l *Ledger) RecordRun(id string, interval float64, now time.Time) {
	l.mu.Lock()
	l.runs[id] = RunRecord{ScheduleID: id, LastRun: now, Interval: interval}
	l.dirty = true
	l.mu.Unlock()
}

// Remove drops the record for id. It is a no-op for an unknown id.
func (l *Ledger) Remove(id string) {
	l.mu.Lock()
	if _, ok := l.runs[id]; ok {
		delete(l.runs, id)
		l.dirty = true
	}
	l.mu.Unlock()
}

// Flush writes the whole ledger atomically. On failure the in-memory state
// is kept and the ledger stays dirty so the next flush retries.
func (l *Ledger) Flush() error {
	l.mu.RLock()
	doc := document{Runs: make(map[string]RunRecord, len(l.runs))}
	for id, rec := range l.runs {
		doc.Runs[id] = rec
	}
	l.mu.RUnlock()

	if err := storage.WriteJSON(l.fs, l.path, doc); err != nil {
		return err
	}

	l.mu.Lock()
	l.dirty = false
	l.mu.Unlock()
	return nil
}

// Dirty reports whether there are changes not yet flushed.
func (l *Ledger) Dirty() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.dirty
}

// Record returns the record for id.
func (l *Ledger) Record(id string) (RunRecord, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	rec, ok := l.runs[id]
	return rec, ok
}

// Snapshot returns every record sorted by schedule ID.
func (l *Ledger) Snapshot() []RunRecord {
	l.mu.RLock()
	out := make([]RunRecord, 0, len(l.runs))
	for _, rec := range l.runs {
		out = append(out, rec)
	}
	l.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ScheduleID < out[j].ScheduleID })
	return out
}

// Path returns the backing file path.
func (l *Ledger) Path() string { return l.path }
