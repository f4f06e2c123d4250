// Package schedule defines schedule definitions and their durable store.
//
// A Schedule names a recurring collection of a fixed capability list at a
// fixed interval. Schedules are created or fully overwritten by inbound
// create_schedule requests and read by every scheduler tick.
package schedule

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"
)

// Schedule is a single schedule definition. The JSON field names match the
// create_schedule wire event and the on-disk document.
type Schedule struct {
	ID           string   `json:"schedule_id" yaml:"schedule_id"`
	Interval     float64  `json:"interval" yaml:"interval"` // seconds
	Capabilities []string `json:"details_required" yaml:"details_required"`
}

// IntervalDuration returns the interval as a time.Duration.
func (s Schedule) IntervalDuration() time.Duration {
	return time.Duration(s.Interval * float64(time.Second))
}

// Store is the durable schedule set consulted by the scheduler loop.
// Implementations must make Put atomic with respect to concurrent ListAll
// calls: a reader sees either the previous or the new definition.
type Store interface {
	// Put validates s and writes it, replacing any schedule with the same ID.
	Put(ctx context.Context, s Schedule) (Schedule, error)

	// ListAll returns the current schedules in a stable order. It must
	// reflect every Put completed before the call.
	ListAll(ctx context.Context) ([]Schedule, error)
}

// ValidationError reports a malformed schedule. It is returned before
// anything is persisted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("schedule: invalid %s: %s", e.Field, e.Reason)
}

var idPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// Validate checks s and returns a normalized copy: capability names are
// trimmed and de-duplicated in request order. The ID doubles as a file name,
// so it is restricted to a filesystem-safe alphabet.
func Validate(s Schedule) (Schedule, error) {
	id := strings.TrimSpace(s.ID)
	if id == "" {
		return Schedule{}, &ValidationError{Field: "schedule_id", Reason: "must not be empty"}
	}
	if !idPattern.MatchString(id) || id == "." || id == ".." {
		return Schedule{}, &ValidationError{Field: "schedule_id", Reason: fmt.Sprintf("%q contains characters outside [A-Za-z0-9._-]", id)}
	}
	if !(s.Interval > 0) {
		return Schedule{}, &ValidationError{Field: "interval", Reason: fmt.Sprintf("must be positive, got %v", s.Interval)}
	}
	if math.IsInf(s.Interval, 1) {
		return Schedule{}, &ValidationError{Field: "interval", Reason: "must be finite"}
	}

	seen := make(map[string]bool, len(s.Capabilities))
	caps := make([]string, 0, len(s.Capabilities))
	for _, c := range s.Capabilities {
		c = strings.TrimSpace(c)
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		caps = append(caps, c)
	}
	if len(caps) == 0 {
		return Schedule{}, &ValidationError{Field: "details_required", Reason: "must name at least one capability"}
	}

	return Schedule{ID: id, Interval: s.Interval, Capabilities: caps}, nil
}
