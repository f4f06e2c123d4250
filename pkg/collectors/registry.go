package collectors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"gitlab.com/tinyland/lab/trackit/pkg/clock"
)

// DefaultTimeout bounds a single capability call.
const DefaultTimeout = 30 * time.Second

// Option configures a Registry.
type Option func(*Registry)

// WithTimeout sets the per-capability deadline. Non-positive values keep the
// default.
func WithTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithClock sets the time source used for CollectedAt and status tracking.
func WithClock(c clock.Clock) Option {
	return func(r *Registry) { r.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithIdentity stamps every Result with the agent ID and hostname.
func WithIdentity(agentID, hostname string) Option {
	return func(r *Registry) {
		r.agentID = agentID
		r.hostname = hostname
	}
}

// Registry manages a set of named collectors. It is safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	collectors map[string]Collector
	statuses   map[string]*CollectorStatus

	timeout  time.Duration
	clock    clock.Clock
	logger   *slog.Logger
	agentID  string
	hostname string
}

// NewRegistry returns an empty registry ready for collector registration.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		collectors: make(map[string]Collector),
		statuses:   make(map[string]*CollectorStatus),
		timeout:    DefaultTimeout,
		clock:      clock.Real(),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a collector to the registry. It returns an error if a
// collector with the same name is already registered or the name is the
// reserved "all" keyword.
func (r *Registry) Register(c Collector) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := c.Name()
	if name == "" || name == AllCapabilities {
		return fmt.Errorf("collectors: invalid capability name %q", name)
	}
	if _, exists := r.collectors[name]; exists {
		return fmt.Errorf("collectors: capability %q already registered", name)
	}

	r.collectors[name] = c
	r.statuses[name] = &CollectorStatus{
		Name:    name,
		Family:  c.Family(),
		Healthy: true,
	}
	return nil
}

// MustRegister is Register for static wiring; it panics on a duplicate.
func (r *Registry) MustRegister(cs ...Collector) {
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			panic(err)
		}
	}
}

// Unregister removes a collector by name. It is a no-op if the name is not
// found.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.collectors, name)
	delete(r.statuses, name)
}

// Get returns the collector with the given name, or false if not found.
func (r *Registry) Get(name string) (Collector, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.collectors[name]
	return c, ok
}

// List returns a sorted slice of all registered capability names.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.collectors))
	for name := range r.collectors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ByFamily returns the sorted capability names of each family that has at
// least one registered collector.
func (r *Registry) ByFamily() map[Family][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[Family][]string)
	for name, c := range r.collectors {
		out[c.Family()] = append(out[c.Family()], name)
	}
	for f := range out {
		sort.Strings(out[f])
	}
	return out
}

// Status returns a copy of the runtime status for the named collector, or
// false if the collector is not registered.
func (r *Registry) Status(name string) (CollectorStatus, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.statuses[name]
	if !ok {
		return CollectorStatus{}, false
	}
	return *s, true
}

// AllStatus returns a copy of all collector statuses, sorted by name.
func (r *Registry) AllStatus() []CollectorStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]CollectorStatus, 0, len(r.statuses))
	for _, s := range r.statuses {
		result = append(result, *s)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Name < result[j].Name
	})
	return result
}

// updateStatus updates the status entry for the named collector. Caller must
// NOT hold the lock; this method acquires it.
func (r *Registry) updateStatus(name string, fn func(s *CollectorStatus)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.statuses[name]; ok {
		fn(s)
	}
}

// Expand resolves a request list: "all" becomes every registered name, blank
// names are dropped and duplicates are removed. Unknown names are kept so
// that Gather can report them.
func (r *Registry) Expand(names []string) []string {
	seen := make(map[string]bool, len(names))
	out := make([]string, 0, len(names))
	add := func(n string) {
		if n == "" || seen[n] {
			return
		}
		seen[n] = true
		out = append(out, n)
	}
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == AllCapabilities {
			for _, all := range r.List() {
				add(all)
			}
			continue
		}
		add(n)
	}
	return out
}

type outcome struct {
	value any
	err   error
}

// Invoke runs one capability under the registry timeout. Every failure is
// returned as a *CollectionError: unknown names, collector errors, timeouts
// and panics. A collector that ignores its context keeps running in the
// background until it returns; its late result is discarded.
func (r *Registry) Invoke(ctx context.Context, name string) (any, error) {
	c, ok := r.Get(name)
	if !ok {
		return nil, &CollectionError{Capability: name, Code: CodeUnknownCapability, Err: errors.New("no such capability")}
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := r.clock.Now()
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				r.logger.Error("collector panicked", "capability", name, "panic", p, "stack", string(debug.Stack()))
				done <- outcome{err: &CollectionError{Capability: name, Code: CodePanic, Err: fmt.Errorf("%v", p)}}
			}
		}()
		v, err := c.Collect(ctx)
		done <- outcome{value: v, err: err}
	}()

	var res outcome
	select {
	case res = <-done:
	case <-ctx.Done():
		res = outcome{err: ctx.Err()}
	}

	var cerr *CollectionError
	if res.err != nil && !errors.As(res.err, &cerr) {
		code := CodeCollectorFailed
		if errors.Is(res.err, context.DeadlineExceeded) {
			code = CodeTimeout
		}
		cerr = &CollectionError{Capability: name, Code: code, Err: res.err}
	}

	latency := r.clock.Now().Sub(start)
	r.updateStatus(name, func(s *CollectorStatus) {
		s.LastRun = start
		s.LastLatency = latency
		s.RunCount++
		if cerr != nil {
			s.Healthy = false
			s.ErrorCount++
			s.LastError = cerr.Error()
		} else {
			s.Healthy = true
			s.LastError = ""
		}
	})

	if cerr != nil {
		return nil, cerr
	}
	return res.value, nil
}

// Gather collects every requested capability concurrently and returns a
// Result with one Entry per expanded name. It never fails as a whole.
func (r *Registry) Gather(ctx context.Context, names []string) Result {
	expanded := r.Expand(names)
	result := Result{
		DeliveryID:   uuid.NewString(),
		AgentID:      r.agentID,
		Hostname:     r.hostname,
		Requested:    expanded,
		CollectedAt:  r.clock.Now(),
		Capabilities: make(map[string]Entry, len(expanded)),
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, name := range expanded {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			v, err := r.Invoke(ctx, name)

			var entry Entry
			var cerr *CollectionError
			switch {
			case err == nil:
				entry = Entry{Value: v}
			case errors.As(err, &cerr):
				entry = errorEntry(cerr)
				r.logger.Warn("capability failed", "capability", name, "code", cerr.Code, "error", cerr.Err)
			default:
				entry = errorEntry(&CollectionError{Capability: name, Code: CodeCollectorFailed, Err: err})
			}

			mu.Lock()
			result.Capabilities[name] = entry
			mu.Unlock()
		}(name)
	}
	wg.Wait()

	return result
}
