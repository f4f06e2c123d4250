package collectors

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
)

// MockCollector implements Collector for testing. All fields are configurable
// and it tracks how many times Collect has been called.
type MockCollector struct {
	name   string
	family Family
	data   any
	err    error

	mu        sync.RWMutex
	callCount atomic.Int64

	// CollectFunc, if set, overrides the default Collect behavior.
	// This allows tests to inject dynamic behavior (e.g., return different
	// data on each call, or block until a signal).
	CollectFunc func(ctx context.Context) (any, error)
}

// MockCollectorOption configures a MockCollector.
type MockCollectorOption func(*MockCollector)

// WithData sets the data returned by Collect.
func WithData(data any) MockCollectorOption {
	return func(m *MockCollector) { m.data = data }
}

// WithError sets the error returned by Collect.
func WithError(err error) MockCollectorOption {
	return func(m *MockCollector) { m.err = err }
}

// WithFamily sets the family. The default is FamilyOther.
func WithFamily(f Family) MockCollectorOption {
	return func(m *MockCollector) { m.family = f }
}

// WithCollectFunc sets a custom function for Collect.
func WithCollectFunc(fn func(ctx context.Context) (any, error)) MockCollectorOption {
	return func(m *MockCollector) { m.CollectFunc = fn }
}

// NewMockCollector creates a mock collector with the given name and options.
func NewMockCollector(name string, opts ...MockCollectorOption) *MockCollector {
	m := &MockCollector{
		name:   name,
		family: FamilyOther,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Name returns the capability name.
func (m *MockCollector) Name() string { return m.name }

// Family returns the configured family.
func (m *MockCollector) Family() Family { return m.family }

// SetData updates the returned data (thread-safe).
func (m *MockCollector) SetData(data any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = data
}

// SetError updates the returned error (thread-safe).
func (m *MockCollector) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Collect performs a mock collection. It increments the call counter and
// returns the configured data and error, or delegates to CollectFunc if set.
func (m *MockCollector) Collect(ctx context.Context) (any, error) {
	m.callCount.Add(1)

	if m.CollectFunc != nil {
		return m.CollectFunc(ctx)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data, m.err
}

// CallCount returns how many times Collect has been called.
func (m *MockCollector) CallCount() int64 {
	return m.callCount.Load()
}

// StubRunner returns a Runner that answers from canned outputs keyed by the
// full command line ("name arg1 arg2"). Unknown commands fail with
// exec.ErrNotFound.
func StubRunner(outputs map[string]string) Runner {
	return func(ctx context.Context, name string, args ...string) ([]byte, error) {
		line := strings.Join(append([]string{name}, args...), " ")
		out, ok := outputs[line]
		if !ok {
			return nil, fmt.Errorf("%s: %w", name, exec.ErrNotFound)
		}
		return []byte(out), nil
	}
}
