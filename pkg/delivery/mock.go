package delivery

import (
	"context"
	"sync"
)

// Emitted is one event recorded by a MockChannel.
type Emitted struct {
	Event   string
	Payload any
}

// MockChannel is a Channel for tests.
type MockChannel struct {
	mu        sync.Mutex
	connected bool
	err       error
	events    []Emitted
}

// MockChannelOption configures a MockChannel.
type MockChannelOption func(*MockChannel)

// WithConnected sets the initial connection state.
func WithConnected(v bool) MockChannelOption {
	return func(m *MockChannel) { m.connected = v }
}

// WithEmitError makes every Emit fail with err.
func WithEmitError(err error) MockChannelOption {
	return func(m *MockChannel) { m.err = err }
}

// NewMockChannel returns a disconnected MockChannel unless configured
// otherwise.
func NewMockChannel(opts ...MockChannelOption) *MockChannel {
	m := &MockChannel{}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Connected implements Channel.
func (m *MockChannel) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// Emit implements Channel.
func (m *MockChannel) Emit(_ context.Context, event string, payload any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.events = append(m.events, Emitted{Event: event, Payload: payload})
	return nil
}

// SetConnected flips the connection state.
func (m *MockChannel) SetConnected(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = v
}

// SetEmitError changes the error returned by Emit.
func (m *MockChannel) SetEmitError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Events returns a copy of the events emitted so far.
func (m *MockChannel) Events() []Emitted {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Emitted(nil), m.events...)
}
