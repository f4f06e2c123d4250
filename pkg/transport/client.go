package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	cws "github.com/coder/websocket"
	"github.com/creachadair/jrpc2"
)

// ErrNotConnected is returned by Emit while no connection is up.
var ErrNotConnected = errors.New("transport: not connected")

// Defaults for Config.
const (
	DefaultReconnectMin    = time.Second
	DefaultReconnectMax    = time.Minute
	DefaultMaxMessageBytes = 8 << 20
)

// HandlerFunc handles one inbound notification. params is the raw JSON
// params object.
type HandlerFunc func(ctx context.Context, params json.RawMessage) error

// Config configures a Client.
type Config struct {
	URL             string
	ReconnectMin    time.Duration
	ReconnectMax    time.Duration
	MaxMessageBytes int64
	Logger          *slog.Logger

	// OnConnect runs after every successful dial, before inbound
	// notifications are dispatched to handlers.
	OnConnect func(ctx context.Context) error
}

// Client keeps a websocket connection to the collector alive and exposes it
// as a channel that can emit events. It reconnects with exponential backoff.
type Client struct {
	cfg    Config
	logger *slog.Logger

	connected atomic.Bool
	attempts  atomic.Int64

	mu       sync.RWMutex
	rpc      *jrpc2.Client
	handlers map[string]HandlerFunc

	inflight sync.WaitGroup
}

// NewClient returns a Client for cfg. Call Run to start connecting.
func NewClient(cfg Config) *Client {
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = DefaultReconnectMin
	}
	if cfg.ReconnectMax < cfg.ReconnectMin {
		cfg.ReconnectMax = max(DefaultReconnectMax, cfg.ReconnectMin)
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = DefaultMaxMessageBytes
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:      cfg,
		logger:   logger.With("component", "transport", "url", cfg.URL),
		handlers: make(map[string]HandlerFunc),
	}
}

// Handle registers fn for inbound notifications named event. Registering
// the same event twice replaces the earlier handler.
func (c *Client) Handle(event string, fn HandlerFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[event] = fn
}

// Connected reports whether a connection is currently up.
func (c *Client) Connected() bool { return c.connected.Load() }

// Emit sends event with payload as a JSON-RPC notification.
func (c *Client) Emit(ctx context.Context, event string, payload any) error {
	c.mu.RLock()
	rpc := c.rpc
	c.mu.RUnlock()
	if rpc == nil || !c.connected.Load() {
		return ErrNotConnected
	}
	if err := rpc.Notify(ctx, event, payload); err != nil {
		return fmt.Errorf("transport: emit %s: %w", event, err)
	}
	return nil
}

// Run dials, serves the connection until it drops, and redials until ctx is
// cancelled. It returns ctx.Err().
func (c *Client) Run(ctx context.Context) error {
	delay := c.cfg.ReconnectMin
	for {
		err := c.serve(ctx)
		if ctx.Err() != nil {
			c.inflight.Wait()
			return ctx.Err()
		}
		if err == nil {
			// The connection was up; start over from the shortest delay.
			delay = c.cfg.ReconnectMin
		}
		c.logger.Warn("connection lost, retrying", "error", err, "delay", delay)

		select {
		case <-ctx.Done():
			c.inflight.Wait()
			return ctx.Err()
		case <-time.After(delay):
		}
		if err != nil {
			delay = min(delay*2, c.cfg.ReconnectMax)
		}
	}
}

// Attempts returns the number of dial attempts so far.
func (c *Client) Attempts() int64 { return c.attempts.Load() }

// serve runs one connection. It returns nil if the connection was
// established and later dropped, or the dial error.
func (c *Client) serve(ctx context.Context) error {
	c.attempts.Add(1)

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	conn, _, err := cws.Dial(dialCtx, c.cfg.URL, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("transport: dial: %w", err)
	}
	conn.SetReadLimit(c.cfg.MaxMessageBytes)

	connCtx, stop := context.WithCancel(ctx)
	defer stop()

	ch := NewWSChannel(connCtx, conn)
	ready := make(chan struct{})
	rpc := jrpc2.NewClient(ch, &jrpc2.ClientOptions{
		OnNotify: func(req *jrpc2.Request) {
			<-ready
			c.dispatch(connCtx, req)
		},
	})

	c.mu.Lock()
	c.rpc = rpc
	c.mu.Unlock()
	c.connected.Store(true)
	c.logger.Info("connected")

	defer func() {
		c.connected.Store(false)
		c.mu.Lock()
		c.rpc = nil
		c.mu.Unlock()
		_ = rpc.Close()
	}()

	if c.cfg.OnConnect != nil {
		if err := c.cfg.OnConnect(connCtx); err != nil {
			c.logger.Warn("on-connect hook failed", "error", err)
		}
	}
	close(ready)

	select {
	case <-ctx.Done():
	case <-ch.Done():
	}
	return nil
}

// dispatch runs the handler for req in its own goroutine so that a slow
// handler does not stall the reader.
func (c *Client) dispatch(ctx context.Context, req *jrpc2.Request) {
	event := req.Method()

	c.mu.RLock()
	fn, ok := c.handlers[event]
	c.mu.RUnlock()
	if !ok {
		c.logger.Debug("ignoring unhandled event", "event", event)
		return
	}

	var params json.RawMessage
	if req.HasParams() {
		if err := req.UnmarshalParams(&params); err != nil {
			c.logger.Warn("malformed params", "event", event, "error", err)
			return
		}
	}

	c.inflight.Add(1)
	go func() {
		defer c.inflight.Done()
		if err := fn(ctx, params); err != nil {
			c.logger.Warn("handler failed", "event", event, "error", err)
		}
	}()
}

// Wait blocks until every dispatched handler has returned.
func (c *Client) Wait() { c.inflight.Wait() }
