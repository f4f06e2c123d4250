package backend

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/creachadair/jrpc2"

	"gitlab.com/tinyland/lab/trackit/pkg/transport"
)

// AgentConn describes one connected agent.
type AgentConn struct {
	transport.AgentOnline
	RemoteAddr  string    `json:"remote_addr"`
	ConnectedAt time.Time `json:"connected_at"`
	Reports     int64     `json:"reports"`
}

// Hub tracks the jrpc2 server of every connected agent and pushes
// notifications to all of them.
type Hub struct {
	mu     sync.RWMutex
	conns  map[*jrpc2.Server]*AgentConn
	logger *slog.Logger
}

// NewHub returns an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		conns:  make(map[*jrpc2.Server]*AgentConn),
		logger: logger.With("component", "hub"),
	}
}

// Register adds a connection.
func (h *Hub) Register(srv *jrpc2.Server, remoteAddr string, now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[srv] = &AgentConn{RemoteAddr: remoteAddr, ConnectedAt: now}
}

// Unregister removes a connection.
func (h *Hub) Unregister(srv *jrpc2.Server) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, srv)
}

// Identify attaches an agent_online announcement to a connection.
func (h *Hub) Identify(srv *jrpc2.Server, info transport.AgentOnline) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.conns[srv]; ok {
		c.AgentOnline = info
	}
}

// countReport bumps the report counter of a connection.
func (h *Hub) countReport(srv *jrpc2.Server) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.conns[srv]; ok {
		c.Reports++
	}
}

// agentID returns the announced id of a connection, or "".
func (h *Hub) agentID(srv *jrpc2.Server) string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if c, ok := h.conns[srv]; ok {
		return c.AgentID
	}
	return ""
}

// Broadcast pushes a notification to every connection and returns how many
// accepted it. Connections that fail are dropped.
func (h *Hub) Broadcast(ctx context.Context, method string, params any) int {
	h.mu.RLock()
	servers := make([]*jrpc2.Server, 0, len(h.conns))
	for srv := range h.conns {
		servers = append(servers, srv)
	}
	h.mu.RUnlock()

	var failed []*jrpc2.Server
	for _, srv := range servers {
		if err := srv.Notify(ctx, method, params); err != nil {
			h.logger.Warn("push failed", "method", method, "error", err)
			failed = append(failed, srv)
		}
	}

	if len(failed) > 0 {
		h.mu.Lock()
		for _, srv := range failed {
			delete(h.conns, srv)
		}
		h.mu.Unlock()
	}
	return len(servers) - len(failed)
}

// Count returns the number of connections.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Agents returns the connected agents ordered by connection time.
func (h *Hub) Agents() []AgentConn {
	h.mu.RLock()
	out := make([]AgentConn, 0, len(h.conns))
	for _, c := range h.conns {
		out = append(out, *c)
	}
	h.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].AgentID < out[j].AgentID
		}
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	return out
}
