package daemon

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/afero"

	"gitlab.com/tinyland/lab/trackit/pkg/cache"
	"gitlab.com/tinyland/lab/trackit/pkg/collectors"
	"gitlab.com/tinyland/lab/trackit/pkg/delivery"
	"gitlab.com/tinyland/lab/trackit/pkg/storage"
)

// HealthStatus is the agent state written to health.json after every tick
// and returned by the STATUS command.
type HealthStatus struct {
	PID       int       `json:"pid"`
	Version   string    `json:"version"`
	AgentID   string    `json:"agent_id"`
	Hostname  string    `json:"hostname"`
	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`

	ServerURL string `json:"server_url"`
	Connected bool   `json:"connected"`

	Schedules     int       `json:"schedules"`
	LastTick      time.Time `json:"last_tick,omitzero"`
	LastTickRuns  int       `json:"last_tick_runs"`
	LastTickError string    `json:"last_tick_error,omitempty"`

	Delivery   delivery.Stats               `json:"delivery"`
	Cache      cache.CacheStats             `json:"cache"`
	Collectors []collectors.CollectorStatus `json:"collectors"`
}

// Uptime returns how long the agent has been running at UpdatedAt.
func (h *HealthStatus) Uptime() time.Duration {
	if h.StartedAt.IsZero() || h.UpdatedAt.Before(h.StartedAt) {
		return 0
	}
	return h.UpdatedAt.Sub(h.StartedAt)
}

// WriteHealthFile writes the health status as indented JSON to path,
// atomically.
func WriteHealthFile(fs afero.Fs, path string, status *HealthStatus) error {
	if err := storage.WriteJSON(fs, path, status); err != nil {
		return fmt.Errorf("write health file: %w", err)
	}
	return nil
}

// ReadHealthFile reads and parses the health status JSON from path.
func ReadHealthFile(fs afero.Fs, path string) (*HealthStatus, error) {
	status, err := storage.ReadJSON[HealthStatus](fs, path)
	if err != nil {
		return nil, fmt.Errorf("read health file: %w", err)
	}
	return &status, nil
}

// JSONResponse serializes v as a single-line IPC response.
func JSONResponse(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal response: %w", err)
	}
	return string(data), nil
}
