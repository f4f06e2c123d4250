// Package transport carries agent events over a websocket as JSON-RPC 2.0
// notifications. Both directions are fire-and-forget: the agent emits
// processed_data and agent_online, the collector pushes create_schedule and
// custom_data.
package transport

import (
	"gitlab.com/tinyland/lab/trackit/pkg/collectors"
)

// Event names.
const (
	EventCreateSchedule = "create_schedule"
	EventCustomData     = "custom_data"
	EventProcessedData  = "processed_data"
	EventAgentOnline    = "agent_online"
)

// ProcessedData is the payload of processed_data.
type ProcessedData struct {
	Data collectors.Result `json:"data"`
}

// AgentOnline is the payload of agent_online, sent on every (re)connect.
type AgentOnline struct {
	AgentID      string   `json:"agent_id"`
	Hostname     string   `json:"hostname"`
	Version      string   `json:"version"`
	OS           string   `json:"os"`
	Capabilities []string `json:"capabilities"`
}

// CustomData is the payload of custom_data.
type CustomData struct {
	DetailsRequired []string `json:"details_required"`
}
