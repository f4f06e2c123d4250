package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"gitlab.com/tinyland/lab/trackit/pkg/schedule"
	"gitlab.com/tinyland/lab/trackit/pkg/transport"
)

// Announce emits agent_online. It runs on every (re)connect.
func (a *Agent) Announce(ctx context.Context) error {
	return a.channel.Emit(ctx, transport.EventAgentOnline, transport.AgentOnline{
		AgentID:      a.id,
		Hostname:     a.hostname,
		Version:      a.version,
		OS:           platform,
		Capabilities: a.registry.List(),
	})
}

// HandleCreateSchedule stores the schedule carried by a create_schedule
// event. An invalid schedule is dropped and the error returned for logging.
func (a *Agent) HandleCreateSchedule(ctx context.Context, params json.RawMessage) error {
	var s schedule.Schedule
	if err := json.Unmarshal(params, &s); err != nil {
		return fmt.Errorf("create_schedule: decode: %w", err)
	}
	if _, err := a.PutSchedule(ctx, s); err != nil {
		var verr *schedule.ValidationError
		if errors.As(err, &verr) {
			a.logger.Warn("dropping invalid schedule", "schedule", s.ID, "error", verr)
		}
		return fmt.Errorf("create_schedule: %w", err)
	}
	return nil
}

// HandleCustomData gathers the requested capabilities right away and hands
// the result to the delivery sink: emitted as processed_data when connected,
// otherwise kept as the "on-demand" offline result. The ledger is not
// touched.
func (a *Agent) HandleCustomData(ctx context.Context, params json.RawMessage) error {
	var req transport.CustomData
	if err := json.Unmarshal(params, &req); err != nil {
		return fmt.Errorf("custom_data: decode: %w", err)
	}
	if len(req.DetailsRequired) == 0 {
		return errors.New("custom_data: details_required is empty")
	}

	result := a.Collect(ctx, req.DetailsRequired)
	mode, err := a.sink.Deliver(ctx, result)
	if err != nil {
		return fmt.Errorf("custom_data: %w", err)
	}
	a.logger.Info("on-demand result delivered",
		"delivery_id", result.DeliveryID,
		"mode", mode,
		"failed", result.Failed(),
	)
	return nil
}
