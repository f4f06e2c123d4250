package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gitlab.com/tinyland/lab/trackit/pkg/daemon"
	"gitlab.com/tinyland/lab/trackit/pkg/ledger"
	"gitlab.com/tinyland/lab/trackit/pkg/schedule"
)

// ipcTimeout bounds the work behind one IPC command.
const ipcTimeout = 2 * time.Minute

// ScheduleList is the SCHEDULES response.
type ScheduleList struct {
	Schedules []schedule.Schedule `json:"schedules"`
	Runs      []ledger.RunRecord  `json:"runs"`
}

// HandleCommand implements daemon.IPCHandler.
func (a *Agent) HandleCommand(cmd string, args map[string]string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), ipcTimeout)
	defer cancel()

	switch cmd {
	case daemon.CmdPing:
		return daemon.JSONResponse(map[string]any{"pong": true, "agent_id": a.id})

	case daemon.CmdStatus:
		return daemon.JSONResponse(a.Health(ctx))

	case daemon.CmdTick:
		report, err := a.Tick(ctx)
		if err != nil {
			return "", err
		}
		return daemon.JSONResponse(report)

	case daemon.CmdCollect:
		var names []string
		if caps := args["capabilities"]; caps != "" {
			names = strings.Split(caps, ",")
		}
		return daemon.JSONResponse(a.Collect(ctx, names))

	case daemon.CmdSchedules:
		scheds, err := a.store.ListAll(ctx)
		if err != nil {
			return "", err
		}
		return daemon.JSONResponse(ScheduleList{Schedules: scheds, Runs: a.scheduler.Runs()})

	case daemon.CmdDelete:
		id := args["id"]
		if id == "" {
			return "", errors.New("DELETE requires a schedule id")
		}
		if err := a.DeleteSchedule(ctx, id); err != nil {
			return "", err
		}
		return daemon.JSONResponse(map[string]string{"deleted": id})
	}
	return "", fmt.Errorf("unknown command %q", cmd)
}
