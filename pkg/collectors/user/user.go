// Package user registers the user capabilities: current_user and
// login_history.
package user

import (
	"context"
	"fmt"
	"os/user"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/host"

	"gitlab.com/tinyland/lab/trackit/pkg/collectors"
)

// historyLimit bounds the number of login_history entries.
const historyLimit = 20

// Session is one logged-in terminal.
type Session struct {
	User     string    `json:"user"`
	Terminal string    `json:"terminal"`
	Host     string    `json:"host,omitempty"`
	Started  time.Time `json:"started"`
}

// CurrentUser is the value of the current_user capability.
type CurrentUser struct {
	Username string    `json:"username"`
	UID      string    `json:"uid"`
	Name     string    `json:"name,omitempty"`
	Home     string    `json:"home,omitempty"`
	Sessions []Session `json:"sessions,omitempty"`
}

// Login is one row of login_history.
type Login struct {
	User     string `json:"user"`
	Terminal string `json:"terminal"`
	Host     string `json:"host,omitempty"`
	When     string `json:"when"`
	Active   bool   `json:"active"`
}

// Register adds the user capabilities to reg.
func Register(reg *collectors.Registry, env collectors.Env) error {
	env = env.WithDefaults()
	probes := []collectors.Collector{
		collectors.New("current_user", collectors.FamilyUser, currentUser),
		collectors.New("login_history", collectors.FamilyUser, func(ctx context.Context) (any, error) {
			return loginHistory(ctx, env)
		}),
	}
	for _, p := range probes {
		if err := reg.Register(p); err != nil {
			return err
		}
	}
	return nil
}

func currentUser(ctx context.Context) (any, error) {
	u, err := user.Current()
	if err != nil {
		return nil, fmt.Errorf("current user: %w", err)
	}
	out := CurrentUser{Username: u.Username, UID: u.Uid, Name: u.Name, Home: u.HomeDir}

	// utmp is not available everywhere (containers, some macOS builds).
	if stats, err := host.UsersWithContext(ctx); err == nil {
		for _, s := range stats {
			out.Sessions = append(out.Sessions, Session{
				User:     s.User,
				Terminal: s.Terminal,
				Host:     s.Host,
				Started:  time.Unix(int64(s.Started), 0).UTC(),
			})
		}
	}
	return out, nil
}

func loginHistory(ctx context.Context, env collectors.Env) (any, error) {
	switch env.GOOS {
	case "linux", "darwin":
		out, err := env.Run(ctx, "last", "-n", fmt.Sprint(historyLimit*2))
		if err != nil {
			return nil, err
		}
		return parseLast(string(out), historyLimit), nil
	}
	return nil, env.Unsupported("login_history")
}

var weekdays = map[string]bool{
	"Mon": true, "Tue": true, "Wed": true, "Thu": true,
	"Fri": true, "Sat": true, "Sun": true,
}

// parseLast parses `last` output. The host column is absent for local
// logins, so it is detected by looking for the weekday that starts the date.
func parseLast(out string, limit int) []Login {
	logins := []Login{}
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 4 {
			continue
		}
		if fields[0] == "reboot" || fields[0] == "shutdown" || fields[0] == "wtmp" {
			continue
		}

		l := Login{User: fields[0], Terminal: fields[1]}
		rest := fields[2:]
		if !weekdays[rest[0]] {
			l.Host = rest[0]
			rest = rest[1:]
		}
		if len(rest) < 4 {
			continue
		}
		l.When = strings.Join(rest[:4], " ")
		l.Active = strings.Contains(line, "still logged in")
		logins = append(logins, l)
		if limit > 0 && len(logins) == limit {
			break
		}
	}
	return logins
}
