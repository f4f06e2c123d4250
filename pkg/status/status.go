// Package status renders agent state for the terminal: the daemon's health
// (STATUS), tick reports, schedules and the capability catalogue.
package status

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/mattn/go-isatty"
	"github.com/muesli/termenv"

	"gitlab.com/tinyland/lab/trackit/pkg/collectors"
	"gitlab.com/tinyland/lab/trackit/pkg/daemon"
	"gitlab.com/tinyland/lab/trackit/pkg/ledger"
	"gitlab.com/tinyland/lab/trackit/pkg/schedule"
	"gitlab.com/tinyland/lab/trackit/pkg/scheduler"
)

// Palette.
const (
	colorAccent = lipgloss.Color("#7C3AED")
	colorDim    = lipgloss.Color("#6B7280")
	colorOK     = lipgloss.Color("#10B981")
	colorWarn   = lipgloss.Color("#F59E0B")
	colorError  = lipgloss.Color("#EF4444")
)

// Renderer formats agent state. Colors are used only when the destination
// is a terminal and NO_COLOR is unset.
type Renderer struct {
	r *lipgloss.Renderer

	title lipgloss.Style
	label lipgloss.Style
	dim   lipgloss.Style
	ok    lipgloss.Style
	warn  lipgloss.Style
	err   lipgloss.Style
	box   lipgloss.Style
}

// New returns a Renderer writing for w.
func New(w io.Writer) *Renderer {
	profile := termenv.Ascii
	if f, ok := w.(*os.File); ok && isatty.IsTerminal(f.Fd()) && !termenv.EnvNoColor() {
		profile = termenv.EnvColorProfile()
	}
	return newRenderer(w, profile)
}

// Plain returns a Renderer that never emits escape sequences.
func Plain(w io.Writer) *Renderer {
	return newRenderer(w, termenv.Ascii)
}

func newRenderer(w io.Writer, profile termenv.Profile) *Renderer {
	lr := lipgloss.NewRenderer(w, termenv.WithProfile(profile))
	return &Renderer{
		r:     lr,
		title: lr.NewStyle().Bold(true).Foreground(colorAccent),
		label: lr.NewStyle().Foreground(colorDim).Width(16),
		dim:   lr.NewStyle().Foreground(colorDim),
		ok:    lr.NewStyle().Foreground(colorOK),
		warn:  lr.NewStyle().Foreground(colorWarn),
		err:   lr.NewStyle().Foreground(colorError).Bold(true),
		box: lr.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorDim).
			Padding(0, 1),
	}
}

func (r *Renderer) row(label, value string) string {
	return lipgloss.JoinHorizontal(lipgloss.Top, r.label.Render(label), value)
}

// Health renders the STATUS response of a running daemon.
func (r *Renderer) Health(h *daemon.HealthStatus) string {
	conn := r.warn.Render("offline")
	if h.Connected {
		conn = r.ok.Render("connected")
	}

	lastTick := r.dim.Render("never")
	if !h.LastTick.IsZero() {
		lastTick = fmt.Sprintf("%s (%d ran)", h.LastTick.Format(time.RFC3339), h.LastTickRuns)
	}

	lines := []string{
		r.title.Render("trackit agent"),
		r.row("agent", h.AgentID),
		r.row("host", h.Hostname),
		r.row("version", h.Version),
		r.row("pid", fmt.Sprint(h.PID)),
		r.row("uptime", h.Uptime().Truncate(time.Second).String()),
		r.row("server", h.ServerURL+" "+conn),
		r.row("schedules", fmt.Sprint(h.Schedules)),
		r.row("last tick", lastTick),
	}
	if h.LastTickError != "" {
		lines = append(lines, r.row("tick error", r.err.Render(h.LastTickError)))
	}
	lines = append(lines,
		r.row("delivered", fmt.Sprintf("%d online, %d offline, %d failed",
			h.Delivery.Online, h.Delivery.Offline, h.Delivery.Failures)),
		r.row("cached", fmt.Sprintf("%d results, %s", h.Cache.Entries, humanBytes(h.Cache.Size))),
	)

	out := r.box.Render(strings.Join(lines, "\n"))
	if len(h.Collectors) > 0 {
		out += "\n" + r.Collectors(h.Collectors)
	}
	return out
}

// Collectors renders per-capability health as a table.
func (r *Renderer) Collectors(statuses []collectors.CollectorStatus) string {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(r.dim).
		Headers("CAPABILITY", "FAMILY", "STATE", "RUNS", "ERRORS", "LATENCY")
	for _, s := range statuses {
		state := r.ok.Render("ok")
		if !s.Healthy {
			state = r.err.Render("failing")
			if s.RunCount == 0 {
				state = r.dim.Render("idle")
			}
		}
		t.Row(s.Name, string(s.Family), state,
			fmt.Sprint(s.RunCount), fmt.Sprint(s.ErrorCount),
			s.LastLatency.Round(time.Millisecond).String())
	}
	return t.String()
}

// Report renders the result of one tick.
func (r *Renderer) Report(rep scheduler.TickReport) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n", r.title.Render("tick"), r.dim.Render(rep.Now.Format(time.RFC3339)))
	fmt.Fprintf(&b, "%s\n", r.row("scanned", fmt.Sprint(rep.Scanned)))
	fmt.Fprintf(&b, "%s\n", r.row("ran", fmt.Sprint(len(rep.Runs))))

	for _, run := range rep.Runs {
		mark := r.ok.Render("✓")
		detail := string(run.Mode)
		switch {
		case run.DeliveryError != "":
			mark = r.err.Render("✗")
			detail = run.DeliveryError
		case len(run.Failed) > 0:
			mark = r.warn.Render("!")
			detail += " failed: " + strings.Join(run.Failed, ", ")
		}
		fmt.Fprintf(&b, "  %s %s %s\n", mark, run.ScheduleID, r.dim.Render(detail))
	}
	if rep.ScanError != "" {
		fmt.Fprintf(&b, "%s\n", r.row("scan error", r.err.Render(rep.ScanError)))
	}
	if rep.FlushError != "" {
		fmt.Fprintf(&b, "%s\n", r.row("flush error", r.err.Render(rep.FlushError)))
	}
	return strings.TrimRight(b.String(), "\n")
}

// Schedules renders schedules with their next due time.
func (r *Renderer) Schedules(scheds []schedule.Schedule, runs []ledger.RunRecord, now time.Time) string {
	last := make(map[string]ledger.RunRecord, len(runs))
	for _, rec := range runs {
		last[rec.ScheduleID] = rec
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(r.dim).
		Headers("SCHEDULE", "INTERVAL", "LAST RUN", "NEXT", "CAPABILITIES")
	for _, s := range scheds {
		lastRun, next := "never", r.ok.Render("due")
		if rec, ok := last[s.ID]; ok {
			lastRun = rec.LastRun.Format(time.RFC3339)
			rec.Interval = s.Interval
			if !rec.Due(now) {
				next = "in " + rec.NextDue().Sub(now).Truncate(time.Second).String()
			}
		}
		t.Row(s.ID, s.IntervalDuration().String(), lastRun, next, strings.Join(s.Capabilities, ", "))
	}
	return t.String()
}

// Capabilities renders the registry's capability names grouped by family.
func (r *Renderer) Capabilities(byFamily map[collectors.Family][]string) string {
	families := make([]collectors.Family, 0, len(byFamily))
	for f := range byFamily {
		families = append(families, f)
	}
	sort.Slice(families, func(i, j int) bool { return families[i] < families[j] })

	var lines []string
	for _, f := range families {
		lines = append(lines, r.row(string(f), strings.Join(byFamily[f], ", ")))
	}
	return strings.Join(lines, "\n")
}

func humanBytes(n int64) string {
	switch {
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MiB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KiB", float64(n)/(1<<10))
	}
	return fmt.Sprintf("%d B", n)
}
