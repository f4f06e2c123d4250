// Package other registers the remaining capabilities: cpu_usage, asset_tag,
// last_boot_time, battery_status and container.
package other

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/spf13/afero"

	"gitlab.com/tinyland/lab/trackit/pkg/collectors"
)

// CPUUsage is the value of the cpu_usage capability.
type CPUUsage struct {
	Percent float64   `json:"cpu_usage_percent"`
	PerCore []float64 `json:"per_core,omitempty"`
}

// AssetTag is the value of the asset_tag capability.
type AssetTag struct {
	Tag    string `json:"asset_tag"`
	Source string `json:"source"` // "config", "dmi" or "none"
}

// Boot is the value of the last_boot_time capability.
type Boot struct {
	BootTime      time.Time `json:"boot_time"`
	UptimeSeconds uint64    `json:"uptime_seconds"`
}

// Battery is the value of the battery_status capability.
type Battery struct {
	Present bool    `json:"present"`
	Percent float64 `json:"percent,omitempty"`
	Status  string  `json:"status,omitempty"` // "charging", "discharging", "full", ...
	Plugged bool    `json:"power_plugged"`
}

// Container is the value of the container capability.
type Container struct {
	InContainer bool   `json:"in_container"`
	Runtime     string `json:"runtime,omitempty"`
}

// sampleWindow is how long cpu_usage measures.
const sampleWindow = time.Second

// Register adds the capabilities of the "other" family to reg.
func Register(reg *collectors.Registry, env collectors.Env) error {
	env = env.WithDefaults()
	probes := []collectors.Collector{
		collectors.New("cpu_usage", collectors.FamilyOther, cpuUsage),
		collectors.New("asset_tag", collectors.FamilyOther, func(ctx context.Context) (any, error) {
			return assetTag(env), nil
		}),
		collectors.New("last_boot_time", collectors.FamilyOther, lastBoot),
		collectors.New("battery_status", collectors.FamilyOther, func(ctx context.Context) (any, error) {
			return batteryStatus(ctx, env)
		}),
		collectors.New("container", collectors.FamilyOther, func(ctx context.Context) (any, error) {
			return detectContainer(env.FS, os.Getenv), nil
		}),
	}
	for _, p := range probes {
		if err := reg.Register(p); err != nil {
			return err
		}
	}
	return nil
}

func cpuUsage(ctx context.Context) (any, error) {
	perCore, err := cpu.PercentWithContext(ctx, sampleWindow, true)
	if err != nil {
		return nil, fmt.Errorf("cpu percent: %w", err)
	}
	out := CPUUsage{PerCore: perCore}
	if len(perCore) > 0 {
		var sum float64
		for _, p := range perCore {
			sum += p
		}
		out.Percent = sum / float64(len(perCore))
	}
	return out, nil
}

func assetTag(env collectors.Env) AssetTag {
	if tag := strings.TrimSpace(env.AssetTag); tag != "" {
		return AssetTag{Tag: tag, Source: "config"}
	}
	if env.GOOS == "linux" {
		tag := env.ReadFile("/sys/class/dmi/id/chassis_asset_tag")
		switch strings.ToLower(tag) {
		case "", "default string", "not specified", "no asset tag", "to be filled by o.e.m.":
		default:
			return AssetTag{Tag: tag, Source: "dmi"}
		}
	}
	return AssetTag{Source: "none"}
}

func lastBoot(ctx context.Context) (any, error) {
	bt, err := host.BootTimeWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("boot time: %w", err)
	}
	up, _ := host.UptimeWithContext(ctx)
	return Boot{BootTime: time.Unix(int64(bt), 0).UTC(), UptimeSeconds: up}, nil
}

func batteryStatus(ctx context.Context, env collectors.Env) (any, error) {
	switch env.GOOS {
	case "linux":
		return linuxBattery(env.FS), nil
	case "darwin":
		out, err := env.Output(ctx, "pmset", "-g", "batt")
		if err != nil {
			return nil, err
		}
		return parsePmset(out), nil
	}
	return nil, env.Unsupported("battery_status")
}

// linuxBattery reads the first BAT* supply under /sys/class/power_supply.
func linuxBattery(fs afero.Fs) Battery {
	bats, _ := afero.Glob(fs, "/sys/class/power_supply/BAT*")
	if len(bats) == 0 {
		return Battery{Present: false, Plugged: true}
	}
	read := func(name string) string {
		data, err := afero.ReadFile(fs, filepath.Join(bats[0], name))
		if err != nil {
			return ""
		}
		return strings.TrimSpace(string(data))
	}

	b := Battery{Present: true, Status: strings.ToLower(read("status"))}
	if pct, err := strconv.ParseFloat(read("capacity"), 64); err == nil {
		b.Percent = pct
	}
	b.Plugged = b.Status != "discharging"
	return b
}

// parsePmset parses `pmset -g batt`:
//
//	Now drawing from 'Battery Power'
//	 -InternalBattery-0 (id=4325475)	82%; discharging; 4:12 remaining present: true
func parsePmset(out string) Battery {
	b := Battery{Plugged: strings.Contains(out, "'AC Power'")}
	for _, line := range strings.Split(out, "\n") {
		if !strings.Contains(line, "InternalBattery") {
			continue
		}
		b.Present = true
		_, rest, ok := strings.Cut(line, "\t")
		if !ok {
			break
		}
		parts := strings.Split(rest, ";")
		if pct, err := strconv.ParseFloat(strings.TrimSuffix(strings.TrimSpace(parts[0]), "%"), 64); err == nil {
			b.Percent = pct
		}
		if len(parts) > 1 {
			b.Status = strings.TrimSpace(parts[1])
		}
		break
	}
	return b
}

// detectContainer checks whether the current process runs inside a
// container.
func detectContainer(fs afero.Fs, getenv func(string) string) Container {
	// Podman sets CONTAINER=podman in its default environment.
	if v := getenv("container"); v != "" {
		return Container{InContainer: true, Runtime: strings.ToLower(v)}
	}
	if v := getenv("CONTAINER"); v != "" {
		return Container{InContainer: true, Runtime: strings.ToLower(v)}
	}
	if ok, _ := afero.Exists(fs, "/.dockerenv"); ok {
		return Container{InContainer: true, Runtime: "docker"}
	}
	if ok, _ := afero.Exists(fs, "/run/.containerenv"); ok {
		return Container{InContainer: true, Runtime: "podman"}
	}
	if data, err := afero.ReadFile(fs, "/proc/1/cgroup"); err == nil {
		if rt := parseCgroup(string(data)); rt != "" {
			return Container{InContainer: true, Runtime: rt}
		}
	}
	return Container{}
}

// parseCgroup inspects cgroup content for container runtime signatures.
func parseCgroup(content string) string {
	lower := strings.ToLower(content)
	switch {
	case strings.Contains(lower, "libpod"):
		return "podman"
	case strings.Contains(lower, "kubepods"):
		return "kubernetes"
	case strings.Contains(lower, "docker"), strings.Contains(lower, "containerd"):
		return "docker"
	case strings.Contains(lower, "lxc"):
		return "lxc"
	}
	return ""
}
