// Package software registers the software capabilities: os_info, kernel,
// running_processes and installed_software.
package software

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/process"

	"gitlab.com/tinyland/lab/trackit/pkg/collectors"
)

// OSInfo summarises the operating system.
type OSInfo struct {
	Hostname        string    `json:"hostname"`
	OS              string    `json:"os"`
	Platform        string    `json:"platform"`
	PlatformFamily  string    `json:"platform_family,omitempty"`
	PlatformVersion string    `json:"platform_version"`
	Arch            string    `json:"arch"`
	Virtualization  string    `json:"virtualization,omitempty"`
	HostID          string    `json:"host_id,omitempty"`
	BootTime        time.Time `json:"boot_time"`
}

// Process is one entry of running_processes.
type Process struct {
	PID           int32   `json:"pid"`
	Name          string  `json:"name"`
	User          string  `json:"user,omitempty"`
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float32 `json:"memory_percent"`
}

// Package is one entry of installed_software.
type Package struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
	Source  string `json:"source"`
}

// Register adds the software capabilities to reg.
func Register(reg *collectors.Registry, env collectors.Env) error {
	env = env.WithDefaults()
	probes := []collectors.Collector{
		collectors.New("os_info", collectors.FamilySoftware, osInfo),
		collectors.New("kernel", collectors.FamilySoftware, kernelInfo),
		collectors.New("running_processes", collectors.FamilySoftware, func(ctx context.Context) (any, error) {
			return runningProcesses(ctx, env.ProcessLimit)
		}),
		collectors.New("installed_software", collectors.FamilySoftware, func(ctx context.Context) (any, error) {
			return installedSoftware(ctx, env)
		}),
	}
	for _, p := range probes {
		if err := reg.Register(p); err != nil {
			return err
		}
	}
	return nil
}

func osInfo(ctx context.Context) (any, error) {
	info, err := host.InfoWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("host info: %w", err)
	}
	return OSInfo{
		Hostname:        info.Hostname,
		OS:              info.OS,
		Platform:        info.Platform,
		PlatformFamily:  info.PlatformFamily,
		PlatformVersion: info.PlatformVersion,
		Arch:            info.KernelArch,
		Virtualization:  strings.TrimSpace(info.VirtualizationSystem + " " + info.VirtualizationRole),
		HostID:          info.HostID,
		BootTime:        time.Unix(int64(info.BootTime), 0).UTC(),
	}, nil
}

func runningProcesses(ctx context.Context, limit int) (any, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("process list: %w", err)
	}

	out := make([]Process, 0, len(procs))
	for _, p := range procs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name, err := p.NameWithContext(ctx)
		if err != nil {
			// Exited between listing and inspection.
			continue
		}
		entry := Process{PID: p.Pid, Name: name}
		entry.User, _ = p.UsernameWithContext(ctx)
		entry.CPUPercent, _ = p.CPUPercentWithContext(ctx)
		entry.MemoryPercent, _ = p.MemoryPercentWithContext(ctx)
		out = append(out, entry)
	}
	return topProcesses(out, limit), nil
}

// topProcesses orders by CPU then memory, descending, and truncates to
// limit when limit > 0.
func topProcesses(procs []Process, limit int) []Process {
	sort.SliceStable(procs, func(i, j int) bool {
		if procs[i].CPUPercent != procs[j].CPUPercent {
			return procs[i].CPUPercent > procs[j].CPUPercent
		}
		return procs[i].MemoryPercent > procs[j].MemoryPercent
	})
	if limit > 0 && len(procs) > limit {
		procs = procs[:limit]
	}
	return procs
}

type packageSource struct {
	name  string
	args  []string
	parse func(string) []Package
}

var linuxSources = []packageSource{
	{"dpkg-query", []string{"-W", "-f=${Package}\t${Version}\n"}, parseTabbed("dpkg")},
	{"rpm", []string{"-qa", "--queryformat", "%{NAME}\t%{VERSION}-%{RELEASE}\n"}, parseTabbed("rpm")},
	{"pacman", []string{"-Q"}, parsePacman},
}

func installedSoftware(ctx context.Context, env collectors.Env) (any, error) {
	switch env.GOOS {
	case "linux":
		var errs []error
		for _, src := range linuxSources {
			out, err := env.Run(ctx, src.name, src.args...)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			return src.parse(string(out)), nil
		}
		return nil, fmt.Errorf("no supported package manager: %w", errors.Join(errs...))
	case "darwin":
		out, err := env.Run(ctx, "system_profiler", "SPApplicationsDataType", "-json")
		if err != nil {
			return nil, err
		}
		return parseDarwinApplications(out)
	}
	return nil, env.Unsupported("installed_software")
}

func parseTabbed(source string) func(string) []Package {
	return func(out string) []Package {
		var pkgs []Package
		for _, line := range strings.Split(out, "\n") {
			name, version, _ := strings.Cut(strings.TrimSpace(line), "\t")
			if name == "" {
				continue
			}
			pkgs = append(pkgs, Package{Name: name, Version: version, Source: source})
		}
		sortPackages(pkgs)
		return pkgs
	}
}

func parsePacman(out string) []Package {
	var pkgs []Package
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		p := Package{Name: fields[0], Source: "pacman"}
		if len(fields) > 1 {
			p.Version = fields[1]
		}
		pkgs = append(pkgs, p)
	}
	sortPackages(pkgs)
	return pkgs
}

func parseDarwinApplications(data []byte) ([]Package, error) {
	var sp struct {
		Items []struct {
			Name    string `json:"_name"`
			Version string `json:"version"`
		} `json:"SPApplicationsDataType"`
	}
	if err := json.Unmarshal(data, &sp); err != nil {
		return nil, fmt.Errorf("system_profiler output: %w", err)
	}
	pkgs := make([]Package, 0, len(sp.Items))
	for _, it := range sp.Items {
		if it.Name == "" {
			continue
		}
		pkgs = append(pkgs, Package{Name: it.Name, Version: it.Version, Source: "applications"})
	}
	sortPackages(pkgs)
	return pkgs, nil
}

func sortPackages(pkgs []Package) {
	sort.Slice(pkgs, func(i, j int) bool {
		return strings.ToLower(pkgs[i].Name) < strings.ToLower(pkgs[j].Name)
	})
}
