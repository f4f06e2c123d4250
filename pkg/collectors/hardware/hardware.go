// Package hardware registers the hardware capabilities: cpu, memory,
// storage, gpu, serial_number and motherboard.
package hardware

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/spf13/afero"

	"gitlab.com/tinyland/lab/trackit/pkg/collectors"
)

const dmiDir = "/sys/class/dmi/id"

// CPUInfo describes the installed processor.
type CPUInfo struct {
	Model         string  `json:"model"`
	Vendor        string  `json:"vendor"`
	PhysicalCores int     `json:"physical_cores"`
	LogicalCores  int     `json:"logical_cores"`
	MHz           float64 `json:"mhz"`
	CacheKB       int32   `json:"cache_kb,omitempty"`
}

// MemoryInfo holds physical and swap memory totals.
type MemoryInfo struct {
	Total       uint64  `json:"total"`
	Available   uint64  `json:"available"`
	Used        uint64  `json:"used"`
	UsedPercent float64 `json:"used_percent"`
	SwapTotal   uint64  `json:"swap_total"`
	SwapUsed    uint64  `json:"swap_used"`
}

// Volume holds usage data for a single mount point.
type Volume struct {
	Device      string  `json:"device"`
	Mountpoint  string  `json:"mountpoint"`
	FSType      string  `json:"fstype"`
	Total       uint64  `json:"total"`
	Free        uint64  `json:"free"`
	UsedPercent float64 `json:"used_percent"`
}

// Board identifies the mainboard.
type Board struct {
	Manufacturer string `json:"manufacturer"`
	Product      string `json:"product"`
	Version      string `json:"version,omitempty"`
}

// Register adds the hardware capabilities to reg.
func Register(reg *collectors.Registry, env collectors.Env) error {
	env = env.WithDefaults()
	probes := []collectors.Collector{
		collectors.New("cpu", collectors.FamilyHardware, cpuDetails),
		collectors.New("memory", collectors.FamilyHardware, memoryDetails),
		collectors.New("storage", collectors.FamilyHardware, storageDetails),
		collectors.New("gpu", collectors.FamilyHardware, func(ctx context.Context) (any, error) {
			return gpuDetails(ctx, env)
		}),
		collectors.New("serial_number", collectors.FamilyHardware, func(ctx context.Context) (any, error) {
			return serialNumber(ctx, env)
		}),
		collectors.New("motherboard", collectors.FamilyHardware, func(ctx context.Context) (any, error) {
			return motherboard(ctx, env)
		}),
	}
	for _, p := range probes {
		if err := reg.Register(p); err != nil {
			return err
		}
	}
	return nil
}

func cpuDetails(ctx context.Context) (any, error) {
	infos, err := cpu.InfoWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("cpu info: %w", err)
	}
	if len(infos) == 0 {
		return nil, errors.New("cpu info: no processors reported")
	}

	out := CPUInfo{
		Model:   strings.TrimSpace(infos[0].ModelName),
		Vendor:  infos[0].VendorID,
		MHz:     infos[0].Mhz,
		CacheKB: infos[0].CacheSize,
	}
	if n, err := cpu.CountsWithContext(ctx, false); err == nil {
		out.PhysicalCores = n
	}
	if n, err := cpu.CountsWithContext(ctx, true); err == nil {
		out.LogicalCores = n
	}
	return out, nil
}

func memoryDetails(ctx context.Context) (any, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("virtual memory: %w", err)
	}
	out := MemoryInfo{
		Total:       vm.Total,
		Available:   vm.Available,
		Used:        vm.Used,
		UsedPercent: vm.UsedPercent,
	}
	// Swap might not be configured; that is not an error for this capability.
	if sw, err := mem.SwapMemoryWithContext(ctx); err == nil {
		out.SwapTotal = sw.Total
		out.SwapUsed = sw.Used
	}
	return out, nil
}

func storageDetails(ctx context.Context) (any, error) {
	parts, err := disk.PartitionsWithContext(ctx, false)
	if err != nil {
		return nil, fmt.Errorf("partitions: %w", err)
	}

	vols := make([]Volume, 0, len(parts))
	for _, p := range parts {
		if isVirtualFS(p.Fstype) {
			continue
		}
		usage, err := disk.UsageWithContext(ctx, p.Mountpoint)
		if err != nil {
			continue
		}
		vols = append(vols, Volume{
			Device:      p.Device,
			Mountpoint:  p.Mountpoint,
			FSType:      p.Fstype,
			Total:       usage.Total,
			Free:        usage.Free,
			UsedPercent: usage.UsedPercent,
		})
	}
	return vols, nil
}

// isVirtualFS returns true for filesystem types that do not represent real
// storage and should be skipped during enumeration.
func isVirtualFS(fstype string) bool {
	switch fstype {
	case "devfs", "devtmpfs", "tmpfs", "sysfs", "proc", "cgroup", "cgroup2",
		"autofs", "mqueue", "hugetlbfs", "debugfs", "tracefs", "securityfs",
		"pstore", "bpf", "fusectl", "configfs", "ramfs", "rpc_pipefs",
		"nfsd", "map", "devpts", "squashfs", "overlay", "nullfs":
		return true
	}
	return false
}

func gpuDetails(ctx context.Context, env collectors.Env) (any, error) {
	switch env.GOOS {
	case "linux":
		out, err := env.Run(ctx, "nvidia-smi",
			"--query-gpu=name,driver_version,memory.total,temperature.gpu,utilization.gpu",
			"--format=csv,noheader,nounits")
		if err == nil {
			if gpus := parseNvidiaSMI(string(out)); len(gpus) > 0 {
				return gpus, nil
			}
		}
		return scanDRM(env.FS), nil
	case "darwin":
		out, err := env.Run(ctx, "system_profiler", "SPDisplaysDataType", "-json")
		if err != nil {
			return nil, err
		}
		return parseDarwinGPU(out), nil
	}
	return nil, env.Unsupported("gpu")
}

// scanDRM scans /sys/class/drm/card*/device/vendor for GPU vendor IDs.
func scanDRM(fs afero.Fs) []GPU {
	cards, err := afero.Glob(fs, "/sys/class/drm/card[0-9]*/device/vendor")
	if err != nil || len(cards) == 0 {
		return []GPU{}
	}

	gpus := []GPU{}
	seen := make(map[string]bool)
	for _, vendorPath := range cards {
		deviceDir := filepath.Dir(vendorPath)
		if seen[deviceDir] {
			continue
		}
		seen[deviceDir] = true

		vendorBytes, err := afero.ReadFile(fs, vendorPath)
		if err != nil {
			continue
		}
		gpu := GPU{Vendor: vendorIDToName(strings.TrimSpace(string(vendorBytes)))}
		if gpu.Vendor == "" {
			continue
		}
		if data, err := afero.ReadFile(fs, filepath.Join(deviceDir, "device")); err == nil {
			gpu.DeviceID = strings.TrimSpace(string(data))
		}
		gpus = append(gpus, gpu)
	}
	return gpus
}

func serialNumber(ctx context.Context, env collectors.Env) (any, error) {
	switch env.GOOS {
	case "linux":
		for _, f := range []string{"product_serial", "board_serial", "chassis_serial"} {
			if s := cleanDMI(env.ReadFile(filepath.Join(dmiDir, f))); s != "" {
				return s, nil
			}
		}
		return nil, errors.New("no readable DMI serial (root is usually required)")
	case "darwin":
		out, err := env.Run(ctx, "ioreg", "-rd1", "-c", "IOPlatformExpertDevice")
		if err != nil {
			return nil, err
		}
		if s := ioregProperty(string(out), "IOPlatformSerialNumber"); s != "" {
			return s, nil
		}
		return nil, errors.New("IOPlatformSerialNumber not found")
	}
	return nil, env.Unsupported("serial_number")
}

func motherboard(ctx context.Context, env collectors.Env) (any, error) {
	switch env.GOOS {
	case "linux":
		b := Board{
			Manufacturer: cleanDMI(env.ReadFile(filepath.Join(dmiDir, "board_vendor"))),
			Product:      cleanDMI(env.ReadFile(filepath.Join(dmiDir, "board_name"))),
			Version:      cleanDMI(env.ReadFile(filepath.Join(dmiDir, "board_version"))),
		}
		if b.Manufacturer == "" {
			b.Manufacturer = cleanDMI(env.ReadFile(filepath.Join(dmiDir, "sys_vendor")))
		}
		if b.Manufacturer == "" && b.Product == "" {
			return nil, errors.New("no DMI board information")
		}
		return b, nil
	case "darwin":
		out, err := env.Run(ctx, "ioreg", "-rd1", "-c", "IOPlatformExpertDevice")
		if err != nil {
			return nil, err
		}
		return Board{
			Manufacturer: ioregProperty(string(out), "manufacturer"),
			Product:      ioregProperty(string(out), "model"),
		}, nil
	}
	return nil, env.Unsupported("motherboard")
}

// cleanDMI drops the placeholder strings firmware vendors leave in unset
// DMI fields.
func cleanDMI(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "to be filled by o.e.m.", "default string", "not specified", "none", "0", "system serial number":
		return ""
	}
	return strings.TrimSpace(s)
}

// ioregProperty extracts a string property from `ioreg` output. Values are
// printed either as "key" = "value" or as "key" = <"value">.
func ioregProperty(out, key string) string {
	needle := `"` + key + `" = `
	for _, line := range strings.Split(out, "\n") {
		idx := strings.Index(line, needle)
		if idx < 0 {
			continue
		}
		v := strings.TrimSpace(line[idx+len(needle):])
		v = strings.TrimPrefix(v, "<")
		v = strings.TrimSuffix(v, ">")
		return strings.Trim(v, `"`)
	}
	return ""
}
