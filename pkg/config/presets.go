package config

import (
	"sort"

	"gitlab.com/tinyland/lab/trackit/pkg/schedule"
)

var presets = map[string]func() []schedule.Schedule{
	"minimal":   minimalPreset,
	"inventory": inventoryPreset,
	"security":  securityPreset,
	"full":      fullPreset,
}

// SchedulePreset returns the baseline schedules of a named preset. The
// collector pushes them to every agent on connect. If the name is not
// recognized, nil is returned.
func SchedulePreset(name string) []schedule.Schedule {
	fn, ok := presets[name]
	if !ok {
		return nil
	}
	return fn()
}

// IsSchedulePreset reports whether name is a known preset.
func IsSchedulePreset(name string) bool {
	_, ok := presets[name]
	return ok
}

// SchedulePresetNames returns the known preset names, sorted.
func SchedulePresetNames() []string {
	names := make([]string, 0, len(presets))
	for n := range presets {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// minimalPreset is a single hourly heartbeat.
//
//	heartbeat  1h  os_info, last_boot_time
func minimalPreset() []schedule.Schedule {
	return []schedule.Schedule{
		{ID: "heartbeat", Interval: 3600, Capabilities: []string{"os_info", "last_boot_time"}},
	}
}

// inventoryPreset tracks hardware and installed software daily.
//
//	heartbeat           1h  os_info, last_boot_time
//	hardware-inventory  1d  cpu, memory, storage, gpu, serial_number, motherboard
//	software-inventory  1d  kernel, installed_software
func inventoryPreset() []schedule.Schedule {
	return append(minimalPreset(),
		schedule.Schedule{
			ID:           "hardware-inventory",
			Interval:     86400,
			Capabilities: []string{"cpu", "memory", "storage", "gpu", "serial_number", "motherboard"},
		},
		schedule.Schedule{
			ID:           "software-inventory",
			Interval:     86400,
			Capabilities: []string{"kernel", "installed_software"},
		},
	)
}

// securityPreset watches the security posture hourly.
//
//	heartbeat         1h   os_info, last_boot_time
//	security-posture  1h   firewall, antivirus, disk_encryption
//	logins            15m  current_user, login_history
func securityPreset() []schedule.Schedule {
	return append(minimalPreset(),
		schedule.Schedule{
			ID:           "security-posture",
			Interval:     3600,
			Capabilities: []string{"firewall", "antivirus", "disk_encryption"},
		},
		schedule.Schedule{
			ID:           "logins",
			Interval:     900,
			Capabilities: []string{"current_user", "login_history"},
		},
	)
}

// fullPreset combines inventory and security with a network snapshot.
//
//	network  30m  network_adapters, public_ip, wifi_ssid, vpn_status
func fullPreset() []schedule.Schedule {
	out := inventoryPreset()
	out = append(out, securityPreset()[1:]...)
	return append(out, schedule.Schedule{
		ID:           "network",
		Interval:     1800,
		Capabilities: []string{"network_adapters", "public_ip", "wifi_ssid", "vpn_status"},
	})
}
