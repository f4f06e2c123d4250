package hardware

import (
	"encoding/json"
	"strconv"
	"strings"
	"unicode"
)

// GPU describes a single graphics device.
type GPU struct {
	Name        string  `json:"name,omitempty"`
	Vendor      string  `json:"vendor"` // "nvidia", "amd", "intel", "apple"
	DeviceID    string  `json:"device_id,omitempty"`
	VRAM        uint64  `json:"vram_bytes,omitempty"`
	Driver      string  `json:"driver,omitempty"`
	Temperature float64 `json:"temperature_c,omitempty"`
	Utilization float64 `json:"utilization_pct,omitempty"`
}

// parseNvidiaSMI parses the CSV output of:
//
//	nvidia-smi --query-gpu=name,driver_version,memory.total,temperature.gpu,utilization.gpu --format=csv,noheader,nounits
func parseNvidiaSMI(output string) []GPU {
	var gpus []GPU
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.Split(line, ",")
		if len(parts) < 2 {
			continue
		}
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}

		gpu := GPU{Name: parts[0], Vendor: "nvidia", Driver: parts[1]}
		if len(parts) > 2 {
			gpu.VRAM = uint64(parseFloat(parts[2]) * 1024 * 1024)
		}
		if len(parts) > 3 {
			gpu.Temperature = parseFloat(parts[3])
		}
		if len(parts) > 4 {
			gpu.Utilization = parseFloat(parts[4])
		}
		if gpu.Name != "" {
			gpus = append(gpus, gpu)
		}
	}
	return gpus
}

type spDisplays struct {
	Items []struct {
		Model       string `json:"sppci_model"`
		Vendor      string `json:"sppci_vendor"`
		VRAM        string `json:"sppci_vram"`
		VRAMShared  string `json:"sppci_vram_shared"`
		MetalFamily string `json:"spdisplays_metalfamily"`
	} `json:"SPDisplaysDataType"`
}

// parseDarwinGPU parses `system_profiler SPDisplaysDataType -json`.
func parseDarwinGPU(data []byte) []GPU {
	var sp spDisplays
	if err := json.Unmarshal(data, &sp); err != nil {
		return nil
	}
	gpus := make([]GPU, 0, len(sp.Items))
	for _, it := range sp.Items {
		vram := it.VRAM
		if vram == "" {
			vram = it.VRAMShared
		}
		gpus = append(gpus, GPU{
			Name:   it.Model,
			Vendor: normalizeVendor(it.Vendor),
			VRAM:   parseVRAM(vram),
			Driver: it.MetalFamily,
		})
	}
	return gpus
}

// normalizeVendor maps a verbose vendor string to a short canonical form.
// AMD's short names are matched as whole words only.
func normalizeVendor(vendor string) string {
	lower := strings.ToLower(vendor)
	switch {
	case strings.Contains(lower, "nvidia"):
		return "nvidia"
	case strings.Contains(lower, "intel"):
		return "intel"
	case strings.Contains(lower, "apple"):
		return "apple"
	case strings.Contains(lower, "advanced micro devices") || hasWord(lower, "amd", "ati"):
		return "amd"
	default:
		return strings.TrimSpace(lower)
	}
}

func hasWord(s string, words ...string) bool {
	for _, f := range strings.FieldsFunc(s, func(r rune) bool { return !unicode.IsLetter(r) }) {
		for _, w := range words {
			if f == w {
				return true
			}
		}
	}
	return false
}

// parseVRAM converts "8 GB" or "8192 MB" to bytes.
func parseVRAM(s string) uint64 {
	fields := strings.Fields(strings.ToLower(s))
	if len(fields) != 2 {
		return 0
	}
	v := parseFloat(fields[0])
	switch fields[1] {
	case "gb":
		return uint64(v * 1024 * 1024 * 1024)
	case "mb":
		return uint64(v * 1024 * 1024)
	}
	return 0
}

// vendorIDToName maps PCI vendor IDs to vendor names.
func vendorIDToName(id string) string {
	switch strings.ToLower(id) {
	case "0x10de":
		return "nvidia"
	case "0x1002":
		return "amd"
	case "0x8086":
		return "intel"
	}
	return ""
}

func parseFloat(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v < 0 {
		return 0
	}
	return v
}
