package software

import "strings"

// Kernel identifies the running kernel.
type Kernel struct {
	Name    string `json:"name"`
	Release string `json:"release"`
	Version string `json:"version,omitempty"`
	Machine string `json:"machine,omitempty"`
}

// parseProcVersion extracts the release from /proc/version, e.g.
// "Linux version 6.1.0-27-amd64 (debian-kernel@...) ...".
func parseProcVersion(raw string) string {
	s := strings.TrimSpace(raw)
	if rest, ok := strings.CutPrefix(s, "Linux version "); ok {
		s = rest
		if idx := strings.IndexByte(s, ' '); idx >= 0 {
			s = s[:idx]
		}
	}
	return s
}
