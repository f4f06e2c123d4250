//go:build !unix

package daemon

import "os"

// IsProcessAlive reports whether a process with the given PID can be found.
func IsProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	_ = p.Release()
	return true
}
