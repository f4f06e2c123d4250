// Package daemon holds the process plumbing of the agent daemon: the PID
// file lock, the health file and the line-based IPC control socket.
package daemon

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/afero"

	"gitlab.com/tinyland/lab/trackit/pkg/storage"
)

// AcquirePID creates a PID file at path with the current process PID.
// It fails if another live process already holds the lock. If the existing
// PID file points to a dead process, it is replaced.
func AcquirePID(path string) error {
	existingPID, err := ReadPID(path)
	if err == nil && existingPID != os.Getpid() && IsProcessAlive(existingPID) {
		return fmt.Errorf("daemon already running (PID %d)", existingPID)
	}

	// Stale or missing; AtomicWrite replaces it in one rename.
	pid := strconv.Itoa(os.Getpid())
	if err := storage.AtomicWrite(afero.NewOsFs(), path, []byte(pid+"\n")); err != nil {
		return fmt.Errorf("write PID file: %w", err)
	}
	return nil
}

// ReleasePID removes the PID file at the given path.
func ReleasePID(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove PID file: %w", err)
	}
	return nil
}

// ReadPID reads and parses the PID from the given file.
func ReadPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read PID file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parse PID file: %w", err)
	}

	return pid, nil
}
