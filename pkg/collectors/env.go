package collectors

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/afero"
)

// Runner executes an external command and returns its standard output.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

// ExecRunner runs commands with os/exec. A non-zero exit includes the first
// line of stderr in the error.
func ExecRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if i := strings.IndexByte(msg, '\n'); i >= 0 {
			msg = msg[:i]
		}
		if msg != "" {
			return out, fmt.Errorf("%s: %w: %s", name, err, msg)
		}
		return out, fmt.Errorf("%s: %w", name, err)
	}
	return out, nil
}

// Env is the host access handed to every probe. Tests replace Run and FS to
// drive the parsers with canned output.
type Env struct {
	Run  Runner
	FS   afero.Fs // rooted at "/", used for /sys and /proc reads
	GOOS string

	HTTPClient      *http.Client
	PublicIPURL     string
	TailscaleSocket string
	AssetTag        string
	ProcessLimit    int // 0 means every process

	Logger *slog.Logger
}

// DefaultPublicIPURL is queried by the public_ip capability.
const DefaultPublicIPURL = "https://api.ipify.org?format=json"

// WithDefaults fills every zero field with its production value.
func (e Env) WithDefaults() Env {
	if e.Run == nil {
		e.Run = ExecRunner
	}
	if e.FS == nil {
		e.FS = afero.NewOsFs()
	}
	if e.GOOS == "" {
		e.GOOS = runtime.GOOS
	}
	if e.HTTPClient == nil {
		e.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if e.PublicIPURL == "" {
		e.PublicIPURL = DefaultPublicIPURL
	}
	if e.Logger == nil {
		e.Logger = slog.Default()
	}
	return e
}

// Unsupported reports a capability that has no probe on this platform.
func (e Env) Unsupported(capability string) error {
	return fmt.Errorf("%s on %s: %w", capability, e.GOOS, errors.ErrUnsupported)
}

// ReadFile returns the trimmed content of path, or "" when it cannot be
// read.
func (e Env) ReadFile(path string) string {
	data, err := afero.ReadFile(e.FS, path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// Output runs a command and returns its trimmed stdout.
func (e Env) Output(ctx context.Context, name string, args ...string) (string, error) {
	out, err := e.Run(ctx, name, args...)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
