// Package logging builds the slog logger shared by the agent and the
// collector binaries.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/mattn/go-isatty"

	"gitlab.com/tinyland/lab/trackit/pkg/config"
)

// Options selects the handler.
type Options struct {
	Level  slog.Level
	Format string // auto|text|json
	File   string // optional, appended to alongside Output

	// Output defaults to os.Stderr.
	Output io.Writer
}

// FromConfig derives Options from the [log] section. verbose forces debug.
func FromConfig(cfg *config.Config, verbose bool) Options {
	opts := Options{Level: cfg.SlogLevel(), Format: cfg.Log.Format, File: config.ExpandHome(cfg.Log.File)}
	if verbose {
		opts.Level = slog.LevelDebug
	}
	return opts
}

// New returns a logger and a close func for the log file, if any. The close
// func is never nil.
func New(opts Options) (*slog.Logger, func() error, error) {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	format := opts.Format
	if format == "" || format == "auto" {
		format = "json"
		if isTerminal(out) {
			format = "text"
		}
	}

	closer := func() error { return nil }
	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0o755); err != nil {
			return nil, closer, fmt.Errorf("logging: create log directory: %w", err)
		}
		f, err := os.OpenFile(opts.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, closer, fmt.Errorf("logging: open log file: %w", err)
		}
		out = io.MultiWriter(out, f)
		closer = f.Close
	}

	hopts := &slog.HandlerOptions{Level: opts.Level}
	var h slog.Handler
	switch format {
	case "text":
		h = slog.NewTextHandler(out, hopts)
	case "json":
		h = slog.NewJSONHandler(out, hopts)
	default:
		_ = closer()
		return nil, func() error { return nil }, fmt.Errorf("logging: unknown format %q", opts.Format)
	}
	return slog.New(h), closer, nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(interface{ Fd() uintptr })
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
