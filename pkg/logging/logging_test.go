package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gitlab.com/tinyland/lab/trackit/pkg/config"
)

func TestNewFormats(t *testing.T) {
	tests := []struct {
		format string
		json   bool
	}{
		{"", true}, // a buffer is not a terminal
		{"auto", true},
		{"json", true},
		{"text", false},
	}
	for _, tt := range tests {
		var buf bytes.Buffer
		logger, closeFn, err := New(Options{Format: tt.format, Output: &buf})
		if err != nil {
			t.Fatalf("%q: %v", tt.format, err)
		}
		logger.Info("hello", "k", "v")
		_ = closeFn()

		isJSON := json.Valid(bytes.TrimSpace(buf.Bytes()))
		if isJSON != tt.json {
			t.Errorf("%q: json = %v, output %q", tt.format, isJSON, buf.String())
		}
	}
}

func TestNewUnknownFormat(t *testing.T) {
	if _, closeFn, err := New(Options{Format: "xml", Output: &bytes.Buffer{}}); err == nil || closeFn == nil {
		t.Errorf("New(xml) = %v", err)
	}
}

func TestNewLevel(t *testing.T) {
	var buf bytes.Buffer
	logger, _, _ := New(Options{Format: "text", Level: slog.LevelWarn, Output: &buf})
	logger.Info("quiet")
	logger.Warn("loud")
	if strings.Contains(buf.String(), "quiet") || !strings.Contains(buf.String(), "loud") {
		t.Errorf("output = %q", buf.String())
	}
}

func TestNewTeesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "trackit.log")
	var buf bytes.Buffer
	logger, closeFn, err := New(Options{Format: "text", File: path, Output: &buf})
	if err != nil {
		t.Fatal(err)
	}
	logger.Info("tee")
	if err := closeFn(); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "tee") || !strings.Contains(buf.String(), "tee") {
		t.Errorf("file %q, stderr %q", data, buf.String())
	}
}

func TestFromConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Log.Level = "error"
	if got := FromConfig(cfg, false).Level; got != slog.LevelError {
		t.Errorf("level = %v", got)
	}
	if got := FromConfig(cfg, true).Level; got != slog.LevelDebug {
		t.Errorf("verbose level = %v", got)
	}
}
