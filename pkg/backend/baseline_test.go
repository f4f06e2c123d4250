package backend

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseBaseline(t *testing.T) {
	doc := `
schedules:
  - schedule_id: hardware
    interval: 86400
    details_required: [cpu, memory, cpu]
  - schedule_id: net
    interval: 1800
    details_required:
      - public_ip
`
	scheds, err := ParseBaseline(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("ParseBaseline: %v", err)
	}
	if len(scheds) != 2 {
		t.Fatalf("got %d schedules", len(scheds))
	}
	if scheds[0].ID != "hardware" || strings.Join(scheds[0].Capabilities, ",") != "cpu,memory" {
		t.Errorf("hardware = %+v", scheds[0])
	}
}

func TestParseBaselineEmpty(t *testing.T) {
	scheds, err := ParseBaseline(strings.NewReader(""))
	if err != nil || len(scheds) != 0 {
		t.Errorf("empty = %v, %v", scheds, err)
	}
}

func TestParseBaselineErrors(t *testing.T) {
	tests := map[string]string{
		"unknown key":  "schedules:\n  - schedule_id: a\n    every: 10\n",
		"bad interval": "schedules:\n  - schedule_id: a\n    interval: 0\n    details_required: [cpu]\n",
		"bad id":       "schedules:\n  - schedule_id: ../a\n    interval: 5\n    details_required: [cpu]\n",
		"not yaml":     "schedules: [",
	}
	for name, doc := range tests {
		if _, err := ParseBaseline(strings.NewReader(doc)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestLoadBaselineMergesPresetAndFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "baseline.yaml")
	doc := "schedules:\n  - schedule_id: heartbeat\n    interval: 60\n    details_required: [os_info]\n  - schedule_id: extra\n    interval: 300\n    details_required: [cpu]\n"
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	scheds, err := LoadBaseline("minimal", path)
	if err != nil {
		t.Fatalf("LoadBaseline: %v", err)
	}
	if len(scheds) != 2 || scheds[0].ID != "extra" || scheds[1].ID != "heartbeat" {
		t.Fatalf("schedules = %+v", scheds)
	}
	if scheds[1].Interval != 60 {
		t.Errorf("file entry did not replace preset: %+v", scheds[1])
	}
}

func TestLoadBaselineErrors(t *testing.T) {
	if _, err := LoadBaseline("everything", ""); err == nil {
		t.Error("unknown preset should fail")
	}
	if _, err := LoadBaseline("", filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("missing file should fail")
	}
	if scheds, err := LoadBaseline("", ""); err != nil || len(scheds) != 0 {
		t.Errorf("no baseline = %v, %v", scheds, err)
	}
}

func TestSerialNumber(t *testing.T) {
	tests := []struct {
		name string
		data map[string]any
		want string
	}{
		{"hardware section", map[string]any{"hardware": map[string]any{"serial_number": "HW1"}, "serial_number": "TOP"}, "HW1"},
		{"top level", map[string]any{"serial_number": "TOP"}, "TOP"},
		{"agent result", map[string]any{"capabilities": map[string]any{"serial_number": map[string]any{"value": "AG1"}}}, "AG1"},
		{"failed capability", map[string]any{"capabilities": map[string]any{"serial_number": map[string]any{"error": map[string]any{"code": "timeout"}}}}, UnknownSerial},
		{"wrong type", map[string]any{"serial_number": 42}, UnknownSerial},
		{"nil", nil, UnknownSerial},
	}
	for _, tt := range tests {
		if got := SerialNumber(tt.data); got != tt.want {
			t.Errorf("%s: SerialNumber = %q, want %q", tt.name, got, tt.want)
		}
	}
}
