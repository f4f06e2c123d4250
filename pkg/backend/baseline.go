package backend

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"gitlab.com/tinyland/lab/trackit/pkg/config"
	"gitlab.com/tinyland/lab/trackit/pkg/schedule"
)

// baselineFile is the YAML layout of the baseline schedules file:
//
//	schedules:
//	  - schedule_id: hardware
//	    interval: 86400
//	    details_required: [cpu, memory, storage]
type baselineFile struct {
	Schedules []baselineEntry `yaml:"schedules"`
}

type baselineEntry struct {
	ID           string   `yaml:"schedule_id"`
	Interval     float64  `yaml:"interval"`
	Capabilities []string `yaml:"details_required"`
}

// ParseBaseline decodes and validates a baseline schedules document. Unknown
// keys are rejected.
func ParseBaseline(r io.Reader) ([]schedule.Schedule, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var doc baselineFile
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("baseline: decode: %w", err)
	}

	var errs []error
	out := make([]schedule.Schedule, 0, len(doc.Schedules))
	for i, e := range doc.Schedules {
		s, err := schedule.Validate(schedule.Schedule{ID: e.ID, Interval: e.Interval, Capabilities: e.Capabilities})
		if err != nil {
			errs = append(errs, fmt.Errorf("baseline: entry %d: %w", i, err))
			continue
		}
		out = append(out, s)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return out, nil
}

// LoadBaseline assembles the schedules pushed to every agent on connect: the
// named preset first, then the YAML file at path. A file entry replaces a
// preset entry with the same id. Empty arguments are skipped.
func LoadBaseline(preset, path string) ([]schedule.Schedule, error) {
	byID := make(map[string]schedule.Schedule)
	if preset != "" {
		if !config.IsSchedulePreset(preset) {
			return nil, fmt.Errorf("baseline: unknown preset %q", preset)
		}
		for _, s := range config.SchedulePreset(preset) {
			byID[s.ID] = s
		}
	}
	if path != "" {
		data, err := os.ReadFile(config.ExpandHome(path))
		if err != nil {
			return nil, fmt.Errorf("baseline: %w", err)
		}
		scheds, err := ParseBaseline(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		for _, s := range scheds {
			byID[s.ID] = s
		}
	}

	out := make([]schedule.Schedule, 0, len(byID))
	for _, s := range byID {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
