package collectors

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// ErrorCode classifies a per-capability failure.
type ErrorCode string

const (
	CodeUnknownCapability ErrorCode = "unknown_capability"
	CodeCollectorFailed   ErrorCode = "collector_failed"
	CodeTimeout           ErrorCode = "timeout"
	CodePanic             ErrorCode = "panic"
)

// CollectionError is the error returned by Registry.Invoke. It never aborts a
// gather; Gather turns it into an error Entry.
type CollectionError struct {
	Capability string
	Code       ErrorCode
	Err        error
}

func (e *CollectionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("collectors: %s: %s", e.Capability, e.Code)
	}
	return fmt.Sprintf("collectors: %s: %s: %v", e.Capability, e.Code, e.Err)
}

func (e *CollectionError) Unwrap() error { return e.Err }

// EntryError is the wire form of a CollectionError.
type EntryError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// Entry is the outcome of one capability: either a value or an error.
type Entry struct {
	Value any
	Error *EntryError
}

// OK reports whether the entry holds a value.
func (e Entry) OK() bool { return e.Error == nil }

// MarshalJSON emits exactly one of "value" or "error".
func (e Entry) MarshalJSON() ([]byte, error) {
	if e.Error != nil {
		return json.Marshal(struct {
			Error *EntryError `json:"error"`
		}{e.Error})
	}
	return json.Marshal(struct {
		Value any `json:"value"`
	}{e.Value})
}

func (e *Entry) UnmarshalJSON(data []byte) error {
	var raw struct {
		Value any         `json:"value"`
		Error *EntryError `json:"error"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	e.Value, e.Error = raw.Value, raw.Error
	if e.Error != nil {
		e.Value = nil
	}
	return nil
}

func errorEntry(err *CollectionError) Entry {
	msg := ""
	if err.Err != nil {
		msg = err.Err.Error()
	}
	return Entry{Error: &EntryError{Code: err.Code, Message: msg}}
}

// Result is one collection, either scheduled or on demand.
type Result struct {
	DeliveryID   string           `json:"delivery_id"`
	ScheduleID   string           `json:"schedule_id,omitempty"`
	AgentID      string           `json:"agent_id,omitempty"`
	Hostname     string           `json:"hostname,omitempty"`
	Requested    []string         `json:"requested"`
	CollectedAt  time.Time        `json:"collected_at"`
	Capabilities map[string]Entry `json:"capabilities"`
}

// Failed returns the names of capabilities that produced an error entry,
// sorted.
func (r Result) Failed() []string {
	var out []string
	for name, e := range r.Capabilities {
		if !e.OK() {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
