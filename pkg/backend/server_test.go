package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"gitlab.com/tinyland/lab/trackit/pkg/clock"
	"gitlab.com/tinyland/lab/trackit/pkg/collectors"
	"gitlab.com/tinyland/lab/trackit/pkg/schedule"
	"gitlab.com/tinyland/lab/trackit/pkg/transport"
)

func quiet() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testBackend struct {
	srv   *Server
	http  *httptest.Server
	store *Store
}

func newTestBackend(t *testing.T, baseline ...schedule.Schedule) *testBackend {
	t.Helper()
	b := &testBackend{store: openTestStore(t)}
	b.srv = New(Config{
		Store:    b.store,
		Baseline: baseline,
		Clock:    clock.NewFake(t0),
		Logger:   quiet(),
	})
	b.http = httptest.NewServer(b.srv.Handler())
	t.Cleanup(b.http.Close)
	return b
}

func (b *testBackend) wsURL() string {
	return "ws" + strings.TrimPrefix(b.http.URL, "http") + "/ws"
}

func (b *testBackend) do(t *testing.T, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var rdr io.Reader
	switch v := body.(type) {
	case nil:
	case string:
		rdr = strings.NewReader(v)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			t.Fatal(err)
		}
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, b.http.URL+path, rdr)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// testAgent is a transport client standing in for a real agent.
type testAgent struct {
	client    *transport.Client
	schedules chan schedule.Schedule
	custom    chan transport.CustomData
}

func connectAgent(t *testing.T, b *testBackend, id string) *testAgent {
	t.Helper()
	a := &testAgent{
		schedules: make(chan schedule.Schedule, 16),
		custom:    make(chan transport.CustomData, 4),
	}
	a.client = transport.NewClient(transport.Config{
		URL:          b.wsURL(),
		ReconnectMin: 10 * time.Millisecond,
		Logger:       quiet(),
		OnConnect: func(ctx context.Context) error {
			return a.client.Emit(ctx, transport.EventAgentOnline, transport.AgentOnline{
				AgentID:      id,
				Hostname:     "host-" + id,
				Version:      "test",
				OS:           "linux/amd64",
				Capabilities: []string{"cpu", "serial_number"},
			})
		},
	})
	a.client.Handle(transport.EventCreateSchedule, func(_ context.Context, p json.RawMessage) error {
		var s schedule.Schedule
		if err := json.Unmarshal(p, &s); err != nil {
			return err
		}
		a.schedules <- s
		return nil
	})
	a.client.Handle(transport.EventCustomData, func(_ context.Context, p json.RawMessage) error {
		var req transport.CustomData
		if err := json.Unmarshal(p, &req); err != nil {
			return err
		}
		a.custom <- req
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.client.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; !errors.Is(err, context.Canceled) {
			t.Errorf("agent Run = %v", err)
		}
	})

	waitFor(t, "agent connected", a.client.Connected)
	waitFor(t, "agent identified", func() bool {
		for _, c := range b.srv.Hub().Agents() {
			if c.AgentID == id {
				return true
			}
		}
		return false
	})
	return a
}

func (a *testAgent) report(t *testing.T, deliveryID, scheduleID, serial string) {
	t.Helper()
	res := collectors.Result{
		DeliveryID:  deliveryID,
		ScheduleID:  scheduleID,
		Requested:   []string{"serial_number"},
		CollectedAt: t0,
		Capabilities: map[string]collectors.Entry{
			"serial_number": {Value: serial},
		},
	}
	if err := a.client.Emit(context.Background(), transport.EventProcessedData, transport.ProcessedData{Data: res}); err != nil {
		t.Fatalf("emit processed_data: %v", err)
	}
}

func (b *testBackend) reportCount(t *testing.T, serial string) int {
	t.Helper()
	reports, err := b.store.Reports(context.Background(), serial, 100)
	if err != nil {
		t.Fatal(err)
	}
	return len(reports)
}

func TestBaselinePushedOnConnect(t *testing.T) {
	baseline := []schedule.Schedule{
		{ID: "heartbeat", Interval: 3600, Capabilities: []string{"os_info"}},
		{ID: "hw", Interval: 86400, Capabilities: []string{"cpu"}},
	}
	b := newTestBackend(t, baseline...)
	a := connectAgent(t, b, "a-1")

	got := map[string]bool{}
	for range baseline {
		select {
		case s := <-a.schedules:
			got[s.ID] = true
		case <-time.After(5 * time.Second):
			t.Fatalf("baseline not pushed, got %v", got)
		}
	}
	if !got["heartbeat"] || !got["hw"] {
		t.Errorf("baseline = %v", got)
	}
}

func TestAgentOnlineRecorded(t *testing.T) {
	b := newTestBackend(t)
	connectAgent(t, b, "a-1")

	code, body := b.do(t, http.MethodGet, "/api/agents", nil)
	if code != http.StatusOK {
		t.Fatalf("GET /api/agents = %d", code)
	}
	agents, _ := body["agents"].([]any)
	if len(agents) != 1 {
		t.Fatalf("agents = %v", body)
	}
	first := agents[0].(map[string]any)
	if first["agent_id"] != "a-1" || first["hostname"] != "host-a-1" {
		t.Errorf("agent = %v", first)
	}

	known, err := b.store.Agents(context.Background())
	if err != nil || len(known) != 1 || known[0].Version != "test" {
		t.Errorf("known agents = %+v, %v", known, err)
	}
	code, body = b.do(t, http.MethodGet, "/api/agents/known", nil)
	if code != http.StatusOK || len(body["agents"].([]any)) != 1 {
		t.Errorf("GET /api/agents/known = %d %v", code, body)
	}
}

func TestProcessedDataStoredOnce(t *testing.T) {
	b := newTestBackend(t)
	a := connectAgent(t, b, "a-1")

	a.report(t, "d-1", "hw", "SN-42")
	waitFor(t, "report stored", func() bool { return b.reportCount(t, "SN-42") == 1 })

	// Replay, then a distinct report to know the replay was processed.
	a.report(t, "d-1", "hw", "SN-42")
	a.report(t, "d-2", "hw", "SN-43")
	waitFor(t, "second report stored", func() bool { return b.reportCount(t, "SN-43") == 1 })
	if n := b.reportCount(t, "SN-42"); n != 1 {
		t.Errorf("duplicate delivery stored: %d reports", n)
	}

	code, body := b.do(t, http.MethodGet, "/api/devices/SN-42/reports", nil)
	if code != http.StatusOK {
		t.Fatalf("GET reports = %d", code)
	}
	reports := body["reports"].([]any)
	r := reports[0].(map[string]any)
	if r["agent_id"] != "a-1" || r["schedule_id"] != "hw" || r["source"] != SourceAgent {
		t.Errorf("report = %v", r)
	}

	waitFor(t, "hub report count", func() bool {
		agents := b.srv.Hub().Agents()
		return len(agents) == 1 && agents[0].Reports == 2
	})
}

func TestPostScheduleBroadcasts(t *testing.T) {
	b := newTestBackend(t)
	a := connectAgent(t, b, "a-1")

	code, body := b.do(t, http.MethodPost, "/api/schedule", map[string]any{
		"schedule_id": "nightly", "interval": 86400, "details_required": []string{"cpu", "memory"},
	})
	if code != http.StatusOK || body["agents"] != float64(1) {
		t.Fatalf("POST /api/schedule = %d %v", code, body)
	}
	select {
	case s := <-a.schedules:
		if s.ID != "nightly" || s.Interval != 86400 || len(s.Capabilities) != 2 {
			t.Errorf("pushed = %+v", s)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("schedule not pushed")
	}

	for _, bad := range []any{
		map[string]any{"schedule_id": "x", "interval": -1, "details_required": []string{"cpu"}},
		map[string]any{"schedule_id": "x", "interval": 10, "details_required": []string{}},
		"{not json",
	} {
		if code, _ := b.do(t, http.MethodPost, "/api/schedule", bad); code != http.StatusBadRequest {
			t.Errorf("POST %v = %d, want 400", bad, code)
		}
	}
	select {
	case s := <-a.schedules:
		t.Errorf("invalid schedule pushed: %+v", s)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPostCustomBroadcasts(t *testing.T) {
	b := newTestBackend(t)
	a := connectAgent(t, b, "a-1")

	if code, _ := b.do(t, http.MethodPost, "/api/custom", map[string]any{}); code != http.StatusBadRequest {
		t.Errorf("empty custom = %d", code)
	}
	code, body := b.do(t, http.MethodPost, "/api/custom", transport.CustomData{DetailsRequired: []string{"public_ip"}})
	if code != http.StatusOK || body["agents"] != float64(1) {
		t.Fatalf("POST /api/custom = %d %v", code, body)
	}
	select {
	case req := <-a.custom:
		if len(req.DetailsRequired) != 1 || req.DetailsRequired[0] != "public_ip" {
			t.Errorf("custom = %+v", req)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("custom_data not pushed")
	}
}

func TestBroadcastWithoutAgents(t *testing.T) {
	b := newTestBackend(t)
	code, body := b.do(t, http.MethodPost, "/api/custom", transport.CustomData{DetailsRequired: []string{"cpu"}})
	if code != http.StatusOK || body["agents"] != float64(0) {
		t.Errorf("POST /api/custom = %d %v", code, body)
	}
}

func TestPostData(t *testing.T) {
	b := newTestBackend(t)

	tests := []struct {
		name string
		body any
		code int
	}{
		{"missing data", map[string]any{"schedule": "hw"}, http.StatusBadRequest},
		{"empty data", map[string]any{"data": map[string]any{}, "schedule": "hw"}, http.StatusBadRequest},
		{"missing schedule", map[string]any{"data": map[string]any{"a": 1}}, http.StatusBadRequest},
		{"not json", "{", http.StatusBadRequest},
		{"ok", map[string]any{"data": map[string]any{"hardware": map[string]any{"serial_number": "SN-7"}}, "schedule": "hw"}, http.StatusOK},
		{"schedule object", map[string]any{"data": map[string]any{"serial_number": "SN-8"}, "schedule": map[string]any{"schedule_id": "net"}}, http.StatusOK},
		{"no serial", map[string]any{"data": map[string]any{"cpu": 4}, "schedule": "hw"}, http.StatusOK},
	}
	for _, tt := range tests {
		if code, body := b.do(t, http.MethodPost, "/api/data", tt.body); code != tt.code {
			t.Errorf("%s: status = %d (%v), want %d", tt.name, code, body, tt.code)
		}
	}

	reports, err := b.store.Reports(context.Background(), "SN-7", 10)
	if err != nil || len(reports) != 1 {
		t.Fatalf("SN-7 reports = %v, %v", reports, err)
	}
	var doc map[string]any
	if err := json.Unmarshal(reports[0].Data, &doc); err != nil {
		t.Fatal(err)
	}
	if doc["timestamp"] != t0.Format(time.RFC3339) {
		t.Errorf("timestamp = %v", doc["timestamp"])
	}
	if reports[0].Source != SourceHTTP || reports[0].ScheduleID != "hw" {
		t.Errorf("report = %+v", reports[0])
	}
	if n := b.reportCount(t, "SN-8"); n != 1 {
		t.Errorf("SN-8 reports = %d", n)
	}
	if n := b.reportCount(t, UnknownSerial); n != 1 {
		t.Errorf("unknown-serial reports = %d", n)
	}
}

func TestReportsLimitValidation(t *testing.T) {
	b := newTestBackend(t)
	for _, q := range []string{"?limit=0", "?limit=abc"} {
		if code, _ := b.do(t, http.MethodGet, "/api/devices/SN/reports"+q, nil); code != http.StatusBadRequest {
			t.Errorf("%s: status = %d", q, code)
		}
	}
	code, body := b.do(t, http.MethodGet, "/api/devices/SN/reports?limit=5", nil)
	if code != http.StatusOK || len(body["reports"].([]any)) != 0 {
		t.Errorf("empty reports = %d %v", code, body)
	}
}

func TestHealthAndCORS(t *testing.T) {
	b := newTestBackend(t)
	code, body := b.do(t, http.MethodGet, "/health", nil)
	if code != http.StatusOK || body["status"] != "ok" {
		t.Errorf("health = %d %v", code, body)
	}

	req, _ := http.NewRequest(http.MethodGet, b.http.URL+"/health", nil)
	req.Header.Set("Origin", "http://dashboard.example")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q", got)
	}
}

func TestAgentDisconnectUnregisters(t *testing.T) {
	b := newTestBackend(t)
	ctx, cancel := context.WithCancel(context.Background())
	c := transport.NewClient(transport.Config{URL: b.wsURL(), Logger: quiet()})
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	waitFor(t, "registered", func() bool { return b.srv.Hub().Count() == 1 })
	cancel()
	<-done
	waitFor(t, "unregistered", func() bool { return b.srv.Hub().Count() == 0 })
}

func TestListenAndServeStopsOnCancel(t *testing.T) {
	srv := New(Config{Store: openTestStore(t), Logger: quiet()})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.ListenAndServe(ctx, "127.0.0.1:0") }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("ListenAndServe = %v", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("ListenAndServe did not return")
	}
}
