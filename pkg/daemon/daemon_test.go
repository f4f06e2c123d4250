package daemon

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"

	"gitlab.com/tinyland/lab/trackit/pkg/collectors"
)

func TestAcquirePIDFresh(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "trackit.pid")
	if err := AcquirePID(path); err != nil {
		t.Fatalf("AcquirePID: %v", err)
	}
	pid, err := ReadPID(path)
	if err != nil || pid != os.Getpid() {
		t.Errorf("ReadPID = %d, %v", pid, err)
	}
	if err := ReleasePID(path); err != nil {
		t.Errorf("ReleasePID: %v", err)
	}
	if err := ReleasePID(path); err != nil {
		t.Errorf("second ReleasePID: %v", err)
	}
}

func TestAcquirePIDReplacesStale(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trackit.pid")
	// PIDs this large are never allocated.
	if err := os.WriteFile(path, []byte("999999999"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := AcquirePID(path); err != nil {
		t.Fatalf("AcquirePID over stale file: %v", err)
	}
	if pid, _ := ReadPID(path); pid != os.Getpid() {
		t.Errorf("pid = %d", pid)
	}
}

func TestAcquirePIDHeldByLiveProcess(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trackit.pid")
	// The parent of the test binary is alive for the duration of the test.
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getppid())), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := AcquirePID(path); err == nil || !strings.Contains(err.Error(), "already running") {
		t.Errorf("AcquirePID = %v", err)
	}
}

func TestReadPIDGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trackit.pid")
	_ = os.WriteFile(path, []byte("not-a-pid"), 0o644)
	if _, err := ReadPID(path); err == nil {
		t.Error("expected parse error")
	}
}

func TestIsProcessAlive(t *testing.T) {
	if !IsProcessAlive(os.Getpid()) {
		t.Error("self should be alive")
	}
	if IsProcessAlive(0) || IsProcessAlive(-1) {
		t.Error("non-positive pids are never alive")
	}
}

func TestHealthFileRoundTrip(t *testing.T) {
	fs := afero.NewMemMapFs()
	start := time.Date(2025, 5, 1, 8, 0, 0, 0, time.UTC)
	in := &HealthStatus{
		PID:       42,
		AgentID:   "agent-1",
		StartedAt: start,
		UpdatedAt: start.Add(90 * time.Second),
		Connected: true,
		Schedules: 3,
		LastTick:  start.Add(90 * time.Second),
		Collectors: []collectors.CollectorStatus{
			{Name: "cpu", Family: collectors.FamilyHardware, Healthy: true, RunCount: 2},
		},
	}
	if err := WriteHealthFile(fs, "/data/health.json", in); err != nil {
		t.Fatalf("WriteHealthFile: %v", err)
	}
	out, err := ReadHealthFile(fs, "/data/health.json")
	if err != nil {
		t.Fatalf("ReadHealthFile: %v", err)
	}
	if out.AgentID != "agent-1" || !out.Connected || out.Schedules != 3 || len(out.Collectors) != 1 {
		t.Errorf("round trip = %+v", out)
	}
	if out.Uptime() != 90*time.Second {
		t.Errorf("uptime = %s", out.Uptime())
	}
}

func TestReadHealthFileMissing(t *testing.T) {
	if _, err := ReadHealthFile(afero.NewMemMapFs(), "/nope.json"); err == nil {
		t.Error("expected error")
	}
}

func TestParseIPCCommand(t *testing.T) {
	tests := []struct {
		line string
		cmd  string
		args map[string]string
	}{
		{"status", CmdStatus, map[string]string{}},
		{"PING", CmdPing, map[string]string{}},
		{"COLLECT cpu memory", CmdCollect, map[string]string{"capabilities": "cpu,memory"}},
		{"COLLECT cpu,memory, gpu", CmdCollect, map[string]string{"capabilities": "cpu,memory,gpu"}},
		{"COLLECT", CmdCollect, map[string]string{}},
		{"delete nightly", CmdDelete, map[string]string{"id": "nightly"}},
	}
	for _, tt := range tests {
		cmd, args := parseIPCCommand(tt.line)
		if cmd != tt.cmd {
			t.Errorf("%q: cmd = %q, want %q", tt.line, cmd, tt.cmd)
		}
		if len(args) != len(tt.args) {
			t.Errorf("%q: args = %v, want %v", tt.line, args, tt.args)
			continue
		}
		for k, v := range tt.args {
			if args[k] != v {
				t.Errorf("%q: args[%s] = %q, want %q", tt.line, k, args[k], v)
			}
		}
	}
}

type fakeHandler struct {
	mu   sync.Mutex
	seen []string
}

func (f *fakeHandler) HandleCommand(cmd string, args map[string]string) (string, error) {
	f.mu.Lock()
	f.seen = append(f.seen, cmd)
	f.mu.Unlock()
	switch cmd {
	case CmdPing:
		return "{\n  \"pong\": true\n}", nil
	case CmdDelete:
		return "", errors.New("schedule " + args["id"] + " not found")
	}
	return "plain text", nil
}

func socketPath(t *testing.T) string {
	t.Helper()
	// Unix socket paths are limited to ~100 bytes; t.TempDir can exceed that.
	dir, err := os.MkdirTemp("", "trk")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return filepath.Join(dir, "s.sock")
}

func TestIPCRoundTrip(t *testing.T) {
	path := socketPath(t)
	h := &fakeHandler{}
	srv := NewIPCServer(path, h, nil)
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer srv.Stop()

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat socket: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("socket mode = %o", perm)
	}

	client := NewIPCClient(path, 5*time.Second)

	resp, err := client.SendCommand("ping")
	if err != nil {
		t.Fatalf("PING: %v", err)
	}
	if resp != `{"pong":true}` {
		t.Errorf("PING response = %q (should be compacted)", resp)
	}

	if resp, _ := client.SendCommand("STATUS"); resp != "plain text" {
		t.Errorf("non-JSON response = %q", resp)
	}

	_, err = client.SendCommand("DELETE ghost")
	if err == nil || !strings.Contains(err.Error(), "ghost not found") {
		t.Errorf("DELETE err = %v", err)
	}
}

func TestIPCStopRemovesSocket(t *testing.T) {
	path := socketPath(t)
	srv := NewIPCServer(path, &fakeHandler{}, nil)
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	srv.Stop()
	srv.Stop()

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("socket still present: %v", err)
	}
	if _, err := NewIPCClient(path, time.Second).SendCommand("PING"); err == nil {
		t.Error("client should fail after stop")
	}
}

func TestIPCConcurrentClients(t *testing.T) {
	path := socketPath(t)
	h := &fakeHandler{}
	srv := NewIPCServer(path, h, nil)
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer srv.Stop()

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := NewIPCClient(path, 5*time.Second).SendCommand("PING"); err != nil {
				t.Errorf("PING: %v", err)
			}
		}()
	}
	wg.Wait()

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.seen) != 10 {
		t.Errorf("handled %d commands, want 10", len(h.seen))
	}
}
