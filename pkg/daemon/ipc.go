package daemon

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"time"
)

// IPC commands understood by the agent.
const (
	CmdStatus    = "STATUS"
	CmdTick      = "TICK"
	CmdCollect   = "COLLECT"
	CmdSchedules = "SCHEDULES"
	CmdDelete    = "DELETE"
	CmdPing      = "PING"
)

// maxResponseBytes bounds one IPC response line. COLLECT all can be large.
const maxResponseBytes = 16 << 20

// IPCHandler processes incoming IPC commands. Implementations dispatch
// commands to the appropriate daemon subsystem.
type IPCHandler interface {
	HandleCommand(cmd string, args map[string]string) (string, error)
}

// IPCServer listens on a Unix domain socket for line-based text commands
// and returns JSON responses.
//
// Protocol:
//   - Client sends a single line: COMMAND [arg1] [arg2] ...
//   - Server responds with a JSON line followed by a newline.
//   - Supported commands: STATUS, TICK, COLLECT {cap...}, SCHEDULES,
//     DELETE {id}, PING
type IPCServer struct {
	socketPath string
	handler    IPCHandler
	logger     *slog.Logger
	listener   net.Listener
	wg         sync.WaitGroup
	done       chan struct{}
	stopOnce   sync.Once
}

// NewIPCServer creates an IPC server that will listen on socketPath and
// dispatch commands to handler.
func NewIPCServer(socketPath string, handler IPCHandler, logger *slog.Logger) *IPCServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &IPCServer{
		socketPath: socketPath,
		handler:    handler,
		logger:     logger.With("component", "ipc"),
		done:       make(chan struct{}),
	}
}

// Start begins listening for connections on the Unix socket. The socket file
// is created with mode 0600. Any existing socket file at the path is removed
// first.
func (s *IPCServer) Start() error {
	// Remove stale socket file.
	os.Remove(s.socketPath)

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.socketPath, err)
	}

	// Set socket permissions to owner-only.
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		ln.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}

	s.listener = ln

	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

// Stop closes the listener, waits for active connections to finish, and
// removes the socket file. It is safe to call more than once.
func (s *IPCServer) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		if s.listener != nil {
			s.listener.Close()
		}
		s.wg.Wait()
		os.Remove(s.socketPath)
	})
}

// acceptLoop accepts connections until the server is stopped.
func (s *IPCServer) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("accept failed", "error", err)
			time.Sleep(10 * time.Millisecond)
			continue
		}

		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

// handleConn processes a single client connection. It reads one line,
// parses the command, dispatches it, and writes the response.
func (s *IPCServer) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	if !scanner.Scan() {
		return
	}

	line := strings.TrimSpace(scanner.Text())
	if line == "" {
		return
	}

	cmd, args := parseIPCCommand(line)
	s.logger.Debug("command", "cmd", cmd)

	response, err := s.handler.HandleCommand(cmd, args)
	if err != nil {
		data, _ := json.Marshal(map[string]string{"error": err.Error()})
		fmt.Fprintf(conn, "%s\n", data)
		return
	}

	// Compact the JSON response to a single line for the line-based protocol.
	// If compaction fails (response is not JSON), send as-is.
	if compacted, err := compactJSON(response); err == nil {
		response = compacted
	}

	fmt.Fprintf(conn, "%s\n", response)
}

// parseIPCCommand parses a line-based IPC command into the command name
// and a map of positional arguments.
//
// Format:
//
//	STATUS               -> cmd="STATUS", args={}
//	COLLECT cpu memory   -> cmd="COLLECT", args={capabilities:"cpu,memory"}
//	COLLECT cpu,memory   -> cmd="COLLECT", args={capabilities:"cpu,memory"}
//	DELETE nightly       -> cmd="DELETE", args={id:nightly}
func parseIPCCommand(line string) (string, map[string]string) {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return "", nil
	}

	cmd := strings.ToUpper(parts[0])
	args := make(map[string]string)

	switch cmd {
	case CmdCollect:
		var caps []string
		for _, p := range parts[1:] {
			for _, c := range strings.Split(p, ",") {
				if c = strings.TrimSpace(c); c != "" {
					caps = append(caps, c)
				}
			}
		}
		if len(caps) > 0 {
			args["capabilities"] = strings.Join(caps, ",")
		}
	case CmdDelete:
		if len(parts) >= 2 {
			args["id"] = parts[1]
		}
	}

	return cmd, args
}

// IPCClient connects to a running daemon via Unix socket to send commands.
type IPCClient struct {
	socketPath string
	timeout    time.Duration
}

// NewIPCClient creates a client that will connect to the daemon at
// socketPath. timeout bounds each command round trip; zero means one
// minute.
func NewIPCClient(socketPath string, timeout time.Duration) *IPCClient {
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &IPCClient{socketPath: socketPath, timeout: timeout}
}

// SendCommand sends a text command to the daemon and returns the response.
// Each call opens a new connection, sends the command, reads the response,
// and closes the connection. A response of the form {"error": "..."} is
// returned as an error.
func (c *IPCClient) SendCommand(cmd string) (string, error) {
	conn, err := net.DialTimeout("unix", c.socketPath, c.timeout)
	if err != nil {
		return "", fmt.Errorf("connect to daemon: %w", err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(c.timeout))

	if _, err := fmt.Fprintf(conn, "%s\n", cmd); err != nil {
		return "", fmt.Errorf("send command: %w", err)
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), maxResponseBytes)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return "", fmt.Errorf("read response: %w", err)
		}
		return "", fmt.Errorf("empty response from daemon")
	}

	resp := scanner.Text()
	var failure struct {
		Error string `json:"error"`
	}
	if json.Unmarshal([]byte(resp), &failure) == nil && failure.Error != "" {
		return "", fmt.Errorf("daemon: %s", failure.Error)
	}
	return resp, nil
}

// compactJSON removes whitespace from JSON to produce a single-line string
// suitable for line-based IPC transport.
func compactJSON(s string) (string, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, []byte(s)); err != nil {
		return "", err
	}
	return buf.String(), nil
}
