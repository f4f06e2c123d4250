package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config is the root configuration shared by the agent and the collector
// backend.
type Config struct {
	Agent      AgentConfig      `toml:"agent"`
	Server     ServerConfig     `toml:"server"`
	Log        LogConfig        `toml:"log"`
	Collectors CollectorsConfig `toml:"collectors"`
	Backend    BackendConfig    `toml:"backend"`
}

// AgentConfig controls the scheduling loop and where its state lives.
type AgentConfig struct {
	DataDir        string   `toml:"data_dir"`
	TickInterval   Duration `toml:"tick_interval"`
	CollectTimeout Duration `toml:"collect_timeout"`
	AssetTag       string   `toml:"asset_tag"`
}

// ServerConfig locates the collector.
type ServerConfig struct {
	URL             string   `toml:"url"`
	ReconnectMin    Duration `toml:"reconnect_min"`
	ReconnectMax    Duration `toml:"reconnect_max"`
	MaxMessageBytes int64    `toml:"max_message_bytes"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `toml:"level"`  // debug|info|warn|error
	Format string `toml:"format"` // auto|text|json
	File   string `toml:"file"`
}

// CollectorsConfig tunes individual capabilities.
type CollectorsConfig struct {
	TailscaleSocket string `toml:"tailscale_socket"`
	PublicIPURL     string `toml:"public_ip_url"`
	ProcessLimit    int    `toml:"process_limit"`
}

// BackendConfig configures trackit-collector.
type BackendConfig struct {
	Listen            string   `toml:"listen"`
	Database          string   `toml:"database"`
	BaselineSchedules string   `toml:"baseline_schedules"` // YAML file
	BaselinePreset    string   `toml:"baseline_preset"`    // see SchedulePreset
	CORSOrigins       []string `toml:"cors_origins"`
}

// Durable layout under the data directory.
const (
	SchedulesDirName = "schedules"
	ResultsDirName   = "results"
	LedgerFile       = "ledger.json"
	CapabilitiesFile = "capabilities.json"
	AgentIDFile      = "agent_id"
	HealthFile       = "health.json"
	PIDFile          = "trackit.pid"
	SocketFile       = "trackit.sock"
)

// DataPath joins name onto the expanded data directory.
func (c *Config) DataPath(name string) string {
	return filepath.Join(ExpandHome(c.Agent.DataDir), name)
}

func (c *Config) SchedulesDir() string { return c.DataPath(SchedulesDirName) }
func (c *Config) ResultsDir() string { return c.DataPath(ResultsDirName) }
func (c *Config) LedgerPath() string { return c.DataPath(LedgerFile) }
func (c *Config) CapabilitiesPath() string { return c.DataPath(CapabilitiesFile) }
func (c *Config) AgentIDPath() string { return c.DataPath(AgentIDFile) }
func (c *Config) HealthPath() string { return c.DataPath(HealthFile) }
func (c *Config) PIDPath() string { return c.DataPath(PIDFile) }
func (c *Config) SocketPath() string { return c.DataPath(SocketFile) }

// SlogLevel maps Log.Level onto a slog.Level. Unknown values mean info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.Log.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Agent.DataDir) == "" {
		errs = append(errs, errors.New("agent.data_dir is empty"))
	}
	if c.Agent.TickInterval.Duration < time.Second {
		errs = append(errs, fmt.Errorf("agent.tick_interval %s is below 1s", c.Agent.TickInterval))
	}
	if c.Agent.CollectTimeout.Duration <= 0 {
		errs = append(errs, errors.New("agent.collect_timeout must be positive"))
	}
	if u, err := url.Parse(c.Server.URL); err != nil {
		errs = append(errs, fmt.Errorf("server.url: %w", err))
	} else if u.Scheme != "ws" && u.Scheme != "wss" {
		errs = append(errs, fmt.Errorf("server.url scheme %q is not ws or wss", u.Scheme))
	}
	if c.Server.ReconnectMax.Duration < c.Server.ReconnectMin.Duration {
		errs = append(errs, errors.New("server.reconnect_max is below reconnect_min"))
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q is unknown", c.Log.Level))
	}
	switch c.Log.Format {
	case "auto", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q is unknown", c.Log.Format))
	}
	if c.Backend.BaselinePreset != "" && !IsSchedulePreset(c.Backend.BaselinePreset) {
		errs = append(errs, fmt.Errorf("backend.baseline_preset %q is unknown", c.Backend.BaselinePreset))
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("config: %w", errors.Join(errs...))
}

// ExpandHome replaces a leading "~" with the user's home directory.
func ExpandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}
