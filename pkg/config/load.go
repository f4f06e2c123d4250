package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// Load reads configuration from explicit if it is non-empty, otherwise from
// the standard config path. Search order:
//  1. $XDG_CONFIG_HOME/trackit/config.toml
//  2. ~/.config/trackit/config.toml
//
// If no file exists, returns DefaultConfig() with environment overrides
// applied. An explicit path that does not exist is an error.
func Load(explicit string) (*Config, error) {
	if explicit != "" {
		f, err := os.Open(explicit)
		if err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
		defer f.Close()
		return LoadFromReader(f)
	}
	for _, p := range configSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return LoadFromFile(p)
		}
	}
	cfg := DefaultConfig()
	applyEnvOverrides(cfg)
	return cfg, nil
}

// LoadFromFile reads configuration from a specific file path.
func LoadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := DefaultConfig()
			applyEnvOverrides(cfg)
			return cfg, nil
		}
		return nil, fmt.Errorf("config: %w", err)
	}
	defer f.Close()
	return LoadFromReader(f)
}

// LoadFromReader reads configuration from an io.Reader. Keys that are not
// part of Config are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := DefaultConfig()
	md, err := toml.NewDecoder(r).Decode(cfg)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config: unknown key %q", undecoded[0].String())
	}
	applyEnvOverrides(cfg)
	return cfg, nil
}

// DefaultConfig returns the default configuration with sensible defaults.
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	dataDir := filepath.Join(xdgDataHome(home), "trackit")

	return &Config{
		Agent: AgentConfig{
			DataDir:        dataDir,
			TickInterval:   Duration{time.Second},
			CollectTimeout: Duration{30 * time.Second},
		},
		Server: ServerConfig{
			URL:             "ws://localhost:5000/ws",
			ReconnectMin:    Duration{time.Second},
			ReconnectMax:    Duration{time.Minute},
			MaxMessageBytes: 8 << 20,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "auto",
		},
		Collectors: CollectorsConfig{
			PublicIPURL: "https://api.ipify.org?format=json",
		},
		Backend: BackendConfig{
			Listen:      ":5000",
			Database:    filepath.Join(dataDir, "collector.db"),
			CORSOrigins: []string{"*"},
		},
	}
}

// applyEnvOverrides checks environment variables and overrides config values.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TRACKIT_SERVER_URL"); v != "" {
		cfg.Server.URL = v
	}
	if v := os.Getenv("TRACKIT_DATA_DIR"); v != "" {
		cfg.Agent.DataDir = v
	}
	if v := os.Getenv("TRACKIT_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("TRACKIT_ASSET_TAG"); v != "" {
		cfg.Agent.AssetTag = v
	}
	if v := os.Getenv("TRACKIT_PROCESS_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Collectors.ProcessLimit = n
		}
	}
}

// configSearchPaths returns the ordered list of config file paths to try.
func configSearchPaths() []string {
	home, _ := os.UserHomeDir()
	var paths []string

	xdg := xdgConfigHome(home)
	paths = append(paths, filepath.Join(xdg, "trackit", "config.toml"))

	// If XDG_CONFIG_HOME was explicitly set, also try the fallback default.
	defaultXDG := filepath.Join(home, ".config")
	if xdg != defaultXDG {
		paths = append(paths, filepath.Join(defaultXDG, "trackit", "config.toml"))
	}

	return paths
}

// xdgConfigHome returns XDG_CONFIG_HOME or ~/.config as fallback.
func xdgConfigHome(home string) string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return v
	}
	return filepath.Join(home, ".config")
}

// xdgDataHome returns XDG_DATA_HOME or ~/.local/share as fallback.
func xdgDataHome(home string) string {
	if v := os.Getenv("XDG_DATA_HOME"); v != "" {
		return v
	}
	return filepath.Join(home, ".local", "share")
}
