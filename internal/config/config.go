// Package config provides configuration loading for the bridge client.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration values for the bridge client.
type Config struct {
	// Server settings
	ServerURL string // base URL of the bridge server, e.g. https://bridge.example.com
	AuthToken string // bearer token presented on HTTP and websocket requests

	// Project settings
	ProjectPath string // working directory sent in terminal init frames

	// Providers addressed over the chat channel, e.g. ["claude", "cursor"].
	Providers []string

	// Heartbeat and reconnection
	HeartbeatInterval    time.Duration
	ReconnectBaseDelay   time.Duration
	ReconnectMaxAttempts int
	ForceReconnectDelay  time.Duration

	// Project listing refresh
	RefreshInterval time.Duration

	// Persistence
	PersistPath string // sqlite database path; empty disables persistence

	// Context window table: model name prefix -> token ceiling.
	// Loaded from ContextWindowsFile when set; otherwise defaults apply.
	ContextWindows     map[string]int
	ContextWindowsFile string

	// WebSocket settings
	WSReadBufferSize  int
	WSWriteBufferSize int

	// Terminal settings
	DefaultRows int
	DefaultCols int
}

// defaultContextWindows is the shipped two-tier table. Providers report a
// model name per message; the longest matching prefix wins, "" is the
// fallback ceiling.
func defaultContextWindows() map[string]int {
	return map[string]int{
		"":     200_000,
		"opus": 1_000_000,
	}
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		ServerURL: getEnv("BRIDGE_SERVER_URL", ""),
		AuthToken: getEnv("BRIDGE_AUTH_TOKEN", ""),

		ProjectPath: getEnv("BRIDGE_PROJECT_PATH", ""),
		Providers:   getEnvStringSlice("BRIDGE_PROVIDERS", []string{"claude", "cursor"}),

		HeartbeatInterval:    getEnvDuration("HEARTBEAT_INTERVAL", 30*time.Second),
		ReconnectBaseDelay:   getEnvDuration("RECONNECT_BASE_DELAY", 2*time.Second),
		ReconnectMaxAttempts: getEnvInt("RECONNECT_MAX_ATTEMPTS", 5),
		ForceReconnectDelay:  getEnvDuration("FORCE_RECONNECT_DELAY", 100*time.Millisecond),

		RefreshInterval: getEnvDuration("REFRESH_INTERVAL", 30*time.Second),

		PersistPath:        getEnv("BRIDGE_PERSIST_PATH", defaultPersistPath()),
		ContextWindowsFile: getEnv("CONTEXT_WINDOWS_FILE", ""),

		WSReadBufferSize:  getEnvInt("WS_READ_BUFFER_SIZE", 4096),
		WSWriteBufferSize: getEnvInt("WS_WRITE_BUFFER_SIZE", 4096),

		DefaultRows: getEnvInt("DEFAULT_ROWS", 24),
		DefaultCols: getEnvInt("DEFAULT_COLS", 80),
	}

	windows, err := loadContextWindows(cfg.ContextWindowsFile)
	if err != nil {
		return nil, err
	}
	cfg.ContextWindows = windows

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required fields and rejects nonsensical values.
func (c *Config) Validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("BRIDGE_SERVER_URL is required")
	}
	if len(c.Providers) == 0 {
		return fmt.Errorf("at least one provider is required")
	}
	if c.ReconnectMaxAttempts < 1 {
		return fmt.Errorf("RECONNECT_MAX_ATTEMPTS must be at least 1")
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("HEARTBEAT_INTERVAL must be positive")
	}
	if c.ReconnectBaseDelay <= 0 {
		return fmt.Errorf("RECONNECT_BASE_DELAY must be positive")
	}
	return nil
}

// WSBaseURL converts the configured server URL to its websocket form.
func (c *Config) WSBaseURL() string {
	url := c.ServerURL
	switch {
	case strings.HasPrefix(url, "https://"):
		return "wss://" + strings.TrimPrefix(url, "https://")
	case strings.HasPrefix(url, "http://"):
		return "ws://" + strings.TrimPrefix(url, "http://")
	}
	return url
}

// ChatURL is the websocket endpoint for the chat channel.
func (c *Config) ChatURL() string { return c.WSBaseURL() + "/ws" }

// ShellURL is the websocket endpoint for terminal sessions.
func (c *Config) ShellURL() string { return c.WSBaseURL() + "/shell" }

// loadContextWindows reads the model->ceiling table from a YAML file, or
// returns the shipped defaults when no file is configured.
func loadContextWindows(path string) (map[string]int, error) {
	windows := defaultContextWindows()
	if path == "" {
		return windows, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read context windows file: %w", err)
	}
	loaded := make(map[string]int)
	if err := yaml.Unmarshal(data, &loaded); err != nil {
		return nil, fmt.Errorf("parse context windows file: %w", err)
	}
	// File entries override defaults; the fallback ceiling survives unless
	// the file replaces it.
	for k, v := range loaded {
		windows[k] = v
	}
	return windows, nil
}

func defaultPersistPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "bridgeclient.db"
	}
	return filepath.Join(home, ".bridgeclient", "state.db")
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvStringSlice returns a slice from a comma-separated environment variable.
func getEnvStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return defaultValue
}
