// Package config loads the scenechat YAML configuration with
// environment-variable overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all scenechat configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// HTTP server
	Server ServerConfig `yaml:"server"`

	// LLM orchestration
	LLM LLMConfig `yaml:"llm"`

	// Server-side tool bridge
	Bridge BridgeConfig `yaml:"bridge"`

	// Remote peer client
	Peer PeerConfig `yaml:"peer"`

	// Conversation sessions
	Session SessionConfig `yaml:"session"`

	// Transcript storage
	Store StoreConfig `yaml:"store"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig configures the HTTP layer.
type ServerConfig struct {
	Host        string   `yaml:"host"`
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// LLMConfig configures the Gemini client.
type LLMConfig struct {
	APIKey      string  `yaml:"api_key"`
	Model       string  `yaml:"model"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
	Timeout     string  `yaml:"timeout"`

	// MaxToolRounds bounds tool-call iterations per chat turn.
	MaxToolRounds int `yaml:"max_tool_rounds"`
}

// BridgeConfig configures the server-side RPC connection.
type BridgeConfig struct {
	CallTimeout string `yaml:"call_timeout"`
}

// PeerConfig configures the scenepeer client.
type PeerConfig struct {
	BackendURL        string `yaml:"backend_url"`
	ReconnectDelay    string `yaml:"reconnect_delay"`
	MaxReconnectDelay string `yaml:"max_reconnect_delay"`
}

// SessionConfig configures conversation session lifetimes.
type SessionConfig struct {
	TTL             string `yaml:"ttl"`
	CleanupInterval string `yaml:"cleanup_interval"`
}

// StoreConfig configures the SQLite transcript store.
type StoreConfig struct {
	DatabasePath string `yaml:"database_path"`
}

// LoggingConfig configures the categorized file logging.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Categories map[string]bool `yaml:"categories"`
	Level      string          `yaml:"level"` // debug, info, warn, error
	JSONFormat bool            `yaml:"json_format"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "scenechat",
		Version: "1.0.0",

		Server: ServerConfig{
			Host:        "0.0.0.0",
			Port:        8000,
			CORSOrigins: []string{"http://localhost:*"},
		},

		LLM: LLMConfig{
			Model:         "gemini-2.0-flash",
			Temperature:   0.7,
			MaxTokens:     8192,
			Timeout:       "120s",
			MaxToolRounds: 8,
		},

		Bridge: BridgeConfig{
			CallTimeout: "30s",
		},

		Peer: PeerConfig{
			BackendURL:        "ws://localhost:8000/ws/tools",
			ReconnectDelay:    "2s",
			MaxReconnectDelay: "30s",
		},

		Session: SessionConfig{
			TTL:             "1h",
			CleanupInterval: "5m",
		},

		Store: StoreConfig{
			DatabasePath: "data/scenechat.db",
		},

		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load loads configuration from a YAML file. A missing file yields the
// defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.LLM.APIKey = key
	}
	if key := os.Getenv("GOOGLE_API_KEY"); key != "" && c.LLM.APIKey == "" {
		c.LLM.APIKey = key
	}
	if model := os.Getenv("SCENECHAT_MODEL"); model != "" {
		c.LLM.Model = model
	}
	if host := os.Getenv("SCENECHAT_HOST"); host != "" {
		c.Server.Host = host
	}
	if port := os.Getenv("SCENECHAT_PORT"); port != "" {
		var p int
		if _, err := fmt.Sscanf(port, "%d", &p); err == nil && p > 0 {
			c.Server.Port = p
		}
	}
	if url := os.Getenv("SCENECHAT_BACKEND_URL"); url != "" {
		c.Peer.BackendURL = url
	}
	if path := os.Getenv("SCENECHAT_DB"); path != "" {
		c.Store.DatabasePath = path
	}
}

// Addr returns the host:port the HTTP server binds.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// GetLLMTimeout returns the LLM timeout as a duration.
func (c *Config) GetLLMTimeout() time.Duration {
	d, err := time.ParseDuration(c.LLM.Timeout)
	if err != nil {
		return 120 * time.Second
	}
	return d
}

// GetCallTimeout returns the tool-call timeout as a duration.
func (c *Config) GetCallTimeout() time.Duration {
	d, err := time.ParseDuration(c.Bridge.CallTimeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// GetReconnectDelay returns the initial peer reconnect delay.
func (c *Config) GetReconnectDelay() time.Duration {
	d, err := time.ParseDuration(c.Peer.ReconnectDelay)
	if err != nil {
		return 2 * time.Second
	}
	return d
}

// GetMaxReconnectDelay returns the peer reconnect delay cap.
func (c *Config) GetMaxReconnectDelay() time.Duration {
	d, err := time.ParseDuration(c.Peer.MaxReconnectDelay)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// GetSessionTTL returns the session TTL as a duration.
func (c *Config) GetSessionTTL() time.Duration {
	d, err := time.ParseDuration(c.Session.TTL)
	if err != nil {
		return time.Hour
	}
	return d
}

// GetCleanupInterval returns the session janitor interval.
func (c *Config) GetCleanupInterval() time.Duration {
	d, err := time.ParseDuration(c.Session.CleanupInterval)
	if err != nil {
		return 5 * time.Minute
	}
	return d
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.LLM.APIKey == "" {
		return fmt.Errorf("LLM API key not configured (set GEMINI_API_KEY or llm.api_key)")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.LLM.MaxToolRounds <= 0 {
		return fmt.Errorf("llm.max_tool_rounds must be positive")
	}
	return nil
}
