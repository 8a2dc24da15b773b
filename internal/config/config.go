// ABOUTME: Configuration loading and parsing for the chatsync client and dev server
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Outbound policies.
const (
	PolicyBuffer = "buffer"
	PolicyDrop   = "drop"
)

// Config represents the complete chatsync configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Session   SessionConfig   `yaml:"session" toml:"session"`
	History   HistoryConfig   `yaml:"history" toml:"history"`
	Transport TransportConfig `yaml:"transport" toml:"transport"`
	Outbound  OutboundConfig  `yaml:"outbound" toml:"outbound"`
	Dedupe    DedupeConfig    `yaml:"dedupe" toml:"dedupe"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics" toml:"metrics"`
	DevServer DevServerConfig `yaml:"devserver" toml:"devserver"`
}

// ServerConfig holds the chat server endpoints
type ServerConfig struct {
	APIURL string `yaml:"api_url" toml:"api_url"`
	// LiveURL is derived from APIURL when empty (http→ws, https→wss, /api/ws).
	LiveURL string `yaml:"live_url" toml:"live_url"`
}

// SessionConfig holds the REST session credential. AccessToken is the
// access_token cookie value; Username/Password allow logging in at startup.
type SessionConfig struct {
	AccessToken string `yaml:"access_token" toml:"access_token"`
	Username    string `yaml:"username" toml:"username"`
	Password    string `yaml:"password" toml:"password"`
}

// HistoryConfig holds history paging settings
type HistoryConfig struct {
	PageSize       int           `yaml:"page_size" toml:"page_size"`
	RequestTimeout time.Duration `yaml:"-" toml:"-"`

	RequestTimeoutRaw string `yaml:"request_timeout" toml:"request_timeout"`
}

// TransportConfig holds live connection timing and retry limits
type TransportConfig struct {
	DialTimeout       time.Duration `yaml:"-" toml:"-"`
	RefreshTimeout    time.Duration `yaml:"-" toml:"-"`
	RefreshSkew       time.Duration `yaml:"-" toml:"-"`
	InitialBackoff    time.Duration `yaml:"-" toml:"-"`
	MaxBackoff        time.Duration `yaml:"-" toml:"-"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier" toml:"backoff_multiplier"`
	// Jitter is the randomization factor applied to each delay (0 disables).
	Jitter float64 `yaml:"jitter" toml:"jitter"`
	// MaxReconnectAttempts of 0 retries forever.
	MaxReconnectAttempts int `yaml:"max_reconnect_attempts" toml:"max_reconnect_attempts"`
	MaxRefreshFailures   int `yaml:"max_refresh_failures" toml:"max_refresh_failures"`

	// Raw string values for unmarshaling
	DialTimeoutRaw    string `yaml:"dial_timeout" toml:"dial_timeout"`
	RefreshTimeoutRaw string `yaml:"refresh_timeout" toml:"refresh_timeout"`
	RefreshSkewRaw    string `yaml:"refresh_skew" toml:"refresh_skew"`
	InitialBackoffRaw string `yaml:"initial_backoff" toml:"initial_backoff"`
	MaxBackoffRaw     string `yaml:"max_backoff" toml:"max_backoff"`
}

// OutboundConfig holds the outbound queue policy
type OutboundConfig struct {
	Policy   string `yaml:"policy" toml:"policy"`
	Capacity int    `yaml:"capacity" toml:"capacity"`
	// FlushRate limits queued sends per second on reconnect; 0 is unlimited.
	FlushRate  float64 `yaml:"flush_rate" toml:"flush_rate"`
	FlushBurst int     `yaml:"flush_burst" toml:"flush_burst"`
}

// DedupeConfig holds the replay filter window
type DedupeConfig struct {
	TTL    time.Duration `yaml:"-" toml:"-"`
	Size   int           `yaml:"size" toml:"size"`
	TTLRaw string        `yaml:"ttl" toml:"ttl"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Addr    string `yaml:"addr" toml:"addr"`
	Path    string `yaml:"path" toml:"path"`
}

// DevServerConfig configures cmd/chatsync-devserver
type DevServerConfig struct {
	Addr         string        `yaml:"addr" toml:"addr"`
	DatabasePath string        `yaml:"database_path" toml:"database_path"`
	JWTSecret    string        `yaml:"jwt_secret" toml:"jwt_secret"`
	TokenTTL     time.Duration `yaml:"-" toml:"-"`
	SessionTTL   time.Duration `yaml:"-" toml:"-"`

	TokenTTLRaw   string `yaml:"token_ttl" toml:"token_ttl"`
	SessionTTLRaw string `yaml:"session_ttl" toml:"session_ttl"`
}

// Default returns a configuration with every optional field populated.
func Default() *Config {
	cfg := &Config{
		Server: ServerConfig{
			APIURL: "http://localhost:8080",
		},
		History: HistoryConfig{
			PageSize:          20,
			RequestTimeoutRaw: "10s",
		},
		Transport: TransportConfig{
			BackoffMultiplier:  2,
			Jitter:             0.2,
			MaxRefreshFailures: 5,
			DialTimeoutRaw:     "10s",
			RefreshTimeoutRaw:  "10s",
			RefreshSkewRaw:     "30s",
			InitialBackoffRaw:  "1s",
			MaxBackoffRaw:      "30s",
		},
		Outbound: OutboundConfig{
			Policy:     PolicyBuffer,
			Capacity:   100,
			FlushRate:  20,
			FlushBurst: 5,
		},
		Dedupe: DedupeConfig{
			Size:   4096,
			TTLRaw: "5m",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Addr: "127.0.0.1:9464",
			Path: "/metrics",
		},
		DevServer: DevServerConfig{
			Addr:          "127.0.0.1:8080",
			DatabasePath:  "chatsync-dev.db",
			TokenTTLRaw:   "5m",
			SessionTTLRaw: "24h",
		},
	}
	// Defaults are well-formed.
	_ = parseDurations(cfg)
	return cfg
}

// Load reads a configuration file from the given path and returns a parsed
// Config layered over Default(). Files ending in .toml are decoded as TOML,
// everything else as YAML. Environment variables in the format ${VAR_NAME}
// are expanded before decoding.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	cfg := Default()
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// DefaultPath returns the config file location.
// Priority: CHATSYNC_CONFIG > XDG_CONFIG_HOME/chatsync/config.yaml > ~/.config/chatsync/config.yaml
func DefaultPath() string {
	if envPath := os.Getenv("CHATSYNC_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "config.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(configDir, "chatsync", "config.yaml")
}

// LoadOrDefault loads path, or returns Default() when the file does not
// exist. The bool reports whether a file was read.
func LoadOrDefault(path string) (*Config, bool, error) {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		cfg := Default()
		if err := cfg.Validate(); err != nil {
			return nil, false, fmt.Errorf("validating config: %w", err)
		}
		return cfg, false, nil
	}
	cfg, err := Load(path)
	if err != nil {
		return nil, false, err
	}
	return cfg, true, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding
// environment variable values. Unset variables expand to an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

// Validate checks that configuration values are usable.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	api, err := url.Parse(c.Server.APIURL)
	if err != nil || api.Host == "" || (api.Scheme != "http" && api.Scheme != "https") {
		return fmt.Errorf("server.api_url must be an http(s) URL, got %q", c.Server.APIURL)
	}
	if c.Server.LiveURL != "" {
		live, err := url.Parse(c.Server.LiveURL)
		if err != nil || live.Host == "" || (live.Scheme != "ws" && live.Scheme != "wss") {
			return fmt.Errorf("server.live_url must be a ws(s) URL, got %q", c.Server.LiveURL)
		}
	}

	if c.History.PageSize <= 0 {
		return fmt.Errorf("history.page_size must be positive")
	}

	t := c.Transport
	if t.InitialBackoff <= 0 || t.MaxBackoff < t.InitialBackoff {
		return fmt.Errorf("transport.initial_backoff must be positive and not exceed max_backoff")
	}
	if t.BackoffMultiplier < 1 {
		return fmt.Errorf("transport.backoff_multiplier must be at least 1")
	}
	if t.Jitter < 0 || t.Jitter >= 1 {
		return fmt.Errorf("transport.jitter must be in [0, 1)")
	}
	if t.MaxReconnectAttempts < 0 || t.MaxRefreshFailures < 0 {
		return fmt.Errorf("transport retry limits cannot be negative")
	}

	switch c.Outbound.Policy {
	case PolicyBuffer:
		if c.Outbound.Capacity <= 0 {
			return fmt.Errorf("outbound.capacity must be positive for the buffer policy")
		}
	case PolicyDrop:
	default:
		return fmt.Errorf("outbound.policy must be %q or %q, got %q", PolicyBuffer, PolicyDrop, c.Outbound.Policy)
	}
	if c.Outbound.FlushRate < 0 {
		return fmt.Errorf("outbound.flush_rate cannot be negative")
	}

	if c.Dedupe.Size <= 0 || c.Dedupe.TTL <= 0 {
		return fmt.Errorf("dedupe.size and dedupe.ttl must be positive")
	}

	return nil
}

// ValidateDevServer checks the fields only the development server needs.
func (c *Config) ValidateDevServer() error {
	if c.DevServer.Addr == "" {
		return fmt.Errorf("devserver.addr is required")
	}
	if c.DevServer.DatabasePath == "" {
		return fmt.Errorf("devserver.database_path is required")
	}
	if len(c.DevServer.JWTSecret) < 32 {
		return fmt.Errorf("devserver.jwt_secret must be at least 32 bytes")
	}
	return nil
}

// LiveEndpoint returns the live channel URL, deriving it from the API URL
// when not configured.
func (c *Config) LiveEndpoint() string {
	if c.Server.LiveURL != "" {
		return c.Server.LiveURL
	}
	u, err := url.Parse(c.Server.APIURL)
	if err != nil {
		return ""
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/api/ws"
	return u.String()
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"history.request_timeout", cfg.History.RequestTimeoutRaw, &cfg.History.RequestTimeout},
		{"transport.dial_timeout", cfg.Transport.DialTimeoutRaw, &cfg.Transport.DialTimeout},
		{"transport.refresh_timeout", cfg.Transport.RefreshTimeoutRaw, &cfg.Transport.RefreshTimeout},
		{"transport.refresh_skew", cfg.Transport.RefreshSkewRaw, &cfg.Transport.RefreshSkew},
		{"transport.initial_backoff", cfg.Transport.InitialBackoffRaw, &cfg.Transport.InitialBackoff},
		{"transport.max_backoff", cfg.Transport.MaxBackoffRaw, &cfg.Transport.MaxBackoff},
		{"dedupe.ttl", cfg.Dedupe.TTLRaw, &cfg.Dedupe.TTL},
		{"devserver.token_ttl", cfg.DevServer.TokenTTLRaw, &cfg.DevServer.TokenTTL},
		{"devserver.session_ttl", cfg.DevServer.SessionTTLRaw, &cfg.DevServer.SessionTTL},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}
