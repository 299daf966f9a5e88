package shared

import (
	_ "embed"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

//go:embed config.example.toml
var exampleConf []byte

// Config represents the application configuration loaded from a TOML file.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Database DatabaseConfig `toml:"database"`
	Stream   StreamConfig   `toml:"stream"`
	Polling  PollingConfig  `toml:"polling"`
	Logging  LoggingConfig  `toml:"logging"`
}

// ServerConfig locates the generation backend.
type ServerConfig struct {
	APIURL string `toml:"api_url"`
	WSURL  string `toml:"ws_url"`
}

// DatabaseConfig contains database connection settings.
type DatabaseConfig struct {
	Path         string `toml:"path"`
	MaxOpenConns int    `toml:"max_open_conns"`
	MaxIdleConns int    `toml:"max_idle_conns"`
}

// StreamConfig tunes the push channel reconnect policy.
type StreamConfig struct {
	ReconnectDelay       Duration `toml:"reconnect_delay"`
	MaxReconnectAttempts int      `toml:"max_reconnect_attempts"`
	HandshakeTimeout     Duration `toml:"handshake_timeout"`
	// StableAfter is how long a connection must stay open before the attempt budget refills.
	StableAfter Duration `toml:"stable_after"`
}

// PollingConfig tunes the REST polling fallback.
type PollingConfig struct {
	Interval Duration `toml:"interval"`
}

// LoggingConfig contains logger settings.
type LoggingConfig struct {
	Level string `toml:"level"`
}

// Duration wraps [time.Duration] so it can be written as "3s" in TOML.
type Duration struct {
	time.Duration
}

// UnmarshalText implements [encoding.TextUnmarshaler].
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("%w: bad duration %q: %v", ErrInvalidConfig, string(text), err)
	}
	d.Duration = parsed
	return nil
}

// MarshalText implements [encoding.TextMarshaler].
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// LoadConfig reads and parses a TOML configuration file from the specified path.
//
// Keys missing from the file keep the embedded defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := toml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// DefaultConfig returns a Config with sensible defaults loaded from the embedded example config.
func DefaultConfig() *Config {
	var config Config
	if err := toml.Unmarshal(exampleConf, &config); err != nil {
		panic(fmt.Sprintf("failed to parse embedded default config: %v", err))
	}
	return &config
}

// CreateConfigFile creates a config.toml file at the specified path using the embedded example config.
func CreateConfigFile(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s: %w", path, err)
	}

	if err := os.WriteFile(path, exampleConf, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks the settings that would otherwise fail far from the config file.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Server.APIURL) == "" {
		return fmt.Errorf("%w: server.api_url is required", ErrInvalidConfig)
	}
	if c.Stream.MaxReconnectAttempts < 0 {
		return fmt.Errorf("%w: stream.max_reconnect_attempts must be >= 0", ErrInvalidConfig)
	}
	if c.Stream.ReconnectDelay.Duration < 0 {
		return fmt.Errorf("%w: stream.reconnect_delay must be >= 0", ErrInvalidConfig)
	}
	if c.Polling.Interval.Duration <= 0 {
		return fmt.Errorf("%w: polling.interval must be positive", ErrInvalidConfig)
	}
	if _, err := c.StreamURL(); err != nil {
		return err
	}
	return nil
}

// StreamURL returns the push channel base URL.
//
// An empty ws_url is derived from api_url: http becomes ws, https becomes wss, and the path is dropped.
func (c *Config) StreamURL() (string, error) {
	raw := strings.TrimSpace(c.Server.WSURL)
	if raw == "" {
		raw = c.Server.APIURL
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: parse stream url: %v", ErrInvalidConfig, err)
	}

	switch strings.ToLower(u.Scheme) {
	case "ws", "wss":
	case "http", "":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("%w: unsupported stream url scheme %q", ErrInvalidConfig, u.Scheme)
	}

	if strings.TrimSpace(c.Server.WSURL) == "" {
		u.Path = ""
	}
	u.RawQuery = ""
	u.Fragment = ""
	return strings.TrimSuffix(u.String(), "/"), nil
}
