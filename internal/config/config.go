package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	defaultAPIBaseURL = "http://localhost:8001"
	defaultStreamPath = "/api/servers/stream"
)

// Duration is a wrapper around time.Duration that can be marshaled to/from JSON
type Duration time.Duration

// MarshalJSON implements json.Marshaler interface
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON implements json.Unmarshaler interface
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration format: %w", err)
	}

	*d = Duration(parsed)
	return nil
}

// Duration returns the underlying time.Duration
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Config represents the main configuration structure
type Config struct {
	// External API the console talks to
	APIBaseURL string `json:"api_base_url" mapstructure:"api_base_url"`

	// Session credential issued by the identity provider. Sent as a bearer token,
	// never validated locally.
	SessionToken string `json:"session_token,omitempty" mapstructure:"session_token"`

	// Local cache directory (bbolt database, rotated logs)
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	// IANA zone used for calendar-day history filters; empty means local time
	Timezone string `json:"timezone,omitempty" mapstructure:"timezone"`

	// Per-request timeout applied by the API client
	RequestTimeout Duration `json:"request_timeout" mapstructure:"request_timeout"`

	// Live server status updates over websocket
	EnableStream bool   `json:"enable_stream" mapstructure:"enable_stream"`
	StreamPath   string `json:"stream_path" mapstructure:"stream_path"`

	// Address for the Prometheus /metrics endpoint of long-running commands; empty disables it
	MetricsListen string `json:"metrics_listen,omitempty" mapstructure:"metrics_listen"`

	// Use the built-in in-memory backend instead of the HTTP API
	Demo bool `json:"demo" mapstructure:"demo"`

	// Refresh-after-write polling for admin operations
	StaleRead *StaleReadConfig `json:"stale_read,omitempty" mapstructure:"stale_read"`

	// Logging configuration
	Logging *LogConfig `json:"logging,omitempty" mapstructure:"logging"`
}

// StaleReadConfig bounds how long admin writes are polled for before a StaleReadWarning
type StaleReadConfig struct {
	MaxAttempts int      `json:"max_attempts" mapstructure:"max_attempts"`
	Interval    Duration `json:"interval" mapstructure:"interval"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level         string                  `json:"level" mapstructure:"level"`
	EnableFile    bool                    `json:"enable_file" mapstructure:"enable_file"`
	EnableConsole bool                    `json:"enable_console" mapstructure:"enable_console"`
	Filename      string                  `json:"filename" mapstructure:"filename"`
	LogDir        string                  `json:"log_dir,omitempty" mapstructure:"log_dir"` // Custom log directory
	MaxSize       int                     `json:"max_size" mapstructure:"max_size"`         // MB
	MaxBackups    int                     `json:"max_backups" mapstructure:"max_backups"`   // number of backup files
	MaxAge        int                     `json:"max_age" mapstructure:"max_age"`           // days
	Compress      bool                    `json:"compress" mapstructure:"compress"`
	JSONFormat    bool                    `json:"json_format" mapstructure:"json_format"`
	Communication *CommunicationLogConfig `json:"communication,omitempty" mapstructure:"communication"`
}

// CommunicationLogConfig controls logging of API requests and responses
type CommunicationLogConfig struct {
	Enabled         bool   `json:"enabled" mapstructure:"enabled"`
	Filename        string `json:"filename" mapstructure:"filename"`
	LogRequests     bool   `json:"log_requests" mapstructure:"log_requests"`
	LogResponses    bool   `json:"log_responses" mapstructure:"log_responses"`
	LogErrors       bool   `json:"log_errors" mapstructure:"log_errors"`
	FilterSensitive bool   `json:"filter_sensitive" mapstructure:"filter_sensitive"`
	MaxPayloadSize  int    `json:"max_payload_size" mapstructure:"max_payload_size"`
}

// DefaultCommunicationLogConfig returns the communication log defaults (disabled)
func DefaultCommunicationLogConfig() *CommunicationLogConfig {
	return &CommunicationLogConfig{
		Enabled:         false,
		Filename:        "api.log",
		LogRequests:     true,
		LogResponses:    true,
		LogErrors:       true,
		FilterSensitive: true,
		MaxPayloadSize:  4096,
	}
}

// DefaultLogConfig returns the default logging configuration
func DefaultLogConfig() *LogConfig {
	return &LogConfig{
		Level:         "info",
		EnableFile:    false,
		EnableConsole: true,
		Filename:      "vpnconsole.log",
		MaxSize:       10, // 10MB
		MaxBackups:    5,  // 5 backup files
		MaxAge:        30, // 30 days
		Compress:      true,
		JSONFormat:    false,
		Communication: DefaultCommunicationLogConfig(),
	}
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		APIBaseURL:     defaultAPIBaseURL,
		DataDir:        "", // Will be set to ~/.vpnconsole by Validate
		RequestTimeout: Duration(DefaultRequestTimeout),
		EnableStream:   false,
		StreamPath:     defaultStreamPath,
		StaleRead: &StaleReadConfig{
			MaxAttempts: DefaultStaleReadAttempts,
			Interval:    Duration(DefaultStaleReadInterval),
		},
		Logging: DefaultLogConfig(),
	}
}

// Validate validates the configuration and fills unset values with defaults
func (c *Config) Validate() error {
	if c.APIBaseURL == "" {
		c.APIBaseURL = defaultAPIBaseURL
	}
	u, err := url.Parse(c.APIBaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid api_base_url %q: must be an absolute http(s) URL", c.APIBaseURL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid api_base_url %q: unsupported scheme %s", c.APIBaseURL, u.Scheme)
	}

	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to resolve home directory: %w", err)
		}
		c.DataDir = filepath.Join(home, ".vpnconsole")
	}

	if c.Timezone != "" {
		if _, err := time.LoadLocation(c.Timezone); err != nil {
			return fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
		}
	}

	if c.RequestTimeout.Duration() <= 0 {
		c.RequestTimeout = Duration(DefaultRequestTimeout)
	}
	if c.StreamPath == "" {
		c.StreamPath = defaultStreamPath
	}

	if c.StaleRead == nil {
		c.StaleRead = &StaleReadConfig{}
	}
	if c.StaleRead.MaxAttempts <= 0 {
		c.StaleRead.MaxAttempts = DefaultStaleReadAttempts
	}
	if c.StaleRead.Interval.Duration() <= 0 {
		c.StaleRead.Interval = Duration(DefaultStaleReadInterval)
	}

	// Ensure Logging config is not nil
	if c.Logging == nil {
		c.Logging = DefaultLogConfig()
	}
	if c.Logging.Communication == nil {
		c.Logging.Communication = DefaultCommunicationLogConfig()
	}
	switch c.Logging.Level {
	case "":
		c.Logging.Level = "info"
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level %q", c.Logging.Level)
	}

	return nil
}

// Location returns the configured time zone for calendar-day calculations
func (c *Config) Location() *time.Location {
	if c.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// StreamURL returns the websocket URL of the live status stream
func (c *Config) StreamURL() string {
	u, err := url.Parse(c.APIBaseURL)
	if err != nil {
		return ""
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + c.StreamPath
	return u.String()
}
