// Package config loads and validates the controller configuration from a
// YAML file, with environment overrides for secrets.
package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Kazuryu0907/new-rl-replay/errors"
)

// PasswordEnvVar overrides Connection.Password when set. Keeps the secret
// out of config files checked into version control.
const PasswordEnvVar = "RLREPLAY_OBS_PASSWORD"

// Save delay bounds in seconds. The delay lets the buffer cover the moments
// after a cue (goal replays, save celebrations) before the clip is cut.
const (
	MinSaveDelaySeconds     = 1
	MaxSaveDelaySeconds     = 30
	DefaultSaveDelaySeconds = 3
)

// Config is the complete controller configuration.
type Config struct {
	Connection ConnectionConfig `yaml:"connection"`
	Requests   RequestConfig    `yaml:"requests"`
	Reconnect  ReconnectConfig  `yaml:"reconnect"`
	Replay     ReplayConfig     `yaml:"replay"`
	Cue        CueConfig        `yaml:"cue"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Log        LogConfig        `yaml:"log"`
}

// ConnectionConfig locates and authenticates the OBS control endpoint.
type ConnectionConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`

	// HandshakeTimeout bounds dial + Hello/Identify/Identified combined.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`

	// KeepAlive is the heartbeat ping interval; MissedPongLimit is how many
	// silent intervals are tolerated before the connection is declared dead.
	KeepAlive       time.Duration `yaml:"keep_alive"`
	MissedPongLimit int           `yaml:"missed_pong_limit"`
}

// URL returns the ws:// endpoint for the configured host and port.
func (c ConnectionConfig) URL() string {
	return fmt.Sprintf("ws://%s:%d", c.Host, c.Port)
}

// RequestConfig controls request/response dispatch.
type RequestConfig struct {
	// DefaultTimeout applies to any request type without an override.
	DefaultTimeout time.Duration `yaml:"default_timeout"`

	// Timeouts maps a request type name to its response deadline.
	Timeouts map[string]time.Duration `yaml:"timeouts"`
}

// TimeoutFor returns the response deadline for a request type.
func (r RequestConfig) TimeoutFor(requestType string) time.Duration {
	if d, ok := r.Timeouts[requestType]; ok {
		return d
	}
	return r.DefaultTimeout
}

// ReconnectConfig tunes the reconnect supervisor's backoff schedule.
type ReconnectConfig struct {
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`

	// MaxAttempts is the consecutive-failure budget before the supervisor
	// gives up. Zero means retry forever.
	MaxAttempts int `yaml:"max_attempts"`

	// StableAfter is how long a session must stay up before the failure
	// counter and backoff reset.
	StableAfter time.Duration `yaml:"stable_after"`
}

// ReplayConfig drives the replay workflow.
type ReplayConfig struct {
	// SaveDelaySeconds is the pause between a cue and the buffer save,
	// clamped to [MinSaveDelaySeconds, MaxSaveDelaySeconds].
	SaveDelaySeconds int `yaml:"save_delay_seconds"`

	// SourceName is the VLC input that plays saved clips.
	SourceName string `yaml:"source_name"`

	// SceneName is where EnsureSource creates the input if it is missing.
	// Empty means the current program scene.
	SceneName string `yaml:"scene_name"`
}

// SaveDelay returns the clamped save delay as a duration.
func (r ReplayConfig) SaveDelay() time.Duration {
	secs := r.SaveDelaySeconds
	if secs < MinSaveDelaySeconds {
		secs = MinSaveDelaySeconds
	}
	if secs > MaxSaveDelaySeconds {
		secs = MaxSaveDelaySeconds
	}
	return time.Duration(secs) * time.Second
}

// CueConfig locates the UDP cue listener.
type CueConfig struct {
	ListenAddr string `yaml:"listen_addr"`

	// BurstLimit is the number of cue datagrams accepted per second before
	// the limiter coalesces the rest.
	BurstLimit int `yaml:"burst_limit"`
}

// MetricsConfig locates the metrics HTTP endpoint.
type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
}

// LogConfig controls log output.
type LogConfig struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level"`

	// Format is text or json.
	Format string `yaml:"format"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	return &Config{
		Connection: ConnectionConfig{
			Host:             "localhost",
			Port:             4455,
			HandshakeTimeout: 10 * time.Second,
			KeepAlive:        20 * time.Second,
			MissedPongLimit:  2,
		},
		Requests: RequestConfig{
			DefaultTimeout: 5 * time.Second,
		},
		Reconnect: ReconnectConfig{
			InitialDelay: 500 * time.Millisecond,
			MaxDelay:     30 * time.Second,
			Multiplier:   2.0,
			MaxAttempts:  0,
			StableAfter:  time.Minute,
		},
		Replay: ReplayConfig{
			SaveDelaySeconds: DefaultSaveDelaySeconds,
			SourceName:       "replay",
		},
		Cue: CueConfig{
			ListenAddr: "0.0.0.0:12345",
			BurstLimit: 5,
		},
		Metrics: MetricsConfig{
			Enabled:    true,
			ListenAddr: ":9100",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a YAML config file, fills unset fields with defaults, applies
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Config", "Load", "read config file")
	}

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: parse %s: %w", errors.ErrInvalidConfig, path, err),
			"Config", "Load", "parse yaml")
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if val := os.Getenv(PasswordEnvVar); val != "" {
		c.Connection.Password = val
	}
}

// Validate checks the configuration for values the controller cannot run
// with. All failures carry ErrInvalidConfig.
func (c *Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return errors.WrapInvalid(
			fmt.Errorf("%w: %s", errors.ErrInvalidConfig, fmt.Sprintf(format, args...)),
			"Config", "Validate", "check configuration")
	}

	if c.Connection.Host == "" {
		return invalid("connection.host is required")
	}
	if c.Connection.Port <= 0 || c.Connection.Port > 65535 {
		return invalid("connection.port %d out of range", c.Connection.Port)
	}
	if c.Connection.HandshakeTimeout <= 0 {
		return invalid("connection.handshake_timeout must be positive")
	}
	if c.Connection.MissedPongLimit < 1 {
		return invalid("connection.missed_pong_limit must be at least 1")
	}

	if c.Requests.DefaultTimeout <= 0 {
		return invalid("requests.default_timeout must be positive")
	}
	for name, d := range c.Requests.Timeouts {
		if d <= 0 {
			return invalid("requests.timeouts[%s] must be positive", name)
		}
	}

	if c.Reconnect.InitialDelay <= 0 {
		return invalid("reconnect.initial_delay must be positive")
	}
	if c.Reconnect.MaxDelay < c.Reconnect.InitialDelay {
		return invalid("reconnect.max_delay must be at least initial_delay")
	}
	if c.Reconnect.Multiplier < 1.0 {
		return invalid("reconnect.multiplier must be at least 1.0")
	}
	if c.Reconnect.MaxAttempts < 0 {
		return invalid("reconnect.max_attempts cannot be negative")
	}

	if c.Replay.SourceName == "" {
		return invalid("replay.source_name is required")
	}

	if c.Cue.ListenAddr == "" {
		return invalid("cue.listen_addr is required")
	}
	if c.Cue.BurstLimit < 1 {
		return invalid("cue.burst_limit must be at least 1")
	}

	if c.Metrics.Enabled && c.Metrics.ListenAddr == "" {
		return invalid("metrics.listen_addr is required when metrics are enabled")
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return invalid("log.level %q not one of debug/info/warn/error", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return invalid("log.format %q not one of text/json", c.Log.Format)
	}

	return nil
}
