package config

import (
	stderrors "errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kazuryu0907/new-rl-replay/errors"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaultConfig_IsValid(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
}

func TestLoad_FullConfig(t *testing.T) {
	path := writeConfig(t, `
connection:
  host: obs.local
  port: 4460
  password: hunter2
  handshake_timeout: 5s
  keep_alive: 10s
  missed_pong_limit: 3
requests:
  default_timeout: 3s
  timeouts:
    SaveReplayBuffer: 10s
reconnect:
  initial_delay: 250ms
  max_delay: 10s
  multiplier: 1.5
  max_attempts: 8
  stable_after: 30s
replay:
  save_delay_seconds: 5
  source_name: vlc-replay
  scene_name: Match
cue:
  listen_addr: 0.0.0.0:23456
  burst_limit: 2
metrics:
  enabled: false
log:
  level: debug
  format: json
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "ws://obs.local:4460", cfg.Connection.URL())
	assert.Equal(t, "hunter2", cfg.Connection.Password)
	assert.Equal(t, 10*time.Second, cfg.Requests.TimeoutFor("SaveReplayBuffer"))
	assert.Equal(t, 3*time.Second, cfg.Requests.TimeoutFor("GetVersion"))
	assert.Equal(t, 8, cfg.Reconnect.MaxAttempts)
	assert.Equal(t, 5*time.Second, cfg.Replay.SaveDelay())
	assert.Equal(t, "vlc-replay", cfg.Replay.SourceName)
	assert.Equal(t, "0.0.0.0:23456", cfg.Cue.ListenAddr)
	assert.False(t, cfg.Metrics.Enabled)
}

func TestLoad_PartialConfigKeepsDefaults(t *testing.T) {
	path := writeConfig(t, `
connection:
  host: 192.168.1.20
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "192.168.1.20", cfg.Connection.Host)
	assert.Equal(t, 4455, cfg.Connection.Port)
	assert.Equal(t, DefaultSaveDelaySeconds, cfg.Replay.SaveDelaySeconds)
	assert.Equal(t, "0.0.0.0:12345", cfg.Cue.ListenAddr)
}

func TestLoad_PasswordEnvOverride(t *testing.T) {
	t.Setenv(PasswordEnvVar, "from-env")

	path := writeConfig(t, `
connection:
  host: localhost
  password: from-file
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Connection.Password)
}

func TestLoad_UnknownFieldRejected(t *testing.T) {
	path := writeConfig(t, `
connection:
  host: localhost
  prot: 4455
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestValidate_Failures(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty host", func(c *Config) { c.Connection.Host = "" }},
		{"port out of range", func(c *Config) { c.Connection.Port = 70000 }},
		{"zero handshake timeout", func(c *Config) { c.Connection.HandshakeTimeout = 0 }},
		{"zero default timeout", func(c *Config) { c.Requests.DefaultTimeout = 0 }},
		{"negative per-type timeout", func(c *Config) {
			c.Requests.Timeouts = map[string]time.Duration{"SaveReplayBuffer": -1}
		}},
		{"max delay below initial", func(c *Config) {
			c.Reconnect.InitialDelay = time.Second
			c.Reconnect.MaxDelay = 100 * time.Millisecond
		}},
		{"multiplier below one", func(c *Config) { c.Reconnect.Multiplier = 0.5 }},
		{"negative max attempts", func(c *Config) { c.Reconnect.MaxAttempts = -1 }},
		{"empty source name", func(c *Config) { c.Replay.SourceName = "" }},
		{"empty cue addr", func(c *Config) { c.Cue.ListenAddr = "" }},
		{"bad log level", func(c *Config) { c.Log.Level = "verbose" }},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, stderrors.Is(err, errors.ErrInvalidConfig))
			assert.True(t, errors.IsInvalid(err))
		})
	}
}

func TestReplayConfig_SaveDelayClamped(t *testing.T) {
	assert.Equal(t, time.Duration(MinSaveDelaySeconds)*time.Second,
		ReplayConfig{SaveDelaySeconds: 0}.SaveDelay())
	assert.Equal(t, time.Duration(MinSaveDelaySeconds)*time.Second,
		ReplayConfig{SaveDelaySeconds: -4}.SaveDelay())
	assert.Equal(t, time.Duration(MaxSaveDelaySeconds)*time.Second,
		ReplayConfig{SaveDelaySeconds: 120}.SaveDelay())
	assert.Equal(t, 7*time.Second, ReplayConfig{SaveDelaySeconds: 7}.SaveDelay())
}
