// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaultsAreValid(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ModeServiceAccount, cfg.Mode)
	assert.Equal(t, "/var/run/onepass/daemon.sock", cfg.SocketPath)
	assert.Equal(t, os.FileMode(0o660), cfg.SocketMode.Perm())
	assert.Equal(t, int64(4096), cfg.MaxRequestBytes)
	assert.Equal(t, 5*time.Second, cfg.Timeouts.Version.D())
	assert.Equal(t, 15*time.Second, cfg.Timeouts.ListItems.D())
	assert.Zero(t, cfg.Expiry.Interval)
}

func TestLoadFormats(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{
			name: "yaml",
			file: "opsessiond.yaml",
			content: `
mode: interactive
socket_path: /run/test/daemon.sock
socket_mode: "0600"
timeouts:
  get_item: 3s
expiry:
  idle: 10m
log:
  level: debug
  format: json
`,
		},
		{
			name: "toml",
			file: "opsessiond.toml",
			content: `
mode = "interactive"
socket_path = "/run/test/daemon.sock"
socket_mode = "0600"

[timeouts]
get_item = "3s"

[expiry]
idle = "10m"

[log]
level = "debug"
format = "json"
`,
		},
		{
			name: "jsonc",
			file: "opsessiond.jsonc",
			content: `{
  // interactive workstation setup
  "mode": "interactive",
  "socket_path": "/run/test/daemon.sock",
  "socket_mode": "0600",
  "timeouts": {"get_item": "3s"},
  "expiry": {"idle": "10m"},
  "log": {"level": "debug", "format": "json",},
}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, tt.file, tt.content))
			require.NoError(t, err)

			assert.Equal(t, ModeInteractive, cfg.Mode)
			assert.Equal(t, "/run/test/daemon.sock", cfg.SocketPath)
			assert.Equal(t, os.FileMode(0o600), cfg.SocketMode.Perm())
			assert.Equal(t, 3*time.Second, cfg.Timeouts.GetItem.D())
			assert.Equal(t, 10*time.Minute, cfg.Expiry.Idle.D())
			assert.Equal(t, "debug", cfg.Log.Level)
			assert.Equal(t, "json", cfg.Log.Format)

			// Unset keys keep their defaults.
			assert.Equal(t, 30*time.Second, cfg.Timeouts.SignIn.D())
			assert.Equal(t, "/var/run/onepass/daemon.pid", cfg.PIDFile)
		})
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		want    string
	}{
		{"unknown yaml key", "c.yaml", "sockt_path: /x\n", "sockt_path"},
		{"unknown toml key", "c.toml", "sockt_path = \"/x\"\n", "unknown keys"},
		{"unknown json key", "c.json", `{"sockt_path": "/x"}`, "sockt_path"},
		{"bad duration", "c.yaml", "timeouts:\n  signin: soon\n", "invalid duration"},
		{"bad mode bits", "c.yaml", "socket_mode: \"0999\"\n", "invalid file mode"},
		{"bad mode", "c.yaml", "mode: magic\n", `mode "magic"`},
		{"bad token source", "c.yaml", "token_source: vault\n", "token_source"},
		{"zero timeout", "c.yaml", "timeouts:\n  get_item: 0s\n", "timeouts.get_item must be positive"},
		{"bad level", "c.yaml", "log:\n  level: loud\n", "log.level"},
		{"bad rate", "c.yaml", "signin_rate:\n  burst: 0\n", "signin_rate.burst"},
		{"unsupported format", "c.ini", "mode=x\n", "unsupported config format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.file, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestEmptyYAMLKeepsDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "empty.yml", ""))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestPath(t *testing.T) {
	t.Setenv(EnvVar, "/etc/opsessiond/from-env.yaml")
	assert.Equal(t, "/etc/opsessiond/flag.yaml", Path("/etc/opsessiond/flag.yaml"))
	assert.Equal(t, "/etc/opsessiond/from-env.yaml", Path(""))

	t.Setenv(EnvVar, "")
	assert.Equal(t, "", Path(""))
}

func TestWincredRejectsWatch(t *testing.T) {
	cfg := Default()
	cfg.TokenSource = TokenSourceWincred
	cfg.WatchTokenFile = true
	assert.ErrorContains(t, cfg.Validate(), "watch_token_file")
}
