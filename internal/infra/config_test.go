package infra

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.Database.Driver)
	assert.Equal(t, "rules", cfg.Planner.Mode)
	assert.Equal(t, 30*time.Second, cfg.Dispatch.CommandTimeout)
	assert.Zero(t, cfg.Dispatch.ConfirmTimeout)
	assert.Equal(t, 10*time.Minute, cfg.Pairing.CodeTTL)
	assert.Equal(t, 5*time.Minute, cfg.Pairing.HeartbeatTimeout)
	assert.True(t, cfg.Policy.DefaultAllow)
	assert.Equal(t, ":8080", cfg.Server.Addr())
}

func TestLoadConfigFileAndEnv(t *testing.T) {
	path := writeConfig(t, `
server:
  host: 127.0.0.1
  port: 9000
database:
  driver: sqlite
  sqlite_path: /tmp/ops.db
dispatch:
  command_timeout: 10s
  confirm_timeout: 2m
policy:
  default_allow: false
`)
	t.Setenv("DISPATCH_COMMAND_TIMEOUT", "45s")
	t.Setenv("AUTH_PUBLIC_KEY_DATA", "-----BEGIN PUBLIC KEY-----")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", cfg.Server.Addr())
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "/tmp/ops.db", cfg.Database.SQLitePath)
	assert.Equal(t, 45*time.Second, cfg.Dispatch.CommandTimeout, "env wins over file")
	assert.Equal(t, 2*time.Minute, cfg.Dispatch.ConfirmTimeout)
	assert.False(t, cfg.Policy.DefaultAllow)
	assert.Equal(t, []byte("-----BEGIN PUBLIC KEY-----"), cfg.Auth.PublicKey)
}

func TestLoadConfigValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"postgres without url", "database:\n  driver: postgres\n"},
		{"unknown driver", "database:\n  driver: mongo\n"},
		{"llm without model", "planner:\n  mode: llm\n"},
		{"relay without token", "relay:\n  addr: :9090\nredis:\n  enabled: true\n"},
		{"relay without redis", "relay:\n  addr: :9090\n  token: t\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}

	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err, "explicit path must exist")
}

func TestNewLogger(t *testing.T) {
	l, err := NewLogger(LoggerConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.True(t, l.Core().Enabled(-1))

	_, err = NewLogger(LoggerConfig{Level: "loud"})
	assert.Error(t, err)
	_, err = NewLogger(LoggerConfig{Level: "info", Format: "xml"})
	assert.Error(t, err)
}
