package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{
		"PORT", "ADMIN_PASSWORD", "AUTO_QUERY_BALANCE_AFTER_CALLS",
		"UPSTREAM_TIMEOUT_MS", "CLIENT_SOCKET_TIMEOUT_MS",
		"DB_PATH", "LOG_LEVEL", "LOG_FILE",
	} {
		t.Setenv(name, "")
		require.NoError(t, os.Unsetenv(name))
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Server.Port)
	assert.Equal(t, "", cfg.Server.AdminPassword)
	assert.False(t, cfg.AuthEnabled())
	assert.Equal(t, DefaultMaxBodySizeMB, cfg.Server.MaxBodySizeMB)
	assert.Equal(t, 240*time.Second, cfg.UpstreamTimeout())
	assert.Equal(t, 480*time.Second, cfg.ClientSocketTimeout())
	assert.Equal(t, 0, cfg.Balance.AutoQueryAfterCalls)
	assert.Equal(t, DefaultStorePath, cfg.Store.Path)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "9000")
	t.Setenv("ADMIN_PASSWORD", "hunter2")
	t.Setenv("AUTO_QUERY_BALANCE_AFTER_CALLS", "5")
	t.Setenv("UPSTREAM_TIMEOUT_MS", "60000")
	t.Setenv("CLIENT_SOCKET_TIMEOUT_MS", "120000")
	t.Setenv("DB_PATH", "/tmp/alt.db")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "hunter2", cfg.Server.AdminPassword)
	assert.True(t, cfg.AuthEnabled())
	assert.Equal(t, 5, cfg.Balance.AutoQueryAfterCalls)
	assert.Equal(t, time.Minute, cfg.UpstreamTimeout())
	assert.Equal(t, 2*time.Minute, cfg.ClientSocketTimeout())
	assert.Equal(t, "/tmp/alt.db", cfg.Store.Path)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoad_YAMLFile(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
server:
  port: 4040
  admin_password: from-file
  upstream_timeout_ms: 30000
store:
  path: /data/pool.db
balance:
  auto_query_after_calls: 10
log:
  level: warn
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 4040, cfg.Server.Port)
	assert.Equal(t, "from-file", cfg.Server.AdminPassword)
	assert.Equal(t, 30*time.Second, cfg.UpstreamTimeout())
	assert.Equal(t, "/data/pool.db", cfg.Store.Path)
	assert.Equal(t, 10, cfg.Balance.AutoQueryAfterCalls)
	assert.Equal(t, "warn", cfg.Log.Level)
	// Unset values still pick up defaults.
	assert.Equal(t, 480*time.Second, cfg.ClientSocketTimeout())
}

func TestLoad_EnvWinsOverFile(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 4040\n"), 0o600))

	t.Setenv("PORT", "5050")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 5050, cfg.Server.Port)
}

func TestLoad_MissingFile(t *testing.T) {
	clearEnv(t)

	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoad_InvalidEnvInt(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "not-a-number")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PORT")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"bad_port_low", func(c *Config) { c.Server.Port = -1 }, "invalid port"},
		{"bad_port_high", func(c *Config) { c.Server.Port = 70000 }, "invalid port"},
		{"bad_body_size", func(c *Config) { c.Server.MaxBodySizeMB = -5 }, "max_body_size_mb"},
		{"bad_upstream_timeout", func(c *Config) { c.Server.UpstreamTimeoutMS = -1 }, "upstream_timeout_ms"},
		{"bad_socket_timeout", func(c *Config) { c.Server.ClientSocketTimeoutMS = -1 }, "client_socket_timeout_ms"},
		{"bad_auto_query", func(c *Config) { c.Balance.AutoQueryAfterCalls = -1 }, "auto_query"},
		{"bad_log_level", func(c *Config) { c.Log.Level = "loud" }, "log level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{}
			cfg.Normalize()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}
