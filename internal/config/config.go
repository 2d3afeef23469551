package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by Normalize for values left unset.
const (
	DefaultPort                  = 3838
	DefaultMaxBodySizeMB         = 100
	DefaultUpstreamTimeoutMS     = 240000
	DefaultClientSocketTimeoutMS = 480000
	DefaultStorePath             = "pool.db"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Store   StoreConfig   `yaml:"store"`
	Balance BalanceConfig `yaml:"balance"`
	Log     LogConfig     `yaml:"log"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
	// AdminPassword is the shared bearer for the client and admin endpoints.
	// Empty disables authentication entirely.
	AdminPassword         string `yaml:"admin_password"`
	MaxBodySizeMB         int    `yaml:"max_body_size_mb"`
	UpstreamTimeoutMS     int    `yaml:"upstream_timeout_ms"`
	ClientSocketTimeoutMS int    `yaml:"client_socket_timeout_ms"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type BalanceConfig struct {
	// AutoQueryAfterCalls N > 0 probes a credential's balance asynchronously
	// after every N successful calls. 0 disables the automatic probe.
	AutoQueryAfterCalls int `yaml:"auto_query_after_calls"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// Load builds the configuration from an optional YAML file and the process
// environment. Environment variables always win over file values.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	cfg.Normalize()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func (c *Config) applyEnv() error {
	var err error
	if c.Server.Port, err = envInt("PORT", c.Server.Port); err != nil {
		return err
	}
	if v, ok := os.LookupEnv("ADMIN_PASSWORD"); ok {
		c.Server.AdminPassword = v
	}
	if c.Server.UpstreamTimeoutMS, err = envInt("UPSTREAM_TIMEOUT_MS", c.Server.UpstreamTimeoutMS); err != nil {
		return err
	}
	if c.Server.ClientSocketTimeoutMS, err = envInt("CLIENT_SOCKET_TIMEOUT_MS", c.Server.ClientSocketTimeoutMS); err != nil {
		return err
	}
	if c.Balance.AutoQueryAfterCalls, err = envInt("AUTO_QUERY_BALANCE_AFTER_CALLS", c.Balance.AutoQueryAfterCalls); err != nil {
		return err
	}
	if v, ok := os.LookupEnv("DB_PATH"); ok {
		c.Store.Path = v
	}
	if v, ok := os.LookupEnv("LOG_LEVEL"); ok {
		c.Log.Level = v
	}
	if v, ok := os.LookupEnv("LOG_FILE"); ok {
		c.Log.File = v
	}
	return nil
}

func envInt(name string, current int) (int, error) {
	v := os.Getenv(name)
	if v == "" {
		return current, nil
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return parsed, nil
}

// Normalize fills in defaults for values left unset.
func (c *Config) Normalize() {
	if c.Server.Port == 0 {
		c.Server.Port = DefaultPort
	}
	if c.Server.MaxBodySizeMB == 0 {
		c.Server.MaxBodySizeMB = DefaultMaxBodySizeMB
	}
	if c.Server.UpstreamTimeoutMS == 0 {
		c.Server.UpstreamTimeoutMS = DefaultUpstreamTimeoutMS
	}
	if c.Server.ClientSocketTimeoutMS == 0 {
		c.Server.ClientSocketTimeoutMS = DefaultClientSocketTimeoutMS
	}
	if c.Store.Path == "" {
		c.Store.Path = DefaultStorePath
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}

	if c.Server.MaxBodySizeMB <= 0 {
		return fmt.Errorf("invalid max_body_size_mb: %d", c.Server.MaxBodySizeMB)
	}

	if c.Server.UpstreamTimeoutMS <= 0 {
		return fmt.Errorf("invalid upstream_timeout_ms: %d", c.Server.UpstreamTimeoutMS)
	}

	if c.Server.ClientSocketTimeoutMS <= 0 {
		return fmt.Errorf("invalid client_socket_timeout_ms: %d", c.Server.ClientSocketTimeoutMS)
	}

	if c.Balance.AutoQueryAfterCalls < 0 {
		return fmt.Errorf("invalid auto_query_balance_after_calls: %d", c.Balance.AutoQueryAfterCalls)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Log.Level)
	}

	return nil
}

// UpstreamTimeout is the upstream read timeout as a duration.
func (c *Config) UpstreamTimeout() time.Duration {
	return time.Duration(c.Server.UpstreamTimeoutMS) * time.Millisecond
}

// ClientSocketTimeout is the client-side socket timeout as a duration.
func (c *Config) ClientSocketTimeout() time.Duration {
	return time.Duration(c.Server.ClientSocketTimeoutMS) * time.Millisecond
}

// AuthEnabled reports whether bearer auth is configured.
func (c *Config) AuthEnabled() bool {
	return c.Server.AdminPassword != ""
}

// Print outputs the effective configuration with secrets redacted.
func (c *Config) Print(logger *slog.Logger) {
	adminPassword := "(auth disabled)"
	if c.Server.AdminPassword != "" {
		adminPassword = "***REDACTED***"
	}

	logger.Info("server",
		"port", c.Server.Port,
		"admin_password", adminPassword,
		"max_body_size_mb", c.Server.MaxBodySizeMB,
		"upstream_timeout", c.UpstreamTimeout().String(),
		"client_socket_timeout", c.ClientSocketTimeout().String(),
	)
	logger.Info("store", "path", c.Store.Path)
	logger.Info("balance", "auto_query_after_calls", c.Balance.AutoQueryAfterCalls)
	logger.Info("log", "level", c.Log.Level, "file", c.Log.File)
}
