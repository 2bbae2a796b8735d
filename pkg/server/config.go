package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// TOMLConfig represents the structure of the server config file
type TOMLConfig struct {
	Server   ServerSection   `toml:"server"`
	Auth     AuthSection     `toml:"auth"`
	Limits   LimitsSection   `toml:"limits"`
	Database DatabaseSection `toml:"database"`
	Redis    RedisSection    `toml:"redis"`
	Tracing  TracingSection  `toml:"tracing"`
}

type ServerSection struct {
	HTTPAddr               string `toml:"http_addr"`
	ShutdownTimeoutSeconds int    `toml:"shutdown_timeout_seconds"`
}

type AuthSection struct {
	JWTSecret      string   `toml:"jwt_secret"`
	JWTIssuer      string   `toml:"jwt_issuer"`
	AllowAnonymous bool     `toml:"allow_anonymous"`
	Admins         []string `toml:"admins"`
}

type LimitsSection struct {
	MessageRateLimit      int `toml:"message_rate_limit"`
	MessageBurst          int `toml:"message_burst"`
	MaxMessageBytes       int `toml:"max_message_bytes"`
	WriteTimeoutMs        int `toml:"write_timeout_ms"`
	SessionTimeoutSeconds int `toml:"session_timeout_seconds"`
}

type DatabaseSection struct {
	Path string `toml:"path"`
}

type RedisSection struct {
	Addr            string `toml:"addr"`
	Password        string `toml:"password"`
	DB              int    `toml:"db"`
	KeyPrefix       string `toml:"key_prefix"`
	FlushIntervalMs int    `toml:"flush_interval_ms"`
}

type TracingSection struct {
	ServiceName string `toml:"service_name"`
}

// DefaultTOMLConfig returns the default TOML configuration
func DefaultTOMLConfig() TOMLConfig {
	return TOMLConfig{
		Server: ServerSection{
			HTTPAddr:               ":8080",
			ShutdownTimeoutSeconds: 10,
		},
		Auth: AuthSection{
			JWTIssuer:      "trackify",
			AllowAnonymous: true,
		},
		Limits: LimitsSection{
			MessageRateLimit:      120,
			MessageBurst:          20,
			MaxMessageBytes:       64 * 1024,
			WriteTimeoutMs:        5000,
			SessionTimeoutSeconds: 60,
		},
		Database: DatabaseSection{
			Path: "~/.trackify/trackify.db",
		},
		Redis: RedisSection{
			KeyPrefix:       "trackify",
			FlushIntervalMs: 250,
		},
		Tracing: TracingSection{
			ServiceName: "trackify-realtime",
		},
	}
}

// LoadConfig loads configuration from a TOML file, creates default if not found
func LoadConfig(path string) (TOMLConfig, error) {
	path, err := expandHome(path)
	if err != nil {
		return TOMLConfig{}, err
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		config := DefaultTOMLConfig()
		// Unwritable location: run on defaults anyway
		_ = writeDefaultConfig(path, config)
		return config, nil
	}

	config := DefaultTOMLConfig()
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}
	return config, nil
}

// writeDefaultConfig writes the default config to a file
func writeDefaultConfig(path string, config TOMLConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	header := `# Trackify realtime server configuration
# This file was auto-generated with default values
# Set auth.jwt_secret to the key used by the authentication service

`
	if _, err := f.WriteString(header); err != nil {
		return err
	}
	if err := toml.NewEncoder(f).Encode(config); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// ToServerConfig converts TOMLConfig to ServerConfig. Zero values fall back
// to DefaultConfig.
func (c *TOMLConfig) ToServerConfig() ServerConfig {
	cfg := DefaultConfig()

	if strings.TrimSpace(c.Server.HTTPAddr) != "" {
		cfg.HTTPAddr = c.Server.HTTPAddr
	}
	if c.Server.ShutdownTimeoutSeconds > 0 {
		cfg.ShutdownTimeout = time.Duration(c.Server.ShutdownTimeoutSeconds) * time.Second
	}

	cfg.JWTSecret = c.Auth.JWTSecret
	if c.Auth.JWTIssuer != "" {
		cfg.JWTIssuer = c.Auth.JWTIssuer
	}
	cfg.AllowAnonymous = c.Auth.AllowAnonymous
	cfg.Admins = append([]string(nil), c.Auth.Admins...)

	if c.Limits.MessageRateLimit > 0 {
		cfg.MessageRateLimit = c.Limits.MessageRateLimit
	}
	if c.Limits.MessageBurst > 0 {
		cfg.MessageBurst = c.Limits.MessageBurst
	}
	if c.Limits.MaxMessageBytes > 0 {
		cfg.MaxMessageBytes = int64(c.Limits.MaxMessageBytes)
	}
	if c.Limits.WriteTimeoutMs > 0 {
		cfg.WriteTimeout = time.Duration(c.Limits.WriteTimeoutMs) * time.Millisecond
	}
	if c.Limits.SessionTimeoutSeconds > 0 {
		cfg.SessionTimeout = time.Duration(c.Limits.SessionTimeoutSeconds) * time.Second
	}

	if path, err := c.GetDatabasePath(); err == nil && path != "" {
		cfg.DatabasePath = path
	}

	cfg.RedisAddr = c.Redis.Addr
	cfg.RedisPassword = c.Redis.Password
	cfg.RedisDB = c.Redis.DB
	if c.Redis.KeyPrefix != "" {
		cfg.RedisKeyPrefix = c.Redis.KeyPrefix
	}
	if c.Redis.FlushIntervalMs > 0 {
		cfg.RedisFlushInterval = time.Duration(c.Redis.FlushIntervalMs) * time.Millisecond
	}

	if c.Tracing.ServiceName != "" {
		cfg.ServiceName = c.Tracing.ServiceName
	}
	return cfg
}

// GetDatabasePath returns the database path with ~ expanded
func (c *TOMLConfig) GetDatabasePath() (string, error) {
	return expandHome(c.Database.Path)
}

func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, path[2:]), nil
}
