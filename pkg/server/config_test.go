package server

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfigWritesDefaultFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Server.HTTPAddr != DefaultTOMLConfig().Server.HTTPAddr {
		t.Fatalf("expected default http_addr, got %q", cfg.Server.HTTPAddr)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected default config file to be written: %v", err)
	}

	// Reading the generated file back yields the same values
	again, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("reloading generated config failed: %v", err)
	}
	if again.Limits.MessageRateLimit != cfg.Limits.MessageRateLimit {
		t.Fatalf("expected message_rate_limit %d, got %d", cfg.Limits.MessageRateLimit, again.Limits.MessageRateLimit)
	}
}

func TestLoadConfigParsesSections(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
[server]
http_addr = "127.0.0.1:9000"

[auth]
jwt_secret = "s3cret"
allow_anonymous = false
admins = ["root"]

[limits]
message_rate_limit = 30
write_timeout_ms = 1500

[redis]
addr = "localhost:6379"
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	tomlCfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	cfg := tomlCfg.ToServerConfig()

	if cfg.HTTPAddr != "127.0.0.1:9000" {
		t.Fatalf("expected HTTPAddr 127.0.0.1:9000, got %s", cfg.HTTPAddr)
	}
	if cfg.JWTSecret != "s3cret" || cfg.AllowAnonymous {
		t.Fatalf("auth section not applied: %+v", cfg)
	}
	if len(cfg.Admins) != 1 || cfg.Admins[0] != "root" {
		t.Fatalf("expected admins [root], got %v", cfg.Admins)
	}
	if cfg.MessageRateLimit != 30 {
		t.Fatalf("expected MessageRateLimit 30, got %d", cfg.MessageRateLimit)
	}
	if cfg.WriteTimeout != 1500*time.Millisecond {
		t.Fatalf("expected WriteTimeout 1.5s, got %v", cfg.WriteTimeout)
	}
	if cfg.RedisAddr != "localhost:6379" {
		t.Fatalf("expected RedisAddr localhost:6379, got %s", cfg.RedisAddr)
	}
	// Keys missing from the file keep their defaults
	if cfg.MessageBurst != DefaultConfig().MessageBurst {
		t.Fatalf("expected default MessageBurst, got %d", cfg.MessageBurst)
	}
}

func TestLoadConfigRejectsInvalidTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("[server\nhttp_addr = "), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestToServerConfigFallsBackToDefaults(t *testing.T) {
	var cfg TOMLConfig

	serverCfg := cfg.ToServerConfig()

	defaults := DefaultConfig()

	if serverCfg.HTTPAddr != defaults.HTTPAddr {
		t.Fatalf("expected fallback HTTPAddr %s, got %s", defaults.HTTPAddr, serverCfg.HTTPAddr)
	}

	if serverCfg.MessageRateLimit != defaults.MessageRateLimit {
		t.Fatalf("expected fallback MessageRateLimit %d, got %d", defaults.MessageRateLimit, serverCfg.MessageRateLimit)
	}

	if serverCfg.MaxMessageBytes != defaults.MaxMessageBytes {
		t.Fatalf("expected fallback MaxMessageBytes %d, got %d", defaults.MaxMessageBytes, serverCfg.MaxMessageBytes)
	}

	if serverCfg.SessionTimeout != defaults.SessionTimeout {
		t.Fatalf("expected fallback SessionTimeout %v, got %v", defaults.SessionTimeout, serverCfg.SessionTimeout)
	}

	if serverCfg.DatabasePath != defaults.DatabasePath {
		t.Fatalf("expected fallback DatabasePath %s, got %s", defaults.DatabasePath, serverCfg.DatabasePath)
	}

	if serverCfg.RedisFlushInterval != defaults.RedisFlushInterval {
		t.Fatalf("expected fallback RedisFlushInterval %v, got %v", defaults.RedisFlushInterval, serverCfg.RedisFlushInterval)
	}
}

func TestGetDatabasePathExpandsHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	cfg := DefaultTOMLConfig()
	path, err := cfg.GetDatabasePath()
	if err != nil {
		t.Fatal(err)
	}
	if path != filepath.Join(home, ".trackify", "trackify.db") {
		t.Fatalf("unexpected database path %s", path)
	}
}
