package core

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want info", cfg.LogLevel)
	}
	if cfg.EventChannel != "l01:events" {
		t.Errorf("EventChannel = %q, want l01:events", cfg.EventChannel)
	}
	if cfg.HTTPTimeout != 30*time.Second {
		t.Errorf("HTTPTimeout = %v, want 30s", cfg.HTTPTimeout)
	}
}

func TestLoadConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte("log_level: debug\nredis_url: redis://cache:6379\nevent_channel: custom:events\ntracing: true\n")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
	if cfg.RedisURL != "redis://cache:6379" {
		t.Errorf("RedisURL = %q", cfg.RedisURL)
	}
	if cfg.EventChannel != "custom:events" {
		t.Errorf("EventChannel = %q", cfg.EventChannel)
	}
	if !cfg.Tracing {
		t.Error("Tracing must be enabled")
	}
	// Unset fields keep defaults.
	if cfg.PostgresDSN == "" {
		t.Error("PostgresDSN must fall back to the default")
	}
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("AGENTMESH_REDIS_URL", "redis://env:6379")
	t.Setenv("AGENTMESH_LOG_LEVEL", "warn")

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.RedisURL != "redis://env:6379" {
		t.Errorf("RedisURL = %q, env must win", cfg.RedisURL)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel = %q, env must win", cfg.LogLevel)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig("/nonexistent/config.yaml"); err == nil {
		t.Error("Missing config file must error")
	}
}

func TestValidateRejectsEmptyRedisURL(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RedisURL = ""
	if err := cfg.Validate(); !IsConfigurationError(err) {
		t.Errorf("Validate = %v, want configuration error", err)
	}
}

func TestValidateRepairsTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HTTPTimeout = -1
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.HTTPTimeout != 30*time.Second {
		t.Errorf("HTTPTimeout = %v, want repaired to 30s", cfg.HTTPTimeout)
	}
}
