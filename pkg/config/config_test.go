package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}
	return path
}

func TestLoad_DefaultConfig(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	configPath := writeConfig(t, `
logging:
  level: "info"

backend:
  type: "memory"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Logging.Level != "INFO" {
		t.Errorf("Expected normalized level 'INFO', got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "text" {
		t.Errorf("Expected default format 'text', got %q", cfg.Logging.Format)
	}
	if cfg.Backend.Type != "memory" {
		t.Errorf("Expected backend 'memory', got %q", cfg.Backend.Type)
	}
	if cfg.Metadata.Type != "sqlite" {
		t.Errorf("Expected default metadata 'sqlite', got %q", cfg.Metadata.Type)
	}
	if cfg.Volume.Prefix != "dittobox" {
		t.Errorf("Expected default prefix 'dittobox', got %q", cfg.Volume.Prefix)
	}
}

func TestLoad_NoConfigFile(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Expected defaults when the file is missing, got %v", err)
	}
	if cfg.Backend.Type != "filesystem" {
		t.Errorf("Expected default backend 'filesystem', got %q", cfg.Backend.Type)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	configPath := writeConfig(t, "logging: [unclosed")

	if _, err := Load(configPath); err == nil {
		t.Fatal("Expected error for invalid YAML")
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	configPath := writeConfig(t, `
backend:
  type: "ftp"
`)

	if _, err := Load(configPath); err == nil {
		t.Fatal("Expected validation error for unknown backend type")
	}
}

func TestLoad_Durations(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	configPath := writeConfig(t, `
volume:
  autocommit: true
  autocommit_delay: "1500ms"
cache:
  ttl: "1h"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if !cfg.Volume.Autocommit {
		t.Error("Expected autocommit to be enabled")
	}
	if cfg.Volume.AutocommitDelay != 1500*time.Millisecond {
		t.Errorf("Expected autocommit_delay 1.5s, got %v", cfg.Volume.AutocommitDelay)
	}
	if cfg.Cache.TTL != time.Hour {
		t.Errorf("Expected cache ttl 1h, got %v", cfg.Cache.TTL)
	}
}

func TestLoad_EnvironmentVariables(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("DITTOBOX_LOGGING_LEVEL", "ERROR")
	t.Setenv("DITTOBOX_BACKEND_TYPE", "memory")

	configPath := writeConfig(t, `
logging:
  level: "INFO"
backend:
  type: "filesystem"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Logging.Level != "ERROR" {
		t.Errorf("Expected level 'ERROR' from env var, got %q", cfg.Logging.Level)
	}
	if cfg.Backend.Type != "memory" {
		t.Errorf("Expected backend 'memory' from env var, got %q", cfg.Backend.Type)
	}
}

func TestGetConfigDir(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	if got := GetConfigDir(); got != filepath.Join(dir, "dittobox") {
		t.Errorf("Expected %s, got %s", filepath.Join(dir, "dittobox"), got)
	}
	if got := GetDefaultConfigPath(); got != filepath.Join(dir, "dittobox", "config.yaml") {
		t.Errorf("Unexpected default config path %s", got)
	}
	if ConfigExists() {
		t.Error("Expected no config in a fresh directory")
	}
}
