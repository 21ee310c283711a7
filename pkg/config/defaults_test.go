package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/marmos91/dittobox/pkg/store/blob/cache"
)

func TestApplyDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	cfg := &Config{}
	ApplyDefaults(cfg)

	if cfg.Logging.Level != "INFO" || cfg.Logging.Format != "text" || cfg.Logging.Output != "stdout" {
		t.Errorf("Unexpected logging defaults: %+v", cfg.Logging)
	}
	if cfg.Volume.KeyFile != filepath.Join(dir, "dittobox", "identity.key") {
		t.Errorf("Unexpected key file default %q", cfg.Volume.KeyFile)
	}
	if cfg.Volume.Autocommit {
		t.Error("Autocommit should default to off")
	}
	if cfg.Backend.Filesystem["path"] != "/tmp/dittobox-blobs" {
		t.Errorf("Unexpected filesystem path default %v", cfg.Backend.Filesystem["path"])
	}
	if cfg.Cache.Enabled {
		t.Error("Cache should default to off")
	}
	if cfg.Cache.MaxEntrySize != cache.DefaultMaxEntrySize {
		t.Errorf("Unexpected cache max entry size %d", cfg.Cache.MaxEntrySize)
	}
	if cfg.Metrics.Port != 9090 {
		t.Errorf("Expected metrics port 9090, got %d", cfg.Metrics.Port)
	}
	if cfg.GC.Enabled {
		t.Error("GC should default to off")
	}
	if cfg.GC.Interval != 24*time.Hour || cfg.GC.GracePeriod != 24*time.Hour || cfg.GC.Concurrency != 8 {
		t.Errorf("Unexpected gc defaults: %+v", cfg.GC)
	}
	if cfg.Backend.RateLimit.Enabled() {
		t.Error("Rate limiting should default to off")
	}
}

func TestApplyDefaults_PreservesExplicitValues(t *testing.T) {
	cfg := &Config{
		Logging:  LoggingConfig{Level: "debug", Format: "json", Output: "stderr"},
		Volume:   VolumeConfig{Prefix: "alice", KeyFile: "/keys/alice", DeviceID: "ABCDEF0123456789ABCDEF0123456789"},
		Backend:  BackendConfig{Type: "s3", S3: map[string]any{"max_retries": 3}},
		Cache:    CacheConfig{InMemory: true, MaxEntrySize: 1024},
		Metadata: MetadataConfig{Type: "memory"},
		Metrics:  MetricsConfig{Port: 9100},
	}
	ApplyDefaults(cfg)

	if cfg.Logging.Level != "DEBUG" {
		t.Errorf("Expected normalized 'DEBUG', got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "json" || cfg.Logging.Output != "stderr" {
		t.Errorf("Logging values were overwritten: %+v", cfg.Logging)
	}
	if cfg.Volume.Prefix != "alice" || cfg.Volume.KeyFile != "/keys/alice" {
		t.Errorf("Volume values were overwritten: %+v", cfg.Volume)
	}
	if cfg.Volume.DeviceID != "abcdef0123456789abcdef0123456789" {
		t.Errorf("Expected lowercase device id, got %q", cfg.Volume.DeviceID)
	}
	if cfg.Backend.S3["max_retries"] != 3 {
		t.Errorf("S3 max_retries was overwritten: %v", cfg.Backend.S3["max_retries"])
	}
	if cfg.Cache.Path != "" {
		t.Errorf("In-memory cache should not get a path, got %q", cfg.Cache.Path)
	}
	if cfg.Cache.MaxEntrySize != 1024 {
		t.Errorf("Cache max entry size was overwritten: %d", cfg.Cache.MaxEntrySize)
	}
	if cfg.Metadata.Type != "memory" || cfg.Metrics.Port != 9100 {
		t.Errorf("Explicit values were overwritten: %+v %+v", cfg.Metadata, cfg.Metrics)
	}
}

func TestGetDefaultConfig_IsValid(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	if err := Validate(GetDefaultConfig()); err != nil {
		t.Fatalf("Default config should be valid: %v", err)
	}
}
