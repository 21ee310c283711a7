package config

import (
	"strings"
	"testing"
	"time"
)

func validConfig(t *testing.T) *Config {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	return GetDefaultConfig()
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(cfg *Config)
		wantErr string
	}{
		{"valid", func(cfg *Config) {}, ""},
		{"lowercase level", func(cfg *Config) { cfg.Logging.Level = "debug" }, ""},
		{"invalid level", func(cfg *Config) { cfg.Logging.Level = "TRACE" }, "Level"},
		{"invalid format", func(cfg *Config) { cfg.Logging.Format = "xml" }, "Format"},
		{"missing prefix", func(cfg *Config) { cfg.Volume.Prefix = "" }, "Prefix"},
		{"missing key file", func(cfg *Config) { cfg.Volume.KeyFile = "" }, "KeyFile"},
		{"short device id", func(cfg *Config) { cfg.Volume.DeviceID = "abcd" }, "DeviceID"},
		{"non hex device id", func(cfg *Config) { cfg.Volume.DeviceID = strings.Repeat("z", 32) }, "DeviceID"},
		{"valid device id", func(cfg *Config) { cfg.Volume.DeviceID = strings.Repeat("ab", 16) }, ""},
		{"negative delay", func(cfg *Config) { cfg.Volume.AutocommitDelay = -time.Second }, "AutocommitDelay"},
		{"unknown backend", func(cfg *Config) { cfg.Backend.Type = "ftp" }, "Type"},
		{"unknown metadata", func(cfg *Config) { cfg.Metadata.Type = "badger" }, "Type"},
		{"s3 without bucket", func(cfg *Config) {
			cfg.Backend.Type = "s3"
			cfg.Backend.S3["region"] = "eu-west-1"
		}, "bucket"},
		{"s3 without region", func(cfg *Config) {
			cfg.Backend.Type = "s3"
			cfg.Backend.S3["bucket"] = "box"
		}, "region"},
		{"s3 complete", func(cfg *Config) {
			cfg.Backend.Type = "s3"
			cfg.Backend.S3["bucket"] = "box"
			cfg.Backend.S3["region"] = "eu-west-1"
		}, ""},
		{"cache without path", func(cfg *Config) {
			cfg.Cache.Enabled = true
			cfg.Cache.Path = ""
		}, "cache.path"},
		{"in-memory cache", func(cfg *Config) {
			cfg.Cache.Enabled = true
			cfg.Cache.InMemory = true
			cfg.Cache.Path = ""
		}, ""},
		{"port out of range", func(cfg *Config) { cfg.Metrics.Port = 70000 }, "Port"},
		{"metrics without port", func(cfg *Config) {
			cfg.Metrics.Enabled = true
			cfg.Metrics.Port = 0
		}, "metrics.port"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t)
			tt.mutate(cfg)

			err := Validate(cfg)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Expected valid config, got %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Expected error mentioning %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error mentioning %q, got %v", tt.wantErr, err)
			}
		})
	}
}
