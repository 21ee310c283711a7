package config

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/marmos91/dittobox/pkg/store/blob/cache"
)

// ApplyDefaults sets default values for any unspecified configuration fields.
//
// Zero values are replaced with defaults; explicit values are preserved.
// Boolean switches (autocommit, cache, metrics) default to off.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyVolumeDefaults(&cfg.Volume)
	applyBackendDefaults(&cfg.Backend)
	applyCacheDefaults(&cfg.Cache)
	applyMetadataDefaults(&cfg.Metadata)
	applyMetricsDefaults(&cfg.Metrics)
	applyGCDefaults(&cfg.GC)
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

func applyVolumeDefaults(cfg *VolumeConfig) {
	if cfg.Prefix == "" {
		cfg.Prefix = "dittobox"
	}
	if cfg.KeyFile == "" {
		cfg.KeyFile = filepath.Join(getConfigDir(), "identity.key")
	}
	cfg.DeviceID = strings.ToLower(cfg.DeviceID)
}

func applyBackendDefaults(cfg *BackendConfig) {
	if cfg.Type == "" {
		cfg.Type = "filesystem"
	}

	if cfg.Filesystem == nil {
		cfg.Filesystem = make(map[string]any)
	}
	if cfg.Memory == nil {
		cfg.Memory = make(map[string]any)
	}
	if cfg.S3 == nil {
		cfg.S3 = make(map[string]any)
	}

	if _, ok := cfg.Filesystem["path"]; !ok {
		cfg.Filesystem["path"] = "/tmp/dittobox-blobs"
	}
	if _, ok := cfg.S3["max_retries"]; !ok {
		cfg.S3["max_retries"] = 10
	}
}

func applyCacheDefaults(cfg *CacheConfig) {
	if cfg.Path == "" && !cfg.InMemory {
		cfg.Path = filepath.Join(getConfigDir(), "cache")
	}
	if cfg.MaxEntrySize == 0 {
		cfg.MaxEntrySize = cache.DefaultMaxEntrySize
	}
}

func applyMetadataDefaults(cfg *MetadataConfig) {
	if cfg.Type == "" {
		cfg.Type = "sqlite"
	}
}

func applyGCDefaults(cfg *GCConfig) {
	if cfg.Interval == 0 {
		cfg.Interval = 24 * time.Hour
	}
	if cfg.GracePeriod == 0 {
		cfg.GracePeriod = 24 * time.Hour
	}
	if cfg.Concurrency == 0 {
		cfg.Concurrency = 8
	}
}

func applyMetricsDefaults(cfg *MetricsConfig) {
	if cfg.Port == 0 {
		cfg.Port = 9090
	}
}

// GetDefaultConfig returns a Config with all default values applied.
//
// Used to generate sample configuration files and in tests.
func GetDefaultConfig() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}
