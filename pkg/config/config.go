package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete dittobox configuration.
//
// Configuration sources (in order of precedence):
//  1. Environment variables (DITTOBOX_*)
//  2. Configuration file (YAML)
//  3. Default values
//
// Backend Configuration Pattern:
// Each blob backend defines its own option set. BackendConfig holds one
// option map per type and only the map matching Type is decoded.
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Volume identifies the owner namespace and the local device
	Volume VolumeConfig `mapstructure:"volume" yaml:"volume"`

	// Backend selects the blob backend and its options
	Backend BackendConfig `mapstructure:"backend" yaml:"backend"`

	// Cache configures the local ciphertext cache in front of the backend
	Cache CacheConfig `mapstructure:"cache" yaml:"cache"`

	// Metadata selects the snapshot format
	Metadata MetadataConfig `mapstructure:"metadata" yaml:"metadata"`

	// Metrics controls Prometheus metrics collection
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`

	// GC configures the orphaned block collector
	GC GCConfig `mapstructure:"gc" yaml:"gc"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive, normalized to uppercase)
	Level string `mapstructure:"level" yaml:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`

	// Format specifies the log output format
	// Valid values: text, json
	Format string `mapstructure:"format" yaml:"format" validate:"required,oneof=text json"`

	// Output specifies where logs are written
	// Valid values: stdout, stderr, or a file path
	Output string `mapstructure:"output" yaml:"output" validate:"required"`
}

// VolumeConfig identifies the owner namespace and this device.
type VolumeConfig struct {
	// Prefix is the owner namespace. Together with the private key it
	// determines where the index lives.
	Prefix string `mapstructure:"prefix" yaml:"prefix" validate:"required"`

	// KeyFile holds the owner's private key (see the keygen command)
	KeyFile string `mapstructure:"key_file" yaml:"key_file" validate:"required"`

	// DeviceID pins the writer identity (32 hex characters). Empty picks a
	// random identity per run.
	DeviceID string `mapstructure:"device_id" yaml:"device_id" validate:"omitempty,len=32,hexadecimal"`

	// TempDir holds scratch plaintext and snapshot files. Empty uses the
	// system temporary directory.
	TempDir string `mapstructure:"temp_dir" yaml:"temp_dir"`

	// Autocommit commits after every mutation
	Autocommit bool `mapstructure:"autocommit" yaml:"autocommit"`

	// AutocommitDelay debounces autocommits; zero commits inline
	AutocommitDelay time.Duration `mapstructure:"autocommit_delay" yaml:"autocommit_delay" validate:"gte=0"`
}

// BackendConfig specifies the blob backend.
type BackendConfig struct {
	// Type specifies which backend implementation to use
	// Valid values: filesystem, memory, s3
	Type string `mapstructure:"type" yaml:"type" validate:"required,oneof=filesystem memory s3"`

	// Filesystem contains filesystem-specific options
	// Only used when Type = "filesystem"
	Filesystem map[string]any `mapstructure:"filesystem" yaml:"filesystem"`

	// Memory contains memory-specific options
	// Only used when Type = "memory"
	Memory map[string]any `mapstructure:"memory" yaml:"memory"`

	// S3 contains S3-specific options
	// Only used when Type = "s3"
	S3 map[string]any `mapstructure:"s3" yaml:"s3"`

	// RateLimit throttles traffic to the backend, whatever its type
	RateLimit RateLimitConfig `mapstructure:"rate_limit" yaml:"rate_limit"`
}

// RateLimitConfig throttles backend requests and bandwidth. Zero values
// disable the corresponding limit.
type RateLimitConfig struct {
	// RequestsPerSecond is the sustained request rate
	RequestsPerSecond uint `mapstructure:"requests_per_second" yaml:"requests_per_second"`

	// Burst is the request bucket size. Zero allows one second's worth.
	Burst uint `mapstructure:"burst" yaml:"burst"`

	// BytesPerSecond caps upload plus download bandwidth
	BytesPerSecond uint `mapstructure:"bytes_per_second" yaml:"bytes_per_second"`
}

// Enabled reports whether any limit is set.
func (c RateLimitConfig) Enabled() bool {
	return c.RequestsPerSecond > 0 || c.BytesPerSecond > 0
}

// CacheConfig configures the BadgerDB ciphertext cache.
type CacheConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Path is the BadgerDB directory. Ignored when InMemory is true.
	Path string `mapstructure:"path" yaml:"path"`

	// InMemory keeps the cache in memory only
	InMemory bool `mapstructure:"in_memory" yaml:"in_memory"`

	// TTL expires cached blobs; zero keeps them
	TTL time.Duration `mapstructure:"ttl" yaml:"ttl" validate:"gte=0"`

	// MaxEntrySize skips caching larger blobs
	MaxEntrySize int64 `mapstructure:"max_entry_size" yaml:"max_entry_size" validate:"gte=0"`
}

// MetadataConfig selects the snapshot format.
type MetadataConfig struct {
	// Type specifies the snapshot format
	// Valid values: sqlite, memory
	Type string `mapstructure:"type" yaml:"type" validate:"required,oneof=sqlite memory"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Port serves /metrics. Default: 9090
	Port int `mapstructure:"port" yaml:"port" validate:"gte=0,lte=65535"`
}

// GCConfig configures the orphaned block collector.
//
// The collector assumes the backend is dedicated to this volume.
type GCConfig struct {
	// Enabled runs the collector in the background of serve-metrics
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Interval between background runs. Default: 24h
	Interval time.Duration `mapstructure:"interval" yaml:"interval" validate:"gte=0"`

	// GracePeriod spares unreferenced blocks younger than this. Default: 24h
	GracePeriod time.Duration `mapstructure:"grace_period" yaml:"grace_period" validate:"gte=0"`

	// Concurrency bounds parallel deletes. Default: 8
	Concurrency int `mapstructure:"concurrency" yaml:"concurrency" validate:"gte=0"`

	// DryRun only logs what would be deleted
	DryRun bool `mapstructure:"dry_run" yaml:"dry_run"`
}

// Load loads configuration from file, environment, and defaults, then
// validates it.
//
// An empty configPath uses the default location. A missing file is not an
// error: defaults and environment variables still apply.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// setupViper configures environment variables and the config file search.
func setupViper(v *viper.Viper, configPath string) {
	// Example: DITTOBOX_LOGGING_LEVEL=DEBUG
	v.SetEnvPrefix("DITTOBOX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		return
	}
	// $XDG_CONFIG_HOME/dittobox/config.yaml
	v.AddConfigPath(getConfigDir())
	v.SetConfigName("config")
	v.SetConfigType("yaml")
}

func readConfigFile(v *viper.Viper) error {
	err := v.ReadInConfig()
	if err == nil {
		return nil
	}
	if _, ok := err.(viper.ConfigFileNotFoundError); ok {
		return nil
	}
	if os.IsNotExist(err) {
		return nil
	}
	return fmt.Errorf("failed to read config file: %w", err)
}

// getConfigDir returns $XDG_CONFIG_HOME/dittobox, ~/.config/dittobox, or
// "." if the home directory is unknown.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "dittobox")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "dittobox")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// ConfigExists checks if a config file exists at the default location.
func ConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}

// GetConfigDir returns the configuration directory path.
func GetConfigDir() string {
	return getConfigDir()
}
