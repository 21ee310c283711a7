package config

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/retry"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/marmos91/dittobox/internal/logger"
	"github.com/marmos91/dittobox/internal/ratelimiter"
	"github.com/marmos91/dittobox/pkg/box"
	"github.com/marmos91/dittobox/pkg/crypto"
	"github.com/marmos91/dittobox/pkg/gc"
	"github.com/marmos91/dittobox/pkg/store/blob"
	"github.com/marmos91/dittobox/pkg/store/blob/cache"
	blobFs "github.com/marmos91/dittobox/pkg/store/blob/fs"
	blobMemory "github.com/marmos91/dittobox/pkg/store/blob/memory"
	blobS3 "github.com/marmos91/dittobox/pkg/store/blob/s3"
	"github.com/marmos91/dittobox/pkg/store/metadata"
	metaMemory "github.com/marmos91/dittobox/pkg/store/metadata/memory"
	"github.com/marmos91/dittobox/pkg/store/metadata/sqlite"
	"github.com/mitchellh/mapstructure"
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// decodeOptions decodes a type-specific option map. Durations may be given
// as strings ("30s").
func decodeOptions(options map[string]any, out any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	return decoder.Decode(options)
}

// CreateBackend creates the blob backend selected by the configuration.
//
// The raw backend is instrumented first, so metrics describe real backend
// traffic, then rate limited, and finally wrapped by the cache if enabled. The returned Closer
// releases the cache and must be closed after the last use.
//
// Supported types:
//   - "filesystem": local directory (pkg/store/blob/fs)
//   - "memory": process-local, ephemeral (pkg/store/blob/memory)
//   - "s3": Amazon S3 or a compatible service (pkg/store/blob/s3)
func CreateBackend(ctx context.Context, cfg *Config, m *MetricsResult) (blob.Backend, io.Closer, error) {
	var (
		backend blob.Backend
		err     error
	)
	switch cfg.Backend.Type {
	case "filesystem":
		backend, err = createFilesystemBackend(ctx, cfg.Backend.Filesystem)
	case "memory":
		backend = blobMemory.NewMemoryBackend()
	case "s3":
		backend, err = createS3Backend(ctx, cfg.Backend.S3)
	default:
		err = fmt.Errorf("unknown backend type: %q", cfg.Backend.Type)
	}
	if err != nil {
		return nil, nil, err
	}

	if m == nil {
		m = &MetricsResult{}
	}
	backend = blob.Instrument(backend, m.Blob)

	if rl := cfg.Backend.RateLimit; rl.Enabled() {
		backend = blob.RateLimit(backend, ratelimiter.New(rl.RequestsPerSecond, rl.Burst, rl.BytesPerSecond))
		logger.Info("Backend rate limit: requests_per_second=%d burst=%d bytes_per_second=%d",
			rl.RequestsPerSecond, rl.Burst, rl.BytesPerSecond)
	}

	if !cfg.Cache.Enabled {
		return backend, nopCloser{}, nil
	}

	cached, err := cache.New(backend, cache.Config{
		Path:         cfg.Cache.Path,
		InMemory:     cfg.Cache.InMemory,
		TTL:          cfg.Cache.TTL,
		MaxEntrySize: cfg.Cache.MaxEntrySize,
		Metrics:      m.Cache,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create blob cache: %w", err)
	}
	logger.Info("Blob cache enabled: path=%s in_memory=%t", cfg.Cache.Path, cfg.Cache.InMemory)
	return cached, cached, nil
}

func createFilesystemBackend(ctx context.Context, options map[string]any) (blob.Backend, error) {
	type FilesystemBackendConfig struct {
		Path string `mapstructure:"path"`
	}

	var backendCfg FilesystemBackendConfig
	if err := decodeOptions(options, &backendCfg); err != nil {
		return nil, fmt.Errorf("failed to decode filesystem backend config: %w", err)
	}
	if backendCfg.Path == "" {
		return nil, fmt.Errorf("filesystem backend: path is required")
	}

	backend, err := blobFs.NewFSBackend(ctx, backendCfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to create filesystem backend: %w", err)
	}
	return backend, nil
}

func createS3Backend(ctx context.Context, options map[string]any) (blob.Backend, error) {
	type S3BackendConfig struct {
		Region          string        `mapstructure:"region"`
		Bucket          string        `mapstructure:"bucket"`
		KeyPrefix       string        `mapstructure:"key_prefix"`
		Endpoint        string        `mapstructure:"endpoint"`
		AccessKeyID     string        `mapstructure:"access_key_id"`
		SecretAccessKey string        `mapstructure:"secret_access_key"`
		MaxRetries      int           `mapstructure:"max_retries"`
		Timeout         time.Duration `mapstructure:"timeout"`
	}

	var backendCfg S3BackendConfig
	if err := decodeOptions(options, &backendCfg); err != nil {
		return nil, fmt.Errorf("failed to decode S3 backend config: %w", err)
	}
	if backendCfg.Bucket == "" {
		return nil, fmt.Errorf("S3 backend: bucket is required")
	}
	if backendCfg.Region == "" {
		return nil, fmt.Errorf("S3 backend: region is required")
	}

	// ========================================================================
	// Step 1: Build AWS Config
	// ========================================================================

	configOptions := []func(*awsConfig.LoadOptions) error{
		awsConfig.WithRegion(backendCfg.Region),
	}

	// Static credentials if provided, otherwise the default credential chain
	if backendCfg.AccessKeyID != "" && backendCfg.SecretAccessKey != "" {
		credProvider := credentials.NewStaticCredentialsProvider(
			backendCfg.AccessKeyID,
			backendCfg.SecretAccessKey,
			"",
		)
		configOptions = append(configOptions, awsConfig.WithCredentialsProvider(credProvider))
	}

	// Conditional writes fail fast on conflicts; retries only cover
	// transient errors (5xx, throttling, timeouts).
	maxRetries := backendCfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 10
	}
	configOptions = append(configOptions, awsConfig.WithRetryer(func() aws.Retryer {
		return retry.NewStandard(func(o *retry.StandardOptions) {
			o.MaxAttempts = maxRetries
		})
	}))

	if backendCfg.Timeout > 0 {
		configOptions = append(configOptions,
			awsConfig.WithHTTPClient(awshttp.NewBuildableClient().WithTimeout(backendCfg.Timeout)))
	}

	awsCfg, err := awsConfig.LoadDefaultConfig(ctx, configOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	// ========================================================================
	// Step 2: Create S3 Client
	// ========================================================================

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		// Path-style addressing for MinIO, Localstack and friends
		if backendCfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(backendCfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	// ========================================================================
	// Step 3: Create S3 Backend
	// ========================================================================

	backend, err := blobS3.NewS3Backend(ctx, blobS3.S3BackendConfig{
		Client:    client,
		Bucket:    backendCfg.Bucket,
		KeyPrefix: backendCfg.KeyPrefix,
		Endpoint:  backendCfg.Endpoint,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 backend: %w", err)
	}

	logger.Info("S3 backend initialized: bucket=%s, region=%s, prefix=%s",
		backendCfg.Bucket, backendCfg.Region, backendCfg.KeyPrefix)

	return backend, nil
}

// CreateMetadataFactory returns the snapshot factory selected by the
// configuration. Scratch files go to tempDir.
//
// Supported types:
//   - "sqlite": one SQLite database per snapshot (pkg/store/metadata/sqlite)
//   - "memory": in-memory maps with a CBOR wire format (pkg/store/metadata/memory)
func CreateMetadataFactory(cfg *MetadataConfig, tempDir string) (metadata.Factory, error) {
	switch cfg.Type {
	case "sqlite":
		return sqlite.NewFactory(tempDir), nil
	case "memory":
		return metaMemory.NewFactory(), nil
	default:
		return nil, fmt.Errorf("unknown metadata type: %q", cfg.Type)
	}
}

// CreateVolume builds a Volume over backend from the volume, metadata and
// metrics configuration. The owner key is read from volume.key_file.
func CreateVolume(cfg *Config, backend blob.Backend, m *MetricsResult) (*box.Volume, error) {
	keys, err := crypto.LoadKeyPair(cfg.Volume.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load key file %s: %w", cfg.Volume.KeyFile, err)
	}

	var device metadata.DeviceID
	if cfg.Volume.DeviceID != "" {
		if device, err = metadata.ParseDeviceID(cfg.Volume.DeviceID); err != nil {
			return nil, err
		}
	}

	tempDir := cfg.Volume.TempDir
	if tempDir != "" {
		if err := os.MkdirAll(tempDir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create temp dir: %w", err)
		}
	}

	factory, err := CreateMetadataFactory(&cfg.Metadata, tempDir)
	if err != nil {
		return nil, err
	}

	if m == nil {
		m = &MetricsResult{}
	}
	return box.NewVolume(box.Options{
		Backend:         backend,
		Factory:         factory,
		KeyPair:         keys,
		Prefix:          cfg.Volume.Prefix,
		DeviceID:        device,
		TempDir:         tempDir,
		Autocommit:      cfg.Volume.Autocommit,
		AutocommitDelay: cfg.Volume.AutocommitDelay,
		Metrics:         m.Box,
	})
}

// CreateCollector builds the orphaned block collector for volume.
func CreateCollector(cfg *Config, volume *box.Volume, backend blob.Backend) (*gc.Collector, error) {
	return gc.NewCollector(volume, backend, gc.Config{
		Enabled:     cfg.GC.Enabled,
		Interval:    cfg.GC.Interval,
		GracePeriod: cfg.GC.GracePeriod,
		Concurrency: cfg.GC.Concurrency,
		DryRun:      cfg.GC.DryRun,
	})
}

// GenerateKeyFile creates a new owner key at path. It refuses to overwrite
// an existing key unless force is set.
func GenerateKeyFile(path string, force bool) (*crypto.KeyPair, error) {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return nil, fmt.Errorf("key file already exists at %s (use --force to overwrite)", path)
		}
	}
	keys, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	if err := crypto.SaveKeyPair(path, keys); err != nil {
		return nil, err
	}
	return keys, nil
}
