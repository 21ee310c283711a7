package config

import (
	"github.com/marmos91/dittobox/pkg/box"
	"github.com/marmos91/dittobox/pkg/metrics"
	"github.com/marmos91/dittobox/pkg/store/blob"
	"github.com/marmos91/dittobox/pkg/store/blob/cache"
)

// MetricsResult contains all metrics-related components created from configuration.
//
// Every collector is nil when metrics are disabled; the components treat a
// nil collector as "no metrics".
type MetricsResult struct {
	// Server is the HTTP server exposing Prometheus metrics (nil if disabled)
	Server *metrics.Server

	// Blob instruments the blob backend
	Blob blob.Metrics

	// Cache observes the ciphertext cache
	Cache cache.CacheMetrics

	// Box observes commits, merges and autocommits
	Box box.Metrics
}

// InitializeMetrics creates the metrics components.
//
// If metrics are enabled it initializes the global Prometheus registry, the
// HTTP server, and a Prometheus-backed collector per component. It must be
// called at most once per process when enabled.
func InitializeMetrics(cfg *Config) *MetricsResult {
	if !cfg.Metrics.Enabled {
		return &MetricsResult{}
	}

	metrics.InitRegistry()

	return &MetricsResult{
		Server: metrics.NewServer(metrics.ServerConfig{Port: cfg.Metrics.Port}),
		Blob:   metrics.NewBlobMetrics(cfg.Backend.Type),
		Cache:  metrics.NewCacheMetrics(),
		Box:    metrics.NewBoxMetrics(),
	}
}
