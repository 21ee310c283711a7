// Package metrics provides Prometheus metrics collection for dittobox.
//
// All metrics are optional. If the registry is not initialized, constructors
// return nil and the instrumented components fall back to their no-op
// implementations.
//
// Usage:
//
//	// Initialize the global registry (typically from the CLI)
//	metrics.InitRegistry()
//
//	// Create metrics instances for components
//	backend = blob.Instrument(backend, metrics.NewBlobMetrics("s3"))
//	opts.Metrics = metrics.NewBoxMetrics()
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	// registry is the global Prometheus registry for all dittobox metrics.
	// Written once by InitRegistry.
	registry     *prometheus.Registry
	registryOnce sync.Once
)

// InitRegistry initializes the global Prometheus registry. Subsequent calls
// are ignored.
//
// The registry also carries the Go runtime and process collectors.
func InitRegistry() {
	registryOnce.Do(func() {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		registry = reg
	})
}

// GetRegistry returns the global Prometheus registry, or nil if
// InitRegistry has not been called.
func GetRegistry() *prometheus.Registry {
	return registry
}

// IsEnabled returns true if InitRegistry has been called.
func IsEnabled() bool {
	return GetRegistry() != nil
}
