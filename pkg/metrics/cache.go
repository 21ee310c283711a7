package metrics

import (
	"github.com/marmos91/dittobox/pkg/store/blob/cache"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// cacheMetrics is the Prometheus implementation of cache.CacheMetrics.
type cacheMetrics struct {
	lookups *prometheus.CounterVec
}

// NewCacheMetrics creates blob cache metrics. Returns nil if metrics are not
// enabled, which causes the cache to use its no-op implementation.
func NewCacheMetrics() cache.CacheMetrics {
	if !IsEnabled() {
		return nil
	}
	return newCacheMetrics(GetRegistry())
}

func newCacheMetrics(reg prometheus.Registerer) *cacheMetrics {
	return &cacheMetrics{
		lookups: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "dittobox_blob_cache_lookups_total",
				Help: "Revalidated blob cache lookups by result (hit or miss)",
			},
			[]string{"result"},
		),
	}
}

func (m *cacheMetrics) RecordLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.lookups.WithLabelValues(result).Inc()
}
