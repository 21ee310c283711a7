package metrics

import (
	"time"

	"github.com/marmos91/dittobox/pkg/store/blob"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// blobMetrics is the Prometheus implementation of blob.Metrics.
type blobMetrics struct {
	operationsTotal   *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	bytesTransferred  *prometheus.CounterVec
}

// NewBlobMetrics creates blob backend metrics labelled with the backend
// type ("fs", "memory", "s3").
//
// Returns nil if metrics are not enabled, which makes blob.Instrument return
// the backend unwrapped.
func NewBlobMetrics(backend string) blob.Metrics {
	if !IsEnabled() {
		return nil
	}
	return newBlobMetrics(GetRegistry(), backend)
}

func newBlobMetrics(reg prometheus.Registerer, backend string) *blobMetrics {
	labels := prometheus.Labels{"backend": backend}
	return &blobMetrics{
		operationsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name:        "dittobox_blob_operations_total",
				Help:        "Total number of blob backend operations by operation and status",
				ConstLabels: labels,
			},
			[]string{"operation", "status"},
		),
		operationDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "dittobox_blob_operation_duration_seconds",
				Help:        "Duration of blob backend operations in seconds",
				ConstLabels: labels,
				Buckets: []float64{
					0.001, // 1ms
					0.01,  // 10ms
					0.05,  // 50ms
					0.1,   // 100ms
					0.5,   // 500ms
					1.0,   // 1s
					5.0,   // 5s
					30.0,  // 30s
				},
			},
			[]string{"operation"},
		),
		bytesTransferred: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name:        "dittobox_blob_bytes_transferred_total",
				Help:        "Total bytes moved to and from the blob backend",
				ConstLabels: labels,
			},
			[]string{"direction"}, // read or write
		),
	}
}

func (m *blobMetrics) ObserveOperation(operation, status string, duration time.Duration) {
	m.operationsTotal.WithLabelValues(operation, status).Inc()
	m.operationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

func (m *blobMetrics) RecordBytes(direction string, bytes int64) {
	if bytes > 0 {
		m.bytesTransferred.WithLabelValues(direction).Add(float64(bytes))
	}
}
