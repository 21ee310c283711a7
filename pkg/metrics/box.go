package metrics

import (
	"time"

	"github.com/marmos91/dittobox/pkg/box"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// boxMetrics is the Prometheus implementation of box.Metrics.
//
// It covers:
//   - Commit counts and latency per snapshot kind
//   - Merges of concurrent commits and the number of replayed changes
//   - Blobs deleted after commits
//   - Debounced autocommits that fired or were superseded
type boxMetrics struct {
	commitsTotal    *prometheus.CounterVec
	commitDuration  *prometheus.HistogramVec
	mergesTotal     *prometheus.CounterVec
	replayedChanges *prometheus.HistogramVec
	tombstonesTotal prometheus.Counter
	autocommits     *prometheus.CounterVec
}

// NewBoxMetrics creates engine metrics. Returns nil if metrics are not
// enabled, in which case the engine uses its no-op implementation.
func NewBoxMetrics() box.Metrics {
	if !IsEnabled() {
		return nil
	}
	return newBoxMetrics(GetRegistry())
}

func newBoxMetrics(reg prometheus.Registerer) *boxMetrics {
	return &boxMetrics{
		commitsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "dittobox_commits_total",
				Help: "Total number of snapshot commits by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		commitDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "dittobox_commit_duration_seconds",
				Help: "Duration of snapshot commits in seconds, including merges",
				Buckets: []float64{
					0.01, // 10ms
					0.05, // 50ms
					0.1,  // 100ms
					0.5,  // 500ms
					1.0,  // 1s
					5.0,  // 5s
					30.0, // 30s
				},
			},
			[]string{"kind"},
		),
		mergesTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "dittobox_merges_total",
				Help: "Total number of change log replays onto a concurrently committed snapshot",
			},
			[]string{"kind"},
		),
		replayedChanges: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dittobox_merge_replayed_changes",
				Help:    "Number of changes replayed per merge",
				Buckets: prometheus.ExponentialBuckets(1, 4, 6),
			},
			[]string{"kind"},
		),
		tombstonesTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "dittobox_tombstones_deleted_total",
				Help: "Total number of blobs deleted after commits",
			},
		),
		autocommits: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "dittobox_autocommits_total",
				Help: "Debounced autocommits by result (fired or superseded)",
			},
			[]string{"result"},
		),
	}
}

func (m *boxMetrics) ObserveCommit(kind, outcome string, duration time.Duration) {
	m.commitsTotal.WithLabelValues(kind, outcome).Inc()
	m.commitDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

func (m *boxMetrics) RecordMerge(kind string, replayed int) {
	m.mergesTotal.WithLabelValues(kind).Inc()
	m.replayedChanges.WithLabelValues(kind).Observe(float64(replayed))
}

func (m *boxMetrics) RecordTombstones(deleted int) {
	m.tombstonesTotal.Add(float64(deleted))
}

func (m *boxMetrics) RecordAutocommit(fired bool) {
	result := "superseded"
	if fired {
		result = "fired"
	}
	m.autocommits.WithLabelValues(result).Inc()
}
