package box

import "time"

// Metrics observes the engine. Implementations must be safe for concurrent
// use. A nil Metrics in Options disables collection.
type Metrics interface {
	// ObserveCommit records one commit of a snapshot kind ("index" or
	// "folder") with its outcome ("ok" or "error").
	ObserveCommit(kind, outcome string, duration time.Duration)

	// RecordMerge records a replay of replayed changes onto a remote
	// snapshot.
	RecordMerge(kind string, replayed int)

	// RecordTombstones records blobs deleted after a commit.
	RecordTombstones(deleted int)

	// RecordAutocommit records a debounced commit that fired or was
	// dropped as stale.
	RecordAutocommit(fired bool)
}

type noopMetrics struct{}

func (noopMetrics) ObserveCommit(string, string, time.Duration) {}
func (noopMetrics) RecordMerge(string, int)                     {}
func (noopMetrics) RecordTombstones(int)                        {}
func (noopMetrics) RecordAutocommit(bool)                       {}
