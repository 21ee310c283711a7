// Package gc removes orphaned blocks from a volume's blob backend.
//
// A block becomes orphaned when its upload succeeds but the commit that
// would reference it never happens: a session closed with pending changes,
// a crash between upload and commit, or a tombstone delete that failed and
// was never retried. Commits never see these blocks again, so only a sweep
// of the backend can reclaim them.
//
// The collector assumes the backend (or its S3 key prefix) is dedicated to
// one volume: every block under blocks/ that the volume does not reference
// is considered garbage once it is older than the grace period.
package gc

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marmos91/dittobox/internal/logger"
	"github.com/marmos91/dittobox/pkg/box"
	"github.com/marmos91/dittobox/pkg/store/blob"
	"github.com/marmos91/dittobox/pkg/store/metadata"
	"golang.org/x/sync/errgroup"
)

// Collector performs periodic garbage collection of orphaned blocks.
//
// Thread Safety: Safe for concurrent use.
type Collector struct {
	volume  *box.Volume
	backend blob.Backend
	config  Config

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
	started  atomic.Bool
	last     atomic.Pointer[Stats]

	// now is overridable in tests.
	now func() time.Time
}

// Config contains configuration for the garbage collector.
type Config struct {
	// Enabled controls whether Start launches the background worker
	Enabled bool

	// Interval is how often to run garbage collection (default: 24h)
	Interval time.Duration

	// GracePeriod protects blocks younger than this, which may belong to a
	// commit that is still in flight on another device (default: 24h)
	GracePeriod time.Duration

	// Concurrency bounds parallel deletes (default: 8)
	Concurrency int

	// DryRun logs what would be deleted without deleting
	DryRun bool
}

// NewCollector creates a collector for volume, whose blocks live in backend.
// The collector is not started.
func NewCollector(volume *box.Volume, backend blob.Backend, config Config) (*Collector, error) {
	if volume == nil {
		return nil, fmt.Errorf("volume is required")
	}
	if _, ok := backend.(blob.Lister); !ok {
		return nil, fmt.Errorf("backend does not support listing: %w", blob.ErrListUnsupported)
	}

	if config.Interval == 0 {
		config.Interval = 24 * time.Hour
	}
	if config.GracePeriod == 0 {
		config.GracePeriod = 24 * time.Hour
	}
	if config.Concurrency <= 0 {
		config.Concurrency = 8
	}

	return &Collector{
		volume:  volume,
		backend: backend,
		config:  config,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
		now:     time.Now,
	}, nil
}

// Start begins background garbage collection. Subsequent calls are no-ops.
func (c *Collector) Start() {
	if !c.config.Enabled {
		logger.Info("Garbage collection disabled")
		return
	}
	if !c.started.CompareAndSwap(false, true) {
		return
	}

	logger.Info("Starting garbage collector: interval=%s grace=%s dry_run=%v",
		c.config.Interval, c.config.GracePeriod, c.config.DryRun)

	go c.worker()
}

// Stop signals the worker and waits for an in-progress run to finish, or for
// ctx to expire. Safe to call multiple times.
func (c *Collector) Stop(ctx context.Context) error {
	if !c.started.Load() {
		return nil
	}

	c.stopOnce.Do(func() { close(c.stopCh) })

	select {
	case <-c.doneCh:
		logger.Info("Garbage collector stopped")
		return nil
	case <-ctx.Done():
		logger.Warn("Garbage collector shutdown timeout")
		return ctx.Err()
	}
}

// LastRun returns the stats of the most recent completed run, or nil.
func (c *Collector) LastRun() *Stats {
	return c.last.Load()
}

// RunNow performs one collection and blocks until it completes.
func (c *Collector) RunNow(ctx context.Context) (*Stats, error) {
	logger.Info("Running garbage collection (manual trigger)...")
	return c.collect(ctx)
}

func (c *Collector) worker() {
	defer close(c.doneCh)

	ticker := time.NewTicker(c.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
			stats, err := c.collect(ctx)
			cancel()

			if err != nil {
				logger.Error("Garbage collection failed: %v", err)
			} else {
				logger.Info("Garbage collection completed: %s", stats.Summary())
			}

		case <-c.stopCh:
			return
		}
	}
}

// referencedBlocks walks the freshly downloaded volume. Any unreadable
// folder aborts the walk, so a partial view never drives deletions.
func (c *Collector) referencedBlocks(ctx context.Context) (map[string]struct{}, error) {
	nav, err := c.volume.Navigate(ctx)
	if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}
	defer func() { _ = nav.Close() }()

	referenced := make(map[string]struct{})
	err = nav.Visit(ctx, func(_ string, file *metadata.FileEntry, _ *metadata.FolderEntry) error {
		if file != nil {
			referenced[blob.BlockName(file.Block)] = struct{}{}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk volume: %w", err)
	}
	return referenced, nil
}

// collect performs a single garbage collection run:
//  1. List the blocks in the backend
//  2. Collect the blocks referenced by the volume
//  3. Orphaned = listed - referenced, minus blocks inside the grace period
//  4. Delete orphans concurrently
//
// Listing happens before the walk: a block committed by another device
// between the two steps is then always seen as referenced.
func (c *Collector) collect(ctx context.Context) (*Stats, error) {
	stats := &Stats{StartTime: c.now()}

	// ========================================================================
	// Step 1: List existing blocks
	// ========================================================================

	existing, err := blob.List(ctx, c.backend, blob.BlocksPrefix)
	if err != nil {
		return stats, fmt.Errorf("failed to list blocks: %w", err)
	}
	stats.ExistingCount = uint64(len(existing))

	// ========================================================================
	// Step 2: Collect referenced blocks
	// ========================================================================

	referenced, err := c.referencedBlocks(ctx)
	if err != nil {
		return stats, err
	}
	stats.ReferencedCount = uint64(len(referenced))

	// ========================================================================
	// Step 3: Compute orphans
	// ========================================================================

	cutoff := stats.StartTime.Add(-c.config.GracePeriod)
	var orphaned []string
	for _, obj := range existing {
		if _, ok := referenced[obj.Name]; ok {
			continue
		}
		if obj.ModTime.After(cutoff) {
			stats.RecentCount++
			continue
		}
		orphaned = append(orphaned, obj.Name)
	}
	stats.OrphanedCount = uint64(len(orphaned))

	if len(orphaned) == 0 || c.config.DryRun {
		if c.config.DryRun && len(orphaned) > 0 {
			logger.Info("GC: DRY RUN - would delete %d blocks:", len(orphaned))
			for i, name := range orphaned {
				if i == 10 {
					logger.Info("  ... and %d more", len(orphaned)-10)
					break
				}
				logger.Info("  - %s", name)
			}
		}
		stats.EndTime = c.now()
		c.last.Store(stats)
		return stats, nil
	}

	// ========================================================================
	// Step 4: Delete orphans
	// ========================================================================

	var deleted, failed atomic.Uint64
	var g errgroup.Group
	g.SetLimit(c.config.Concurrency)
	for _, name := range orphaned {
		g.Go(func() error {
			if err := c.backend.Delete(ctx, name); err != nil {
				logger.Debug("GC: failed to delete %s: %v", name, err)
				failed.Add(1)
				return nil
			}
			deleted.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	stats.DeletedCount = deleted.Load()
	stats.FailedCount = failed.Load()
	stats.EndTime = c.now()

	logger.Info("GC: deleted %d blocks, %d failed, duration=%s",
		stats.DeletedCount, stats.FailedCount, stats.Duration())
	c.last.Store(stats)

	return stats, ctx.Err()
}

// Stats contains statistics from a garbage collection run.
type Stats struct {
	StartTime       time.Time // When collection started
	EndTime         time.Time // When collection ended
	ReferencedCount uint64    // Blocks referenced by the volume
	ExistingCount   uint64    // Blocks found in the backend
	RecentCount     uint64    // Unreferenced blocks spared by the grace period
	OrphanedCount   uint64    // Unreferenced blocks past the grace period
	DeletedCount    uint64    // Orphans successfully deleted
	FailedCount     uint64    // Orphans that failed to delete
}

// Duration returns the total collection duration.
func (s *Stats) Duration() time.Duration {
	if s.EndTime.IsZero() {
		return time.Since(s.StartTime)
	}
	return s.EndTime.Sub(s.StartTime)
}

// Summary returns a human-readable summary of the collection.
func (s *Stats) Summary() string {
	return fmt.Sprintf("referenced=%d existing=%d recent=%d orphaned=%d deleted=%d failed=%d duration=%s",
		s.ReferencedCount, s.ExistingCount, s.RecentCount, s.OrphanedCount,
		s.DeletedCount, s.FailedCount, s.Duration())
}
