package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/marmos91/dittobox/internal/logger"
	"github.com/marmos91/dittobox/pkg/box"
	"github.com/marmos91/dittobox/pkg/config"
	"github.com/marmos91/dittobox/pkg/gc"
	"github.com/spf13/cobra"
)

func newServeMetricsCmd() *cobra.Command {
	var interval time.Duration
	serveCmd := &cobra.Command{
		Use:   "serve-metrics",
		Short: "Expose Prometheus metrics while watching the volume",
		Long: `Serve Prometheus metrics on metrics.port and poll the volume index.

Each poll refreshes the index with a conditional download, so an unchanged
index costs one backend round trip. /status reports the last refresh and
the last collection as JSON. When gc.enabled is set, orphaned blocks
are collected in the background. Stop with Ctrl+C.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			s, err := openSession(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			if s.metrics.Server == nil {
				return errors.New("metrics are disabled (set metrics.enabled: true)")
			}

			index, err := s.volume.Navigate(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = index.Close() }()

			collector, err := config.CreateCollector(s.cfg, s.volume, s.backend)
			if err != nil {
				return err
			}
			collector.Start()
			defer func() {
				stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				_ = collector.Stop(stopCtx)
			}()

			state := newWatchState(s.volume.RootRef(), interval)
			s.metrics.Server.SetStatus(func() any { return state.report(collector.LastRun()) })

			errCh := make(chan error, 1)
			go func() { errCh <- s.metrics.Server.Start(ctx) }()

			logger.Info("Watching index %s every %s", s.volume.RootRef(), interval)
			if err := watch(ctx, index, interval, state); err != nil {
				return err
			}
			return <-errCh
		},
	}
	serveCmd.Flags().DurationVarP(&interval, "interval", "i", 30*time.Second, "index poll interval")
	return serveCmd
}

// watchState is what serve-metrics reports on /status.
type watchState struct {
	mu            sync.Mutex
	rootRef       string
	interval      time.Duration
	started       time.Time
	lastRefresh   time.Time
	lastError     string
	remoteChanges int
}

type statusReport struct {
	Index         string    `json:"index"`
	Interval      string    `json:"interval"`
	Started       time.Time `json:"started"`
	LastRefresh   time.Time `json:"last_refresh,omitzero"`
	LastError     string    `json:"last_error,omitempty"`
	RemoteChanges int       `json:"remote_changes"`
	LastGC        string    `json:"last_gc,omitempty"`
}

func newWatchState(rootRef string, interval time.Duration) *watchState {
	return &watchState{rootRef: rootRef, interval: interval, started: time.Now()}
}

func (w *watchState) record(changes []box.Change, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err != nil {
		w.lastError = err.Error()
		return
	}
	w.lastRefresh = time.Now()
	w.lastError = ""
	w.remoteChanges += len(changes)
}

func (w *watchState) report(gcStats *gc.Stats) statusReport {
	w.mu.Lock()
	defer w.mu.Unlock()
	r := statusReport{
		Index:         w.rootRef,
		Interval:      w.interval.String(),
		Started:       w.started,
		LastRefresh:   w.lastRefresh,
		LastError:     w.lastError,
		RemoteChanges: w.remoteChanges,
	}
	if gcStats != nil {
		r.LastGC = gcStats.Summary()
	}
	return r
}

// watch refreshes index until ctx is cancelled.
func watch(ctx context.Context, index *box.Navigation, interval time.Duration, state *watchState) error {
	if interval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %s", interval)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			changes, err := index.Refresh(ctx)
			state.record(changes, err)
			if err != nil {
				logger.Warn("Index refresh failed: %v", err)
				continue
			}
			for _, c := range changes {
				logger.Info("Index changed remotely: %s", box.Describe(c))
			}
		}
	}
}
