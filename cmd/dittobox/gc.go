package main

import (
	"fmt"
	"time"

	"github.com/marmos91/dittobox/pkg/config"
	"github.com/spf13/cobra"
)

func newGCCmd() *cobra.Command {
	var (
		dryRun bool
		grace  time.Duration
	)
	gcCmd := &cobra.Command{
		Use:   "gc",
		Short: "Delete orphaned blocks",
		Long: `Delete blocks that no file of the volume references.

Blocks are orphaned when a session uploads content but never commits it.
Only run this when the backend holds a single volume: every unreferenced
block older than the grace period is deleted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			s, err := openSession(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			if cmd.Flags().Changed("dry-run") {
				s.cfg.GC.DryRun = dryRun
			}
			if cmd.Flags().Changed("grace") {
				s.cfg.GC.GracePeriod = grace
			}

			collector, err := config.CreateCollector(s.cfg, s.volume, s.backend)
			if err != nil {
				return err
			}
			stats, err := collector.RunNow(ctx)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), stats.Summary())
			return nil
		},
	}
	gcCmd.Flags().BoolVarP(&dryRun, "dry-run", "n", false, "only report what would be deleted")
	gcCmd.Flags().DurationVar(&grace, "grace", 0, "spare blocks younger than this (overrides gc.grace_period)")
	return gcCmd
}
