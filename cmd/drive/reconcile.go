package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/3askar/drive/internal/lifecycle"
)

func newReconcileCmd() *cobra.Command {
	var (
		opts   lifecycle.ReconcileOptions
		settle time.Duration
	)

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Find and repair orphaned blobs and quota drift",
		Long: `Reconcile compares blobs, file records and quota counters and prints a JSON
report. Without --fix nothing is changed.

With --fix, expired trash is purged, orphaned blobs older than the grace
period are deleted and unreferenced chunks are collected. A quota counter is
only reset when the same drift is seen again after --settle.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			st, err := openStack(ctx, cfg)
			if err != nil {
				return err
			}
			defer st.Close(ctx)

			report, err := st.ctl.Reconcile(ctx, opts)
			if err != nil {
				return fmt.Errorf("reconcile: %w", err)
			}
			if opts.Fix && report.Unconfirmed() {
				log.Info().Dur("settle", settle).Msg("quota drift seen once; checking again before repairing")
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(settle):
				}
				if report, err = st.ctl.Reconcile(ctx, opts); err != nil {
					return fmt.Errorf("reconcile: %w", err)
				}
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(report); err != nil {
				return err
			}
			if !report.Clean() && !opts.Fix {
				log.Warn().Msg("inconsistencies found; rerun with --fix to repair")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&opts.Fix, "fix", false, "repair what is found")
	cmd.Flags().DurationVar(&settle, "settle", 10*time.Second, "wait before confirming quota drift")
	cmd.Flags().DurationVar(&opts.Grace, "grace", time.Duration(0), "orphan grace period (default gc.grace)")
	return cmd
}
