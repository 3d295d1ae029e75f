package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func (c *cli) newSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync <integration-id>",
		Short: "Sync one integration now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := c.context(cmd.Context())
			defer cancel()

			a, cleanup, err := c.loadApp(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			result, err := a.Syncer.SyncIntegration(ctx, args[0])
			if err != nil {
				return fmt.Errorf("sync failed: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "fetched=%d upserted=%d inserted=%d skipped=%d\n",
				result.Fetched, result.Upserted, result.Inserted, result.Skipped)
			return nil
		},
	}
}

func (c *cli) newSyncAllCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync-all",
		Short: "Run one scheduled sync cycle over every active integration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := c.context(cmd.Context())
			defer cancel()

			a, cleanup, err := c.loadApp(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			report, err := a.Scheduler.RunOnce(ctx)
			if err != nil {
				return fmt.Errorf("sync cycle failed: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "integrations=%d succeeded=%d failed=%d inserted=%d\n",
				report.Integrations, report.Succeeded, report.Failed, report.Inserted)
			if report.Failed > 0 {
				return fmt.Errorf("%d integration(s) failed to sync", report.Failed)
			}
			return nil
		},
	}
}
