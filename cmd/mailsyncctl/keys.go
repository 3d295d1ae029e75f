package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/vdavid/mailsync/internal/app"
	"github.com/vdavid/mailsync/internal/config"
	"github.com/vdavid/mailsync/internal/db"
	"github.com/vdavid/mailsync/internal/logger"
)

func (c *cli) newRotateKeysCmd() *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "rotate-keys",
		Short: "Re-encrypt stored secrets under the primary key version",
		Long: "Re-encrypts every OAuth token and relay password that is not under " +
			"MAILSYNC_PRIMARY_KEY_VERSION. Old key versions must stay in " +
			"MAILSYNC_ENCRYPTION_KEYS until this has run.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := c.context(cmd.Context())
			defer cancel()

			cfg, err := config.NewConfig()
			if err != nil {
				return err
			}
			l, err := logger.New(cfg.Environment)
			if err != nil {
				return err
			}
			defer func() { _ = l.Sync() }()

			vault, err := app.NewVault(cfg)
			if err != nil {
				return err
			}

			pool, err := c.openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer db.CloseConnection(pool)

			report, err := app.RotateSecrets(ctx, pool, vault, dryRun, l)
			if err != nil {
				return err
			}

			verb := "rotated"
			if dryRun {
				verb = "would rotate"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "scanned=%d %s=%d current=%d skipped=%d failed=%d (primary v%d)\n",
				report.Scanned, verb, report.Rotated, report.Current, report.Skipped, report.Failed, vault.PrimaryVersion())
			if report.Skipped > 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "%d integration(s) changed during the run; run rotate-keys again\n", report.Skipped)
			}
			if report.Failed > 0 {
				return fmt.Errorf("%d integration(s) could not be rotated", report.Failed)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Report what would change without writing")
	return cmd
}
