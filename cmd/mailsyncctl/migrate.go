package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/vdavid/mailsync/internal/db"
)

func (c *cli) newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the embedded SQL migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := c.context(cmd.Context())
			defer cancel()

			pool, err := c.openPool(ctx, nil)
			if err != nil {
				return err
			}
			defer db.CloseConnection(pool)

			applied, err := db.Migrate(ctx, pool)
			if err != nil {
				return err
			}
			for _, name := range applied {
				fmt.Fprintf(cmd.OutOrStdout(), "applied %s\n", name)
			}
			return nil
		},
	}
}
