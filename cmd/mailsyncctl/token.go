package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/vdavid/mailsync/internal/auth"
)

func (c *cli) newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token <email>",
		Short: "Issue an API bearer token for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := c.v.GetString("auth.secret")
			if secret == "" {
				return fmt.Errorf("MAILSYNC_AUTH_SECRET is required")
			}

			token, err := auth.IssueToken(secret, args[0], c.v.GetDuration("token.ttl"))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().Duration("ttl", 24*time.Hour, "Token lifetime")
	_ = c.v.BindPFlag("token.ttl", cmd.Flags().Lookup("ttl"))
	return cmd
}
