package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/vdavid/mailsync/internal/app"
	"github.com/vdavid/mailsync/internal/config"
	"github.com/vdavid/mailsync/internal/db"
	"github.com/vdavid/mailsync/internal/logger"
)

// cli carries the settings shared by every subcommand.
type cli struct {
	v *viper.Viper
}

func newRootCmd() *cobra.Command {
	c := &cli{v: viper.New()}

	root := &cobra.Command{
		Use:           "mailsyncctl",
		Short:         "Operate a mailsync deployment",
		Long:          "Runs syncs, key rotation, migrations and token issuing against the mailsync database.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.initConfig()
		},
	}

	flags := root.PersistentFlags()
	flags.String("config", "", "Config file (default ./mailsyncctl.yaml)")
	flags.String("database.url", "", "Database connection URL (default from MAILSYNC_DB_* variables)")
	flags.Duration("timeout", 5*time.Minute, "Time limit for the whole command")
	flags.Bool("local-lock", false, "Sync with an in-process lock when REDIS_ADDR is unset (only safe with no server running)")

	_ = c.v.BindPFlag("config", flags.Lookup("config"))
	_ = c.v.BindPFlag("database.url", flags.Lookup("database.url"))
	_ = c.v.BindPFlag("timeout", flags.Lookup("timeout"))
	_ = c.v.BindPFlag("local-lock", flags.Lookup("local-lock"))
	_ = c.v.BindEnv("auth.secret", "MAILSYNC_AUTH_SECRET")

	root.AddCommand(
		c.newSyncCmd(),
		c.newSyncAllCmd(),
		c.newRotateKeysCmd(),
		c.newMigrateCmd(),
		c.newTokenCmd(),
	)
	return root
}

func (c *cli) initConfig() error {
	c.v.SetEnvPrefix("MAILSYNCCTL")
	c.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	c.v.AutomaticEnv()

	if file := c.v.GetString("config"); file != "" {
		c.v.SetConfigFile(file)
	} else {
		c.v.SetConfigName("mailsyncctl")
		c.v.SetConfigType("yaml")
		c.v.AddConfigPath(".")
	}

	if err := c.v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound || c.v.GetString("config") != "" {
			return fmt.Errorf("failed to read config: %w", err)
		}
		return nil
	}
	fmt.Fprintf(os.Stderr, "Using config file: %s\n", c.v.ConfigFileUsed())
	return nil
}

func (c *cli) context(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, c.v.GetDuration("timeout"))
}

// openPool connects to --database.url when given and to the configured
// database otherwise. cfg may be nil when the URL flag is set.
func (c *cli) openPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	url := c.v.GetString("database.url")
	if url == "" {
		if cfg == nil {
			var err error
			if cfg, err = config.NewConfig(); err != nil {
				return nil, err
			}
		}
		url = cfg.GetDatabaseURL()
	}
	return db.NewConnectionFromURL(ctx, url)
}

// loadApp builds the full service graph from the server configuration.
// The returned cleanup closes the app and its pool.
func (c *cli) loadApp(ctx context.Context) (*app.App, func(), error) {
	cfg, err := config.NewConfig()
	if err != nil {
		return nil, nil, err
	}
	if err := c.requireSharedLock(cfg); err != nil {
		return nil, nil, err
	}

	l, err := logger.New(cfg.Environment)
	if err != nil {
		return nil, nil, err
	}

	pool, err := c.openPool(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	a, err := app.New(ctx, cfg, pool, l)
	if err != nil {
		db.CloseConnection(pool)
		return nil, nil, err
	}

	return a, func() {
		a.Close()
		db.CloseConnection(pool)
		_ = l.Sync()
	}, nil
}

// requireSharedLock refuses to sync under a process-local lock, which a running
// server cannot see, unless --local-lock is given.
func (c *cli) requireSharedLock(cfg *config.Config) error {
	if cfg.RedisAddr != "" || c.v.GetBool("local-lock") {
		return nil
	}
	return errors.New("REDIS_ADDR is not set, so this sync would not be serialized with the server; set it or pass --local-lock")
}
