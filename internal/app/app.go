// Package app wires configuration, storage and the provider stack into the
// services used by the server and the operator CLI.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/vdavid/mailsync/internal/api"
	"github.com/vdavid/mailsync/internal/auth"
	"github.com/vdavid/mailsync/internal/config"
	"github.com/vdavid/mailsync/internal/crypto"
	"github.com/vdavid/mailsync/internal/db"
	"github.com/vdavid/mailsync/internal/events"
	"github.com/vdavid/mailsync/internal/lock"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/oauth"
	"github.com/vdavid/mailsync/internal/provider"
	"github.com/vdavid/mailsync/internal/sender"
	"github.com/vdavid/mailsync/internal/syncer"
	ws "github.com/vdavid/mailsync/internal/websocket"
	"go.uber.org/zap"
)

const (
	lockTTL         = 5 * time.Minute
	maxConnsPerUser = 10
)

// App holds the long-lived services of one process.
type App struct {
	Config    *config.Config
	Pool      *pgxpool.Pool
	Logger    *zap.Logger
	Vault     *crypto.Vault
	Store     *db.Store
	Registry  *provider.Registry
	Relay     *provider.RelayAdapter
	Flows     map[models.Provider]api.OAuthFlow
	Profiles  map[models.Provider]provider.ProfileFetcher
	Syncer    *syncer.Orchestrator
	Sender    *sender.Orchestrator
	Scheduler *syncer.Scheduler
	Hub       *ws.Hub
	Validator *auth.Validator

	publisher events.Publisher
	redis     *redis.Client
}

// NewVault builds the credential vault from the configured keyring. Secrets
// written before key versioning stay readable when the legacy session secret
// is set.
func NewVault(cfg *config.Config) (*crypto.Vault, error) {
	keys, err := crypto.ParseKeyring(cfg.EncryptionKeys)
	if err != nil {
		return nil, fmt.Errorf("failed to parse encryption keys: %w", err)
	}
	vault, err := crypto.NewVault(keys, cfg.PrimaryKeyVersion)
	if err != nil {
		return nil, err
	}
	if cfg.LegacySessionSecret == "" {
		return vault, nil
	}
	legacy, err := crypto.DeriveLegacyKey(cfg.LegacySessionSecret)
	if err != nil {
		return nil, err
	}
	return vault.WithLegacyKey(legacy)
}

// New builds every service. The caller owns pool and must call Close.
func New(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool, logger *zap.Logger) (*App, error) {
	vault, err := NewVault(cfg)
	if err != nil {
		return nil, err
	}

	a := &App{
		Config:    cfg,
		Pool:      pool,
		Logger:    logger,
		Vault:     vault,
		Store:     db.NewStore(pool),
		Flows:     make(map[models.Provider]api.OAuthFlow),
		Profiles:  make(map[models.Provider]provider.ProfileFetcher),
		Validator: auth.NewValidator(cfg.AuthSecret, cfg.TestMode, logger),
	}

	opts := provider.Options{Timeout: cfg.ProviderTimeout, MaxRetries: cfg.ProviderMaxRetries}
	refreshers := make(map[models.Provider]provider.Refresher)
	if cfg.GoogleEnabled() {
		flow := oauth.NewGoogleFlow(cfg.GoogleClientID, cfg.GoogleClientSecret, cfg.CallbackURL(string(models.ProviderGoogle)), cfg.StateSecret).
			WithGuard(provider.NewTokenGuard(models.ProviderGoogle, opts, logger))
		a.Flows[models.ProviderGoogle] = flow
		refreshers[models.ProviderGoogle] = flow
	}
	if cfg.MicrosoftEnabled() {
		flow := oauth.NewMicrosoftFlow(cfg.MicrosoftClientID, cfg.MicrosoftClientSecret, cfg.MicrosoftTenant, cfg.CallbackURL(string(models.ProviderMicrosoft)), cfg.StateSecret).
			WithGuard(provider.NewTokenGuard(models.ProviderMicrosoft, opts, logger))
		a.Flows[models.ProviderMicrosoft] = flow
		refreshers[models.ProviderMicrosoft] = flow
	}

	tokens := provider.NewTokenManager(vault, a.Store, refreshers, opts, logger)
	gmail := provider.NewGmailAdapter(tokens, opts, logger)
	outlook := provider.NewOutlookAdapter(tokens, opts, logger)
	a.Relay = provider.NewRelayAdapter(vault, opts, logger)
	a.Registry = provider.NewRegistry(gmail, outlook, a.Relay)
	a.Profiles[models.ProviderGoogle] = gmail
	a.Profiles[models.ProviderMicrosoft] = outlook

	var locker lock.Locker = lock.NewLocalLocker()
	if cfg.RedisAddr != "" {
		rdb, err := lock.NewRedisClient(ctx, cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			return nil, err
		}
		a.redis = rdb
		locker = lock.NewRedisLocker(rdb, lockTTL)
		logger.Info("using redis for integration locks", zap.String("addr", cfg.RedisAddr))
	}

	a.publisher, err = events.New(cfg.MQURL, logger)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to connect to message broker: %w", err)
	}

	a.Hub = ws.NewHub(maxConnsPerUser, logger)
	a.Syncer = syncer.NewOrchestrator(a.Store, a.Registry, locker, logger,
		syncer.WithMaxResults(cfg.SyncMaxResults),
		syncer.WithPublisher(a.publisher),
	)
	a.Sender = sender.NewOrchestrator(a.Store, a.Registry, locker, a.publisher, logger)
	a.Scheduler = syncer.NewScheduler(a.Syncer, a.Store, a.Hub, syncer.SchedulerConfig{
		Interval:    cfg.SyncInterval,
		Concurrency: cfg.SyncConcurrency,
	}, logger)

	return a, nil
}

// Close releases the broker and Redis connections. The pool is left open.
func (a *App) Close() {
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.Logger.Warn("failed to close event publisher", zap.Error(err))
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.Logger.Warn("failed to close redis client", zap.Error(err))
		}
	}
}
