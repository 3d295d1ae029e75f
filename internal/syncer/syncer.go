// Package syncer pulls inbox messages from a provider into storage, one
// integration at a time.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vdavid/mailsync/internal/events"
	"github.com/vdavid/mailsync/internal/lock"
	"github.com/vdavid/mailsync/internal/logger"
	"github.com/vdavid/mailsync/internal/mailerr"
	"github.com/vdavid/mailsync/internal/metrics"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/provider"
	"go.uber.org/zap"
)

// DefaultMaxResults is the fetch batch size when none is configured.
const DefaultMaxResults = 50

// Store is the storage the orchestrator reads integrations from and writes messages to.
type Store interface {
	GetIntegration(ctx context.Context, id string) (*models.Integration, error)
	UpsertNormalizedMessage(ctx context.Context, msg *models.NormalizedMessage) (inserted bool, err error)
	MarkSynced(ctx context.Context, id string, at time.Time) error
	RecordSyncError(ctx context.Context, id, reason string) error
	TransitionIntegrationState(ctx context.Context, id string, next models.IntegrationState, reason string) (*models.Integration, error)
}

// Adapters resolves the adapter for a provider tag.
type Adapters interface {
	Get(p models.Provider) (provider.Adapter, error)
}

// Result counts what one sync did. Upserted includes Inserted.
type Result struct {
	Fetched  int
	Upserted int
	Inserted int
	Skipped  int
}

// Orchestrator runs syncs. Runs for the same integration are serialized
// through the locker; different integrations may sync concurrently.
type Orchestrator struct {
	store      Store
	adapters   Adapters
	locker     lock.Locker
	publisher  events.Publisher
	maxResults int
	now        func() time.Time
	logger     *zap.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithMaxResults sets how many recent messages each sync fetches.
func WithMaxResults(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxResults = n
		}
	}
}

// WithPublisher sets where lifecycle events go.
func WithPublisher(p events.Publisher) Option {
	return func(o *Orchestrator) {
		if p != nil {
			o.publisher = p
		}
	}
}

func NewOrchestrator(store Store, adapters Adapters, locker lock.Locker, log *zap.Logger, opts ...Option) *Orchestrator {
	if log == nil {
		log = zap.NewNop()
	}
	if locker == nil {
		locker = lock.NewLocalLocker()
	}
	o := &Orchestrator{
		store:      store,
		adapters:   adapters,
		locker:     locker,
		publisher:  events.NopPublisher{},
		maxResults: DefaultMaxResults,
		now:        time.Now,
		logger:     log,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// LockKey is the lock name shared by every operation on one integration.
func LockKey(integrationID string) string {
	return "integration:" + integrationID
}

// SyncIntegration fetches the latest inbox messages of one integration and
// upserts them. Messages that cannot be normalized are skipped and counted.
// When the provider rejects the credentials the integration moves to
// needs_reauth and the AuthExpired error is returned.
func (o *Orchestrator) SyncIntegration(ctx context.Context, integrationID string) (*Result, error) {
	unlock, err := o.locker.Lock(ctx, LockKey(integrationID))
	if err != nil {
		return nil, fmt.Errorf("failed to lock integration: %w", err)
	}
	defer unlock()

	integ, err := o.store.GetIntegration(ctx, integrationID)
	if err != nil {
		return nil, fmt.Errorf("failed to load integration: %w", err)
	}
	if integ.State != models.StateActive {
		return nil, fmt.Errorf("%w: state is %s", mailerr.ErrIntegrationNotActive, integ.State)
	}

	log := logger.ForIntegration(o.logger, integ.ID, string(integ.Provider))

	adapter, err := o.adapters.Get(integ.Provider)
	if err != nil {
		return nil, err
	}

	result, err := o.run(ctx, integ, adapter, log)
	metrics.RecordSync(string(integ.Provider), result.Inserted, result.Upserted-result.Inserted, result.Skipped, err)
	if err != nil {
		o.handleFailure(ctx, integ, err, log)
		return nil, err
	}

	syncedAt := o.now()
	if err := o.store.MarkSynced(ctx, integ.ID, syncedAt); err != nil {
		return nil, fmt.Errorf("failed to record sync time: %w", err)
	}

	o.publish(ctx, events.RoutingIntegrationSynced, events.IntegrationSynced{
		IntegrationID: integ.ID,
		UserID:        integ.UserID,
		Provider:      string(integ.Provider),
		Inserted:      result.Inserted,
		Upserted:      result.Upserted,
		Skipped:       result.Skipped,
		SyncedAt:      syncedAt,
	}, log)

	log.Info("sync finished",
		zap.Int("fetched", result.Fetched),
		zap.Int("upserted", result.Upserted),
		zap.Int("inserted", result.Inserted),
		zap.Int("skipped", result.Skipped),
	)
	return result, nil
}

func (o *Orchestrator) run(ctx context.Context, integ *models.Integration, adapter provider.Adapter, log *zap.Logger) (*Result, error) {
	result := &Result{}

	fetched, err := adapter.FetchMessages(ctx, integ, o.maxResults)
	if err != nil {
		return result, err
	}

	for _, s := range fetched.Skipped {
		log.Warn("skipping message", zap.String("provider_message_id", s.ProviderMessageID), zap.String("reason", s.Reason))
	}
	result.Skipped = len(fetched.Skipped)
	result.Fetched = len(fetched.Messages) + len(fetched.Skipped)

	for i := range fetched.Messages {
		msg := fetched.Messages[i]
		msg.IntegrationID = integ.ID

		if err := msg.Validate(); err != nil {
			log.Warn("skipping invalid message", zap.String("provider_message_id", msg.ProviderMessageID), zap.Error(err))
			result.Skipped++
			continue
		}

		inserted, err := o.store.UpsertNormalizedMessage(ctx, &msg)
		if err != nil {
			return result, fmt.Errorf("failed to store message %s: %w", msg.ProviderMessageID, err)
		}
		result.Upserted++
		if inserted {
			result.Inserted++
		}
	}

	return result, nil
}

func (o *Orchestrator) handleFailure(ctx context.Context, integ *models.Integration, cause error, log *zap.Logger) {
	if errors.Is(cause, context.Canceled) {
		return
	}

	if mailerr.IsAuthExpired(cause) {
		MarkNeedsReauth(ctx, o.store, o.publisher, integ, cause, log)
		return
	}

	log.Warn("sync failed", zap.Error(cause))
	if err := o.store.RecordSyncError(ctx, integ.ID, cause.Error()); err != nil {
		log.Error("failed to record sync error", zap.Error(err))
	}
}

func (o *Orchestrator) publish(ctx context.Context, key string, payload any, log *zap.Logger) {
	if err := o.publisher.Publish(ctx, key, payload); err != nil {
		log.Warn("failed to publish event", zap.String("routing_key", key), zap.Error(err))
	}
}

// StateTransitioner moves an integration through its lifecycle.
type StateTransitioner interface {
	TransitionIntegrationState(ctx context.Context, id string, next models.IntegrationState, reason string) (*models.Integration, error)
}

// MarkNeedsReauth moves integ to needs_reauth and announces it. Failures are
// logged; the caller still returns the original AuthExpired error.
func MarkNeedsReauth(ctx context.Context, store StateTransitioner, publisher events.Publisher, integ *models.Integration, cause error, log *zap.Logger) {
	log.Warn("integration needs re-authorization", zap.Error(cause))

	if _, err := store.TransitionIntegrationState(ctx, integ.ID, models.StateNeedsReauth, cause.Error()); err != nil {
		log.Error("failed to mark integration as needs_reauth", zap.Error(err))
		return
	}

	if publisher == nil {
		return
	}
	err := publisher.Publish(ctx, events.RoutingIntegrationNeedsReauth, events.IntegrationNeedsReauth{
		IntegrationID: integ.ID,
		UserID:        integ.UserID,
		Provider:      string(integ.Provider),
		Reason:        cause.Error(),
		At:            time.Now(),
	})
	if err != nil {
		log.Warn("failed to publish event", zap.String("routing_key", events.RoutingIntegrationNeedsReauth), zap.Error(err))
	}
}
