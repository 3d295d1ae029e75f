package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vdavid/mailsync/internal/models"
)

// Store binds the package functions to one pool so they can be passed as the
// storage collaborator of the orchestrators.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

func (s *Store) GetIntegration(ctx context.Context, id string) (*models.Integration, error) {
	return GetIntegration(ctx, s.pool, id)
}

func (s *Store) ListActiveIntegrations(ctx context.Context) ([]*models.Integration, error) {
	return ListActiveIntegrations(ctx, s.pool)
}

func (s *Store) UpsertNormalizedMessage(ctx context.Context, msg *models.NormalizedMessage) (bool, error) {
	return UpsertNormalizedMessage(ctx, s.pool, msg)
}

func (s *Store) UpdateIntegrationCredentials(ctx context.Context, id string, creds models.Credentials) error {
	return UpdateIntegrationCredentials(ctx, s.pool, id, creds)
}

func (s *Store) TransitionIntegrationState(ctx context.Context, id string, next models.IntegrationState, reason string) (*models.Integration, error) {
	return TransitionIntegrationState(ctx, s.pool, id, next, reason)
}

func (s *Store) MarkSynced(ctx context.Context, id string, at time.Time) error {
	return MarkSynced(ctx, s.pool, id, at)
}

func (s *Store) RecordSyncError(ctx context.Context, id, reason string) error {
	return RecordSyncError(ctx, s.pool, id, reason)
}
