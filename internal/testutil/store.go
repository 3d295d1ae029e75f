package testutil

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vdavid/mailsync/internal/models"
)

// ErrNotFound is returned by MemoryStore for unknown integrations.
var ErrNotFound = errors.New("not found")

// MemoryStore is an in-memory stand-in for the Postgres store. It keeps the
// same upsert key and lifecycle rules.
type MemoryStore struct {
	mu           sync.Mutex
	integrations map[string]*models.Integration
	messages     map[string]map[string]*models.NormalizedMessage

	// UpsertErr, when set, fails every upsert.
	UpsertErr error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		integrations: make(map[string]*models.Integration),
		messages:     make(map[string]map[string]*models.NormalizedMessage),
	}
}

// AddIntegration stores a copy of integ, assigning an id when it has none.
func (s *MemoryStore) AddIntegration(integ *models.Integration) *models.Integration {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *integ
	if integ.Relay != nil {
		relay := *integ.Relay
		stored.Relay = &relay
	}
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}
	s.integrations[stored.ID] = &stored
	out := stored
	return &out
}

// Integration returns a copy of the stored integration, or nil.
func (s *MemoryStore) Integration(id string) *models.Integration {
	s.mu.Lock()
	defer s.mu.Unlock()
	integ, ok := s.integrations[id]
	if !ok {
		return nil
	}
	out := *integ
	return &out
}

// Messages returns the stored messages of an integration ordered by provider id.
func (s *MemoryStore) Messages(integrationID string) []models.NormalizedMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.NormalizedMessage
	for _, m := range s.messages[integrationID] {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProviderMessageID < out[j].ProviderMessageID })
	return out
}

func (s *MemoryStore) GetIntegration(_ context.Context, id string) (*models.Integration, error) {
	if integ := s.Integration(id); integ != nil {
		return integ, nil
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) ListActiveIntegrations(context.Context) ([]*models.Integration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Integration
	for _, integ := range s.integrations {
		if integ.State == models.StateActive {
			c := *integ
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) UpsertNormalizedMessage(_ context.Context, msg *models.NormalizedMessage) (bool, error) {
	if s.UpsertErr != nil {
		return false, s.UpsertErr
	}
	if err := msg.Validate(); err != nil {
		return false, fmt.Errorf("invalid message: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	byID, ok := s.messages[msg.IntegrationID]
	if !ok {
		byID = make(map[string]*models.NormalizedMessage)
		s.messages[msg.IntegrationID] = byID
	}

	if existing, ok := byID[msg.ProviderMessageID]; ok {
		existing.IsRead = msg.IsRead
		existing.IsImportant = msg.IsImportant
		existing.Labels = msg.Labels
		msg.ID = existing.ID
		return false, nil
	}

	stored := *msg
	stored.ID = uuid.NewString()
	byID[msg.ProviderMessageID] = &stored
	msg.ID = stored.ID
	return true, nil
}

func (s *MemoryStore) UpdateIntegrationCredentials(_ context.Context, id string, creds models.Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	integ, ok := s.integrations[id]
	if !ok || integ.State == models.StateDisabled {
		return ErrNotFound
	}
	integ.ApplyCredentials(creds)
	return nil
}

func (s *MemoryStore) TransitionIntegrationState(_ context.Context, id string, next models.IntegrationState, reason string) (*models.Integration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	integ, ok := s.integrations[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !integ.State.CanTransitionTo(next) {
		return nil, fmt.Errorf("invalid transition %s -> %s", integ.State, next)
	}
	integ.State = next
	integ.LastError = nil
	if reason != "" {
		integ.LastError = &reason
	}
	if next == models.StateDisabled {
		integ.ApplyCredentials(models.Credentials{})
		if integ.Relay != nil {
			integ.Relay.EncryptedPassword = ""
		}
	}
	out := *integ
	return &out, nil
}

func (s *MemoryStore) MarkSynced(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	integ, ok := s.integrations[id]
	if !ok {
		return ErrNotFound
	}
	integ.LastSyncedAt = &at
	integ.LastError = nil
	return nil
}

func (s *MemoryStore) RecordSyncError(_ context.Context, id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	integ, ok := s.integrations[id]
	if !ok {
		return ErrNotFound
	}
	integ.LastError = &reason
	return nil
}
