package provider

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vdavid/mailsync/internal/crypto"
	"github.com/vdavid/mailsync/internal/mailerr"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/testutil"
	"go.uber.org/zap"
)

type memoryCredentialStore struct {
	mu      sync.Mutex
	updates map[string][]models.Credentials
}

func newMemoryCredentialStore() *memoryCredentialStore {
	return &memoryCredentialStore{updates: make(map[string][]models.Credentials)}
}

func (s *memoryCredentialStore) UpdateIntegrationCredentials(_ context.Context, id string, creds models.Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates[id] = append(s.updates[id], creds)
	return nil
}

func (s *memoryCredentialStore) count(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.updates[id])
}

type fakeRefresher struct {
	calls  int32
	delay  time.Duration
	bundle models.TokenBundle
	err    error
	// unavailable fails the first calls with a 503.
	unavailable int32
	// hang blocks until the call context ends.
	hang bool
}

func (f *fakeRefresher) RefreshTokens(ctx context.Context, refreshToken string) (*models.TokenBundle, error) {
	n := atomic.AddInt32(&f.calls, 1)
	if f.hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if n <= f.unavailable {
		return nil, &mailerr.ProviderUnavailableError{Provider: "google", StatusCode: 503}
	}
	if f.err != nil {
		return nil, f.err
	}
	b := f.bundle
	return &b, nil
}

func (f *fakeRefresher) Calls() int {
	return int(atomic.LoadInt32(&f.calls))
}

// fastOptions keeps retry waits short in tests.
func fastOptions() Options {
	return Options{Timeout: 2 * time.Second, MaxRetries: 2, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}
}

func newTestTokenManager(t *testing.T, provider models.Provider, refresher Refresher) (*TokenManager, *memoryCredentialStore, crypto.SecretCipher) {
	t.Helper()
	vault := testutil.NewTestVault(t)
	store := newMemoryCredentialStore()
	refreshers := map[models.Provider]Refresher{}
	if refresher != nil {
		refreshers[provider] = refresher
	}
	return NewTokenManager(vault, store, refreshers, fastOptions(), zap.NewNop()), store, vault
}

func newOAuthIntegration(t *testing.T, cipher crypto.SecretCipher, provider models.Provider, access, refresh string, expiry *time.Time) *models.Integration {
	t.Helper()
	return &models.Integration{
		ID:                    "integ-1",
		UserID:                "user-1",
		Provider:              provider,
		State:                 models.StateActive,
		DisplayName:           "Jane Doe",
		EmailAddress:          "jane@example.com",
		EncryptedAccessToken:  testutil.MustEncrypt(t, cipher, access),
		EncryptedRefreshToken: testutil.MustEncrypt(t, cipher, refresh),
		TokenExpiry:           expiry,
	}
}

func timePtr(t time.Time) *time.Time { return &t }
