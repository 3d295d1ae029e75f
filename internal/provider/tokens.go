package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vdavid/mailsync/internal/crypto"
	"github.com/vdavid/mailsync/internal/mailerr"
	"github.com/vdavid/mailsync/internal/metrics"
	"github.com/vdavid/mailsync/internal/models"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Refresher trades a refresh token for a new token set.
type Refresher interface {
	RefreshTokens(ctx context.Context, refreshToken string) (*models.TokenBundle, error)
}

// CredentialStore persists refreshed credentials.
type CredentialStore interface {
	UpdateIntegrationCredentials(ctx context.Context, integrationID string, creds models.Credentials) error
}

// RefreshState is a step of the token lifecycle of one provider call.
type RefreshState string

const (
	RefreshFresh        RefreshState = "fresh"
	RefreshNeedsRefresh RefreshState = "needs_refresh"
	RefreshRefreshed    RefreshState = "refreshed"
	RefreshRetried      RefreshState = "retried"
	RefreshFailed       RefreshState = "failed"
)

// DefaultExpiryLeeway refreshes tokens that expire within this window before use.
const DefaultExpiryLeeway = time.Minute

// TokenManager supplies decrypted access tokens to provider calls. It refreshes
// expired tokens before the call and refreshes once more if the provider rejects
// the token, then retries the call a single time. Concurrent refreshes of the
// same integration share one request to the token endpoint. Token endpoint calls
// are bounded and retried like any other provider call.
type TokenManager struct {
	cipher     crypto.SecretCipher
	store      CredentialStore
	refreshers map[models.Provider]Refresher
	guards     map[models.Provider]*Guard
	opts       Options
	group      singleflight.Group
	leeway     time.Duration
	now        func() time.Time
	logger     *zap.Logger

	// OnTransition, when set, observes every state change.
	OnTransition func(integrationID string, from, to RefreshState)
}

// NewTokenManager creates a token manager. refreshers is keyed by provider.
func NewTokenManager(cipher crypto.SecretCipher, store CredentialStore, refreshers map[models.Provider]Refresher, opts Options, logger *zap.Logger) *TokenManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	guards := make(map[models.Provider]*Guard, len(refreshers))
	for p := range refreshers {
		guards[p] = NewTokenGuard(p, opts, logger)
	}
	return &TokenManager{
		cipher:     cipher,
		store:      store,
		refreshers: refreshers,
		guards:     guards,
		opts:       opts.withDefaults(),
		leeway:     DefaultExpiryLeeway,
		now:        time.Now,
		logger:     logger,
	}
}

type tokenRun struct {
	m     *TokenManager
	integ *models.Integration
	state RefreshState
}

func (r *tokenRun) moveTo(next RefreshState) {
	prev := r.state
	r.state = next
	r.m.logger.Debug("token state",
		zap.String("integration_id", r.integ.ID),
		zap.String("from", string(prev)),
		zap.String("to", string(next)),
	)
	if r.m.OnTransition != nil {
		r.m.OnTransition(r.integ.ID, prev, next)
	}
}

// Do runs call with a valid access token for integ. On success after a refresh,
// integ carries the new encrypted credentials.
func (m *TokenManager) Do(ctx context.Context, integ *models.Integration, call func(ctx context.Context, accessToken string) error) error {
	run := &tokenRun{m: m, integ: integ, state: RefreshFresh}

	var (
		access string
		err    error
	)
	if m.expired(integ) {
		run.moveTo(RefreshNeedsRefresh)
		access, err = m.refresh(ctx, integ)
		if err != nil {
			run.moveTo(RefreshFailed)
			return err
		}
		run.moveTo(RefreshRefreshed)
	} else {
		access, err = m.cipher.Decrypt(integ.EncryptedAccessToken)
		if err != nil {
			return err
		}
	}

	err = call(ctx, access)
	if err == nil || !mailerr.IsAuthExpired(err) {
		return err
	}
	if run.state == RefreshRefreshed {
		// A token we just obtained was rejected; another refresh will not help.
		run.moveTo(RefreshFailed)
		return err
	}

	run.moveTo(RefreshNeedsRefresh)
	access, err = m.refresh(ctx, integ)
	if err != nil {
		run.moveTo(RefreshFailed)
		return err
	}
	run.moveTo(RefreshRefreshed)

	err = call(ctx, access)
	if err != nil {
		run.moveTo(RefreshFailed)
		return err
	}
	run.moveTo(RefreshRetried)
	return nil
}

func (m *TokenManager) expired(integ *models.Integration) bool {
	if integ.TokenExpiry == nil {
		return false
	}
	bundle := models.TokenBundle{Expiry: *integ.TokenExpiry}
	return bundle.Expired(m.now(), m.leeway)
}

type refreshOutcome struct {
	access string
	creds  models.Credentials
}

// refresh obtains and persists a new token set. The credentials are stored
// before the access token is handed back, so a retry never runs with a token
// that a later reload would not see.
func (m *TokenManager) refresh(ctx context.Context, integ *models.Integration) (string, error) {
	refresher, ok := m.refreshers[integ.Provider]
	if !ok {
		return "", &mailerr.AuthExpiredError{
			Provider: string(integ.Provider),
			Err:      errors.New("provider does not support token refresh"),
		}
	}

	// The flight outlives any single caller; the guard bounds it instead.
	flightCtx := context.WithoutCancel(ctx)
	encryptedRefresh := integ.EncryptedRefreshToken
	ch := m.group.DoChan(integ.ID, func() (interface{}, error) {
		return m.refreshOnce(flightCtx, integ.ID, integ.Provider, refresher, encryptedRefresh)
	})

	var res singleflight.Result
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res = <-ch:
	}
	if res.Err != nil {
		return "", res.Err
	}
	out := res.Val.(*refreshOutcome)
	integ.ApplyCredentials(out.creds)

	if res.Shared {
		m.logger.Debug("joined in-flight token refresh", zap.String("integration_id", integ.ID))
	}
	return out.access, nil
}

func (m *TokenManager) refreshOnce(ctx context.Context, integrationID string, provider models.Provider, refresher Refresher, encryptedRefresh string) (*refreshOutcome, error) {
	if encryptedRefresh == "" {
		err := &mailerr.AuthExpiredError{Provider: string(provider), Err: errors.New("no refresh token stored")}
		metrics.RecordTokenRefresh(string(provider), err)
		return nil, err
	}

	refreshToken, err := m.cipher.Decrypt(encryptedRefresh)
	if err != nil {
		metrics.RecordTokenRefresh(string(provider), err)
		return nil, err
	}

	var bundle *models.TokenBundle
	err = m.guards[provider].Run(ctx, "refresh_token", func(ctx context.Context) error {
		var err error
		bundle, err = refresher.RefreshTokens(ctx, refreshToken)
		return err
	})
	metrics.RecordTokenRefresh(string(provider), err)
	if err != nil {
		m.logger.Warn("token refresh failed",
			zap.String("integration_id", integrationID),
			zap.String("provider", string(provider)),
			zap.Error(err),
		)
		return nil, err
	}
	if bundle.RefreshToken == "" {
		bundle.RefreshToken = refreshToken
	}

	encAccess, err := m.cipher.Encrypt(bundle.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt access token: %w", err)
	}
	encRefresh, err := m.cipher.Encrypt(bundle.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt refresh token: %w", err)
	}

	creds := models.Credentials{
		EncryptedAccessToken:  encAccess,
		EncryptedRefreshToken: encRefresh,
	}
	if !bundle.Expiry.IsZero() {
		expiry := bundle.Expiry
		creds.TokenExpiry = &expiry
	}

	storeCtx, cancel := context.WithTimeout(ctx, m.opts.Timeout)
	defer cancel()
	if err := m.store.UpdateIntegrationCredentials(storeCtx, integrationID, creds); err != nil {
		return nil, fmt.Errorf("failed to store refreshed credentials: %w", err)
	}

	m.logger.Info("refreshed access token",
		zap.String("integration_id", integrationID),
		zap.String("provider", string(provider)),
	)
	return &refreshOutcome{access: bundle.AccessToken, creds: creds}, nil
}
