package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/mailsync/internal/db"
	"github.com/vdavid/mailsync/internal/mailerr"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/provider"
	"github.com/vdavid/mailsync/internal/testutil"
	"go.uber.org/zap"
)

func newOAuthTestHandler(t *testing.T, flow *fakeFlow) *OAuthHandler {
	t.Helper()
	pool := testutil.NewTestDB(t)
	return NewOAuthHandler(
		pool,
		testutil.NewTestVault(t),
		map[models.Provider]OAuthFlow{models.ProviderGoogle: flow},
		map[models.Provider]provider.ProfileFetcher{
			models.ProviderGoogle: &fakeProfiles{profile: &provider.Profile{Email: "jane@gmail.com", DisplayName: "Jane Doe"}},
		},
		testCaps,
		zap.NewNop(),
	)
}

func authorize(t *testing.T, handler *OAuthHandler) AuthorizeResponse {
	t.Helper()
	req := createRequestWithUser(t, http.MethodPost, "/api/v1/integrations/google/authorize", "owner@example.com", nil)
	req.SetPathValue("provider", "google")
	rr := httptest.NewRecorder()
	handler.Authorize(rr, req)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	return decodeBody[AuthorizeResponse](t, rr)
}

func callback(t *testing.T, handler *OAuthHandler, query url.Values) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/oauth/google/callback?"+query.Encode(), nil)
	req.SetPathValue("provider", "google")
	rr := httptest.NewRecorder()
	handler.Callback(rr, req)
	return rr
}

func stateFromURL(t *testing.T, raw string) string {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u.Query().Get("state")
}

func TestOAuthHandler_FullFlow(t *testing.T) {
	flow := &fakeFlow{
		provider: models.ProviderGoogle,
		tokens: &models.TokenBundle{
			AccessToken:  "access-1",
			RefreshToken: "refresh-1",
			Expiry:       time.Now().Add(time.Hour),
		},
	}
	handler := newOAuthTestHandler(t, flow)
	ctx := context.Background()

	auth := authorize(t, handler)
	assert.NotEmpty(t, auth.IntegrationID)

	pending, err := db.GetIntegration(ctx, handler.pool, auth.IntegrationID)
	require.NoError(t, err)
	assert.Equal(t, models.StatePendingAuth, pending.State)

	rr := callback(t, handler, url.Values{"code": {"code-1"}, "state": {stateFromURL(t, auth.URL)}})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	resp := decodeBody[models.IntegrationResponse](t, rr)
	assert.Equal(t, models.StateActive, resp.State)
	assert.Equal(t, "jane@gmail.com", resp.EmailAddress)
	assert.True(t, resp.Capabilities.Threading)

	stored, err := db.GetIntegration(ctx, handler.pool, resp.ID)
	require.NoError(t, err)
	access, err := handler.cipher.Decrypt(stored.EncryptedAccessToken)
	require.NoError(t, err)
	assert.Equal(t, "access-1", access)
	refresh, err := handler.cipher.Decrypt(stored.EncryptedRefreshToken)
	require.NoError(t, err)
	assert.Equal(t, "refresh-1", refresh)
	require.NotNil(t, stored.TokenExpiry)

	t.Run("reconnecting the same mailbox reuses the integration", func(t *testing.T) {
		_, err := db.TransitionIntegrationState(ctx, handler.pool, resp.ID, models.StateNeedsReauth, "expired")
		require.NoError(t, err)

		again := authorize(t, handler)
		rr := callback(t, handler, url.Values{"code": {"code-2"}, "state": {stateFromURL(t, again.URL)}})
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		assert.Equal(t, resp.ID, decodeBody[models.IntegrationResponse](t, rr).ID)
	})
}

func TestOAuthHandler_Errors(t *testing.T) {
	flow := &fakeFlow{provider: models.ProviderGoogle, tokens: &models.TokenBundle{AccessToken: "a"}}
	handler := newOAuthTestHandler(t, flow)

	t.Run("authorize requires auth", func(t *testing.T) {
		VerifyAuthCheck(t, handler.Authorize, http.MethodPost, "/api/v1/integrations/google/authorize")
	})

	t.Run("unknown provider", func(t *testing.T) {
		req := createRequestWithUser(t, http.MethodPost, "/api/v1/integrations/yahoo/authorize", "owner@example.com", nil)
		req.SetPathValue("provider", "yahoo")
		rr := httptest.NewRecorder()
		handler.Authorize(rr, req)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Equal(t, "unsupported_provider", decodeBody[ErrorResponse](t, rr).Code)
	})

	t.Run("provider without configured flow", func(t *testing.T) {
		req := createRequestWithUser(t, http.MethodPost, "/api/v1/integrations/microsoft/authorize", "owner@example.com", nil)
		req.SetPathValue("provider", "microsoft")
		rr := httptest.NewRecorder()
		handler.Authorize(rr, req)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("consent denied", func(t *testing.T) {
		rr := callback(t, handler, url.Values{"error": {"access_denied"}})
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("bad state", func(t *testing.T) {
		rr := callback(t, handler, url.Values{"code": {"c"}, "state": {"garbage"}})
		assert.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Equal(t, "invalid_state", decodeBody[ErrorResponse](t, rr).Code)
	})

	t.Run("state for unknown integration", func(t *testing.T) {
		rr := callback(t, handler, url.Values{"code": {"c"}, "state": {"00000000-0000-0000-0000-000000000000|00000000-0000-0000-0000-000000000000"}})
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})

	t.Run("rejected code", func(t *testing.T) {
		flow.exchangeErr = &mailerr.AuthExpiredError{Provider: "google", Err: errors.New("invalid_grant")}
		defer func() { flow.exchangeErr = nil }()

		auth := authorize(t, handler)
		rr := callback(t, handler, url.Values{"code": {"c"}, "state": {stateFromURL(t, auth.URL)}})
		assert.Equal(t, http.StatusConflict, rr.Code)
		body := decodeBody[ErrorResponse](t, rr)
		assert.Equal(t, "auth_expired", body.Code)
		assert.Equal(t, string(models.StateNeedsReauth), body.State)
	})

	t.Run("token endpoint down", func(t *testing.T) {
		flow.exchangeErr = &mailerr.ProviderUnavailableError{Provider: "google", StatusCode: 503, Err: errors.New("down")}
		defer func() { flow.exchangeErr = nil }()

		auth := authorize(t, handler)
		rr := callback(t, handler, url.Values{"code": {"c"}, "state": {stateFromURL(t, auth.URL)}})
		assert.Equal(t, http.StatusBadGateway, rr.Code)
	})
}
