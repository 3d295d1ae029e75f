package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/mailsync/internal/db"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/provider"
	"github.com/vdavid/mailsync/internal/testutil"
	"go.uber.org/zap"
)

type staticCaps map[models.Provider]provider.Capabilities

func (c staticCaps) Capabilities(p models.Provider) provider.Capabilities { return c[p] }

var testCaps = staticCaps{
	models.ProviderGoogle: {Read: true, Send: true, Threading: true},
	models.ProviderSMTP:   {Send: true},
}

func seedRelay(t *testing.T, ctx context.Context, handler *IntegrationsHandler, email string) (string, *models.Integration) {
	t.Helper()
	userID, err := db.GetOrCreateUser(ctx, handler.pool, email)
	require.NoError(t, err)
	integ, err := db.CreateRelayIntegration(ctx, handler.pool, db.RelayIntegration{
		UserID:       userID,
		DisplayName:  "Relay",
		EmailAddress: email,
		Relay: models.RelayConfig{
			Host:              "smtp.example.com",
			Port:              587,
			Username:          email,
			EncryptedPassword: "v1:secret:secret",
			Security:          models.SecuritySTARTTLS,
		},
	})
	require.NoError(t, err)
	return userID, integ
}

func TestIntegrationsHandler(t *testing.T) {
	pool := testutil.NewTestDB(t)
	ctx := context.Background()
	handler := NewIntegrationsHandler(pool, testCaps, zap.NewNop())

	_, integ := seedRelay(t, ctx, handler, "jane@example.com")
	_, otherInteg := seedRelay(t, ctx, handler, "intruder@example.com")

	t.Run("requires auth", func(t *testing.T) {
		VerifyAuthCheck(t, handler.List, http.MethodGet, "/api/v1/integrations")
		VerifyAuthCheck(t, handler.Delete, http.MethodDelete, "/api/v1/integrations/x")
		VerifyAuthCheck(t, handler.Messages, http.MethodGet, "/api/v1/integrations/x/messages")
	})

	t.Run("lists without secrets", func(t *testing.T) {
		req := createRequestWithUser(t, http.MethodGet, "/api/v1/integrations", "jane@example.com", nil)
		rr := httptest.NewRecorder()
		handler.List(rr, req)

		require.Equal(t, http.StatusOK, rr.Code)
		assert.NotContains(t, rr.Body.String(), "v1:secret")

		list := decodeBody[[]models.IntegrationResponse](t, rr)
		require.Len(t, list, 1)
		assert.Equal(t, integ.ID, list[0].ID)
		assert.Equal(t, models.CapabilitiesView{Send: true}, list[0].Capabilities)
	})

	t.Run("lists nothing for a new user", func(t *testing.T) {
		req := createRequestWithUser(t, http.MethodGet, "/api/v1/integrations", "new@example.com", nil)
		rr := httptest.NewRecorder()
		handler.List(rr, req)

		require.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "[]", strings.TrimSpace(rr.Body.String()))
	})

	t.Run("messages", func(t *testing.T) {
		for i, id := range []string{"a", "b", "c"} {
			_, err := db.UpsertNormalizedMessage(ctx, pool, &models.NormalizedMessage{
				IntegrationID:     integ.ID,
				ProviderMessageID: id,
				Subject:           "Subject " + id,
				ReceivedAt:        time.Date(2024, 1, 1, i, 0, 0, 0, time.UTC),
			})
			require.NoError(t, err)
		}

		req := createRequestWithUser(t, http.MethodGet, "/api/v1/integrations/"+integ.ID+"/messages?limit=2", "jane@example.com", nil)
		req.SetPathValue("id", integ.ID)
		rr := httptest.NewRecorder()
		handler.Messages(rr, req)

		require.Equal(t, http.StatusOK, rr.Code)
		messages := decodeBody[[]models.NormalizedMessage](t, rr)
		require.Len(t, messages, 2)
		assert.Equal(t, "c", messages[0].ProviderMessageID)
	})

	t.Run("other user's integration is not found", func(t *testing.T) {
		req := createRequestWithUser(t, http.MethodDelete, "/api/v1/integrations/"+otherInteg.ID, "jane@example.com", nil)
		req.SetPathValue("id", otherInteg.ID)
		rr := httptest.NewRecorder()
		handler.Delete(rr, req)

		assert.Equal(t, http.StatusNotFound, rr.Code)
		assert.Equal(t, "not_found", decodeBody[ErrorResponse](t, rr).Code)
	})

	t.Run("disconnect disables and wipes secrets", func(t *testing.T) {
		for range 2 {
			req := createRequestWithUser(t, http.MethodDelete, "/api/v1/integrations/"+integ.ID, "jane@example.com", nil)
			req.SetPathValue("id", integ.ID)
			rr := httptest.NewRecorder()
			handler.Delete(rr, req)
			require.Equal(t, http.StatusNoContent, rr.Code)
		}

		got, err := db.GetIntegration(ctx, pool, integ.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StateDisabled, got.State)
		assert.Empty(t, got.Relay.EncryptedPassword)
	})

	t.Run("purge deletes the integration", func(t *testing.T) {
		req := createRequestWithUser(t, http.MethodDelete, "/api/v1/integrations/"+integ.ID+"?purge=true", "jane@example.com", nil)
		req.SetPathValue("id", integ.ID)
		rr := httptest.NewRecorder()
		handler.Delete(rr, req)
		require.Equal(t, http.StatusNoContent, rr.Code)

		_, err := db.GetIntegration(ctx, pool, integ.ID)
		assert.ErrorIs(t, err, db.ErrIntegrationNotFound)
	})
}

func TestParseLimitParam(t *testing.T) {
	tests := []struct {
		query string
		want  int
	}{
		{"", 50},
		{"?limit=10", 10},
		{"?limit=-1", 50},
		{"?limit=abc", 50},
		{"?limit=1000", 200},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/x"+tt.query, nil)
		assert.Equal(t, tt.want, ParseLimitParam(req, 50, 200), tt.query)
	}
}
