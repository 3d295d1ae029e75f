package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vdavid/mailsync/internal/crypto"
	"github.com/vdavid/mailsync/internal/db"
	"github.com/vdavid/mailsync/internal/mailerr"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/oauth"
	"github.com/vdavid/mailsync/internal/provider"
	"go.uber.org/zap"
)

// OAuthFlow is the part of oauth.Flow the handlers use.
type OAuthFlow interface {
	Provider() models.Provider
	AuthorizationURLWithState(state oauth.State) (string, error)
	ParseState(raw string) (*oauth.State, error)
	ExchangeCode(ctx context.Context, code string) (*models.TokenBundle, error)
}

// AuthorizeResponse carries the provider consent URL.
type AuthorizeResponse struct {
	URL           string `json:"url"`
	IntegrationID string `json:"integration_id"`
}

// OAuthHandler starts OAuth authorizations and completes them on callback.
type OAuthHandler struct {
	pool     *pgxpool.Pool
	cipher   crypto.SecretCipher
	flows    map[models.Provider]OAuthFlow
	profiles map[models.Provider]provider.ProfileFetcher
	caps     CapabilitySource
	logger   *zap.Logger
}

func NewOAuthHandler(
	pool *pgxpool.Pool,
	cipher crypto.SecretCipher,
	flows map[models.Provider]OAuthFlow,
	profiles map[models.Provider]provider.ProfileFetcher,
	caps CapabilitySource,
	logger *zap.Logger,
) *OAuthHandler {
	return &OAuthHandler{pool: pool, cipher: cipher, flows: flows, profiles: profiles, caps: caps, logger: logger}
}

func (h *OAuthHandler) flow(tag string) (OAuthFlow, error) {
	p, err := models.ParseProvider(tag)
	if err != nil {
		return nil, err
	}
	flow, ok := h.flows[p]
	if !ok {
		return nil, &mailerr.UnsupportedProviderError{Provider: tag}
	}
	return flow, nil
}

// Authorize records a pending integration and returns the consent URL.
func (h *OAuthHandler) Authorize(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := GetUserIDFromContext(ctx, w, h.pool, h.logger)
	if !ok {
		return
	}

	flow, err := h.flow(r.PathValue("provider"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	pending, err := db.CreatePendingIntegration(ctx, h.pool, userID, flow.Provider())
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	url, err := flow.AuthorizationURLWithState(oauth.State{UserID: userID, IntegrationID: pending.ID})
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	writeJSON(w, h.logger, http.StatusOK, AuthorizeResponse{URL: url, IntegrationID: pending.ID})
}

// Callback exchanges the authorization code, identifies the mailbox and
// activates the integration. The signed state authenticates the request.
func (h *OAuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	query := r.URL.Query()

	flow, err := h.flow(r.PathValue("provider"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	log := h.logger.With(zap.String("provider", string(flow.Provider())))

	if providerErr := query.Get("error"); providerErr != "" {
		log.Info("authorization denied", zap.String("error", providerErr), zap.String("description", query.Get("error_description")))
		badRequest(w, log, "authorization was not granted: "+providerErr)
		return
	}

	state, err := flow.ParseState(query.Get("state"))
	if err != nil {
		writeError(w, log, err)
		return
	}
	if state.IntegrationID == "" {
		writeError(w, log, fmt.Errorf("%w: no integration", oauth.ErrInvalidState))
		return
	}

	tokens, err := flow.ExchangeCode(ctx, query.Get("code"))
	if err != nil {
		writeError(w, log, err)
		return
	}

	fetcher, ok := h.profiles[flow.Provider()]
	if !ok {
		writeError(w, log, &mailerr.UnsupportedProviderError{Provider: string(flow.Provider())})
		return
	}
	profile, err := fetcher.FetchProfile(ctx, tokens.AccessToken)
	if err != nil {
		writeError(w, log, err)
		return
	}

	creds, err := h.encrypt(tokens)
	if err != nil {
		writeError(w, log, err)
		return
	}

	integ, err := db.ActivateOAuthIntegration(ctx, h.pool, db.OAuthActivation{
		IntegrationID: state.IntegrationID,
		UserID:        state.UserID,
		DisplayName:   profile.DisplayName,
		EmailAddress:  profile.Email,
		Credentials:   creds,
	})
	if err != nil {
		writeError(w, log, err)
		return
	}

	log.Info("integration connected", zap.String("integration_id", integ.ID))
	writeJSON(w, log, http.StatusOK, ToResponse(integ, h.caps))
}

func (h *OAuthHandler) encrypt(tokens *models.TokenBundle) (models.Credentials, error) {
	access, err := h.cipher.Encrypt(tokens.AccessToken)
	if err != nil {
		return models.Credentials{}, err
	}
	var refresh string
	if tokens.RefreshToken != "" {
		if refresh, err = h.cipher.Encrypt(tokens.RefreshToken); err != nil {
			return models.Credentials{}, err
		}
	}
	var expiry *time.Time
	if !tokens.Expiry.IsZero() {
		e := tokens.Expiry
		expiry = &e
	}
	return models.Credentials{EncryptedAccessToken: access, EncryptedRefreshToken: refresh, TokenExpiry: expiry}, nil
}
