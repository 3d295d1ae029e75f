package api

import (
	"errors"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vdavid/mailsync/internal/db"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/provider"
	"go.uber.org/zap"
)

const (
	defaultMessagesLimit = db.DefaultMessageLimit
	maxMessagesLimit     = 200
)

// CapabilitySource reports what the adapter of a provider can do.
type CapabilitySource interface {
	Capabilities(p models.Provider) provider.Capabilities
}

// IntegrationsHandler lists, disconnects and reads integrations.
type IntegrationsHandler struct {
	pool   *pgxpool.Pool
	caps   CapabilitySource
	logger *zap.Logger
}

func NewIntegrationsHandler(pool *pgxpool.Pool, caps CapabilitySource, logger *zap.Logger) *IntegrationsHandler {
	return &IntegrationsHandler{pool: pool, caps: caps, logger: logger}
}

// ToResponse builds the API view of an integration. Secrets are never included.
func ToResponse(integ *models.Integration, caps CapabilitySource) models.IntegrationResponse {
	resp := models.IntegrationResponse{
		ID:           integ.ID,
		Provider:     integ.Provider,
		State:        integ.State,
		DisplayName:  integ.DisplayName,
		EmailAddress: integ.EmailAddress,
		LastSyncedAt: integ.LastSyncedAt,
		LastError:    integ.LastError,
		CreatedAt:    integ.CreatedAt,
	}
	if caps != nil {
		resp.Capabilities = caps.Capabilities(integ.Provider).View()
	}
	return resp
}

// List returns the user's integrations.
func (h *IntegrationsHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := GetUserIDFromContext(ctx, w, h.pool, h.logger)
	if !ok {
		return
	}

	integrations, err := db.ListIntegrationsForUser(ctx, h.pool, userID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	response := make([]models.IntegrationResponse, 0, len(integrations))
	for _, integ := range integrations {
		response = append(response, ToResponse(integ, h.caps))
	}
	writeJSON(w, h.logger, http.StatusOK, response)
}

// Delete disconnects an integration. With ?purge=true the integration and
// its messages are removed instead.
func (h *IntegrationsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := GetUserIDFromContext(ctx, w, h.pool, h.logger)
	if !ok {
		return
	}

	integ, err := db.GetIntegrationForUser(ctx, h.pool, userID, r.PathValue("id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	if r.URL.Query().Get("purge") == "true" {
		err = db.DeleteIntegration(ctx, h.pool, integ.ID)
	} else if integ.State != models.StateDisabled {
		_, err = db.DisableIntegration(ctx, h.pool, integ.ID)
	}
	if err != nil && !errors.Is(err, db.ErrIntegrationNotFound) {
		writeError(w, h.logger, err)
		return
	}

	h.logger.Info("integration disconnected",
		zap.String("integration_id", integ.ID),
		zap.String("provider", string(integ.Provider)),
		zap.Bool("purged", r.URL.Query().Get("purge") == "true"),
	)
	w.WriteHeader(http.StatusNoContent)
}

// Messages returns the most recently received messages of an integration.
func (h *IntegrationsHandler) Messages(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := GetUserIDFromContext(ctx, w, h.pool, h.logger)
	if !ok {
		return
	}

	integ, err := db.GetIntegrationForUser(ctx, h.pool, userID, r.PathValue("id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	limit := ParseLimitParam(r, defaultMessagesLimit, maxMessagesLimit)
	messages, err := db.ListMessagesForIntegration(ctx, h.pool, integ.ID, limit)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if messages == nil {
		messages = []*models.NormalizedMessage{}
	}
	writeJSON(w, h.logger, http.StatusOK, messages)
}
