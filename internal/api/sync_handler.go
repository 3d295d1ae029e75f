package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vdavid/mailsync/internal/db"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/syncer"
	"go.uber.org/zap"
)

// Syncer runs a sync for one integration.
type Syncer interface {
	SyncIntegration(ctx context.Context, integrationID string) (*syncer.Result, error)
}

// Sender sends a message through one integration.
type Sender interface {
	Send(ctx context.Context, integrationID string, msg models.OutgoingMessage) (*models.SendResult, error)
}

// MailHandler triggers syncs and sends for the user's integrations.
type MailHandler struct {
	pool   *pgxpool.Pool
	syncer Syncer
	sender Sender
	logger *zap.Logger
}

func NewMailHandler(pool *pgxpool.Pool, syncer Syncer, sender Sender, logger *zap.Logger) *MailHandler {
	return &MailHandler{pool: pool, syncer: syncer, sender: sender, logger: logger}
}

func (h *MailHandler) ownedIntegration(w http.ResponseWriter, r *http.Request) (*models.Integration, bool) {
	ctx := r.Context()
	userID, ok := GetUserIDFromContext(ctx, w, h.pool, h.logger)
	if !ok {
		return nil, false
	}
	integ, err := db.GetIntegrationForUser(ctx, h.pool, userID, r.PathValue("id"))
	if err != nil {
		writeError(w, h.logger, err)
		return nil, false
	}
	return integ, true
}

// Sync runs a sync now and returns its counts.
func (h *MailHandler) Sync(w http.ResponseWriter, r *http.Request) {
	integ, ok := h.ownedIntegration(w, r)
	if !ok {
		return
	}

	result, err := h.syncer.SyncIntegration(r.Context(), integ.ID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	writeJSON(w, h.logger, http.StatusOK, models.SyncResponse{
		IntegrationID: integ.ID,
		Fetched:       result.Fetched,
		Upserted:      result.Upserted,
		Inserted:      result.Inserted,
		Skipped:       result.Skipped,
	})
}

// Send sends or replies. A provider that only acknowledged the request
// answers 202 instead of 200.
func (h *MailHandler) Send(w http.ResponseWriter, r *http.Request) {
	integ, ok := h.ownedIntegration(w, r)
	if !ok {
		return
	}

	var msg models.OutgoingMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		badRequest(w, h.logger, "invalid request body")
		return
	}

	result, err := h.sender.Send(r.Context(), integ.ID, msg)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	status := http.StatusOK
	if result.Status == models.SendStatusAccepted {
		status = http.StatusAccepted
	}
	writeJSON(w, h.logger, status, result)
}
