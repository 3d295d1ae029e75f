package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vdavid/mailsync/internal/auth"
	"github.com/vdavid/mailsync/internal/db"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/syncer"
	ws "github.com/vdavid/mailsync/internal/websocket"
	"go.uber.org/zap"
)

const catchUpTimeout = 2 * time.Minute

// WebSocketHandler handles the /api/v1/ws endpoint for sync notifications.
type WebSocketHandler struct {
	pool      *pgxpool.Pool
	validator *auth.Validator
	syncer    Syncer
	hub       *ws.Hub
	logger    *zap.Logger
}

// NewWebSocketHandler creates a new WebSocketHandler. syncer may be nil, in
// which case no catch-up sync runs on connect.
func NewWebSocketHandler(pool *pgxpool.Pool, validator *auth.Validator, syncer Syncer, hub *ws.Hub, logger *zap.Logger) *WebSocketHandler {
	return &WebSocketHandler{pool: pool, validator: validator, syncer: syncer, hub: hub, logger: logger}
}

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// The server runs behind a reverse proxy that enforces origins.
		return true
	},
}

// Handle upgrades the HTTP connection to a WebSocket and registers it with the Hub.
// Browsers cannot set headers on WebSocket connections, so the token may also
// come from the token query parameter.
func (h *WebSocketHandler) Handle(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	token := r.URL.Query().Get("token")
	if token == "" {
		token, _ = auth.BearerToken(r.Header.Get("Authorization"))
	}
	if token == "" {
		h.logger.Debug("websocket: no token provided")
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	userEmail, err := h.validator.ValidateToken(token)
	if err != nil {
		h.logger.Info("websocket: token validation failed", zap.Error(err))
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	userID, err := db.GetOrCreateUser(ctx, h.pool, userEmail)
	if err != nil {
		h.logger.Error("websocket: failed to get or create user", zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Info("websocket: failed to upgrade connection", zap.String("user_id", userID), zap.Error(err))
		return
	}

	isFirstConnection := h.hub.ActiveConnections(userID) == 0

	client := h.hub.Register(userID, conn)
	if client == nil {
		return
	}

	h.logger.Debug("websocket connection established", zap.String("user_id", userID))

	// Messages that arrived while the user had no open connection are picked
	// up right away instead of on the next scheduled cycle.
	if isFirstConnection && h.syncer != nil {
		go h.catchUp(userID)
	}

	go h.readLoop(userID, client)
}

func (h *WebSocketHandler) catchUp(userID string) {
	ctx, cancel := context.WithTimeout(context.Background(), catchUpTimeout)
	defer cancel()

	integrations, err := db.ListIntegrationsForUser(ctx, h.pool, userID)
	if err != nil {
		h.logger.Warn("websocket: failed to list integrations for catch-up", zap.String("user_id", userID), zap.Error(err))
		return
	}

	for _, integ := range integrations {
		if integ.State != models.StateActive {
			continue
		}
		result, err := h.syncer.SyncIntegration(ctx, integ.ID)
		if err != nil {
			h.logger.Info("websocket: catch-up sync failed", zap.String("integration_id", integ.ID), zap.Error(err))
			continue
		}
		if result.Inserted == 0 {
			continue
		}
		payload, err := json.Marshal(syncer.SyncNotification{Type: "sync", IntegrationID: integ.ID, Inserted: result.Inserted})
		if err != nil {
			continue
		}
		h.hub.Send(userID, payload)
	}
}

// readLoop reads messages from the WebSocket until the connection is closed,
// then unregisters the client.
func (h *WebSocketHandler) readLoop(userID string, client *ws.Client) {
	conn := client.Conn()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	h.hub.Unregister(userID, client)
}
