package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vdavid/mailsync/internal/auth"
	"github.com/vdavid/mailsync/internal/db"
	"github.com/vdavid/mailsync/internal/lock"
	"github.com/vdavid/mailsync/internal/mailerr"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/oauth"
	"github.com/vdavid/mailsync/internal/sender"
	"go.uber.org/zap"
)

// ErrorResponse is the body of every JSON error.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
	State string `json:"state,omitempty"`
}

// GetUserIDFromContext extracts the user's email from context, resolves/creates the DB user,
// and writes appropriate HTTP errors when it fails. Returns (userID, true) on success.
func GetUserIDFromContext(ctx context.Context, w http.ResponseWriter, pool *pgxpool.Pool, logger *zap.Logger) (string, bool) {
	email, ok := auth.GetUserEmailFromContext(ctx)
	if !ok {
		logger.Warn("no user email in context")
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return "", false
	}

	userID, err := db.GetOrCreateUser(ctx, pool, email)
	if err != nil {
		logger.Error("failed to get or create user", zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return "", false
	}

	return userID, true
}

// ParseLimitParam parses the limit query parameter, clamped to max.
// Returns defaultLimit if the parameter is missing or invalid.
func ParseLimitParam(r *http.Request, defaultLimit, max int) int {
	limit := defaultLimit
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if parsed, err := strconv.Atoi(limitStr); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if limit > max {
		limit = max
	}
	return limit
}

func writeJSON(w http.ResponseWriter, logger *zap.Logger, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Warn("failed to encode response", zap.Error(err))
	}
}

// errorStatus maps an error category to its HTTP status and code.
func errorStatus(err error) (int, ErrorResponse) {
	switch {
	case errors.Is(err, db.ErrIntegrationNotFound):
		return http.StatusNotFound, ErrorResponse{Error: "integration not found", Code: "not_found"}
	case mailerr.IsAuthExpired(err):
		return http.StatusConflict, ErrorResponse{Error: "authorization expired, reconnect the integration", Code: "auth_expired", State: string(models.StateNeedsReauth)}
	case errors.Is(err, mailerr.ErrIntegrationNotActive):
		return http.StatusConflict, ErrorResponse{Error: err.Error(), Code: "not_active"}
	case errors.Is(err, db.ErrInvalidTransition):
		return http.StatusConflict, ErrorResponse{Error: err.Error(), Code: "invalid_transition"}
	case mailerr.IsUnsupportedProvider(err):
		return http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "unsupported_provider"}
	case errors.Is(err, sender.ErrInvalidRecipient), errors.Is(err, sender.ErrEmptyMessage):
		return http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "invalid_message"}
	case errors.Is(err, oauth.ErrInvalidState):
		return http.StatusBadRequest, ErrorResponse{Error: "invalid or expired state", Code: "invalid_state"}
	case mailerr.IsProviderUnavailable(err):
		return http.StatusBadGateway, ErrorResponse{Error: "provider unavailable, try again later", Code: "provider_unavailable"}
	case errors.Is(err, lock.ErrLockTimeout):
		return http.StatusServiceUnavailable, ErrorResponse{Error: "integration is busy", Code: "busy"}
	default:
		return http.StatusInternalServerError, ErrorResponse{Error: "internal server error", Code: "internal"}
	}
}

func writeError(w http.ResponseWriter, logger *zap.Logger, err error) {
	status, body := errorStatus(err)
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", zap.Int("status", status), zap.Error(err))
	} else {
		logger.Info("request rejected", zap.Int("status", status), zap.Error(err))
	}
	writeJSON(w, logger, status, body)
}

func badRequest(w http.ResponseWriter, logger *zap.Logger, msg string) {
	writeJSON(w, logger, http.StatusBadRequest, ErrorResponse{Error: msg, Code: "bad_request"})
}
