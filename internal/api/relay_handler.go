package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vdavid/mailsync/internal/crypto"
	"github.com/vdavid/mailsync/internal/db"
	"github.com/vdavid/mailsync/internal/mailerr"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/provider"
	"github.com/vdavid/mailsync/internal/sender"
	"go.uber.org/zap"
)

// RelayHandler connects password relay integrations.
type RelayHandler struct {
	pool   *pgxpool.Pool
	cipher crypto.SecretCipher
	tester provider.ConnectionTester
	caps   CapabilitySource
	logger *zap.Logger
}

func NewRelayHandler(pool *pgxpool.Pool, cipher crypto.SecretCipher, tester provider.ConnectionTester, caps CapabilitySource, logger *zap.Logger) *RelayHandler {
	return &RelayHandler{pool: pool, cipher: cipher, tester: tester, caps: caps, logger: logger}
}

func validateRelayRequest(req *models.RelayConnectRequest) (models.RelayConfig, string) {
	req.Host = strings.TrimSpace(req.Host)
	req.EmailAddress = strings.ToLower(strings.TrimSpace(req.EmailAddress))

	if req.Host == "" {
		return models.RelayConfig{}, "host is required"
	}
	if req.Port <= 0 || req.Port > 65535 {
		return models.RelayConfig{}, "port must be between 1 and 65535"
	}
	if err := sender.ValidateRecipient(req.EmailAddress); err != nil {
		return models.RelayConfig{}, "email_address is not a valid address"
	}
	security, ok := models.ParseSecurityMode(req.Security)
	if !ok {
		return models.RelayConfig{}, "security must be one of none, starttls, tls"
	}
	if req.Username == "" {
		req.Username = req.EmailAddress
	}
	return models.RelayConfig{Host: req.Host, Port: req.Port, Username: req.Username, Security: security}, ""
}

// Connect tests the relay credentials and stores an active integration.
func (h *RelayHandler) Connect(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := GetUserIDFromContext(ctx, w, h.pool, h.logger)
	if !ok {
		return
	}

	var req models.RelayConnectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, h.logger, "invalid request body")
		return
	}

	relay, problem := validateRelayRequest(&req)
	if problem != "" {
		badRequest(w, h.logger, problem)
		return
	}

	if err := h.tester.TestConnection(ctx, relay, req.Password); err != nil {
		if mailerr.IsAuthExpired(err) {
			badRequest(w, h.logger, "relay rejected the credentials")
			return
		}
		if !mailerr.IsProviderUnavailable(err) {
			badRequest(w, h.logger, "relay connection test failed")
			return
		}
		writeError(w, h.logger, err)
		return
	}

	encrypted, err := h.cipher.Encrypt(req.Password)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	relay.EncryptedPassword = encrypted

	integ, err := db.CreateRelayIntegration(ctx, h.pool, db.RelayIntegration{
		UserID:       userID,
		DisplayName:  strings.TrimSpace(req.DisplayName),
		EmailAddress: req.EmailAddress,
		Relay:        relay,
	})
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	h.logger.Info("relay integration connected", zap.String("integration_id", integ.ID), zap.String("host", relay.Host))
	writeJSON(w, h.logger, http.StatusCreated, ToResponse(integ, h.caps))
}
