package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/vdavid/mailsync/internal/api"
	"go.uber.org/zap"
)

// Handler returns the HTTP handler for the mailsync API.
func (a *App) Handler() http.Handler {
	integrationsHandler := api.NewIntegrationsHandler(a.Pool, a.Registry, a.Logger)
	oauthHandler := api.NewOAuthHandler(a.Pool, a.Vault, a.Flows, a.Profiles, a.Registry, a.Logger)
	relayHandler := api.NewRelayHandler(a.Pool, a.Vault, a.Relay, a.Registry, a.Logger)
	mailHandler := api.NewMailHandler(a.Pool, a.Syncer, a.Sender, a.Logger)
	wsHandler := api.NewWebSocketHandler(a.Pool, a.Validator, a.Syncer, a.Hub, a.Logger)

	protected := func(h http.HandlerFunc) http.Handler {
		return a.Validator.RequireAuth(h)
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", handleRoot)
	mux.HandleFunc("GET /healthz", handleHealth(a))
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.Handle("GET /api/v1/integrations", protected(integrationsHandler.List))
	mux.Handle("DELETE /api/v1/integrations/{id}", protected(integrationsHandler.Delete))
	mux.Handle("GET /api/v1/integrations/{id}/messages", protected(integrationsHandler.Messages))
	mux.Handle("POST /api/v1/integrations/{id}/sync", protected(mailHandler.Sync))
	mux.Handle("POST /api/v1/integrations/{id}/send", protected(mailHandler.Send))
	mux.Handle("POST /api/v1/integrations/smtp", protected(relayHandler.Connect))
	mux.Handle("POST /api/v1/integrations/{provider}/authorize", protected(oauthHandler.Authorize))

	// The provider redirects the browser here without a bearer token. The
	// signed state identifies the user instead.
	mux.HandleFunc("GET /api/v1/oauth/{provider}/callback", oauthHandler.Callback)
	// Browsers can't set headers on WebSocket connections, so the handler
	// authenticates from the query string.
	mux.HandleFunc("GET /api/v1/ws", wsHandler.Handle)

	return mux
}

func handleRoot(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "mailsync API is running")
}

func handleHealth(a *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := a.Pool.Ping(ctx); err != nil {
			a.Logger.Warn("health check failed", zap.Error(err))
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		_, _ = fmt.Fprintf(w, "ok")
	}
}
