// Command test-server runs mailsync against throwaway dependencies for
// end-to-end tests: a Postgres container and an in-memory SMTP relay with a
// connected relay integration. Authentication runs in test mode, so the
// bearer token "email:test@example.com" is accepted.
package main

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vdavid/mailsync/internal/app"
	"github.com/vdavid/mailsync/internal/config"
	"github.com/vdavid/mailsync/internal/db"
	"github.com/vdavid/mailsync/internal/logger"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/testutil"
	"go.uber.org/zap"
)

const (
	testEmail   = "test@example.com"
	smtpAddress = "127.0.0.1:2525"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := setupTestEnvironment(); err != nil {
		log.Fatalf("Failed to setup test environment: %v", err)
	}

	log.Println("Starting test Postgres database...")
	postgresContainer, connStr, err := testutil.StartPostgres(ctx)
	if err != nil {
		log.Fatalf("Failed to start Postgres: %v", err)
	}
	defer func() {
		if err := postgresContainer.Terminate(context.Background()); err != nil {
			log.Printf("Failed to terminate Postgres container: %v", err)
		}
	}()

	smtpServer, err := testutil.NewTestSMTPServerAt(smtpAddress)
	if err != nil {
		log.Fatalf("Failed to start test SMTP server: %v", err)
	}
	defer smtpServer.Close()
	log.Printf("Test SMTP server started on %s", smtpAddress)

	cfg, err := config.NewConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	l := logger.Must(cfg.Environment)
	defer func() { _ = l.Sync() }()

	pool, err := setupDatabase(ctx, connStr)
	if err != nil {
		l.Fatal("failed to setup database", zap.Error(err))
	}
	defer db.CloseConnection(pool)

	application, err := app.New(ctx, cfg, pool, l)
	if err != nil {
		l.Fatal("failed to build app", zap.Error(err))
	}
	defer application.Close()

	integ, err := seedRelayIntegration(ctx, application, smtpServer)
	if err != nil {
		l.Fatal("failed to seed relay integration", zap.Error(err))
	}

	if err := startHTTPServer(ctx, cfg, application, integ, smtpServer); err != nil {
		l.Error("server error", zap.Error(err))
	}
}

// setupTestEnvironment sets the variables config.NewConfig requires.
func setupTestEnvironment() error {
	testKey := base64.StdEncoding.EncodeToString([]byte("test-key-1234567890123456789012x"))
	env := map[string]string{
		"MAILSYNC_ENV":             "test",
		"MAILSYNC_TEST_MODE":       "true",
		"MAILSYNC_ENCRYPTION_KEYS": "1:" + testKey,
		"MAILSYNC_STATE_SECRET":    "test-state-secret",
		"MAILSYNC_DB_PASSWORD":     "mailsync",
		"SYNC_INTERVAL":            "1m",
	}
	for key, value := range env {
		if os.Getenv(key) != "" {
			continue
		}
		if err := os.Setenv(key, value); err != nil {
			return fmt.Errorf("failed to set %s: %w", key, err)
		}
	}
	return nil
}

// setupDatabase creates a database connection pool and runs migrations.
func setupDatabase(ctx context.Context, connStr string) (*pgxpool.Pool, error) {
	pool, err := db.NewConnectionFromURL(ctx, connStr)
	if err != nil {
		return nil, err
	}
	if _, err := db.Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// seedRelayIntegration connects the test user to the in-memory relay, the
// same way the relay connect endpoint does.
func seedRelayIntegration(ctx context.Context, a *app.App, smtpServer *testutil.TestSMTPServer) (*models.Integration, error) {
	userID, err := db.GetOrCreateUser(ctx, a.Pool, testEmail)
	if err != nil {
		return nil, fmt.Errorf("failed to get or create user: %w", err)
	}

	relay := models.RelayConfig{
		Host:     smtpServer.Host(),
		Port:     smtpServer.Port(),
		Username: smtpServer.Username(),
		Security: models.SecurityNone,
	}
	if err := a.Relay.TestConnection(ctx, relay, smtpServer.Password()); err != nil {
		return nil, fmt.Errorf("relay connection test failed: %w", err)
	}

	relay.EncryptedPassword, err = a.Vault.Encrypt(smtpServer.Password())
	if err != nil {
		return nil, err
	}

	return db.CreateRelayIntegration(ctx, a.Pool, db.RelayIntegration{
		UserID:       userID,
		DisplayName:  "Test User",
		EmailAddress: testEmail,
		Relay:        relay,
	})
}

// startHTTPServer serves the API until ctx is cancelled.
func startHTTPServer(ctx context.Context, cfg *config.Config, a *app.App, integ *models.Integration, smtpServer *testutil.TestSMTPServer) error {
	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	a.Scheduler.Start(ctx)
	defer a.Scheduler.Stop()

	log.Printf("mailsync test server starting on %s", server.Addr)
	log.Printf("Relay integration %s for %s (SMTP %s:%d, username: %s, password: %s)",
		integ.ID, testEmail, smtpServer.Host(), smtpServer.Port(), smtpServer.Username(), smtpServer.Password())
	log.Printf("Use the bearer token \"email:%s\". Press Ctrl+C to stop.", testEmail)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Println("Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-serverErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server error: %w", err)
	}
}
