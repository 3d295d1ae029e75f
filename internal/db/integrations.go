package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vdavid/mailsync/internal/models"
)

var (
	// ErrIntegrationNotFound is returned when a requested integration cannot be found.
	ErrIntegrationNotFound = errors.New("integration not found")
	// ErrInvalidTransition is returned when a lifecycle change is not allowed
	// from the integration's current state.
	ErrInvalidTransition = errors.New("invalid integration state transition")
)

const integrationColumns = `
	id, user_id, provider, state, display_name, email_address,
	encrypted_access_token, encrypted_refresh_token, token_expiry,
	relay_host, relay_port, relay_username, relay_encrypted_password, relay_security,
	last_synced_at, last_error, created_at, updated_at`

func scanIntegration(row pgx.Row) (*models.Integration, error) {
	var (
		integ         models.Integration
		relayHost     *string
		relayPort     *int32
		relayUsername *string
		relayPassword *string
		relaySecurity *string
	)

	err := row.Scan(
		&integ.ID,
		&integ.UserID,
		&integ.Provider,
		&integ.State,
		&integ.DisplayName,
		&integ.EmailAddress,
		&integ.EncryptedAccessToken,
		&integ.EncryptedRefreshToken,
		&integ.TokenExpiry,
		&relayHost,
		&relayPort,
		&relayUsername,
		&relayPassword,
		&relaySecurity,
		&integ.LastSyncedAt,
		&integ.LastError,
		&integ.CreatedAt,
		&integ.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if relayHost != nil {
		relay := &models.RelayConfig{Host: *relayHost}
		if relayPort != nil {
			relay.Port = int(*relayPort)
		}
		if relayUsername != nil {
			relay.Username = *relayUsername
		}
		if relayPassword != nil {
			relay.EncryptedPassword = *relayPassword
		}
		if relaySecurity != nil {
			relay.Security = models.SecurityMode(*relaySecurity)
		}
		integ.Relay = relay
	}

	return &integ, nil
}

func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

// CreatePendingIntegration records the start of an OAuth authorization. The row
// carries no credentials until the callback activates it.
func CreatePendingIntegration(ctx context.Context, pool *pgxpool.Pool, userID string, provider models.Provider) (*models.Integration, error) {
	row := pool.QueryRow(ctx, `
		INSERT INTO integrations (user_id, provider, state)
		VALUES ($1, $2, $3)
		RETURNING `+integrationColumns,
		userID, provider, models.StatePendingAuth,
	)
	integ, err := scanIntegration(row)
	if err != nil {
		return nil, fmt.Errorf("failed to create pending integration: %w", err)
	}
	return integ, nil
}

// OAuthActivation holds what an OAuth callback learned about the mailbox.
type OAuthActivation struct {
	IntegrationID string
	UserID        string
	DisplayName   string
	EmailAddress  string
	Credentials   models.Credentials
}

// ActivateOAuthIntegration moves a pending or needs_reauth integration to active
// and stores its encrypted tokens. If the user already has a live integration
// for the same mailbox, that row is reactivated instead and the pending row is
// removed, so a mailbox is never connected twice.
func ActivateOAuthIntegration(ctx context.Context, pool *pgxpool.Pool, a OAuthActivation) (*models.Integration, error) {
	if !validID(a.IntegrationID) {
		return nil, ErrIntegrationNotFound
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	current, err := scanIntegration(tx.QueryRow(ctx, `
		SELECT `+integrationColumns+`
		FROM integrations
		WHERE id = $1 AND user_id = $2
		FOR UPDATE
	`, a.IntegrationID, a.UserID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrIntegrationNotFound
		}
		return nil, fmt.Errorf("failed to load integration: %w", err)
	}
	if !current.State.CanTransitionTo(models.StateActive) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.State, models.StateActive)
	}

	targetID := current.ID
	var existingID string
	err = tx.QueryRow(ctx, `
		SELECT id
		FROM integrations
		WHERE user_id = $1 AND provider = $2 AND email_address = $3
			AND state NOT IN ('disabled', 'pending_auth') AND id <> $4
		FOR UPDATE
	`, a.UserID, current.Provider, a.EmailAddress, current.ID).Scan(&existingID)
	switch {
	case err == nil:
		if _, err := tx.Exec(ctx, `DELETE FROM integrations WHERE id = $1`, current.ID); err != nil {
			return nil, fmt.Errorf("failed to remove superseded integration: %w", err)
		}
		targetID = existingID
	case errors.Is(err, pgx.ErrNoRows):
	default:
		return nil, fmt.Errorf("failed to look up existing integration: %w", err)
	}

	updated, err := scanIntegration(tx.QueryRow(ctx, `
		UPDATE integrations SET
			state = $2,
			display_name = $3,
			email_address = $4,
			encrypted_access_token = $5,
			encrypted_refresh_token = $6,
			token_expiry = $7,
			last_error = NULL,
			updated_at = now()
		WHERE id = $1
		RETURNING `+integrationColumns,
		targetID,
		models.StateActive,
		a.DisplayName,
		a.EmailAddress,
		a.Credentials.EncryptedAccessToken,
		a.Credentials.EncryptedRefreshToken,
		a.Credentials.TokenExpiry,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to activate integration: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit activation: %w", err)
	}
	return updated, nil
}

// RelayIntegration holds a tested relay connection.
type RelayIntegration struct {
	UserID       string
	DisplayName  string
	EmailAddress string
	Relay        models.RelayConfig
}

// CreateRelayIntegration stores a relay integration as active. A live relay
// integration for the same address is updated in place.
func CreateRelayIntegration(ctx context.Context, pool *pgxpool.Pool, r RelayIntegration) (*models.Integration, error) {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var existingID string
	err = tx.QueryRow(ctx, `
		SELECT id
		FROM integrations
		WHERE user_id = $1 AND provider = $2 AND email_address = $3
			AND state NOT IN ('disabled', 'pending_auth')
		FOR UPDATE
	`, r.UserID, models.ProviderSMTP, r.EmailAddress).Scan(&existingID)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to look up existing integration: %w", err)
	}

	var row pgx.Row
	if existingID != "" {
		row = tx.QueryRow(ctx, `
			UPDATE integrations SET
				state = $2,
				display_name = $3,
				relay_host = $4,
				relay_port = $5,
				relay_username = $6,
				relay_encrypted_password = $7,
				relay_security = $8,
				last_error = NULL,
				updated_at = now()
			WHERE id = $1
			RETURNING `+integrationColumns,
			existingID, models.StateActive, r.DisplayName,
			r.Relay.Host, r.Relay.Port, r.Relay.Username, r.Relay.EncryptedPassword, r.Relay.Security,
		)
	} else {
		row = tx.QueryRow(ctx, `
			INSERT INTO integrations (
				user_id, provider, state, display_name, email_address,
				relay_host, relay_port, relay_username, relay_encrypted_password, relay_security
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			RETURNING `+integrationColumns,
			r.UserID, models.ProviderSMTP, models.StateActive, r.DisplayName, r.EmailAddress,
			r.Relay.Host, r.Relay.Port, r.Relay.Username, r.Relay.EncryptedPassword, r.Relay.Security,
		)
	}

	integ, err := scanIntegration(row)
	if err != nil {
		return nil, fmt.Errorf("failed to save relay integration: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit relay integration: %w", err)
	}
	return integ, nil
}

// GetIntegration returns the integration with the given id.
func GetIntegration(ctx context.Context, pool *pgxpool.Pool, id string) (*models.Integration, error) {
	if !validID(id) {
		return nil, ErrIntegrationNotFound
	}
	integ, err := scanIntegration(pool.QueryRow(ctx, `
		SELECT `+integrationColumns+`
		FROM integrations
		WHERE id = $1
	`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrIntegrationNotFound
		}
		return nil, fmt.Errorf("failed to get integration: %w", err)
	}
	return integ, nil
}

// GetIntegrationForUser is GetIntegration restricted to one owner.
func GetIntegrationForUser(ctx context.Context, pool *pgxpool.Pool, userID, id string) (*models.Integration, error) {
	integ, err := GetIntegration(ctx, pool, id)
	if err != nil {
		return nil, err
	}
	if integ.UserID != userID {
		return nil, ErrIntegrationNotFound
	}
	return integ, nil
}

func queryIntegrations(ctx context.Context, pool *pgxpool.Pool, query string, args ...any) ([]*models.Integration, error) {
	rows, err := pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*models.Integration
	for rows.Next() {
		integ, err := scanIntegration(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, integ)
	}
	return result, rows.Err()
}

// ListIntegrationsForUser returns the user's integrations, oldest first.
// Pending rows are left out.
func ListIntegrationsForUser(ctx context.Context, pool *pgxpool.Pool, userID string) ([]*models.Integration, error) {
	result, err := queryIntegrations(ctx, pool, `
		SELECT `+integrationColumns+`
		FROM integrations
		WHERE user_id = $1 AND state <> 'pending_auth'
		ORDER BY created_at, id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list integrations: %w", err)
	}
	return result, nil
}

// ListActiveIntegrations returns every active integration of every user.
func ListActiveIntegrations(ctx context.Context, pool *pgxpool.Pool) ([]*models.Integration, error) {
	result, err := queryIntegrations(ctx, pool, `
		SELECT `+integrationColumns+`
		FROM integrations
		WHERE state = $1
		ORDER BY last_synced_at NULLS FIRST, id
	`, models.StateActive)
	if err != nil {
		return nil, fmt.Errorf("failed to list active integrations: %w", err)
	}
	return result, nil
}

// ListIntegrationsWithSecrets returns every integration that holds an
// encrypted secret, for key rotation.
func ListIntegrationsWithSecrets(ctx context.Context, pool *pgxpool.Pool) ([]*models.Integration, error) {
	result, err := queryIntegrations(ctx, pool, `
		SELECT `+integrationColumns+`
		FROM integrations
		WHERE encrypted_access_token <> '' OR encrypted_refresh_token <> ''
			OR relay_encrypted_password IS NOT NULL
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list integrations with secrets: %w", err)
	}
	return result, nil
}

// UpdateIntegrationCredentials stores refreshed OAuth credentials.
func UpdateIntegrationCredentials(ctx context.Context, pool *pgxpool.Pool, id string, creds models.Credentials) error {
	if !validID(id) {
		return ErrIntegrationNotFound
	}
	tag, err := pool.Exec(ctx, `
		UPDATE integrations SET
			encrypted_access_token = $2,
			encrypted_refresh_token = $3,
			token_expiry = $4,
			updated_at = now()
		WHERE id = $1 AND state <> 'disabled'
	`, id, creds.EncryptedAccessToken, creds.EncryptedRefreshToken, creds.TokenExpiry)
	if err != nil {
		return fmt.Errorf("failed to update credentials: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrIntegrationNotFound
	}
	return nil
}

// SwapIntegrationTokens replaces the encrypted tokens only if they still hold
// the given old values. It reports false when another writer changed them first.
// The token expiry is left alone.
func SwapIntegrationTokens(ctx context.Context, pool *pgxpool.Pool, id string, old, next models.Credentials) (bool, error) {
	if !validID(id) {
		return false, ErrIntegrationNotFound
	}
	tag, err := pool.Exec(ctx, `
		UPDATE integrations SET
			encrypted_access_token = $4,
			encrypted_refresh_token = $5,
			updated_at = now()
		WHERE id = $1 AND state <> 'disabled'
			AND encrypted_access_token = $2
			AND encrypted_refresh_token = $3
	`, id, old.EncryptedAccessToken, old.EncryptedRefreshToken, next.EncryptedAccessToken, next.EncryptedRefreshToken)
	if err != nil {
		return false, fmt.Errorf("failed to swap credentials: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// SwapRelayPassword replaces the relay secret only if it still holds old.
func SwapRelayPassword(ctx context.Context, pool *pgxpool.Pool, id, old, next string) (bool, error) {
	if !validID(id) {
		return false, ErrIntegrationNotFound
	}
	tag, err := pool.Exec(ctx, `
		UPDATE integrations SET relay_encrypted_password = $3, updated_at = now()
		WHERE id = $1 AND relay_encrypted_password = $2
	`, id, old, next)
	if err != nil {
		return false, fmt.Errorf("failed to swap relay password: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// TransitionIntegrationState moves an integration to next if its lifecycle
// allows it. reason is stored as last_error, or cleared when empty.
// Moving to disabled wipes every stored secret.
func TransitionIntegrationState(ctx context.Context, pool *pgxpool.Pool, id string, next models.IntegrationState, reason string) (*models.Integration, error) {
	if !validID(id) {
		return nil, ErrIntegrationNotFound
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var current models.IntegrationState
	err = tx.QueryRow(ctx, `SELECT state FROM integrations WHERE id = $1 FOR UPDATE`, id).Scan(&current)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrIntegrationNotFound
		}
		return nil, fmt.Errorf("failed to load integration state: %w", err)
	}
	if !current.CanTransitionTo(next) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, next)
	}

	var lastError *string
	if reason != "" {
		lastError = &reason
	}

	query := `
		UPDATE integrations SET state = $2, last_error = $3, updated_at = now()
		WHERE id = $1
		RETURNING ` + integrationColumns
	if next == models.StateDisabled {
		query = `
		UPDATE integrations SET
			state = $2,
			last_error = $3,
			encrypted_access_token = '',
			encrypted_refresh_token = '',
			token_expiry = NULL,
			relay_encrypted_password = NULL,
			updated_at = now()
		WHERE id = $1
		RETURNING ` + integrationColumns
	}

	integ, err := scanIntegration(tx.QueryRow(ctx, query, id, next, lastError))
	if err != nil {
		return nil, fmt.Errorf("failed to update integration state: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit state change: %w", err)
	}
	return integ, nil
}

// DisableIntegration is the terminal disconnect.
func DisableIntegration(ctx context.Context, pool *pgxpool.Pool, id string) (*models.Integration, error) {
	return TransitionIntegrationState(ctx, pool, id, models.StateDisabled, "")
}

// DeleteIntegration removes the integration and, through the foreign key,
// all of its messages.
func DeleteIntegration(ctx context.Context, pool *pgxpool.Pool, id string) error {
	if !validID(id) {
		return ErrIntegrationNotFound
	}
	tag, err := pool.Exec(ctx, `DELETE FROM integrations WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete integration: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrIntegrationNotFound
	}
	return nil
}

// MarkSynced records a completed sync and clears the last error.
func MarkSynced(ctx context.Context, pool *pgxpool.Pool, id string, at time.Time) error {
	if !validID(id) {
		return ErrIntegrationNotFound
	}
	tag, err := pool.Exec(ctx, `
		UPDATE integrations SET last_synced_at = $2, last_error = NULL, updated_at = now()
		WHERE id = $1
	`, id, at)
	if err != nil {
		return fmt.Errorf("failed to mark integration synced: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrIntegrationNotFound
	}
	return nil
}

// RecordSyncError stores the last failure without changing the state.
func RecordSyncError(ctx context.Context, pool *pgxpool.Pool, id, reason string) error {
	if !validID(id) {
		return ErrIntegrationNotFound
	}
	_, err := pool.Exec(ctx, `
		UPDATE integrations SET last_error = $2, updated_at = now()
		WHERE id = $1
	`, id, reason)
	if err != nil {
		return fmt.Errorf("failed to record sync error: %w", err)
	}
	return nil
}
