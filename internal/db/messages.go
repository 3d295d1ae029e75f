package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vdavid/mailsync/internal/models"
)

// DefaultMessageLimit bounds ListMessagesForIntegration when no limit is given.
const DefaultMessageLimit = 50

// UpsertNormalizedMessage stores a message keyed by (integration id, provider
// message id). A known message only gets its read, important and label flags
// refreshed. inserted reports whether a new row was created.
func UpsertNormalizedMessage(ctx context.Context, pool *pgxpool.Pool, msg *models.NormalizedMessage) (inserted bool, err error) {
	if err := msg.Validate(); err != nil {
		return false, fmt.Errorf("invalid message: %w", err)
	}

	to := msg.To
	if to == nil {
		to = []models.Address{}
	}
	labels := msg.Labels
	if labels == nil {
		labels = []string{}
	}

	var id string
	err = pool.QueryRow(ctx, `
		INSERT INTO normalized_messages (
			integration_id,
			provider_message_id,
			thread_id,
			from_name,
			from_email,
			to_addresses,
			subject,
			body_text,
			body_html,
			snippet,
			is_read,
			is_important,
			has_attachments,
			labels,
			received_at,
			sent_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (integration_id, provider_message_id) DO UPDATE SET
			is_read = EXCLUDED.is_read,
			is_important = EXCLUDED.is_important,
			labels = EXCLUDED.labels,
			updated_at = now()
		RETURNING id, (xmax = 0)
	`,
		msg.IntegrationID,
		msg.ProviderMessageID,
		msg.ThreadID,
		msg.From.Name,
		msg.From.Email,
		to,
		msg.Subject,
		msg.BodyText,
		msg.BodyHTML,
		msg.Snippet,
		msg.IsRead,
		msg.IsImportant,
		msg.HasAttachments,
		labels,
		msg.ReceivedAt,
		msg.SentAt,
	).Scan(&id, &inserted)

	if err != nil {
		return false, fmt.Errorf("failed to upsert message: %w", err)
	}

	msg.ID = id
	return inserted, nil
}

// ListMessagesForIntegration returns the most recently received messages.
func ListMessagesForIntegration(ctx context.Context, pool *pgxpool.Pool, integrationID string, limit int) ([]*models.NormalizedMessage, error) {
	if !validID(integrationID) {
		return nil, ErrIntegrationNotFound
	}
	if limit <= 0 {
		limit = DefaultMessageLimit
	}

	rows, err := pool.Query(ctx, `
		SELECT
			id,
			integration_id,
			provider_message_id,
			thread_id,
			from_name,
			from_email,
			to_addresses,
			subject,
			body_text,
			body_html,
			snippet,
			is_read,
			is_important,
			has_attachments,
			labels,
			received_at,
			sent_at
		FROM normalized_messages
		WHERE integration_id = $1
		ORDER BY received_at DESC, id
		LIMIT $2
	`, integrationID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}

	messages, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*models.NormalizedMessage, error) {
		var m models.NormalizedMessage
		err := row.Scan(
			&m.ID,
			&m.IntegrationID,
			&m.ProviderMessageID,
			&m.ThreadID,
			&m.From.Name,
			&m.From.Email,
			&m.To,
			&m.Subject,
			&m.BodyText,
			&m.BodyHTML,
			&m.Snippet,
			&m.IsRead,
			&m.IsImportant,
			&m.HasAttachments,
			&m.Labels,
			&m.ReceivedAt,
			&m.SentAt,
		)
		return &m, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan messages: %w", err)
	}

	return messages, nil
}

// CountMessagesForIntegration returns how many messages are stored.
func CountMessagesForIntegration(ctx context.Context, pool *pgxpool.Pool, integrationID string) (int, error) {
	if !validID(integrationID) {
		return 0, ErrIntegrationNotFound
	}
	var count int
	err := pool.QueryRow(ctx, `
		SELECT count(*) FROM normalized_messages WHERE integration_id = $1
	`, integrationID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return count, nil
}
