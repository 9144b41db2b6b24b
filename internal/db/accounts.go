package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// GetPlanLimits returns the plan assigned to a user. ErrNotFound means the
// user has no plan row and the caller should apply its default.
func (r *Repository) GetPlanLimits(ctx context.Context, userID uuid.UUID) (*PlanLimits, error) {
	query := `
		SELECT p.name, p.max_products, p.max_checks_per_day, p.max_alerts_per_day
		FROM user_plans up
		JOIN plans p ON p.name = up.plan
		WHERE up.user_id = $1
	`

	var pl PlanLimits
	err := r.db.Pool().QueryRow(ctx, query, userID).Scan(
		&pl.Plan,
		&pl.MaxProducts,
		&pl.MaxChecksPerDay,
		&pl.MaxAlertsPerDay,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("plan for user %s: %w", userID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query plan: %w", err)
	}
	return &pl, nil
}

// GetRecipient returns a user's contact details.
func (r *Repository) GetRecipient(ctx context.Context, userID uuid.UUID) (*Recipient, error) {
	query := `
		SELECT user_id, email, phone, push_endpoint, webhook_url, telegram_chat_id
		FROM user_contacts
		WHERE user_id = $1
	`

	var rc Recipient
	err := r.db.Pool().QueryRow(ctx, query, userID).Scan(
		&rc.UserID,
		&rc.Email,
		&rc.Phone,
		&rc.PushEndpoint,
		&rc.WebhookURL,
		&rc.TelegramChatID,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("contacts for user %s: %w", userID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query contacts: %w", err)
	}
	return &rc, nil
}

// UpsertRecipient stores a user's contact details.
func (r *Repository) UpsertRecipient(ctx context.Context, rc *Recipient) error {
	query := `
		INSERT INTO user_contacts (user_id, email, phone, push_endpoint, webhook_url, telegram_chat_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id) DO UPDATE SET
			email = EXCLUDED.email,
			phone = EXCLUDED.phone,
			push_endpoint = EXCLUDED.push_endpoint,
			webhook_url = EXCLUDED.webhook_url,
			telegram_chat_id = EXCLUDED.telegram_chat_id,
			updated_at = NOW()
	`
	_, err := r.db.Pool().Exec(ctx, query,
		rc.UserID, rc.Email, rc.Phone, rc.PushEndpoint, rc.WebhookURL, rc.TelegramChatID)
	if err != nil {
		return fmt.Errorf("upsert contacts: %w", err)
	}
	return nil
}
