package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

const alertColumns = `
	id, subscription_id, observation_id, user_id, product_id, kind,
	old_price, new_price, channels, channels_sent, state, attempt,
	last_error, next_retry_at, created_at, updated_at, sent_at,
	viewed_at, clicked_at`

func scanAlert(row rowScanner) (*Alert, error) {
	var a Alert
	err := row.Scan(
		&a.ID,
		&a.SubscriptionID,
		&a.ObservationID,
		&a.UserID,
		&a.ProductID,
		&a.Kind,
		&a.OldPrice,
		&a.NewPrice,
		&a.Channels,
		&a.ChannelsSent,
		&a.State,
		&a.Attempt,
		&a.LastError,
		&a.NextRetryAt,
		&a.CreatedAt,
		&a.UpdatedAt,
		&a.SentAt,
		&a.ViewedAt,
		&a.ClickedAt,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// AlertExists reports whether any alert was already created for the pair.
func (r *Repository) AlertExists(ctx context.Context, subscriptionID, observationID uuid.UUID) (bool, error) {
	var exists bool
	err := r.db.Pool().QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM alerts WHERE subscription_id = $1 AND observation_id = $2)`,
		subscriptionID, observationID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check alert exists: %w", err)
	}
	return exists, nil
}

// RecordEvaluation inserts the evaluation's alerts and moves the
// subscription's reference price in one transaction. Alerts that already
// exist for (subscription, observation, kind) are skipped; only the rows
// actually inserted are returned.
func (r *Repository) RecordEvaluation(ctx context.Context, ev Evaluation) ([]*Alert, error) {
	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	insertQuery := `
		INSERT INTO alerts (
			id, subscription_id, observation_id, user_id, product_id, kind,
			old_price, new_price, channels, state, attempt, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 0, $11, $11)
		ON CONFLICT (subscription_id, observation_id, kind) DO NOTHING
		RETURNING created_at, updated_at
	`

	var created []*Alert
	for _, a := range ev.Alerts {
		err := tx.QueryRow(ctx, insertQuery,
			a.ID,
			a.SubscriptionID,
			a.ObservationID,
			a.UserID,
			a.ProductID,
			a.Kind,
			a.OldPrice,
			a.NewPrice,
			a.Channels,
			StatePending,
			a.CreatedAt,
		).Scan(&a.CreatedAt, &a.UpdatedAt)
		if errors.Is(err, pgx.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("insert alert: %w", err)
		}
		a.State = StatePending
		created = append(created, a)
	}

	_, err = tx.Exec(ctx, `
		UPDATE subscriptions
		SET reference_price = $2,
			last_alerted_at = COALESCE($3, last_alerted_at)
		WHERE id = $1`,
		ev.SubscriptionID, ev.ReferencePrice, ev.AlertedAt)
	if err != nil {
		return nil, fmt.Errorf("update subscription reference: %w", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	for _, a := range created {
		r.logger.Info("alert created",
			zap.String("alert_id", a.ID.String()),
			zap.String("subscription_id", a.SubscriptionID.String()),
			zap.String("kind", a.Kind),
		)
	}
	return created, nil
}

// GetAlert retrieves an alert by ID
func (r *Repository) GetAlert(ctx context.Context, id uuid.UUID) (*Alert, error) {
	query := `SELECT` + alertColumns + ` FROM alerts WHERE id = $1`

	a, err := scanAlert(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("alert %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query alert: %w", err)
	}
	return a, nil
}

// ClaimAlert moves an alert from pending to sending. Only one caller can win;
// everyone else gets ErrStaleState.
func (r *Repository) ClaimAlert(ctx context.Context, id uuid.UUID, now time.Time) (*Alert, error) {
	query := `
		UPDATE alerts
		SET state = 'sending', updated_at = $2
		WHERE id = $1 AND state = 'pending'
		RETURNING` + alertColumns

	a, err := scanAlert(r.db.Pool().QueryRow(ctx, query, id, now))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("claim alert %s: %w", id, ErrStaleState)
	}
	if err != nil {
		return nil, fmt.Errorf("claim alert: %w", err)
	}
	return a, nil
}

// CompleteAlert moves a claimed alert to sent.
func (r *Repository) CompleteAlert(ctx context.Context, id uuid.UUID, channelsSent []string, attempt int, sentAt time.Time) error {
	query := `
		UPDATE alerts
		SET state = 'sent', channels_sent = $2, attempt = $3, sent_at = $4,
			updated_at = $4, last_error = NULL, next_retry_at = NULL
		WHERE id = $1 AND state = 'sending'
	`
	return r.transitionAlert(ctx, query, id, channelsSent, attempt, sentAt)
}

// FailAlertAttempt records a failed delivery attempt on a claimed alert. The
// alert returns to pending with nextRetryAt, or becomes failed when terminal.
func (r *Repository) FailAlertAttempt(ctx context.Context, id uuid.UUID, attempt int, lastErr string, nextRetryAt *time.Time, terminal bool, now time.Time) error {
	state := StatePending
	if terminal {
		state = StateFailed
	}
	query := `
		UPDATE alerts
		SET state = $2, attempt = $3, last_error = $4, next_retry_at = $5, updated_at = $6
		WHERE id = $1 AND state = 'sending'
	`
	return r.transitionAlert(ctx, query, id, state, attempt, lastErr, nextRetryAt, now)
}

// MarkAlertViewed moves a sent alert to viewed.
func (r *Repository) MarkAlertViewed(ctx context.Context, id uuid.UUID, at time.Time) error {
	query := `
		UPDATE alerts
		SET state = 'viewed', viewed_at = $2, updated_at = $2
		WHERE id = $1 AND state = 'sent'
	`
	return r.transitionAlert(ctx, query, id, at)
}

// MarkAlertClicked moves a sent or viewed alert to clicked, filling viewed_at
// if the view was never reported.
func (r *Repository) MarkAlertClicked(ctx context.Context, id uuid.UUID, at time.Time) error {
	query := `
		UPDATE alerts
		SET state = 'clicked', clicked_at = $2, viewed_at = COALESCE(viewed_at, $2), updated_at = $2
		WHERE id = $1 AND state IN ('sent', 'viewed')
	`
	return r.transitionAlert(ctx, query, id, at)
}

func (r *Repository) transitionAlert(ctx context.Context, query string, id uuid.UUID, args ...any) error {
	result, err := r.db.Pool().Exec(ctx, query, append([]any{id}, args...)...)
	if err != nil {
		r.logger.Error("failed to update alert",
			zap.Error(err),
			zap.String("alert_id", id.String()),
		)
		return fmt.Errorf("update alert: %w", err)
	}
	if result.RowsAffected() == 0 {
		if _, err := r.GetAlert(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("alert %s: %w", id, ErrStaleState)
	}
	return nil
}

// ListRetryableAlerts returns pending alerts whose retry time has come.
func (r *Repository) ListRetryableAlerts(ctx context.Context, now time.Time, limit int) ([]*Alert, error) {
	query := `SELECT` + alertColumns + `
		FROM alerts
		WHERE state = 'pending' AND (next_retry_at IS NULL OR next_retry_at <= $1)
		ORDER BY created_at ASC
		LIMIT $2
	`
	return r.listAlerts(ctx, query, now, limit)
}

// ReclaimStaleAlerts hands alerts stuck in sending since before olderThan
// back to pending. Such alerts belong to a dispatcher that died mid-send, so
// the lost send counts as an attempt and an alert reaching maxAttempts
// becomes failed. The reclaimed alerts are returned in their new state.
func (r *Repository) ReclaimStaleAlerts(ctx context.Context, olderThan time.Time, maxAttempts int) ([]*Alert, error) {
	query := `
		UPDATE alerts
		SET attempt = attempt + 1,
			state = CASE WHEN attempt + 1 >= $2 THEN 'failed' ELSE 'pending' END,
			last_error = $3,
			next_retry_at = NULL,
			updated_at = NOW()
		WHERE state = 'sending' AND updated_at < $1
		RETURNING` + alertColumns
	alerts, err := r.listAlerts(ctx, query, olderThan, maxAttempts, ReclaimedError)
	if err != nil {
		return nil, fmt.Errorf("reclaim stale alerts: %w", err)
	}
	return alerts, nil
}

// ListAlertsByUser returns a user's most recent alerts.
func (r *Repository) ListAlertsByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*Alert, error) {
	query := `SELECT` + alertColumns + `
		FROM alerts
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	return r.listAlerts(ctx, query, userID, limit)
}

func (r *Repository) listAlerts(ctx context.Context, query string, args ...any) ([]*Alert, error) {
	rows, err := r.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	defer rows.Close()

	var alerts []*Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		alerts = append(alerts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return alerts, nil
}
