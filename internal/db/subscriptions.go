package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

const subscriptionColumns = `
	id, user_id, product_id, target_price, drop_threshold_percent,
	channels, reference_price, last_alerted_at, created_at`

func scanSubscription(row rowScanner) (*Subscription, error) {
	var s Subscription
	err := row.Scan(
		&s.ID,
		&s.UserID,
		&s.ProductID,
		&s.TargetPrice,
		&s.DropThresholdPercent,
		&s.Channels,
		&s.ReferencePrice,
		&s.LastAlertedAt,
		&s.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// CreateSubscription inserts a subscription unless the user already tracks
// maxProducts products (negative means no ceiling). The count and the insert
// run under a per-user advisory lock so concurrent tracks cannot both slip
// under the ceiling. It returns the user's count before the insert;
// ErrLimitReached when the ceiling is hit, ErrConflict when the user already
// tracks the product.
func (r *Repository) CreateSubscription(ctx context.Context, sub *Subscription, maxProducts int) (int, error) {
	var used int
	err := pgx.BeginFunc(ctx, r.db.Pool(), func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, sub.UserID.String(),
		); err != nil {
			return fmt.Errorf("lock user subscriptions: %w", err)
		}
		if err := tx.QueryRow(ctx,
			`SELECT COUNT(*) FROM subscriptions WHERE user_id = $1`, sub.UserID,
		).Scan(&used); err != nil {
			return fmt.Errorf("count subscriptions: %w", err)
		}
		if maxProducts >= 0 && used >= maxProducts {
			return fmt.Errorf("user %s tracks %d of %d: %w", sub.UserID, used, maxProducts, ErrLimitReached)
		}

		return tx.QueryRow(ctx, `
			INSERT INTO subscriptions (
				id, user_id, product_id, target_price, drop_threshold_percent,
				channels, reference_price
			) VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING created_at`,
			sub.ID,
			sub.UserID,
			sub.ProductID,
			sub.TargetPrice,
			sub.DropThresholdPercent,
			sub.Channels,
			sub.ReferencePrice,
		).Scan(&sub.CreatedAt)
	})
	if errors.Is(err, ErrLimitReached) {
		return used, err
	}
	if isUniqueViolation(err) {
		return used, fmt.Errorf("subscription for user %s: %w", sub.UserID, ErrConflict)
	}
	if err != nil {
		r.logger.Error("failed to create subscription",
			zap.Error(err),
			zap.String("user_id", sub.UserID.String()),
			zap.String("product_id", sub.ProductID.String()),
		)
		return used, fmt.Errorf("insert subscription: %w", err)
	}
	return used, nil
}

// GetSubscription retrieves a subscription by ID
func (r *Repository) GetSubscription(ctx context.Context, id uuid.UUID) (*Subscription, error) {
	query := `SELECT` + subscriptionColumns + ` FROM subscriptions WHERE id = $1`

	s, err := scanSubscription(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("subscription %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query subscription: %w", err)
	}
	return s, nil
}

// ListSubscriptionsByProduct returns every subscription on a product.
func (r *Repository) ListSubscriptionsByProduct(ctx context.Context, productID uuid.UUID) ([]*Subscription, error) {
	query := `SELECT` + subscriptionColumns + `
		FROM subscriptions
		WHERE product_id = $1
		ORDER BY created_at ASC, id
	`
	return r.listSubscriptions(ctx, query, productID)
}

// ListSubscriptionsByUser returns every subscription owned by a user.
func (r *Repository) ListSubscriptionsByUser(ctx context.Context, userID uuid.UUID) ([]*Subscription, error) {
	query := `SELECT` + subscriptionColumns + `
		FROM subscriptions
		WHERE user_id = $1
		ORDER BY created_at DESC, id
	`
	return r.listSubscriptions(ctx, query, userID)
}

func (r *Repository) listSubscriptions(ctx context.Context, query string, arg uuid.UUID) ([]*Subscription, error) {
	rows, err := r.db.Pool().Query(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("query subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []*Subscription
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		subs = append(subs, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return subs, nil
}

// DeleteSubscription removes the user's subscription on a product and
// retires the product when no tracker remains. Past alerts are kept.
func (r *Repository) DeleteSubscription(ctx context.Context, userID, productID uuid.UUID) (bool, error) {
	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Lock the product first so a concurrent Track cannot slip in between the
	// delete and the retire check.
	var locked uuid.UUID
	err = tx.QueryRow(ctx, `SELECT id FROM products WHERE id = $1 FOR UPDATE`, productID).Scan(&locked)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, fmt.Errorf("product %s: %w", productID, ErrNotFound)
	}
	if err != nil {
		return false, fmt.Errorf("lock product: %w", err)
	}

	result, err := tx.Exec(ctx,
		`DELETE FROM subscriptions WHERE user_id = $1 AND product_id = $2`, userID, productID)
	if err != nil {
		return false, fmt.Errorf("delete subscription: %w", err)
	}
	if result.RowsAffected() == 0 {
		return false, fmt.Errorf("subscription for user %s: %w", userID, ErrNotFound)
	}

	result, err = tx.Exec(ctx, `
		UPDATE products SET retired = TRUE, updated_at = NOW()
		WHERE id = $1 AND NOT EXISTS (SELECT 1 FROM subscriptions WHERE product_id = $1)`,
		productID)
	if err != nil {
		return false, fmt.Errorf("retire product: %w", err)
	}
	retired := result.RowsAffected() > 0

	if err = tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit transaction: %w", err)
	}

	r.logger.Info("subscription deleted",
		zap.String("user_id", userID.String()),
		zap.String("product_id", productID.String()),
		zap.Bool("product_retired", retired),
	)
	return retired, nil
}

// RestoreReference puts a subscription's drop reference back to to, but only
// while it still holds from. A later evaluation that already moved the
// reference wins.
func (r *Repository) RestoreReference(ctx context.Context, subscriptionID uuid.UUID, from, to float64) (bool, error) {
	result, err := r.db.Pool().Exec(ctx, `
		UPDATE subscriptions
		SET reference_price = $3
		WHERE id = $1 AND reference_price = $2`,
		subscriptionID, from, to)
	if err != nil {
		return false, fmt.Errorf("restore reference price: %w", err)
	}
	return result.RowsAffected() == 1, nil
}
