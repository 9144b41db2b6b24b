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

// AppendObservation inserts obs and refreshes the product cache in one
// transaction. The product row is locked for the duration so concurrent
// appends to the same product serialize; other products are unaffected.
//
// An observation older than the latest recorded one is stored with
// OutOfOrder set and leaves the price cache untouched. The returned Snapshot
// is the cache as it was before this append.
func (r *Repository) AppendObservation(ctx context.Context, obs *Observation, title string) (Snapshot, error) {
	var snap Snapshot

	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return snap, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var lastObserved *time.Time
	err = tx.QueryRow(ctx,
		`SELECT current_price, in_stock, last_observed_at FROM products WHERE id = $1 FOR UPDATE`,
		obs.ProductID,
	).Scan(&snap.Price, &snap.InStock, &lastObserved)
	if errors.Is(err, pgx.ErrNoRows) {
		return snap, fmt.Errorf("product %s: %w", obs.ProductID, ErrNotFound)
	}
	if err != nil {
		return snap, fmt.Errorf("lock product: %w", err)
	}

	obs.OutOfOrder = lastObserved != nil && obs.ObservedAt.Before(*lastObserved)

	insertQuery := `
		INSERT INTO price_observations (
			id, product_id, price, currency, in_stock,
			original_price, discount_percent, observed_at, out_of_order
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING seq, created_at
	`
	err = tx.QueryRow(ctx, insertQuery,
		obs.ID,
		obs.ProductID,
		obs.Price,
		obs.Currency,
		obs.InStock,
		obs.OriginalPrice,
		obs.DiscountPercent,
		obs.ObservedAt,
		obs.OutOfOrder,
	).Scan(&obs.Seq, &obs.CreatedAt)
	if err != nil {
		return snap, fmt.Errorf("insert observation: %w", err)
	}

	if obs.OutOfOrder {
		_, err = tx.Exec(ctx, `
			UPDATE products
			SET check_count = check_count + 1,
				success_count = success_count + 1,
				updated_at = NOW()
			WHERE id = $1`, obs.ProductID)
	} else {
		_, err = tx.Exec(ctx, `
			UPDATE products
			SET current_price = $2,
				currency = $3,
				in_stock = $4,
				last_observed_at = $5,
				last_checked_at = GREATEST(COALESCE(last_checked_at, $5), $5),
				title = CASE WHEN $6 <> '' THEN $6 ELSE title END,
				check_count = check_count + 1,
				success_count = success_count + 1,
				last_failure_reason = NULL,
				updated_at = NOW()
			WHERE id = $1`,
			obs.ProductID, obs.Price, obs.Currency, obs.InStock, obs.ObservedAt, title)
	}
	if err != nil {
		return snap, fmt.Errorf("update product cache: %w", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return snap, fmt.Errorf("commit transaction: %w", err)
	}

	if obs.OutOfOrder {
		r.logger.Warn("out-of-order observation recorded",
			zap.String("product_id", obs.ProductID.String()),
			zap.Time("observed_at", obs.ObservedAt),
			zap.Time("last_observed_at", *lastObserved),
		)
	}

	return snap, nil
}

// ListObservations returns a product's observations at or after since,
// ordered by observed_at then insertion sequence. A zero since returns the
// full history.
func (r *Repository) ListObservations(ctx context.Context, productID uuid.UUID, since time.Time) ([]*Observation, error) {
	query := `
		SELECT
			id, seq, product_id, price, currency, in_stock,
			original_price, discount_percent, observed_at, out_of_order, created_at
		FROM price_observations
		WHERE product_id = $1 AND observed_at >= $2
		ORDER BY observed_at ASC, seq ASC
	`

	rows, err := r.db.Pool().Query(ctx, query, productID, since)
	if err != nil {
		return nil, fmt.Errorf("query observations: %w", err)
	}
	defer rows.Close()

	var observations []*Observation
	for rows.Next() {
		var o Observation
		err := rows.Scan(
			&o.ID,
			&o.Seq,
			&o.ProductID,
			&o.Price,
			&o.Currency,
			&o.InStock,
			&o.OriginalPrice,
			&o.DiscountPercent,
			&o.ObservedAt,
			&o.OutOfOrder,
			&o.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan observation: %w", err)
		}
		observations = append(observations, &o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return observations, nil
}
