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

const productColumns = `
	id, platform, canonical_url, title, current_price, currency, in_stock,
	last_checked_at, check_count, success_count, fail_count,
	last_failure_reason, retired, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProduct(row rowScanner) (*Product, error) {
	var p Product
	err := row.Scan(
		&p.ID,
		&p.Platform,
		&p.CanonicalURL,
		&p.Title,
		&p.CurrentPrice,
		&p.Currency,
		&p.InStock,
		&p.LastCheckedAt,
		&p.CheckCount,
		&p.SuccessCount,
		&p.FailCount,
		&p.LastFailureReason,
		&p.Retired,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// UpsertProduct returns the product for {platform, canonicalURL}, creating it
// or clearing its retired flag as needed.
func (r *Repository) UpsertProduct(ctx context.Context, platform, canonicalURL string) (*Product, error) {
	query := `
		INSERT INTO products (id, platform, canonical_url)
		VALUES ($1, $2, $3)
		ON CONFLICT (platform, canonical_url)
		DO UPDATE SET retired = FALSE, updated_at = NOW()
		RETURNING` + productColumns

	p, err := scanProduct(r.db.Pool().QueryRow(ctx, query, uuid.New(), platform, canonicalURL))
	if err != nil {
		r.logger.Error("failed to upsert product",
			zap.Error(err),
			zap.String("platform", platform),
			zap.String("url", canonicalURL),
		)
		return nil, fmt.Errorf("upsert product: %w", err)
	}
	return p, nil
}

// GetProduct retrieves a product by ID
func (r *Repository) GetProduct(ctx context.Context, id uuid.UUID) (*Product, error) {
	query := `SELECT` + productColumns + ` FROM products WHERE id = $1`

	p, err := scanProduct(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("product %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query product: %w", err)
	}
	return p, nil
}

// ListDueProducts returns non-retired products that have at least one
// subscription and whose last check is at or before asOf minus the
// platform's poll interval. Never-checked products come first.
func (r *Repository) ListDueProducts(ctx context.Context, asOf time.Time, filter DueFilter) ([]*Product, error) {
	platforms := make([]string, 0, len(filter.Intervals))
	cutoffs := make([]time.Time, 0, len(filter.Intervals))
	for platform, interval := range filter.Intervals {
		platforms = append(platforms, platform)
		cutoffs = append(cutoffs, asOf.Add(-interval))
	}

	query := `
		SELECT` + productColumns + `
		FROM products p
		JOIN unnest($1::text[], $2::timestamptz[]) AS due(platform, cutoff)
			ON due.platform = p.platform
		WHERE NOT p.retired
			AND EXISTS (SELECT 1 FROM subscriptions s WHERE s.product_id = p.id)
			AND (p.last_checked_at IS NULL OR p.last_checked_at <= due.cutoff)
		ORDER BY p.last_checked_at ASC NULLS FIRST, p.id
		LIMIT NULLIF($3::int, 0)
	`

	rows, err := r.db.Pool().Query(ctx, query, platforms, cutoffs, filter.Limit)
	if err != nil {
		return nil, fmt.Errorf("query due products: %w", err)
	}
	defer rows.Close()

	var products []*Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return products, nil
}

// RecordCheckFailure bumps the failure counters of a product. last_checked_at
// is left alone so the product stays stale and is picked up next run.
func (r *Repository) RecordCheckFailure(ctx context.Context, id uuid.UUID, reason string) error {
	query := `
		UPDATE products
		SET check_count = check_count + 1,
			fail_count = fail_count + 1,
			last_failure_reason = $2,
			updated_at = NOW()
		WHERE id = $1
	`

	result, err := r.db.Pool().Exec(ctx, query, id, reason)
	if err != nil {
		r.logger.Error("failed to record check failure",
			zap.Error(err),
			zap.String("product_id", id.String()),
		)
		return fmt.Errorf("record check failure: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("product %s: %w", id, ErrNotFound)
	}
	return nil
}
