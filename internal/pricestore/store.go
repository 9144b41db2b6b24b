// Package pricestore is the append-only price history of every product and
// the statistics derived from it.
package pricestore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/pricewatch/internal/db"
)

// ErrNoHistory is returned when a rollup window holds no observations.
var ErrNoHistory = errors.New("no price history")

// Repository is the storage the price store needs. Implementations must make
// AppendObservation atomic per product.
type Repository interface {
	AppendObservation(ctx context.Context, obs *db.Observation, title string) (db.Snapshot, error)
	ListObservations(ctx context.Context, productID uuid.UUID, since time.Time) ([]*db.Observation, error)
}

// Store appends observations and computes rollups.
type Store struct {
	repo   Repository
	logger *zap.Logger
	now    func() time.Time
}

// New creates a price store.
func New(repo Repository, logger *zap.Logger) *Store {
	return &Store{
		repo:   repo,
		logger: logger,
		now:    time.Now,
	}
}

// Append records obs for productID and refreshes the product's cached
// price. It returns the cache as it stood before the append, which is what
// alert evaluation compares against. Observations older than the product's
// latest are accepted and come back with OutOfOrder set.
func (s *Store) Append(ctx context.Context, productID uuid.UUID, obs *db.Observation, title string) (db.Snapshot, error) {
	if obs.Price <= 0 {
		return db.Snapshot{}, fmt.Errorf("append observation: price must be positive, got %v", obs.Price)
	}
	if obs.ObservedAt.IsZero() {
		return db.Snapshot{}, errors.New("append observation: observed_at is required")
	}
	if obs.ID == uuid.Nil {
		obs.ID = uuid.New()
	}
	if obs.Currency == "" {
		obs.Currency = "INR"
	}
	obs.ProductID = productID
	obs.ObservedAt = obs.ObservedAt.UTC()

	snap, err := s.repo.AppendObservation(ctx, obs, title)
	if err != nil {
		return db.Snapshot{}, err
	}
	if obs.OutOfOrder {
		s.logger.Warn("observation older than latest",
			zap.String("product_id", productID.String()),
			zap.Time("observed_at", obs.ObservedAt),
		)
	}
	return snap, nil
}

// History returns a product's observations within window ending now, oldest
// first. A zero window returns everything.
func (s *Store) History(ctx context.Context, productID uuid.UUID, window time.Duration) ([]*db.Observation, error) {
	var since time.Time
	if window > 0 {
		since = s.now().Add(-window)
	}
	return s.repo.ListObservations(ctx, productID, since)
}

// Rollup computes statistics over a product's observations within window,
// reading raw history every time.
func (s *Store) Rollup(ctx context.Context, productID uuid.UUID, window time.Duration) (*Rollup, error) {
	obs, err := s.History(ctx, productID, window)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	r, err := ComputeRollup(obs)
	if err != nil {
		return nil, fmt.Errorf("product %s: %w", productID, err)
	}
	r.Window = window
	return r, nil
}

// ParseWindow accepts "30d", "12h" or any time.ParseDuration string. An
// empty string or "all" means the whole history.
func ParseWindow(s string) (time.Duration, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" || s == "all" {
		return 0, nil
	}
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil || n <= 0 {
			return 0, fmt.Errorf("invalid window %q", s)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid window %q", s)
	}
	return d, nil
}
