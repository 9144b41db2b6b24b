package quota

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/lalithlochan/pricewatch/internal/db"
)

// PlanRepository reads the user-to-plan assignment.
type PlanRepository interface {
	GetPlanLimits(ctx context.Context, userID uuid.UUID) (*db.PlanLimits, error)
}

// StorePlans resolves limits from the store, falling back to a default plan
// for users without an assignment.
type StorePlans struct {
	repo     PlanRepository
	defaults Limits
}

// NewStorePlans creates a plan lookup.
func NewStorePlans(repo PlanRepository, defaults Limits) *StorePlans {
	return &StorePlans{repo: repo, defaults: defaults}
}

// PlanLimits implements PlanLookup.
func (p *StorePlans) PlanLimits(ctx context.Context, userID uuid.UUID) (Limits, error) {
	pl, err := p.repo.GetPlanLimits(ctx, userID)
	if errors.Is(err, db.ErrNotFound) {
		return p.defaults, nil
	}
	if err != nil {
		return Limits{}, fmt.Errorf("get plan limits: %w", err)
	}
	return Limits{
		Plan:            pl.Plan,
		MaxProducts:     pl.MaxProducts,
		MaxChecksPerDay: pl.MaxChecksPerDay,
		MaxAlertsPerDay: pl.MaxAlertsPerDay,
	}, nil
}

// Static returns the same limits for everyone.
type Static Limits

// PlanLimits implements PlanLookup.
func (s Static) PlanLimits(context.Context, uuid.UUID) (Limits, error) {
	return Limits(s), nil
}
