// Package quota enforces per-plan ceilings on tracked products and on
// daily check and alert volume.
package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/pricewatch/internal/db"
)

// ErrQuotaExceeded is returned when a unit of work would exceed the plan.
var ErrQuotaExceeded = errors.New("quota exceeded")

// Kind is a metered unit of daily work.
type Kind = string

const (
	Checks Kind = db.UsageChecks
	Alerts Kind = db.UsageAlerts
)

// Limits are a plan's ceilings. A negative value means unlimited and zero
// blocks everything.
type Limits struct {
	Plan            string `json:"plan"`
	MaxProducts     int    `json:"max_products"`
	MaxChecksPerDay int    `json:"max_checks_per_day"`
	MaxAlertsPerDay int    `json:"max_alerts_per_day"`
}

func (l Limits) daily(kind Kind) int {
	if kind == Alerts {
		return l.MaxAlertsPerDay
	}
	return l.MaxChecksPerDay
}

// PlanLookup resolves a user's limits.
type PlanLookup interface {
	PlanLimits(ctx context.Context, userID uuid.UUID) (Limits, error)
}

// UsageStore keeps daily counters. ConsumeUsage must check and increment
// atomically and start from zero on a new day.
type UsageStore interface {
	ConsumeUsage(ctx context.Context, userID uuid.UUID, day time.Time, field string, limit int) (used int, ok bool, err error)
	GetUsage(ctx context.Context, userID uuid.UUID, day time.Time) (*db.UsageCounter, error)
}

// ExceededError carries the detail behind ErrQuotaExceeded.
type ExceededError struct {
	UserID uuid.UUID
	Kind   string
	Used   int
	Limit  int
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("quota exceeded: user %s used %d of %d %s", e.UserID, e.Used, e.Limit, e.Kind)
}

func (e *ExceededError) Unwrap() error { return ErrQuotaExceeded }

// Guard admits or rejects units of work.
type Guard struct {
	plans  PlanLookup
	usage  UsageStore
	logger *zap.Logger
	now    func() time.Time
}

// NewGuard creates a quota guard.
func NewGuard(plans PlanLookup, usage UsageStore, logger *zap.Logger) *Guard {
	return &Guard{
		plans:  plans,
		usage:  usage,
		logger: logger,
		now:    time.Now,
	}
}

// WithClock overrides the guard's clock.
func (g *Guard) WithClock(now func() time.Time) *Guard {
	g.now = now
	return g
}

// CheckQuota consumes one unit of kind for the user's current UTC day. It
// returns an error wrapping ErrQuotaExceeded when the plan ceiling is
// reached; the counter is not incremented in that case.
func (g *Guard) CheckQuota(ctx context.Context, userID uuid.UUID, kind Kind) error {
	limits, err := g.plans.PlanLimits(ctx, userID)
	if err != nil {
		return fmt.Errorf("lookup plan: %w", err)
	}
	limit := limits.daily(kind)

	used, ok, err := g.usage.ConsumeUsage(ctx, userID, g.now().UTC(), kind, limit)
	if err != nil {
		return fmt.Errorf("consume %s: %w", kind, err)
	}
	if !ok {
		g.logger.Debug("quota exceeded",
			zap.String("user_id", userID.String()),
			zap.String("kind", kind),
			zap.Int("used", used),
			zap.Int("limit", limit),
		)
		return &ExceededError{UserID: userID, Kind: kind, Used: used, Limit: limit}
	}
	return nil
}

// ProductLimit returns how many products the user's plan may track. A
// negative value means no ceiling. The store enforces it at insert time.
func (g *Guard) ProductLimit(ctx context.Context, userID uuid.UUID) (int, error) {
	limits, err := g.plans.PlanLimits(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("lookup plan: %w", err)
	}
	return limits.MaxProducts, nil
}

// ProductsExceeded is the error for a track request over the product ceiling.
func ProductsExceeded(userID uuid.UUID, used, limit int) error {
	return &ExceededError{UserID: userID, Kind: "products", Used: used, Limit: limit}
}

// Report is a user's consumption for the current day.
type Report struct {
	Date       time.Time `json:"date"`
	Limits     Limits    `json:"limits"`
	ChecksUsed int       `json:"checks_used"`
	AlertsUsed int       `json:"alerts_used"`
}

// Usage returns today's counters together with the plan limits.
func (g *Guard) Usage(ctx context.Context, userID uuid.UUID) (*Report, error) {
	limits, err := g.plans.PlanLimits(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("lookup plan: %w", err)
	}
	today := db.DayOf(g.now())
	u, err := g.usage.GetUsage(ctx, userID, today)
	if err != nil {
		return nil, fmt.Errorf("get usage: %w", err)
	}
	return &Report{
		Date:       today,
		Limits:     limits,
		ChecksUsed: u.ChecksUsed,
		AlertsUsed: u.AlertsUsed,
	}, nil
}
