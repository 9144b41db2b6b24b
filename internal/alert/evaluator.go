package alert

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/pricewatch/internal/db"
	"github.com/lalithlochan/pricewatch/internal/quota"
)

// ErrDuplicateAlert means the observation was already evaluated for the
// subscription. Callers treat it as a no-op.
var ErrDuplicateAlert = errors.New("observation already evaluated for subscription")

// Repository persists evaluation results.
type Repository interface {
	AlertExists(ctx context.Context, subscriptionID, observationID uuid.UUID) (bool, error)
	RecordEvaluation(ctx context.Context, ev db.Evaluation) ([]*db.Alert, error)
}

// QuotaChecker admits one unit of daily work for a user.
type QuotaChecker interface {
	CheckQuota(ctx context.Context, userID uuid.UUID, kind quota.Kind) error
}

// Outcome reports what an evaluation produced.
type Outcome struct {
	Alerts       []*db.Alert
	QuotaBlocked int
}

// Evaluator turns decisions into pending alerts.
type Evaluator struct {
	repo   Repository
	quota  QuotaChecker
	logger *zap.Logger
	now    func() time.Time
}

// NewEvaluator creates an evaluator.
func NewEvaluator(repo Repository, q QuotaChecker, logger *zap.Logger) *Evaluator {
	return &Evaluator{
		repo:   repo,
		quota:  q,
		logger: logger,
		now:    time.Now,
	}
}

// Evaluate decides and records alerts for one subscription and observation.
// Each alert consumes one unit of the user's daily alert quota; blocked
// alerts are counted in the outcome, not returned as errors.
func (e *Evaluator) Evaluate(ctx context.Context, sub *db.Subscription, prev db.Snapshot, obs *db.Observation) (*Outcome, error) {
	exists, err := e.repo.AlertExists(ctx, sub.ID, obs.ID)
	if err != nil {
		return nil, fmt.Errorf("check existing alert: %w", err)
	}
	if exists {
		return &Outcome{}, ErrDuplicateAlert
	}

	d := Decide(sub, prev, obs)
	now := e.now().UTC()
	out := &Outcome{}

	var pending []*db.Alert
	for _, f := range d.Fired {
		if err := e.quota.CheckQuota(ctx, sub.UserID, quota.Alerts); err != nil {
			if errors.Is(err, quota.ErrQuotaExceeded) {
				out.QuotaBlocked++
				e.logger.Info("alert blocked by plan limit",
					zap.String("subscription_id", sub.ID.String()),
					zap.String("kind", f.Kind),
				)
				continue
			}
			return nil, fmt.Errorf("check alert quota: %w", err)
		}
		channels := append([]string{}, sub.Channels...)
		pending = append(pending, &db.Alert{
			ID:             uuid.New(),
			SubscriptionID: sub.ID,
			ObservationID:  obs.ID,
			UserID:         sub.UserID,
			ProductID:      sub.ProductID,
			Kind:           f.Kind,
			OldPrice:       f.OldPrice,
			NewPrice:       obs.Price,
			Channels:       channels,
			ChannelsSent:   []string{},
			State:          db.StatePending,
			CreatedAt:      now,
		})
	}

	dropAlerted := false
	for _, a := range pending {
		if a.Kind == db.KindPriceDrop {
			dropAlerted = true
		}
	}
	ref := NextReference(d.Baseline, obs.Price, dropAlerted)

	if len(pending) == 0 && sameRef(ref, sub.ReferencePrice) {
		return out, nil
	}

	ev := db.Evaluation{
		SubscriptionID: sub.ID,
		ReferencePrice: ref,
		Alerts:         pending,
	}
	if len(pending) > 0 {
		ev.AlertedAt = &now
	}
	created, err := e.repo.RecordEvaluation(ctx, ev)
	if err != nil {
		return nil, fmt.Errorf("record evaluation: %w", err)
	}
	out.Alerts = created

	for _, a := range created {
		e.logger.Info("alert created",
			zap.String("alert_id", a.ID.String()),
			zap.String("subscription_id", sub.ID.String()),
			zap.String("kind", a.Kind),
			zap.Float64("new_price", a.NewPrice),
		)
	}
	return out, nil
}

func sameRef(a, b *float64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
