package main

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/pricewatch/internal/redis"
	"github.com/lalithlochan/pricewatch/internal/scheduler"
	"github.com/lalithlochan/pricewatch/internal/sns"
	"github.com/lalithlochan/pricewatch/internal/sqs"
)

const runLockName = "scheduler-run"

type cycle interface {
	RunOnce(ctx context.Context, asOf time.Time) (*scheduler.RunReport, error)
}

type eventPublisher interface {
	Publish(ctx context.Context, eventType string, data any) (string, error)
}

type locker interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (func(context.Context) error, error)
}

// runner serializes cycles across replicas. Every trigger (ticker, queue,
// HTTP) goes through Run.
type runner struct {
	cycle  cycle
	lock   locker         // nil without Redis
	events eventPublisher // nil when no topic is configured
	ttl    time.Duration
	logger *zap.Logger
}

func (r *runner) Run(ctx context.Context, asOf time.Time) (*scheduler.RunReport, error) {
	if r.lock != nil {
		release, err := r.lock.Acquire(ctx, runLockName, r.ttl)
		if err != nil {
			return nil, err
		}
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				r.logger.Warn("failed to release run lock", zap.Error(err))
			}
		}()
	}

	report, err := r.cycle.RunOnce(ctx, asOf)
	if err != nil {
		return nil, err
	}
	r.logger.Info("run completed",
		zap.Time("as_of", report.AsOf),
		zap.Int("due", report.Due),
		zap.Int("succeeded", report.Succeeded),
		zap.Int("failed", report.Failed),
		zap.Int("quota_blocked", report.QuotaBlocked),
		zap.Int("skipped", report.Skipped),
		zap.Int("alerts_created", report.AlertsCreated),
		zap.Duration("duration", report.Duration),
	)

	if r.events != nil {
		if _, err := r.events.Publish(context.WithoutCancel(ctx), sns.EventRunCompleted, report); err != nil {
			r.logger.Warn("failed to publish run event", zap.Error(err))
		}
	}
	return report, nil
}

// Tick runs one cycle now and then every interval until ctx is done.
func (r *runner) Tick(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		r.runLogged(ctx, time.Now().UTC())

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (r *runner) runLogged(ctx context.Context, asOf time.Time) {
	_, err := r.Run(ctx, asOf)
	switch {
	case err == nil:
	case errors.Is(err, redis.ErrLockHeld):
		r.logger.Debug("run skipped, another replica holds the lock")
	case ctx.Err() != nil:
	default:
		r.logger.Error("run failed", zap.Error(err))
	}
}

// HandleRequest adapts Run to the queue consumer.
func (r *runner) HandleRequest(ctx context.Context, req *sqs.RunRequest) error {
	asOf := req.AsOf
	if asOf.IsZero() {
		asOf = time.Now().UTC()
	}
	_, err := r.Run(ctx, asOf)
	return err
}
