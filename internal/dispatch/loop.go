package dispatch

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/pricewatch/internal/db"
	"github.com/lalithlochan/pricewatch/internal/metrics"
)

// Start polls for due retries until ctx is cancelled.
func (d *Dispatcher) Start(ctx context.Context) {
	ticker := time.NewTicker(d.config.PollInterval)
	defer ticker.Stop()

	d.logger.Info("dispatcher started", zap.Duration("poll_interval", d.config.PollInterval))
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher stopping")
			return
		case <-ticker.C:
			if _, err := d.Sweep(ctx); err != nil && ctx.Err() == nil {
				d.logger.Error("dispatch sweep failed", zap.Error(err))
			}
		}
	}
}

// Sweep hands stuck sending alerts back to pending, then dispatches one
// batch of due pending alerts. It returns how many were dispatched. A
// reclaimed send counts as an attempt, so an alert that keeps hanging its
// dispatcher still ends failed.
func (d *Dispatcher) Sweep(ctx context.Context) (int, error) {
	now := d.now().UTC()

	reclaimed, err := d.repo.ReclaimStaleAlerts(ctx, now.Add(-d.config.StaleAfter), d.config.MaxAttempts)
	if err != nil {
		return 0, err
	}
	for _, a := range reclaimed {
		if a.State != db.StateFailed {
			continue
		}
		metrics.RecordAlertDispatched(db.StateFailed)
		d.logger.Error("alert delivery failed permanently",
			zap.String("alert_id", a.ID.String()),
			zap.Int("attempts", a.Attempt),
			zap.String("last_error", db.ReclaimedError),
		)
		d.rearm(ctx, a)
	}
	if len(reclaimed) > 0 {
		d.logger.Warn("reclaimed stale alerts", zap.Int("count", len(reclaimed)))
	}

	due, err := d.repo.ListRetryableAlerts(ctx, now, d.config.BatchSize)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, a := range due {
		if ctx.Err() != nil {
			break
		}
		if _, err := d.Dispatch(ctx, a.ID); err != nil {
			if !errors.Is(err, ErrNotClaimed) {
				d.logger.Error("dispatch failed", zap.String("alert_id", a.ID.String()), zap.Error(err))
			}
			continue
		}
		n++
	}
	return n, nil
}
