// Package dispatch owns alert delivery: it claims pending alerts, fans them
// out to their channels and records the resulting state.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/pricewatch/internal/db"
	"github.com/lalithlochan/pricewatch/internal/metrics"
	"github.com/lalithlochan/pricewatch/internal/notify"
)

var (
	// ErrNotClaimed means another worker holds the alert or it already left
	// the pending state.
	ErrNotClaimed = errors.New("alert not claimed")

	// ErrInvalidTransition rejects an interaction the alert's state does not
	// allow, such as viewing an alert that was never sent.
	ErrInvalidTransition = errors.New("invalid alert state transition")
)

type Repository interface {
	GetAlert(ctx context.Context, id uuid.UUID) (*db.Alert, error)
	ClaimAlert(ctx context.Context, id uuid.UUID, now time.Time) (*db.Alert, error)
	CompleteAlert(ctx context.Context, id uuid.UUID, channelsSent []string, attempt int, sentAt time.Time) error
	FailAlertAttempt(ctx context.Context, id uuid.UUID, attempt int, lastErr string, nextRetryAt *time.Time, terminal bool, now time.Time) error
	MarkAlertViewed(ctx context.Context, id uuid.UUID, at time.Time) error
	MarkAlertClicked(ctx context.Context, id uuid.UUID, at time.Time) error
	ListRetryableAlerts(ctx context.Context, now time.Time, limit int) ([]*db.Alert, error)
	ReclaimStaleAlerts(ctx context.Context, olderThan time.Time, maxAttempts int) ([]*db.Alert, error)
	RestoreReference(ctx context.Context, subscriptionID uuid.UUID, from, to float64) (bool, error)
	GetProduct(ctx context.Context, id uuid.UUID) (*db.Product, error)
	GetRecipient(ctx context.Context, userID uuid.UUID) (*db.Recipient, error)
}

type Config struct {
	PollInterval time.Duration
	BatchSize    int
	MaxAttempts  int
	SendTimeout  time.Duration
	// StaleAfter is how long an alert may sit in sending before the sweep
	// hands it back to pending.
	StaleAfter time.Duration
	// RetryDelays is indexed by attempt number; the last entry repeats.
	RetryDelays []time.Duration
}

// Dispatcher runs the alert state machine.
type Dispatcher struct {
	repo   Repository
	sender notify.Sender
	config Config
	logger *zap.Logger
	now    func() time.Time
}

func New(repo Repository, sender notify.Sender, cfg Config, logger *zap.Logger) *Dispatcher {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 50
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.SendTimeout == 0 {
		cfg.SendTimeout = 15 * time.Second
	}
	if cfg.StaleAfter == 0 {
		cfg.StaleAfter = 10 * time.Minute
	}
	if len(cfg.RetryDelays) == 0 {
		cfg.RetryDelays = []time.Duration{time.Minute, 5 * time.Minute, 15 * time.Minute}
	}

	return &Dispatcher{
		repo:   repo,
		sender: sender,
		config: cfg,
		logger: logger,
		now:    time.Now,
	}
}

// Result describes one dispatch attempt.
type Result struct {
	AlertID      uuid.UUID         `json:"alert_id"`
	State        string            `json:"state"`
	Attempt      int               `json:"attempt"`
	ChannelsSent []string          `json:"channels_sent"`
	Errors       map[string]string `json:"errors,omitempty"`
}

// Dispatch claims a pending alert and sends it on every enabled channel.
// One successful channel makes the alert sent. When all channels fail the
// alert returns to pending with a retry time, or becomes failed once
// MaxAttempts is reached.
func (d *Dispatcher) Dispatch(ctx context.Context, alertID uuid.UUID) (*Result, error) {
	a, err := d.repo.ClaimAlert(ctx, alertID, d.now().UTC())
	if errors.Is(err, db.ErrStaleState) {
		return nil, fmt.Errorf("%w: %s", ErrNotClaimed, alertID)
	}
	if err != nil {
		return nil, fmt.Errorf("claim alert: %w", err)
	}

	// The claim is ours now; the outcome must be written even if the caller
	// gives up, or the alert sits in sending until the stale sweep.
	writeCtx := context.WithoutCancel(ctx)

	product, err := d.repo.GetProduct(writeCtx, a.ProductID)
	if err != nil {
		return d.fail(writeCtx, a, map[string]string{"*": "load product: " + err.Error()})
	}

	rc, err := d.repo.GetRecipient(writeCtx, a.UserID)
	if errors.Is(err, db.ErrNotFound) {
		rc = &db.Recipient{UserID: a.UserID}
	} else if err != nil {
		return d.fail(writeCtx, a, map[string]string{"*": "load recipient: " + err.Error()})
	}

	sent := []string{}
	failures := map[string]string{}
	for _, ch := range a.Channels {
		if !d.sender.SupportsChannel(ch) {
			failures[ch] = "unsupported channel"
			metrics.RecordChannelSend(ch, false)
			continue
		}

		msg := notify.Render(a, product, *rc, ch)
		sendCtx, cancel := context.WithTimeout(ctx, d.config.SendTimeout)
		_, err := d.sender.Send(sendCtx, msg)
		cancel()

		metrics.RecordChannelSend(ch, err == nil)
		if err != nil {
			failures[ch] = err.Error()
			d.logger.Warn("channel send failed",
				zap.String("alert_id", a.ID.String()),
				zap.String("channel", ch),
				zap.Error(err),
			)
			continue
		}
		sent = append(sent, ch)
	}

	if len(sent) == 0 {
		if len(a.Channels) == 0 {
			failures["*"] = "no channels enabled"
		}
		return d.fail(writeCtx, a, failures)
	}

	attempt := a.Attempt + 1
	now := d.now().UTC()
	if err := d.repo.CompleteAlert(writeCtx, a.ID, sent, attempt, now); err != nil {
		return nil, fmt.Errorf("complete alert: %w", err)
	}

	metrics.RecordAlertDispatched(db.StateSent)
	metrics.RecordAlertLatency(now.Sub(a.CreatedAt))
	d.logger.Info("alert sent",
		zap.String("alert_id", a.ID.String()),
		zap.Strings("channels_sent", sent),
		zap.Int("attempt", attempt),
	)

	res := &Result{AlertID: a.ID, State: db.StateSent, Attempt: attempt, ChannelsSent: sent}
	if len(failures) > 0 {
		res.Errors = failures
	}
	return res, nil
}

func (d *Dispatcher) fail(ctx context.Context, a *db.Alert, failures map[string]string) (*Result, error) {
	attempt := a.Attempt + 1
	now := d.now().UTC()
	terminal := attempt >= d.config.MaxAttempts
	lastErr := summarize(failures)

	var next *time.Time
	if !terminal {
		t := now.Add(d.retryDelay(attempt))
		next = &t
	}

	if err := d.repo.FailAlertAttempt(ctx, a.ID, attempt, lastErr, next, terminal, now); err != nil {
		return nil, fmt.Errorf("record failed attempt: %w", err)
	}

	state := db.StatePending
	if terminal {
		state = db.StateFailed
		d.logger.Error("alert delivery failed permanently",
			zap.String("alert_id", a.ID.String()),
			zap.Int("attempts", attempt),
			zap.String("last_error", lastErr),
		)
		d.rearm(ctx, a)
	} else {
		d.logger.Warn("alert delivery failed, will retry",
			zap.String("alert_id", a.ID.String()),
			zap.Int("attempt", attempt),
			zap.Time("next_retry_at", *next),
		)
	}
	metrics.RecordAlertDispatched(state)

	return &Result{AlertID: a.ID, State: state, Attempt: attempt, ChannelsSent: []string{}, Errors: failures}, nil
}

// rearm undoes the reference move made when an undelivered drop alert was
// created, so the user is told about the drop by a later check.
func (d *Dispatcher) rearm(ctx context.Context, a *db.Alert) {
	if a.Kind != db.KindPriceDrop || a.OldPrice == nil {
		return
	}
	restored, err := d.repo.RestoreReference(ctx, a.SubscriptionID, a.NewPrice, *a.OldPrice)
	if err != nil {
		d.logger.Error("restore drop reference failed",
			zap.String("alert_id", a.ID.String()),
			zap.Error(err),
		)
		return
	}
	if restored {
		d.logger.Info("drop reference restored",
			zap.String("alert_id", a.ID.String()),
			zap.String("subscription_id", a.SubscriptionID.String()),
			zap.Float64("reference_price", *a.OldPrice),
		)
	}
}

func (d *Dispatcher) retryDelay(attempt int) time.Duration {
	idx := attempt - 1
	if idx >= len(d.config.RetryDelays) {
		idx = len(d.config.RetryDelays) - 1
	}
	if idx < 0 {
		idx = 0
	}
	return d.config.RetryDelays[idx]
}

func summarize(failures map[string]string) string {
	keys := make([]string, 0, len(failures))
	for k := range failures {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+failures[k])
	}
	return strings.Join(parts, "; ")
}

// MarkViewed records that the user opened a sent alert.
func (d *Dispatcher) MarkViewed(ctx context.Context, alertID uuid.UUID) error {
	return mapTransition(d.repo.MarkAlertViewed(ctx, alertID, d.now().UTC()))
}

// MarkClicked records a click-through. Clicking implies viewing.
func (d *Dispatcher) MarkClicked(ctx context.Context, alertID uuid.UUID) error {
	return mapTransition(d.repo.MarkAlertClicked(ctx, alertID, d.now().UTC()))
}

func mapTransition(err error) error {
	if errors.Is(err, db.ErrStaleState) {
		return fmt.Errorf("%w: %v", ErrInvalidTransition, err)
	}
	return err
}
