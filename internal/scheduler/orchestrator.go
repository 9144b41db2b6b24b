// Package scheduler runs the check cycle: pick the due products and push each
// through fetch, extract, store, evaluate and dispatch.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lalithlochan/pricewatch/internal/alert"
	"github.com/lalithlochan/pricewatch/internal/db"
	"github.com/lalithlochan/pricewatch/internal/dispatch"
	"github.com/lalithlochan/pricewatch/internal/extract"
	"github.com/lalithlochan/pricewatch/internal/fetch"
	"github.com/lalithlochan/pricewatch/internal/metrics"
	"github.com/lalithlochan/pricewatch/internal/quota"
	"github.com/lalithlochan/pricewatch/internal/throttle"
)

type Repository interface {
	ListDueProducts(ctx context.Context, asOf time.Time, filter db.DueFilter) ([]*db.Product, error)
	RecordCheckFailure(ctx context.Context, id uuid.UUID, reason string) error
	ListSubscriptionsByProduct(ctx context.Context, productID uuid.UUID) ([]*db.Subscription, error)
	AlertExists(ctx context.Context, subscriptionID, observationID uuid.UUID) (bool, error)
}

type Fetcher interface {
	Fetch(ctx context.Context, url string, opts fetch.Options) (*fetch.RawPage, error)
}

type Extractor interface {
	Extract(platform string, body []byte) (*extract.Result, error)
}

type PriceStore interface {
	Append(ctx context.Context, productID uuid.UUID, obs *db.Observation, title string) (db.Snapshot, error)
}

type Evaluator interface {
	Evaluate(ctx context.Context, sub *db.Subscription, prev db.Snapshot, obs *db.Observation) (*alert.Outcome, error)
}

type QuotaChecker interface {
	CheckQuota(ctx context.Context, userID uuid.UUID, kind quota.Kind) error
}

type Dispatcher interface {
	Dispatch(ctx context.Context, alertID uuid.UUID) (*dispatch.Result, error)
}

// Deps are the pipeline stages the orchestrator drives.
type Deps struct {
	Repo       Repository
	Fetcher    Fetcher
	Extractor  Extractor
	Store      PriceStore
	Evaluator  Evaluator
	Quota      QuotaChecker
	Dispatcher Dispatcher
}

// RunReport is the aggregate outcome of one cycle.
type RunReport struct {
	AsOf          time.Time     `json:"as_of"`
	Due           int           `json:"due"`
	Attempted     int           `json:"attempted"`
	Succeeded     int           `json:"succeeded"`
	Failed        int           `json:"failed"`
	QuotaBlocked  int           `json:"quota_blocked"`
	Skipped       int           `json:"skipped"`
	AlertsCreated int           `json:"alerts_created"`
	Duration      time.Duration `json:"duration"`
}

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeSucceeded
	outcomeFailed
)

type productResult struct {
	outcome      outcome
	quotaBlocked bool
	alerts       int
}

// Orchestrator runs check cycles. RunOnce may be called concurrently; keeping
// cycles from overlapping is the trigger's job.
type Orchestrator struct {
	config Config
	deps   Deps
	logger *zap.Logger
	tracer trace.Tracer
	now    func() time.Time
}

func New(cfg Config, deps Deps, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		config: cfg.withDefaults(),
		deps:   deps,
		logger: logger,
		tracer: otel.Tracer("github.com/lalithlochan/pricewatch/internal/scheduler"),
		now:    time.Now,
	}
}

// RunOnce checks every product due at asOf. Per-product failures are recorded
// on the product and never abort the run. Once ctx is cancelled no new
// product is started; products already past their fetch finish writing.
func (o *Orchestrator) RunOnce(ctx context.Context, asOf time.Time) (*RunReport, error) {
	start := o.now()
	ctx, span := o.tracer.Start(ctx, "scheduler.run_once",
		trace.WithAttributes(attribute.String("as_of", asOf.UTC().Format(time.RFC3339))),
	)
	defer span.End()

	due, err := o.deps.Repo.ListDueProducts(ctx, asOf, db.DueFilter{
		Intervals: o.config.intervals(),
		Limit:     o.config.BatchLimit,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "list due products")
		return nil, fmt.Errorf("list due products: %w", err)
	}

	report := &RunReport{AsOf: asOf, Due: len(due)}
	gov := throttle.NewGovernor(o.config.MaxInFlight, o.config.policies(), throttle.Policy{}, o.logger.Named("throttle"))

	var mu sync.Mutex
	record := func(r productResult) {
		mu.Lock()
		defer mu.Unlock()
		switch r.outcome {
		case outcomeSucceeded:
			report.Attempted++
			report.Succeeded++
		case outcomeFailed:
			report.Attempted++
			report.Failed++
		default:
			report.Skipped++
		}
		if r.quotaBlocked {
			report.QuotaBlocked++
		}
		report.AlertsCreated += r.alerts
	}

	// Each platform drains its own queue with as many workers as its lane
	// allows, so a slow platform never holds workers another platform could
	// use. The governor's global slots still cap fetches across lanes.
	var lanes errgroup.Group
	for _, q := range byPlatform(due) {
		lanes.Go(func() error {
			var g errgroup.Group
			g.SetLimit(gov.Concurrency(q.platform))
			for _, p := range q.products {
				if ctx.Err() != nil {
					record(productResult{outcome: outcomeSkipped})
					continue
				}
				g.Go(func() error {
					record(o.checkProduct(ctx, gov, p))
					return nil
				})
			}
			return g.Wait()
		})
	}
	_ = lanes.Wait()

	report.Duration = o.now().Sub(start)
	metrics.RecordRun(report.Duration, report.Succeeded, report.Failed, report.QuotaBlocked, report.Skipped)
	span.SetAttributes(
		attribute.Int("due", report.Due),
		attribute.Int("succeeded", report.Succeeded),
		attribute.Int("failed", report.Failed),
		attribute.Int("quota_blocked", report.QuotaBlocked),
		attribute.Int("skipped", report.Skipped),
	)

	o.logger.Info("run complete",
		zap.Time("as_of", asOf),
		zap.Int("due", report.Due),
		zap.Int("succeeded", report.Succeeded),
		zap.Int("failed", report.Failed),
		zap.Int("quota_blocked", report.QuotaBlocked),
		zap.Int("skipped", report.Skipped),
		zap.Int("alerts_created", report.AlertsCreated),
		zap.Duration("duration", report.Duration),
	)
	return report, nil
}

type platformQueue struct {
	platform string
	products []*db.Product
}

// byPlatform splits due products by platform, keeping the due order within
// each platform.
func byPlatform(due []*db.Product) []platformQueue {
	var queues []platformQueue
	index := make(map[string]int)
	for _, p := range due {
		i, ok := index[p.Platform]
		if !ok {
			i = len(queues)
			index[p.Platform] = i
			queues = append(queues, platformQueue{platform: p.Platform})
		}
		queues[i].products = append(queues[i].products, p)
	}
	return queues
}

func (o *Orchestrator) checkProduct(ctx context.Context, gov *throttle.Governor, p *db.Product) productResult {
	ctx, span := o.tracer.Start(ctx, "scheduler.check_product", trace.WithAttributes(
		attribute.String("product_id", p.ID.String()),
		attribute.String("platform", p.Platform),
	))
	defer span.End()

	log := o.logger.With(zap.String("product_id", p.ID.String()), zap.String("platform", p.Platform))
	policy := o.config.Platforms[p.Platform]

	page, err := o.fetch(ctx, gov, p, false)
	if err != nil {
		if ctx.Err() != nil {
			return productResult{outcome: outcomeSkipped}
		}
		return o.failed(ctx, span, log, p, err)
	}

	res, err := o.deps.Extractor.Extract(p.Platform, page.Body)
	if kind, ok := extract.KindOf(err); ok && kind == extract.Transient && policy.HeadlessFallback && !page.Rendered {
		log.Debug("retrying extraction on rendered page", zap.Error(err))
		page, err = o.fetch(ctx, gov, p, true)
		if err != nil {
			if ctx.Err() != nil {
				return productResult{outcome: outcomeSkipped}
			}
			return o.failed(ctx, span, log, p, err)
		}
		res, err = o.deps.Extractor.Extract(p.Platform, page.Body)
	}
	if err != nil {
		return o.failed(ctx, span, log, p, err)
	}

	// The page is in hand; the rest of the pipeline runs to completion so a
	// cancelled run never leaves a half-written check behind.
	writeCtx := context.WithoutCancel(ctx)

	observedAt := page.FetchedAt
	if observedAt.IsZero() {
		observedAt = o.now()
	}
	obs := &db.Observation{
		Price:           res.Price,
		Currency:        res.Currency,
		InStock:         res.InStock,
		OriginalPrice:   res.OriginalPrice,
		DiscountPercent: res.DiscountPercent,
		ObservedAt:      observedAt,
	}
	prev, err := o.deps.Store.Append(writeCtx, p.ID, obs, res.Title)
	if err != nil {
		return o.failed(writeCtx, span, log, p, fmt.Errorf("append observation: %w", err))
	}
	metrics.RecordCheck(p.Platform, "success")

	if obs.OutOfOrder {
		log.Info("late observation stored without evaluation", zap.Time("observed_at", obs.ObservedAt))
		return productResult{outcome: outcomeSucceeded}
	}

	result := o.evaluate(writeCtx, log, p, prev, obs)
	result.outcome = outcomeSucceeded
	span.SetAttributes(attribute.Int("alerts", result.alerts))
	return result
}

// fetch takes a throttle slot for one Fetch call. Rate-limit signals slow the
// platform down for the remainder of the run.
func (o *Orchestrator) fetch(ctx context.Context, gov *throttle.Governor, p *db.Product, headless bool) (*fetch.RawPage, error) {
	release, err := gov.Acquire(ctx, p.Platform)
	if err != nil {
		return nil, err
	}
	defer release()

	opts := o.config.Fetch
	opts.UseHeadlessRender = headless
	opts.OnRateLimited = func() {
		gov.Penalize(p.Platform)
		metrics.RecordRateLimited(p.Platform)
		metrics.SetPlatformDelay(p.Platform, gov.Delay(p.Platform))
	}

	start := o.now()
	page, err := o.deps.Fetcher.Fetch(ctx, p.CanonicalURL, opts)
	metrics.RecordFetch(p.Platform, o.now().Sub(start))
	if err != nil {
		return nil, err
	}
	gov.Reward(p.Platform)
	metrics.SetPlatformDelay(p.Platform, gov.Delay(p.Platform))
	return page, nil
}

func (o *Orchestrator) evaluate(ctx context.Context, log *zap.Logger, p *db.Product, prev db.Snapshot, obs *db.Observation) productResult {
	var result productResult

	subs, err := o.deps.Repo.ListSubscriptionsByProduct(ctx, p.ID)
	if err != nil {
		log.Error("list subscriptions failed", zap.Error(err))
		return result
	}

	var created []*db.Alert
	for _, sub := range subs {
		// A retried evaluation of the same observation is not charged again.
		exists, err := o.deps.Repo.AlertExists(ctx, sub.ID, obs.ID)
		if err != nil {
			log.Error("check existing alert failed", zap.String("subscription_id", sub.ID.String()), zap.Error(err))
			continue
		}
		if exists {
			continue
		}

		if err := o.deps.Quota.CheckQuota(ctx, sub.UserID, quota.Checks); err != nil {
			if errors.Is(err, quota.ErrQuotaExceeded) {
				result.quotaBlocked = true
				metrics.RecordQuotaBlocked(quota.Checks)
				continue
			}
			log.Error("check quota failed", zap.String("subscription_id", sub.ID.String()), zap.Error(err))
			continue
		}

		out, err := o.deps.Evaluator.Evaluate(ctx, sub, prev, obs)
		if errors.Is(err, alert.ErrDuplicateAlert) {
			continue
		}
		if err != nil {
			log.Error("evaluate subscription failed", zap.String("subscription_id", sub.ID.String()), zap.Error(err))
			continue
		}
		if out.QuotaBlocked > 0 {
			result.quotaBlocked = true
			for i := 0; i < out.QuotaBlocked; i++ {
				metrics.RecordQuotaBlocked(quota.Alerts)
			}
		}
		created = append(created, out.Alerts...)
	}

	for _, a := range created {
		metrics.RecordAlertCreated(a.Kind)
		if _, err := o.deps.Dispatcher.Dispatch(ctx, a.ID); err != nil && !errors.Is(err, dispatch.ErrNotClaimed) {
			// The alert stays pending and the dispatcher's sweep picks it up.
			log.Warn("dispatch failed", zap.String("alert_id", a.ID.String()), zap.Error(err))
		}
	}
	result.alerts = len(created)
	return result
}

func (o *Orchestrator) failed(ctx context.Context, span trace.Span, log *zap.Logger, p *db.Product, err error) productResult {
	reason := FailureReason(err)
	span.RecordError(err)
	span.SetStatus(codes.Error, reason)

	if rerr := o.deps.Repo.RecordCheckFailure(context.WithoutCancel(ctx), p.ID, reason); rerr != nil {
		log.Error("record check failure", zap.Error(rerr))
	}
	metrics.RecordCheck(p.Platform, "failure")
	log.Warn("product check failed", zap.String("reason", reason), zap.Error(err))
	return productResult{outcome: outcomeFailed}
}

// FailureReason turns a pipeline error into the short reason stored on the
// product. Raw error text never reaches it.
func FailureReason(err error) string {
	if kind, ok := fetch.KindOf(err); ok {
		return "fetch: " + kind.String()
	}
	if kind, ok := extract.KindOf(err); ok {
		return "extract: " + kind.String()
	}
	switch {
	case errors.Is(err, extract.ErrUnsupportedPlatform):
		return "extract: unsupported_platform"
	case errors.Is(err, context.DeadlineExceeded):
		return "fetch: timeout"
	default:
		return "internal_error"
	}
}
