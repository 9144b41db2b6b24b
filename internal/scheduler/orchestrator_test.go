package scheduler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lalithlochan/pricewatch/internal/alert"
	"github.com/lalithlochan/pricewatch/internal/db"
	"github.com/lalithlochan/pricewatch/internal/dispatch"
	"github.com/lalithlochan/pricewatch/internal/extract"
	"github.com/lalithlochan/pricewatch/internal/fetch"
	"github.com/lalithlochan/pricewatch/internal/memstore"
	"github.com/lalithlochan/pricewatch/internal/notify"
	"github.com/lalithlochan/pricewatch/internal/pricestore"
	"github.com/lalithlochan/pricewatch/internal/quota"
	"github.com/lalithlochan/pricewatch/internal/throttle"
)

var (
	t0 = time.Date(2026, 4, 1, 6, 0, 0, 0, time.UTC)
	t1 = t0.Add(24 * time.Hour)
	t2 = t1.Add(25 * time.Hour)
)

var unlimited = quota.Limits{Plan: "enterprise", MaxProducts: -1, MaxChecksPerDay: -1, MaxAlertsPerDay: -1}

type fetchFunc func(ctx context.Context, url string, opts fetch.Options) (*fetch.RawPage, error)

func (f fetchFunc) Fetch(ctx context.Context, url string, opts fetch.Options) (*fetch.RawPage, error) {
	return f(ctx, url, opts)
}

// pricePages serves the body mapped to each URL, stamped at t2.
func pricePages(bodies map[string]string) fetchFunc {
	return func(_ context.Context, url string, opts fetch.Options) (*fetch.RawPage, error) {
		body, ok := bodies[url]
		if !ok {
			return nil, &fetch.Error{Kind: fetch.NotFound, URL: url, StatusCode: http.StatusNotFound}
		}
		return &fetch.RawPage{URL: url, StatusCode: http.StatusOK, Body: []byte(body), Rendered: opts.UseHeadlessRender, FetchedAt: t2}, nil
	}
}

// bodyExtractor reads the page body as a bare price.
type bodyExtractor struct{}

func (bodyExtractor) Extract(platform string, body []byte) (*extract.Result, error) {
	switch s := string(body); s {
	case "blocked":
		return nil, &extract.Error{Kind: extract.Transient, Platform: platform, Reason: "bot-check page served"}
	case "redesigned":
		return nil, &extract.Error{Kind: extract.StructureChanged, Platform: platform, Reason: "no price element"}
	default:
		price, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return nil, &extract.Error{Kind: extract.StructureChanged, Platform: platform, Reason: err.Error()}
		}
		return &extract.Result{Title: "Sony WH-1000XM5", Price: price, Currency: "INR", InStock: true}, nil
	}
}

type recordingSender struct {
	mu   sync.Mutex
	sent []*notify.Message
}

func (s *recordingSender) Send(_ context.Context, msg *notify.Message) (*notify.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, msg)
	return &notify.Receipt{Channel: msg.Channel}, nil
}

func (s *recordingSender) SupportsChannel(string) bool { return true }

type env struct {
	mem        *memstore.Store
	prices     *pricestore.Store
	sender     *recordingSender
	dispatcher *dispatch.Dispatcher
	user       uuid.UUID
	limits     quota.Limits
}

func newEnv(t *testing.T, limits quota.Limits) *env {
	t.Helper()
	mem := memstore.New()
	sender := &recordingSender{}
	e := &env{
		mem:        mem,
		prices:     pricestore.New(mem, zap.NewNop()),
		sender:     sender,
		dispatcher: dispatch.New(mem, sender, dispatch.Config{}, zap.NewNop()),
		user:       uuid.New(),
		limits:     limits,
	}
	require.NoError(t, mem.UpsertRecipient(context.Background(), &db.Recipient{UserID: e.user, Email: "buyer@example.com"}))
	return e
}

func (e *env) product(t *testing.T, platform, url string) *db.Product {
	t.Helper()
	p, err := e.mem.UpsertProduct(context.Background(), platform, url)
	require.NoError(t, err)
	return p
}

func (e *env) subscribe(t *testing.T, p *db.Product, dropPercent float64) *db.Subscription {
	t.Helper()
	sub := &db.Subscription{
		ID:                   uuid.New(),
		UserID:               e.user,
		ProductID:            p.ID,
		DropThresholdPercent: &dropPercent,
		Channels:             []string{db.ChannelEmail},
	}
	_, err := e.mem.CreateSubscription(context.Background(), sub, -1)
	require.NoError(t, err)
	return sub
}

func (e *env) deps(f Fetcher) Deps {
	guard := quota.NewGuard(quota.Static(e.limits), e.mem, zap.NewNop())
	return Deps{
		Repo:       e.mem,
		Fetcher:    f,
		Extractor:  bodyExtractor{},
		Store:      e.prices,
		Evaluator:  alert.NewEvaluator(e.mem, guard, zap.NewNop()),
		Quota:      guard,
		Dispatcher: e.dispatcher,
	}
}

func testConfig() Config {
	policy := Platform{PollInterval: 24 * time.Hour, Throttle: throttle.Policy{Concurrency: 2}}
	return Config{
		Platforms: map[string]Platform{
			"amazon":   policy,
			"flipkart": policy,
		},
		MaxInFlight: 4,
		Fetch: fetch.Options{
			Timeout:    2 * time.Second,
			MaxRetries: 3,
			Backoff:    fetch.BackoffFixed,
			BaseDelay:  time.Millisecond,
			MaxDelay:   2 * time.Millisecond,
		},
	}
}

// stateRecorder notes each alert's state as the orchestrator hands it over.
type stateRecorder struct {
	inner  *dispatch.Dispatcher
	mem    *memstore.Store
	mu     sync.Mutex
	states []string
}

func (r *stateRecorder) Dispatch(ctx context.Context, id uuid.UUID) (*dispatch.Result, error) {
	a, err := r.mem.GetAlert(ctx, id)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.states = append(r.states, a.State)
	r.mu.Unlock()
	return r.inner.Dispatch(ctx, id)
}

func TestRunOncePriceDropEndToEnd(t *testing.T) {
	e := newEnv(t, unlimited)
	ctx := context.Background()
	url := "https://www.amazon.in/dp/B0BXYZ1234"
	p := e.product(t, "amazon", url)
	sub := e.subscribe(t, p, 10)

	for _, at := range []time.Time{t0, t1} {
		_, err := e.prices.Append(ctx, p.ID, &db.Observation{Price: 1000, InStock: true, ObservedAt: at}, "Sony WH-1000XM5")
		require.NoError(t, err)
	}

	deps := e.deps(pricePages(map[string]string{url: "800"}))
	rec := &stateRecorder{inner: e.dispatcher, mem: e.mem}
	deps.Dispatcher = rec
	o := New(testConfig(), deps, zap.NewNop())

	report, err := o.RunOnce(ctx, t2)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Due)
	assert.Equal(t, 1, report.Attempted)
	assert.Equal(t, 1, report.Succeeded)
	assert.Equal(t, 0, report.Failed)
	assert.Equal(t, 1, report.AlertsCreated)

	alerts, err := e.mem.ListAlertsByUser(ctx, e.user, 0)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	a := alerts[0]
	assert.Equal(t, db.KindPriceDrop, a.Kind)
	require.NotNil(t, a.OldPrice)
	assert.Equal(t, 1000.0, *a.OldPrice)
	assert.Equal(t, 800.0, a.NewPrice)
	assert.Equal(t, []string{db.StatePending}, rec.states, "alert is created pending")
	assert.Equal(t, db.StateSent, a.State)
	assert.Equal(t, []string{db.ChannelEmail}, a.ChannelsSent)

	require.Len(t, e.sender.sent, 1)
	assert.Equal(t, "buyer@example.com", e.sender.sent[0].Recipient.Email)

	got, err := e.mem.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ReferencePrice)
	assert.Equal(t, 800.0, *got.ReferencePrice)

	prod, err := e.mem.GetProduct(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 800.0, *prod.CurrentPrice)
	assert.Equal(t, t2, *prod.LastCheckedAt)

	// checked products are no longer due
	report, err = o.RunOnce(ctx, t2.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, report.Due)
}

func TestRunOnceRateLimitedProductFailsAndRunContinues(t *testing.T) {
	var limited int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/dp/") {
			atomic.AddInt32(&limited, 1)
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, "1500")
	}))
	defer srv.Close()

	e := newEnv(t, unlimited)
	ctx := context.Background()
	throttled := e.product(t, "amazon", srv.URL+"/dp/B0BXYZ1234")
	healthy := e.product(t, "flipkart", srv.URL+"/p/itm123")
	e.subscribe(t, throttled, 10)
	e.subscribe(t, healthy, 10)

	o := New(testConfig(), e.deps(fetch.New(fetch.Config{}, zap.NewNop())), zap.NewNop())
	report, err := o.RunOnce(ctx, t2)
	require.NoError(t, err)

	assert.Equal(t, 2, report.Attempted)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, report.Succeeded)
	assert.Equal(t, int32(3), atomic.LoadInt32(&limited), "three attempts in total")

	p, err := e.mem.GetProduct(ctx, throttled.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, p.FailCount)
	assert.Equal(t, 1, p.CheckCount)
	require.NotNil(t, p.LastFailureReason)
	assert.Equal(t, "fetch: rate_limited", *p.LastFailureReason)
	assert.Nil(t, p.LastCheckedAt, "a failed check leaves the product due")

	p, err = e.mem.GetProduct(ctx, healthy.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, p.SuccessCount)
	assert.Equal(t, 1500.0, *p.CurrentPrice)
}

func TestRunOnceQuotaBlockedStillRecordsHistory(t *testing.T) {
	e := newEnv(t, quota.Limits{Plan: "free", MaxProducts: 3, MaxChecksPerDay: 0, MaxAlertsPerDay: 5})
	ctx := context.Background()
	url := "https://www.flipkart.com/p/itm123"
	p := e.product(t, "flipkart", url)
	e.subscribe(t, p, 10)
	_, err := e.prices.Append(ctx, p.ID, &db.Observation{Price: 1000, InStock: true, ObservedAt: t0}, "")
	require.NoError(t, err)

	o := New(testConfig(), e.deps(pricePages(map[string]string{url: "500"})), zap.NewNop())
	report, err := o.RunOnce(ctx, t2)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Succeeded)
	assert.Equal(t, 1, report.QuotaBlocked)
	assert.Equal(t, 0, report.AlertsCreated)

	hist, err := e.prices.History(ctx, p.ID, 0)
	require.NoError(t, err)
	assert.Len(t, hist, 2)

	alerts, err := e.mem.ListAlertsByUser(ctx, e.user, 0)
	require.NoError(t, err)
	assert.Empty(t, alerts)
}

func TestRunOnceAlertQuotaCountsAsBlocked(t *testing.T) {
	e := newEnv(t, quota.Limits{Plan: "free", MaxProducts: 3, MaxChecksPerDay: 10, MaxAlertsPerDay: 0})
	ctx := context.Background()
	url := "https://www.flipkart.com/p/itm123"
	p := e.product(t, "flipkart", url)
	e.subscribe(t, p, 10)
	_, err := e.prices.Append(ctx, p.ID, &db.Observation{Price: 1000, InStock: true, ObservedAt: t0}, "")
	require.NoError(t, err)

	o := New(testConfig(), e.deps(pricePages(map[string]string{url: "500"})), zap.NewNop())
	report, err := o.RunOnce(ctx, t2)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Succeeded)
	assert.Equal(t, 1, report.QuotaBlocked)
	assert.Empty(t, e.sender.sent)
}

func TestRunOnceHeadlessFallback(t *testing.T) {
	e := newEnv(t, unlimited)
	ctx := context.Background()
	url := "https://www.flipkart.com/p/itm123"
	p := e.product(t, "flipkart", url)
	e.subscribe(t, p, 10)

	var calls int32
	f := fetchFunc(func(_ context.Context, u string, opts fetch.Options) (*fetch.RawPage, error) {
		atomic.AddInt32(&calls, 1)
		body := "blocked"
		if opts.UseHeadlessRender {
			body = "65999"
		}
		return &fetch.RawPage{URL: u, Body: []byte(body), Rendered: opts.UseHeadlessRender, FetchedAt: t2}, nil
	})

	cfg := testConfig()
	fk := cfg.Platforms["flipkart"]
	fk.HeadlessFallback = true
	cfg.Platforms["flipkart"] = fk

	report, err := New(cfg, e.deps(f), zap.NewNop()).RunOnce(ctx, t2)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Succeeded)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))

	got, err := e.mem.GetProduct(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 65999.0, *got.CurrentPrice)
}

func TestRunOnceExtractFailuresAreRecorded(t *testing.T) {
	e := newEnv(t, unlimited)
	ctx := context.Background()
	blockedURL := "https://www.flipkart.com/p/itm1"
	changedURL := "https://www.amazon.in/dp/B000000001"
	blocked := e.product(t, "flipkart", blockedURL)
	changed := e.product(t, "amazon", changedURL)
	e.subscribe(t, blocked, 10)
	e.subscribe(t, changed, 10)

	o := New(testConfig(), e.deps(pricePages(map[string]string{
		blockedURL: "blocked",
		changedURL: "redesigned",
	})), zap.NewNop())
	report, err := o.RunOnce(ctx, t2)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Failed)

	p, err := e.mem.GetProduct(ctx, blocked.ID)
	require.NoError(t, err)
	assert.Equal(t, "extract: transient", *p.LastFailureReason)

	p, err = e.mem.GetProduct(ctx, changed.ID)
	require.NoError(t, err)
	assert.Equal(t, "extract: structure_changed", *p.LastFailureReason)
}

func TestRunOnceSkipsOutOfOrderEvaluation(t *testing.T) {
	e := newEnv(t, unlimited)
	ctx := context.Background()
	url := "https://www.amazon.in/dp/B0BXYZ1234"
	p := e.product(t, "amazon", url)
	e.subscribe(t, p, 10)
	_, err := e.prices.Append(ctx, p.ID, &db.Observation{Price: 1000, InStock: true, ObservedAt: t2.Add(time.Hour)}, "")
	require.NoError(t, err)

	// the product was just checked, so look far enough ahead for it to be due
	o := New(testConfig(), e.deps(pricePages(map[string]string{url: "100"})), zap.NewNop())
	report, err := o.RunOnce(ctx, t2.Add(48*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Succeeded)
	assert.Equal(t, 0, report.AlertsCreated)

	got, err := e.mem.GetProduct(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 1000.0, *got.CurrentPrice)
}

func TestRunOnceManyProducts(t *testing.T) {
	e := newEnv(t, unlimited)
	ctx := context.Background()
	bodies := map[string]string{}
	for i := 0; i < 20; i++ {
		platform, url := "amazon", fmt.Sprintf("https://www.amazon.in/dp/B%09d", i)
		if i%2 == 1 {
			platform, url = "flipkart", fmt.Sprintf("https://www.flipkart.com/p/itm%d", i)
		}
		e.subscribe(t, e.product(t, platform, url), 10)
		bodies[url] = strconv.Itoa(1000 + i)
	}
	// an unconfigured platform is never due
	e.subscribe(t, e.product(t, "myntra", "https://www.myntra.com/1234/buy"), 10)

	report, err := New(testConfig(), e.deps(pricePages(bodies)), zap.NewNop()).RunOnce(ctx, t2)
	require.NoError(t, err)
	assert.Equal(t, 20, report.Due)
	assert.Equal(t, 20, report.Succeeded)
}

func TestRunOnceCancelledBeforeStart(t *testing.T) {
	e := newEnv(t, unlimited)
	url := "https://www.amazon.in/dp/B0BXYZ1234"
	p := e.product(t, "amazon", url)
	e.subscribe(t, p, 10)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := New(testConfig(), e.deps(pricePages(map[string]string{url: "800"})), zap.NewNop()).RunOnce(ctx, t2)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, 0, report.Attempted)
}

func TestRunOnceCancelledMidFetch(t *testing.T) {
	e := newEnv(t, unlimited)
	url := "https://www.amazon.in/dp/B0BXYZ1234"
	p := e.product(t, "amazon", url)
	e.subscribe(t, p, 10)

	started := make(chan struct{})
	f := fetchFunc(func(ctx context.Context, u string, _ fetch.Options) (*fetch.RawPage, error) {
		close(started)
		<-ctx.Done()
		return nil, fmt.Errorf("fetch %s: %w", u, ctx.Err())
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	done := make(chan *RunReport, 1)
	go func() {
		report, err := New(testConfig(), e.deps(f), zap.NewNop()).RunOnce(ctx, t2)
		assert.NoError(t, err)
		done <- report
	}()

	select {
	case report := <-done:
		assert.Equal(t, 1, report.Skipped)
		assert.Equal(t, 0, report.Failed)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop after cancellation")
	}

	got, err := e.mem.GetProduct(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.FailCount, "a cancelled check is not a product failure")
}

func TestFailureReason(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{&fetch.Error{Kind: fetch.NotFound}, "fetch: not_found"},
		{fmt.Errorf("wrapped: %w", &fetch.Error{Kind: fetch.Forbidden}), "fetch: forbidden"},
		{&extract.Error{Kind: extract.StructureChanged}, "extract: structure_changed"},
		{fmt.Errorf("x: %w", extract.ErrUnsupportedPlatform), "extract: unsupported_platform"},
		{context.DeadlineExceeded, "fetch: timeout"},
		{errors.New("disk on fire"), "internal_error"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FailureReason(tt.err))
	}
}

func TestRunOnceSlowPlatformDoesNotStarveOthers(t *testing.T) {
	e := newEnv(t, unlimited)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		e.subscribe(t, e.product(t, "amazon", fmt.Sprintf("https://www.amazon.in/dp/B%09d", i)), 10)
	}
	e.subscribe(t, e.product(t, "flipkart", "https://www.flipkart.com/p/itm0001"), 10)

	release := make(chan struct{})
	flipkartDone := make(chan struct{})
	var amazonCalls, flipkartCalls atomic.Int32
	f := fetchFunc(func(ctx context.Context, url string, _ fetch.Options) (*fetch.RawPage, error) {
		if strings.Contains(url, "flipkart") {
			if flipkartCalls.Add(1) == 1 {
				close(flipkartDone)
			}
		} else {
			amazonCalls.Add(1)
			select {
			case <-release:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return &fetch.RawPage{URL: url, StatusCode: http.StatusOK, Body: []byte("900"), FetchedAt: t2}, nil
	})

	cfg := testConfig()
	single := Platform{PollInterval: 24 * time.Hour, Throttle: throttle.Policy{Concurrency: 1}}
	cfg.Platforms = map[string]Platform{"amazon": single, "flipkart": single}
	cfg.MaxInFlight = 2

	done := make(chan *RunReport, 1)
	go func() {
		report, err := New(cfg, e.deps(f), zap.NewNop()).RunOnce(ctx, t2)
		assert.NoError(t, err)
		done <- report
	}()

	select {
	case <-flipkartDone:
	case <-time.After(5 * time.Second):
		close(release)
		t.Fatal("flipkart was never fetched while amazon was blocked")
	}
	assert.LessOrEqual(t, amazonCalls.Load(), int32(1), "amazon stays within its lane")
	close(release)

	select {
	case report := <-done:
		assert.Equal(t, 4, report.Succeeded)
		assert.Equal(t, int32(3), amazonCalls.Load())
		assert.Equal(t, int32(1), flipkartCalls.Load())
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish")
	}
}

func TestByPlatformKeepsDueOrder(t *testing.T) {
	a1 := &db.Product{ID: uuid.New(), Platform: "amazon"}
	f1 := &db.Product{ID: uuid.New(), Platform: "flipkart"}
	a2 := &db.Product{ID: uuid.New(), Platform: "amazon"}

	queues := byPlatform([]*db.Product{a1, f1, a2})
	require.Len(t, queues, 2)
	assert.Equal(t, "amazon", queues[0].platform)
	assert.Equal(t, []*db.Product{a1, a2}, queues[0].products)
	assert.Equal(t, "flipkart", queues[1].platform)
	assert.Equal(t, []*db.Product{f1}, queues[1].products)
	assert.Empty(t, byPlatform(nil))
}

func TestEvaluateRetryIsNotChargedTwice(t *testing.T) {
	e := newEnv(t, quota.Limits{Plan: "free", MaxProducts: 3, MaxChecksPerDay: 5, MaxAlertsPerDay: 5})
	ctx := context.Background()
	p := e.product(t, "flipkart", "https://www.flipkart.com/p/itm123")
	e.subscribe(t, p, 10)
	_, err := e.prices.Append(ctx, p.ID, &db.Observation{Price: 1000, InStock: true, ObservedAt: t0}, "")
	require.NoError(t, err)
	obs := &db.Observation{Price: 500, Currency: "INR", InStock: true, ObservedAt: t2}
	prev, err := e.prices.Append(ctx, p.ID, obs, "")
	require.NoError(t, err)

	o := New(testConfig(), e.deps(nil), zap.NewNop())
	first := o.evaluate(ctx, zap.NewNop(), p, prev, obs)
	assert.Equal(t, 1, first.alerts)
	second := o.evaluate(ctx, zap.NewNop(), p, prev, obs)
	assert.Zero(t, second.alerts)

	usage, err := e.mem.GetUsage(ctx, e.user, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, usage.ChecksUsed)

	alerts, err := e.mem.ListAlertsByUser(ctx, e.user, 0)
	require.NoError(t, err)
	assert.Len(t, alerts, 1)
}
