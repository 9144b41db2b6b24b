// Package fetch retrieves product pages over HTTP, optionally through an
// external headless-render service, under a single retry and back-off policy.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"net"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// Backoff selects how the delay between attempts grows.
type Backoff string

const (
	BackoffExponential Backoff = "exponential"
	BackoffFixed       Backoff = "fixed"
)

// Options control one Fetch call.
type Options struct {
	Timeout           time.Duration // per attempt
	MaxRetries        int           // total attempts, including the first
	Backoff           Backoff
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	UseHeadlessRender bool

	// OnRateLimited is called every time an attempt is rate limited, before
	// the back-off sleep. The scheduler uses it to slow the platform down.
	OnRateLimited func()
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = 15 * time.Second
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.Backoff == "" {
		o.Backoff = BackoffExponential
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = time.Second
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 30 * time.Second
	}
	return o
}

// RawPage is a fetched document.
type RawPage struct {
	URL        string
	StatusCode int
	Body       []byte
	Rendered   bool
	Attempts   int
	FetchedAt  time.Time
}

// Renderer fetches a page through a JavaScript-capable renderer. Errors
// should be *Error so they follow the same retry policy.
type Renderer interface {
	Render(ctx context.Context, url string, timeout time.Duration) ([]byte, error)
}

// Config holds fetcher dependencies and knobs shared by every call.
type Config struct {
	Client       *http.Client
	Renderer     Renderer
	UserAgent    string
	MaxBodyBytes int64
}

// Fetcher performs page fetches with retry.
type Fetcher struct {
	client    *http.Client
	renderer  Renderer
	userAgent string
	maxBody   int64
	logger    *zap.Logger

	sleep  func(ctx context.Context, d time.Duration) error
	jitter func() float64
	now    func() time.Time
}

// New creates a fetcher.
func New(cfg Config, logger *zap.Logger) *Fetcher {
	client := cfg.Client
	if client == nil {
		client = &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 8,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	ua := cfg.UserAgent
	if ua == "" {
		ua = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"
	}
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = 8 << 20
	}

	return &Fetcher{
		client:    client,
		renderer:  cfg.Renderer,
		userAgent: ua,
		maxBody:   maxBody,
		logger:    logger,
		sleep:     sleepContext,
		jitter:    rand.Float64,
		now:       time.Now,
	}
}

// Fetch retrieves url. Transient, RateLimited and Timeout failures are
// retried up to opts.MaxRetries total attempts; NotFound and Forbidden fail
// immediately. Cancelling ctx aborts the in-flight request and any back-off
// sleep, and the context error is returned as is.
func (f *Fetcher) Fetch(ctx context.Context, url string, opts Options) (*RawPage, error) {
	opts = opts.withDefaults()

	var last *Error
	attempt := 0
	for attempt < opts.MaxRetries {
		attempt++

		page, err := f.once(ctx, url, opts)
		if err == nil {
			page.Attempts = attempt
			return page, nil
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("fetch %s: %w", url, ctx.Err())
		}

		if !errors.As(err, &last) {
			last = &Error{Kind: Transient, URL: url, Err: err}
		}
		if last.Kind == RateLimited && opts.OnRateLimited != nil {
			opts.OnRateLimited()
		}
		if !last.Retryable() || attempt == opts.MaxRetries {
			break
		}

		delay := f.delay(opts, attempt, last.RetryAfter)
		f.logger.Debug("fetch attempt failed, backing off",
			zap.String("url", url),
			zap.Int("attempt", attempt),
			zap.String("kind", last.Kind.String()),
			zap.Duration("delay", delay),
		)
		if err := f.sleep(ctx, delay); err != nil {
			return nil, fmt.Errorf("fetch %s: %w", url, err)
		}
	}

	last.Attempts = attempt
	return nil, last
}

func (f *Fetcher) once(ctx context.Context, url string, opts Options) (*RawPage, error) {
	if opts.UseHeadlessRender {
		if f.renderer == nil {
			return nil, &Error{Kind: Forbidden, URL: url, Err: errors.New("headless render requested but no renderer configured")}
		}
		body, err := f.renderer.Render(ctx, url, opts.Timeout)
		if err != nil {
			return nil, err
		}
		return &RawPage{URL: url, StatusCode: http.StatusOK, Body: body, Rendered: true, FetchedAt: f.now()}, nil
	}

	actx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(actx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &Error{Kind: NotFound, URL: url, Err: err}
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, classifyTransportError(url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &Error{
			Kind:       classifyStatus(resp.StatusCode),
			URL:        url,
			StatusCode: resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBody))
	if err != nil {
		return nil, classifyTransportError(url, err)
	}

	return &RawPage{URL: url, StatusCode: resp.StatusCode, Body: body, FetchedAt: f.now()}, nil
}

func classifyTransportError(url string, err error) *Error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &Error{Kind: Timeout, URL: url, Err: err}
	}
	return &Error{Kind: Transient, URL: url, Err: err}
}

// delay returns the sleep before attempt+1. Exponential back-off doubles
// from BaseDelay with ±50% jitter; a server Retry-After wins when longer.
func (f *Fetcher) delay(opts Options, attempt int, retryAfter time.Duration) time.Duration {
	d := opts.BaseDelay
	if opts.Backoff == BackoffExponential {
		d = time.Duration(float64(opts.BaseDelay) * math.Pow(2, float64(attempt-1)))
		d = time.Duration(float64(d) * (0.5 + f.jitter()))
	}
	if retryAfter > d {
		d = retryAfter
	}
	if d > opts.MaxDelay {
		d = opts.MaxDelay
	}
	return d
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
