// Package throttle bounds fetch concurrency globally and per platform, and
// spaces requests to each platform with an adaptive inter-request delay.
package throttle

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Policy is one platform's throttling configuration.
type Policy struct {
	Concurrency int
	BaseDelay   time.Duration // minimum spacing between requests; 0 means none
	MaxDelay    time.Duration
	DecayAfter  int     // consecutive successes before the delay halves
	Factor      float64 // multiplier applied on a rate-limit signal
}

func (p Policy) withDefaults() Policy {
	if p.Concurrency <= 0 {
		p.Concurrency = 2
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = time.Minute
	}
	if p.DecayAfter <= 0 {
		p.DecayAfter = 5
	}
	if p.Factor <= 1 {
		p.Factor = 2
	}
	return p
}

type lane struct {
	policy  Policy
	sem     *semaphore.Weighted
	limiter *rate.Limiter

	mu        sync.Mutex
	delay     time.Duration
	successes int
}

func newLane(p Policy) *lane {
	l := &lane{
		policy:  p,
		sem:     semaphore.NewWeighted(int64(p.Concurrency)),
		limiter: rate.NewLimiter(rate.Inf, 1),
		delay:   p.BaseDelay,
	}
	l.limiter.SetLimit(limitFor(l.delay))
	return l
}

func limitFor(d time.Duration) rate.Limit {
	if d <= 0 {
		return rate.Inf
	}
	return rate.Every(d)
}

// Governor is created per run; the adaptive state it accumulates lives only
// for that run.
type Governor struct {
	global   *semaphore.Weighted
	fallback Policy
	logger   *zap.Logger

	mu    sync.Mutex
	lanes map[string]*lane
}

// NewGovernor creates a governor allowing maxInFlight fetches in total.
// Platforms without a policy get fallback.
func NewGovernor(maxInFlight int, policies map[string]Policy, fallback Policy, logger *zap.Logger) *Governor {
	if maxInFlight <= 0 {
		maxInFlight = 8
	}
	g := &Governor{
		global:   semaphore.NewWeighted(int64(maxInFlight)),
		fallback: fallback.withDefaults(),
		logger:   logger,
		lanes:    make(map[string]*lane, len(policies)),
	}
	for platform, p := range policies {
		g.lanes[platform] = newLane(p.withDefaults())
	}
	return g
}

func (g *Governor) lane(platform string) *lane {
	g.mu.Lock()
	defer g.mu.Unlock()
	l, ok := g.lanes[platform]
	if !ok {
		l = newLane(g.fallback)
		g.lanes[platform] = l
	}
	return l
}

// Acquire blocks until platform may issue one more request. The platform
// slot and the platform's spacing delay are taken before the global slot, so
// a throttled platform waits on its own lane without holding a global slot.
// A fetch that is slow once started does hold its global slot; callers keep
// other platforms moving by giving each platform its own workers. The
// returned func releases both slots.
func (g *Governor) Acquire(ctx context.Context, platform string) (func(), error) {
	l := g.lane(platform)

	if err := l.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	if err := l.limiter.Wait(ctx); err != nil {
		l.sem.Release(1)
		return nil, err
	}
	if err := g.global.Acquire(ctx, 1); err != nil {
		l.sem.Release(1)
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			g.global.Release(1)
			l.sem.Release(1)
		})
	}, nil
}

// Penalize grows the platform's inter-request delay after a rate-limit
// signal and restarts its success streak.
func (g *Governor) Penalize(platform string) {
	l := g.lane(platform)

	l.mu.Lock()
	next := time.Duration(float64(l.delay) * l.policy.Factor)
	if floor := l.penaltyFloor(); next < floor {
		next = floor
	}
	if next > l.policy.MaxDelay {
		next = l.policy.MaxDelay
	}
	l.delay = next
	l.successes = 0
	l.limiter.SetLimit(limitFor(next))
	l.mu.Unlock()

	g.logger.Info("platform throttled",
		zap.String("platform", platform),
		zap.Duration("delay", next),
	)
}

func (l *lane) penaltyFloor() time.Duration {
	if l.policy.BaseDelay > 0 {
		return l.policy.BaseDelay * 2
	}
	return 500 * time.Millisecond
}

// Reward records a successful request. After DecayAfter consecutive
// successes the delay halves, never going below the policy's base delay.
func (g *Governor) Reward(platform string) {
	l := g.lane(platform)

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.delay <= l.policy.BaseDelay {
		l.successes = 0
		return
	}
	l.successes++
	if l.successes < l.policy.DecayAfter {
		return
	}

	next := l.delay / 2
	if next < l.policy.BaseDelay || next < time.Millisecond {
		next = l.policy.BaseDelay
	}
	l.delay = next
	l.successes = 0
	l.limiter.SetLimit(limitFor(next))
}

// Delay returns the platform's current inter-request delay.
func (g *Governor) Delay(platform string) time.Duration {
	l := g.lane(platform)
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.delay
}

// Concurrency returns the platform's in-flight limit.
func (g *Governor) Concurrency(platform string) int {
	return g.lane(platform).policy.Concurrency
}
