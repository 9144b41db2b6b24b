package scheduler

import (
	"time"

	"github.com/lalithlochan/pricewatch/internal/fetch"
	"github.com/lalithlochan/pricewatch/internal/throttle"
)

// Platform is the per-platform part of a run's configuration.
type Platform struct {
	// PollInterval is how old a product's last check must be before it is
	// due again.
	PollInterval time.Duration
	Throttle     throttle.Policy
	// HeadlessFallback refetches through the render service when the plain
	// page looks partial or blocked.
	HeadlessFallback bool
}

// Config is everything a run needs to know. It is passed in explicitly and
// never mutated by the orchestrator.
type Config struct {
	// Platforms lists the platforms this process checks. A platform missing
	// here is never due.
	Platforms map[string]Platform

	// MaxInFlight caps concurrent fetches across all platforms. Workers are
	// sized per platform from each throttle policy's Concurrency.
	MaxInFlight int
	// BatchLimit caps how many due products one run picks up; 0 means all.
	BatchLimit int

	Fetch fetch.Options
}

func (c Config) withDefaults() Config {
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = 8
	}
	return c
}

func (c Config) intervals() map[string]time.Duration {
	out := make(map[string]time.Duration, len(c.Platforms))
	for name, p := range c.Platforms {
		out[name] = p.PollInterval
	}
	return out
}

func (c Config) policies() map[string]throttle.Policy {
	out := make(map[string]throttle.Policy, len(c.Platforms))
	for name, p := range c.Platforms {
		out[name] = p.Throttle
	}
	return out
}
