package redis

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/pricewatch/internal/quota"
)

type countingPlans struct {
	calls  atomic.Int32
	limits quota.Limits
	err    error
}

func (c *countingPlans) PlanLimits(context.Context, uuid.UUID) (quota.Limits, error) {
	c.calls.Add(1)
	return c.limits, c.err
}

func TestPlanCache_ReadThrough(t *testing.T) {
	client, mr := setupTestRedis(t)
	inner := &countingPlans{limits: quota.Limits{Plan: "basic", MaxProducts: 25, MaxChecksPerDay: 150, MaxAlertsPerDay: 20}}
	cache := NewPlanCache(client, inner, zap.NewNop())
	ctx := context.Background()
	user := uuid.New()

	for i := 0; i < 3; i++ {
		l, err := cache.PlanLimits(ctx, user)
		if err != nil {
			t.Fatalf("lookup %d: %v", i, err)
		}
		if l != inner.limits {
			t.Fatalf("lookup %d: got %+v", i, l)
		}
	}
	if n := inner.calls.Load(); n != 1 {
		t.Errorf("expected 1 backing lookup, got %d", n)
	}

	mr.FastForward(PlanCacheTTL + time.Second)
	if _, err := cache.PlanLimits(ctx, user); err != nil {
		t.Fatalf("lookup after expiry: %v", err)
	}
	if n := inner.calls.Load(); n != 2 {
		t.Errorf("expected refresh after ttl, got %d lookups", n)
	}
}

func TestPlanCache_Invalidate(t *testing.T) {
	client, _ := setupTestRedis(t)
	inner := &countingPlans{limits: quota.Limits{Plan: "free", MaxProducts: 3}}
	cache := NewPlanCache(client, inner, zap.NewNop())
	ctx := context.Background()
	user := uuid.New()

	cache.PlanLimits(ctx, user)
	if err := cache.Invalidate(ctx, user); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	cache.PlanLimits(ctx, user)
	if n := inner.calls.Load(); n != 2 {
		t.Errorf("expected 2 lookups after invalidate, got %d", n)
	}
}

func TestPlanCache_ErrorsAreNotCached(t *testing.T) {
	client, _ := setupTestRedis(t)
	boom := errors.New("db down")
	inner := &countingPlans{err: boom}
	cache := NewPlanCache(client, inner, zap.NewNop())

	if _, err := cache.PlanLimits(context.Background(), uuid.New()); !errors.Is(err, boom) {
		t.Fatalf("expected backing error, got %v", err)
	}
}

func TestPlanCache_RedisDownFallsThrough(t *testing.T) {
	client, mr := setupTestRedis(t)
	inner := &countingPlans{limits: quota.Limits{Plan: "pro"}}
	cache := NewPlanCache(client, inner, zap.NewNop())
	mr.Close()

	l, err := cache.PlanLimits(context.Background(), uuid.New())
	if err != nil {
		t.Fatalf("expected fallback to backing lookup, got %v", err)
	}
	if l.Plan != "pro" {
		t.Errorf("unexpected plan %q", l.Plan)
	}
}
