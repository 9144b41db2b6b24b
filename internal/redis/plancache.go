package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lalithlochan/pricewatch/internal/quota"
)

// PlanCacheTTL bounds how stale a cached plan assignment can be.
const PlanCacheTTL = 5 * time.Minute

// PlanCache is a read-through cache in front of a plan lookup. Redis errors
// degrade to the underlying lookup.
type PlanCache struct {
	client *Client
	inner  quota.PlanLookup
	ttl    time.Duration
	logger *zap.Logger
}

// NewPlanCache creates a plan cache.
func NewPlanCache(client *Client, inner quota.PlanLookup, logger *zap.Logger) *PlanCache {
	return &PlanCache{
		client: client,
		inner:  inner,
		ttl:    PlanCacheTTL,
		logger: logger,
	}
}

func planKey(userID uuid.UUID) string {
	return fmt.Sprintf("plan:%s", userID)
}

// PlanLimits implements quota.PlanLookup.
func (c *PlanCache) PlanLimits(ctx context.Context, userID uuid.UUID) (quota.Limits, error) {
	key := planKey(userID)

	val, err := c.client.rdb.Get(ctx, key).Result()
	switch {
	case err == nil:
		var l quota.Limits
		if jerr := json.Unmarshal([]byte(val), &l); jerr == nil {
			return l, nil
		}
		c.logger.Warn("discarding corrupt plan cache entry", zap.String("user_id", userID.String()))
	case !errors.Is(err, redis.Nil):
		c.logger.Warn("plan cache read failed", zap.Error(err))
	}

	l, err := c.inner.PlanLimits(ctx, userID)
	if err != nil {
		return quota.Limits{}, err
	}

	data, err := json.Marshal(l)
	if err != nil {
		return l, nil
	}
	if err := c.client.rdb.Set(ctx, key, data, c.ttl).Err(); err != nil {
		c.logger.Warn("plan cache write failed", zap.Error(err))
	}
	return l, nil
}

// Invalidate drops the cached plan for a user.
func (c *PlanCache) Invalidate(ctx context.Context, userID uuid.UUID) error {
	if err := c.client.rdb.Del(ctx, planKey(userID)).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}
