package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/lalithlochan/pricewatch/internal/db"
)

// usageTTL keeps a day's hash around long enough for the usage view to read
// yesterday's totals.
const usageTTL = 48 * time.Hour

// consumeScript increments field only while it is below the limit. A
// negative limit never blocks.
//
// KEYS[1] usage hash, ARGV[1] field, ARGV[2] limit, ARGV[3] ttl seconds.
var consumeScript = redis.NewScript(`
local cur = tonumber(redis.call('HGET', KEYS[1], ARGV[1]) or '0')
local limit = tonumber(ARGV[2])
if limit >= 0 and cur >= limit then
  return {cur, 0}
end
cur = redis.call('HINCRBY', KEYS[1], ARGV[1], 1)
redis.call('EXPIRE', KEYS[1], tonumber(ARGV[3]))
return {cur, 1}
`)

// UsageStore keeps per-user daily counters in a hash keyed by UTC date, so
// a new day starts from an empty hash.
type UsageStore struct {
	client *Client
}

// NewUsageStore creates a usage store.
func NewUsageStore(client *Client) *UsageStore {
	return &UsageStore{client: client}
}

func usageKey(userID uuid.UUID, day time.Time) string {
	return fmt.Sprintf("usage:%s:%s", userID, db.DayOf(day).Format("2006-01-02"))
}

// ConsumeUsage atomically checks and increments one counter.
func (s *UsageStore) ConsumeUsage(ctx context.Context, userID uuid.UUID, day time.Time, field string, limit int) (int, bool, error) {
	if field != db.UsageChecks && field != db.UsageAlerts {
		return 0, false, fmt.Errorf("unknown usage field %q", field)
	}
	res, err := consumeScript.Run(ctx, s.client.rdb,
		[]string{usageKey(userID, day)},
		field, limit, int(usageTTL.Seconds()),
	).Int64Slice()
	if err != nil {
		return 0, false, fmt.Errorf("redis consume usage: %w", err)
	}
	if len(res) != 2 {
		return 0, false, fmt.Errorf("redis consume usage: unexpected reply %v", res)
	}
	return int(res[0]), res[1] == 1, nil
}

// GetUsage reads the day's counters. Missing fields read as zero.
func (s *UsageStore) GetUsage(ctx context.Context, userID uuid.UUID, day time.Time) (*db.UsageCounter, error) {
	vals, err := s.client.rdb.HGetAll(ctx, usageKey(userID, day)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis get usage: %w", err)
	}
	u := &db.UsageCounter{UserID: userID, Date: db.DayOf(day)}
	if u.ChecksUsed, err = atoiOrZero(vals[db.UsageChecks]); err != nil {
		return nil, err
	}
	if u.AlertsUsed, err = atoiOrZero(vals[db.UsageAlerts]); err != nil {
		return nil, err
	}
	return u, nil
}

func atoiOrZero(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("corrupt usage counter %q: %w", s, err)
	}
	return n, nil
}
