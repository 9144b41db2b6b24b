package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrLockHeld indicates another replica holds the lock.
var ErrLockHeld = errors.New("lock already held")

// releaseScript deletes the key only if it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// RunLock keeps two replicas from running the same scheduling cycle at once.
type RunLock struct {
	client *Client
	logger *zap.Logger
}

// NewRunLock creates a run lock.
func NewRunLock(client *Client, logger *zap.Logger) *RunLock {
	return &RunLock{client: client, logger: logger}
}

// Acquire takes the named lock for ttl using SET NX. It returns ErrLockHeld
// when the lock is taken. The returned release is safe to call after the
// lease expired; it never deletes a lock re-taken by someone else.
func (l *RunLock) Acquire(ctx context.Context, name string, ttl time.Duration) (func(context.Context) error, error) {
	key := fmt.Sprintf("lock:%s", name)
	token := uuid.NewString()

	ok, err := l.client.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis setnx failed: %w", err)
	}
	if !ok {
		return nil, ErrLockHeld
	}

	l.logger.Debug("lock acquired", zap.String("lock", name), zap.Duration("ttl", ttl))

	release := func(ctx context.Context) error {
		if err := releaseScript.Run(ctx, l.client.rdb, []string{key}, token).Err(); err != nil {
			return fmt.Errorf("redis release lock: %w", err)
		}
		return nil
	}
	return release, nil
}
