package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestRunLock_Exclusive(t *testing.T) {
	client, _ := setupTestRedis(t)
	lock := NewRunLock(client, zap.NewNop())
	ctx := context.Background()

	release, err := lock.Acquire(ctx, "run-cycle", time.Minute)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	if _, err := lock.Acquire(ctx, "run-cycle", time.Minute); !errors.Is(err, ErrLockHeld) {
		t.Fatalf("expected ErrLockHeld, got %v", err)
	}

	if err := release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := lock.Acquire(ctx, "run-cycle", time.Minute); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
}

func TestRunLock_StaleReleaseKeepsNewOwner(t *testing.T) {
	client, mr := setupTestRedis(t)
	lock := NewRunLock(client, zap.NewNop())
	ctx := context.Background()

	staleRelease, err := lock.Acquire(ctx, "run-cycle", time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	mr.FastForward(2 * time.Second)

	if _, err := lock.Acquire(ctx, "run-cycle", time.Minute); err != nil {
		t.Fatalf("acquire after expiry: %v", err)
	}
	if err := staleRelease(ctx); err != nil {
		t.Fatalf("stale release: %v", err)
	}
	if !mr.Exists("lock:run-cycle") {
		t.Fatal("stale release must not delete the new owner's lock")
	}
}
