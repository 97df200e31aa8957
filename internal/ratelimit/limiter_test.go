package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// setupTestLimiter creates a Limiter connected to a test Redis instance.
// Requires Redis running on localhost:6379. Tests are skipped if unavailable.
func setupTestLimiter(t *testing.T) (*Limiter, context.Context) {
	t.Helper()

	rdb := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15,
	})

	ctx := context.Background()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skipf("skipping: Redis not available: %v", err)
	}

	rdb.FlushDB(ctx)
	t.Cleanup(func() {
		rdb.FlushDB(ctx)
		rdb.Close()
	})

	return NewLimiter(rdb), ctx
}

func TestAllowWithinLimit(t *testing.T) {
	l, ctx := setupTestLimiter(t)
	rule := NewMatchRule(3, time.Minute)

	for i := 0; i < 3; i++ {
		allowed, err := l.Allow(ctx, "alice", rule)
		if err != nil {
			t.Fatalf("Allow: %v", err)
		}
		if !allowed {
			t.Fatalf("expected request %d to be allowed", i+1)
		}
	}
}

func TestAllowBlocksOverLimit(t *testing.T) {
	l, ctx := setupTestLimiter(t)
	rule := NewMatchRule(2, time.Minute)

	for i := 0; i < 2; i++ {
		if allowed, err := l.Allow(ctx, "bob", rule); err != nil || !allowed {
			t.Fatalf("expected request %d to be allowed, got allowed=%v err=%v", i+1, allowed, err)
		}
	}

	allowed, err := l.Allow(ctx, "bob", rule)
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if allowed {
		t.Fatal("expected the third request to be rate-limited")
	}
}

func TestRemainingTracksUsage(t *testing.T) {
	l, ctx := setupTestLimiter(t)
	rule := NewMatchRule(5, time.Minute)

	remaining, err := l.Remaining(ctx, "carol", rule)
	if err != nil {
		t.Fatalf("Remaining: %v", err)
	}
	if remaining != 5 {
		t.Errorf("expected full limit before any requests, got %d", remaining)
	}

	if _, err := l.Allow(ctx, "carol", rule); err != nil {
		t.Fatalf("Allow: %v", err)
	}

	remaining, err = l.Remaining(ctx, "carol", rule)
	if err != nil {
		t.Fatalf("Remaining: %v", err)
	}
	if remaining != 4 {
		t.Errorf("expected 4 remaining after one request, got %d", remaining)
	}
}
