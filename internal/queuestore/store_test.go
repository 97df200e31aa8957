package queuestore

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// setupTestStore creates a Store connected to a test Redis instance.
// Requires Redis running on localhost:6379. Tests are skipped if unavailable.
func setupTestStore(t *testing.T) (*Store, context.Context) {
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

	return New(rdb), ctx
}

func TestEnqueueAndPopRandom(t *testing.T) {
	s, ctx := setupTestStore(t)

	if err := s.Enqueue(ctx, "alice", []string{"music", "gaming"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	member, ok, err := s.PopRandom(ctx, "MUSIC")
	if err != nil {
		t.Fatalf("PopRandom: %v", err)
	}
	if ok {
		t.Errorf("expected no pop from MUSIC, queue only has lower-case tag under music")
	}

	member, ok, err = s.PopRandom(ctx, "music")
	if err != nil {
		t.Fatalf("PopRandom: %v", err)
	}
	if !ok || member != "alice" {
		t.Errorf("expected to pop alice from music, got %q ok=%v", member, ok)
	}

	_, ok, err = s.PopRandom(ctx, "music")
	if err != nil {
		t.Fatalf("PopRandom (empty): %v", err)
	}
	if ok {
		t.Errorf("expected empty queue after pop, got a member")
	}
}

func TestRequeue(t *testing.T) {
	s, ctx := setupTestStore(t)

	if err := s.Requeue(ctx, "anime", "bob"); err != nil {
		t.Fatalf("Requeue: %v", err)
	}

	member, ok, err := s.PopRandom(ctx, "anime")
	if err != nil {
		t.Fatalf("PopRandom: %v", err)
	}
	if !ok || member != "bob" {
		t.Errorf("expected bob back from anime queue, got %q ok=%v", member, ok)
	}
}

func TestUserInterestsAndRemoveFromQueues(t *testing.T) {
	s, ctx := setupTestStore(t)

	if err := s.Enqueue(ctx, "carol", []string{"film", "music"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	tags, err := s.UserInterests(ctx, "carol")
	if err != nil {
		t.Fatalf("UserInterests: %v", err)
	}
	if len(tags) != 2 {
		t.Fatalf("expected 2 interests, got %v", tags)
	}

	if err := s.RemoveFromQueues(ctx, "carol", tags); err != nil {
		t.Fatalf("RemoveFromQueues: %v", err)
	}

	tags, err = s.UserInterests(ctx, "carol")
	if err != nil {
		t.Fatalf("UserInterests after remove: %v", err)
	}
	if len(tags) != 0 {
		t.Errorf("expected no interests after removal, got %v", tags)
	}

	for _, tag := range []string{"film", "music"} {
		_, ok, err := s.PopRandom(ctx, tag)
		if err != nil {
			t.Fatalf("PopRandom %s: %v", tag, err)
		}
		if ok {
			t.Errorf("expected %s queue empty after removal", tag)
		}
	}
}

func TestRemoveFromQueuesIdempotent(t *testing.T) {
	s, ctx := setupTestStore(t)

	if err := s.RemoveFromQueues(ctx, "dave", []string{"music"}); err != nil {
		t.Fatalf("first RemoveFromQueues: %v", err)
	}
	if err := s.RemoveFromQueues(ctx, "dave", []string{"music"}); err != nil {
		t.Fatalf("second RemoveFromQueues (idempotent): %v", err)
	}
}

func TestAllInterests(t *testing.T) {
	s, ctx := setupTestStore(t)

	if err := s.Enqueue(ctx, "erin", []string{"gaming", "music"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	all, err := s.AllInterests(ctx)
	if err != nil {
		t.Fatalf("AllInterests: %v", err)
	}

	seen := map[string]bool{}
	for _, t := range all {
		seen[t] = true
	}
	if !seen["gaming"] || !seen["music"] {
		t.Errorf("expected gaming and music in all_interests, got %v", all)
	}
}

func TestPopularCountsWindowTrim(t *testing.T) {
	s, ctx := setupTestStore(t)

	now := time.Now()
	old := now.Add(-20 * time.Minute)

	if err := s.RecordPopularity(ctx, "MUSIC", "u1", old); err != nil {
		t.Fatalf("RecordPopularity old: %v", err)
	}
	if err := s.RecordPopularity(ctx, "MUSIC", "u2", now); err != nil {
		t.Fatalf("RecordPopularity now: %v", err)
	}

	counts, err := s.PopularCounts(ctx, now)
	if err != nil {
		t.Fatalf("PopularCounts: %v", err)
	}

	var got int64 = -1
	for _, c := range counts {
		if c.Tag == "MUSIC" {
			got = c.Count
		}
	}
	if got != 1 {
		t.Errorf("expected MUSIC count 1 after window trim, got %d", got)
	}
}

func TestCountKeysWithPrefix(t *testing.T) {
	s, ctx := setupTestStore(t)

	if err := s.Enqueue(ctx, "frank", []string{"music"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	count, err := s.CountKeysWithPrefix(ctx, userInterestsPrefix)
	if err != nil {
		t.Fatalf("CountKeysWithPrefix: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 user_interests key, got %d", count)
	}
}
