// Package queuestore is the Queue Store component: a narrow abstraction over
// the shared durable store (Redis) for the data model in §3 of the
// matchmaking spec — interest queues, per-user interest membership, the
// all-interests index, and popularity sorted sets. Session records live in
// internal/sessionmgr; the notification topic lives in internal/notifybus.
//
// All multi-key operations here are best-effort atomic, per spec §4.2:
// correctness comes from the store's atomic pop-random primitive (Redis
// SPOP) plus idempotent cleanup, not from cross-key transactions.
package queuestore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	interestKeyPrefix     = "interest:"
	userInterestsPrefix   = "user_interests:"
	allInterestsKey       = "all_interests"
	popularKeyPrefix      = "popular:"
	popularWindow         = 10 * time.Minute
	scanPageSize    int64 = 200

	// WildcardTag is the reserved interest name for callers with no tags.
	WildcardTag = "WILDCARD_ANY"
)

// Store wraps a Redis client with the matching-specific key layout.
type Store struct {
	rdb *redis.Client
}

// New creates a Store backed by the given Redis client.
func New(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

// Client returns the underlying Redis client for use by other components
// that share the same connection (session manager, health checks).
func (s *Store) Client() *redis.Client {
	return s.rdb
}

func interestKey(tag string) string {
	return interestKeyPrefix + tag
}

func userInterestsKey(userID string) string {
	return userInterestsPrefix + userID
}

func popularKey(tag string) string {
	return popularKeyPrefix + tag
}

// PopRandom atomically removes and returns one random member of the given
// tag's interest queue. ok is false if the queue was empty.
func (s *Store) PopRandom(ctx context.Context, tag string) (member string, ok bool, err error) {
	member, err = s.rdb.SPop(ctx, interestKey(tag)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("queuestore: pop random from %s: %w", tag, err)
	}
	return member, true, nil
}

// Requeue re-adds a member to a tag's interest queue. Used to undo a self-pop
// or to push back a partner whose common-interest set turned out empty.
func (s *Store) Requeue(ctx context.Context, tag, userID string) error {
	if err := s.rdb.SAdd(ctx, interestKey(tag), userID).Err(); err != nil {
		return fmt.Errorf("queuestore: requeue %s into %s: %w", userID, tag, err)
	}
	return nil
}

// UserInterests returns the set of tags a user is currently enqueued under.
// Returns an empty (nil) slice, not an error, if the user has no record.
func (s *Store) UserInterests(ctx context.Context, userID string) ([]string, error) {
	tags, err := s.rdb.SMembers(ctx, userInterestsKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("queuestore: user interests for %s: %w", userID, err)
	}
	return tags, nil
}

// RemoveFromQueues removes userID from each listed interest queue and
// deletes its user_interests record. Idempotent: calling it twice in a row
// is a no-op the second time.
func (s *Store) RemoveFromQueues(ctx context.Context, userID string, tags []string) error {
	pipe := s.rdb.Pipeline()
	for _, tag := range tags {
		pipe.SRem(ctx, interestKey(tag), userID)
	}
	pipe.Del(ctx, userInterestsKey(userID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queuestore: remove %s from queues: %w", userID, err)
	}
	return nil
}

// Enqueue adds userID to each tag's interest queue and records the
// membership set under user_interests:<userID>.
func (s *Store) Enqueue(ctx context.Context, userID string, tags []string) error {
	pipe := s.rdb.Pipeline()
	for _, tag := range tags {
		pipe.SAdd(ctx, interestKey(tag), userID)
		pipe.SAdd(ctx, allInterestsKey, tag)
	}
	if len(tags) > 0 {
		members := make([]interface{}, len(tags))
		for i, tag := range tags {
			members[i] = tag
		}
		pipe.SAdd(ctx, userInterestsKey(userID), members...)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queuestore: enqueue %s: %w", userID, err)
	}
	return nil
}

// AllInterests returns every tag ever observed, including WildcardTag if a
// wildcard caller has ever enqueued. Order is unspecified, per spec §4.1.
func (s *Store) AllInterests(ctx context.Context) ([]string, error) {
	tags, err := s.rdb.SMembers(ctx, allInterestsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("queuestore: all interests: %w", err)
	}
	return tags, nil
}

// RecordPopularity adds one enrollment event for tag at the given time.
func (s *Store) RecordPopularity(ctx context.Context, tag string, userID string, at time.Time) error {
	err := s.rdb.ZAdd(ctx, popularKey(tag), redis.Z{
		Score:  float64(at.UnixMilli()),
		Member: userID,
	}).Err()
	if err != nil {
		return fmt.Errorf("queuestore: record popularity for %s: %w", tag, err)
	}
	return nil
}

// TagCount is one row of the popularity leaderboard.
type TagCount struct {
	Tag   string
	Count int64
}

// PopularCounts scans all popular:* keys, trims entries older than the
// 10-minute window, and returns the remaining cardinality per tag. Trim and
// read for every key of one scan page happen in one pipelined round trip.
func (s *Store) PopularCounts(ctx context.Context, now time.Time) ([]TagCount, error) {
	cutoff := float64(now.Add(-popularWindow).UnixMilli())

	var counts []TagCount
	var cursor uint64
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, popularKeyPrefix+"*", scanPageSize).Result()
		if err != nil {
			return nil, fmt.Errorf("queuestore: scan popular keys: %w", err)
		}

		if len(keys) > 0 {
			pipe := s.rdb.Pipeline()
			cards := make([]*redis.IntCmd, len(keys))
			for i, key := range keys {
				pipe.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("(%f", cutoff))
				cards[i] = pipe.ZCard(ctx, key)
			}
			if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
				return nil, fmt.Errorf("queuestore: trim popular keys: %w", err)
			}
			for i, key := range keys {
				tag := key[len(popularKeyPrefix):]
				counts = append(counts, TagCount{Tag: tag, Count: cards[i].Val()})
			}
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}
	return counts, nil
}

// CountKeysWithPrefix scans the keyspace and counts keys matching
// "<prefix>*". Used by the health endpoint; O(keyspace) and not on any hot
// path.
func (s *Store) CountKeysWithPrefix(ctx context.Context, prefix string) (int64, error) {
	var count int64
	var cursor uint64
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, prefix+"*", scanPageSize).Result()
		if err != nil {
			return 0, fmt.Errorf("queuestore: scan prefix %s: %w", prefix, err)
		}
		count += int64(len(keys))
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return count, nil
}

// Ping verifies connectivity to the durable store.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("queuestore: ping: %w", err)
	}
	return nil
}
