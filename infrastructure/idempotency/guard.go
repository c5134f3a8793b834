// Package idempotency implements the consumer-side dedup guard of
// spec.md §4.2, generalizing the teacher's Postgres
// ON CONFLICT DO NOTHING table (infrastructure/idempotency/
// processed_events.go in the original) to the key-value store spec.md §1
// names as the idempotency backend, via atomic Redis SETNX.
package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// DefaultTTL is the default dedup window, per spec.md §4.2 and §6.
const DefaultTTL = 24 * time.Hour

// RedisClient is the subset of *redis.Client the guard needs, so tests can
// substitute a fake without a live Redis.
type RedisClient interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// Guard implements at-most-once effective processing over at-least-once
// delivery by recording (topic, eventId) sentinels.
type Guard struct {
	client RedisClient
	ttl    time.Duration
}

// NewGuard constructs a Guard over client. ttl is the dedup window
// (spec.md §6 IDEMPOTENCY_TTL_MS); a zero or negative ttl falls back to
// DefaultTTL.
func NewGuard(client RedisClient, ttl time.Duration) *Guard {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Guard{client: client, ttl: ttl}
}

func key(topic, eventID string) string {
	return fmt.Sprintf("idempotency:%s:%s", topic, eventID)
}

// IsDuplicate atomically attempts to record (topic, eventId) with the
// guard's configured ttl. It returns true iff the key already existed,
// meaning the caller must skip the event.
func (g *Guard) IsDuplicate(ctx context.Context, eventID, topic string) (bool, error) {
	return g.IsDuplicateTTL(ctx, eventID, topic, g.ttl)
}

// IsDuplicateTTL is IsDuplicate with a caller-chosen TTL.
func (g *Guard) IsDuplicateTTL(ctx context.Context, eventID, topic string, ttl time.Duration) (bool, error) {
	created, err := g.client.SetNX(ctx, key(topic, eventID), time.Now().UTC().Format(time.RFC3339), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("idempotency set-if-absent: %w", err)
	}
	// SetNX returns true when the key was newly set (first time seeing it).
	return !created, nil
}

// MarkProcessed records (topic, eventId) without the atomic check, for
// callers that want to mark only after downstream success.
func (g *Guard) MarkProcessed(ctx context.Context, eventID, topic string) error {
	_, err := g.client.SetNX(ctx, key(topic, eventID), time.Now().UTC().Format(time.RFC3339), g.ttl).Result()
	if err != nil {
		return fmt.Errorf("idempotency mark processed: %w", err)
	}
	return nil
}

// Remove deletes the dedup key, for tests and manual replay.
func (g *Guard) Remove(ctx context.Context, eventID, topic string) error {
	if err := g.client.Del(ctx, key(topic, eventID)).Err(); err != nil {
		return fmt.Errorf("idempotency remove: %w", err)
	}
	return nil
}
