// Package redis provides the Redis-backed coordination primitives the
// dispatch engine needs: short-lived markers that deduplicate pre-deadline
// warnings across monitor ticks and restarts.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/sparkai/dispatch/internal/domain/review"
)

var _ review.WarningMarker = (*WarningMarker)(nil)

// WarningMarker records fired warning offsets in Redis with a TTL. SET NX
// makes the mark atomic, so concurrent monitor instances agree on which one
// delivers the warning.
type WarningMarker struct {
	client *redis.Client
}

// NewWarningMarker creates a marker backed by the given Redis client.
func NewWarningMarker(client *redis.Client) *WarningMarker {
	return &WarningMarker{client: client}
}

// NewClient connects to Redis and verifies the connection.
func NewClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return client, nil
}

func warningKey(taskID uuid.UUID, minutesLeft int) string {
	return fmt.Sprintf("dispatch:warn:%s:%d", taskID, minutesLeft)
}

// MarkWarned records that the given warning offset fired for a task. Returns
// false when another instance already marked it. The TTL outlives the warning
// window so a marker never expires while its offset is still due.
func (m *WarningMarker) MarkWarned(ctx context.Context, taskID uuid.UUID, minutesLeft int, ttl time.Duration) (bool, error) {
	ok, err := m.client.SetNX(ctx, warningKey(taskID, minutesLeft), 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("mark warned %s: %w", warningKey(taskID, minutesLeft), err)
	}
	return ok, nil
}
