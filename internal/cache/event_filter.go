package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// EventFilter remembers provider event ids to short-circuit redeliveries.
// It is an optimisation only; settlement stays idempotent without it.
type EventFilter interface {
	Seen(ctx context.Context, eventID string) (bool, error)
	// Remember records an id once its event has been fully processed.
	Remember(ctx context.Context, eventID string) error
}

// RedisEventFilter keeps processed event ids as keys with a TTL.
type RedisEventFilter struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisEventFilter(rdb *redis.Client, ttl time.Duration) *RedisEventFilter {
	return &RedisEventFilter{rdb: rdb, ttl: ttl}
}

func (f *RedisEventFilter) Seen(ctx context.Context, eventID string) (bool, error) {
	n, err := f.rdb.Exists(ctx, key(eventID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (f *RedisEventFilter) Remember(ctx context.Context, eventID string) error {
	return f.rdb.Set(ctx, key(eventID), "1", f.ttl).Err()
}

func key(eventID string) string {
	return "webhook:event:" + eventID
}

// NoopEventFilter treats every event as new.
type NoopEventFilter struct{}

func (NoopEventFilter) Seen(context.Context, string) (bool, error) { return false, nil }
func (NoopEventFilter) Remember(context.Context, string) error     { return nil }

var (
	_ EventFilter = (*RedisEventFilter)(nil)
	_ EventFilter = NoopEventFilter{}
)
