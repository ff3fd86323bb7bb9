package trackers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisTracker shares counters across engine instances through Redis
// fixed-window counters (INCR with a TTL set on the first hit).
type RedisTracker struct {
	redis     redis.UniversalClient
	keyPrefix string
}

func NewRedisTracker(client redis.UniversalClient, keyPrefix string) *RedisTracker {
	return &RedisTracker{
		redis:     client,
		keyPrefix: keyPrefix,
	}
}

func (t *RedisTracker) Hit(ctx context.Context, key string, window time.Duration) (int64, error) {
	fullKey := t.keyPrefix + key

	count, err := t.redis.Incr(ctx, fullKey).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	// Fixed-window semantics: only the first hit in the window arms the TTL.
	if count == 1 {
		if err := t.redis.Expire(ctx, fullKey, window).Err(); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
	}

	return count, nil
}

func (t *RedisTracker) Count(ctx context.Context, key string) (int64, error) {
	count, err := t.redis.Get(ctx, t.keyPrefix+key).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if count < 0 {
		return 0, nil
	}
	return count, nil
}

func (t *RedisTracker) Reset(ctx context.Context, key string) error {
	if err := t.redis.Del(ctx, t.keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}
