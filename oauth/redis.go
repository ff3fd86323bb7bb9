package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrCacheBackend wraps Redis failures in the exchange cache.
var ErrCacheBackend = errors.New("exchange cache backend unavailable")

// RedisExchangeCache shares exchange codes across instances. GETDEL makes
// the read-and-invalidate a single atomic step, so two racing redemptions
// can never both succeed.
type RedisExchangeCache struct {
	redis     redis.UniversalClient
	keyPrefix string
}

func NewRedisExchangeCache(client redis.UniversalClient, keyPrefix string) *RedisExchangeCache {
	if keyPrefix == "" {
		keyPrefix = "oxc"
	}
	return &RedisExchangeCache{
		redis:     client,
		keyPrefix: keyPrefix,
	}
}

func (c *RedisExchangeCache) key(code string) string {
	return c.keyPrefix + ":" + code
}

func (c *RedisExchangeCache) Store(ctx context.Context, code string, bundle TokenBundle, ttl time.Duration) error {
	data, err := json.Marshal(bundle)
	if err != nil {
		return err
	}
	if err := c.redis.Set(ctx, c.key(code), data, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrCacheBackend, err)
	}
	return nil
}

func (c *RedisExchangeCache) Take(ctx context.Context, code string) (TokenBundle, error) {
	data, err := c.redis.GetDel(ctx, c.key(code)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return TokenBundle{}, ErrCodeNotFound
		}
		return TokenBundle{}, fmt.Errorf("%w: %v", ErrCacheBackend, err)
	}

	var bundle TokenBundle
	if err := json.Unmarshal(data, &bundle); err != nil {
		return TokenBundle{}, fmt.Errorf("%w: %v", ErrCacheBackend, err)
	}
	return bundle, nil
}
