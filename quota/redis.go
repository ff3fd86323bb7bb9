package quota

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis rows self-expire well after the day they describe so stale
// counters never accumulate.
const redisRowTTL = 48 * time.Hour

// RedisRepository shares usage rows across instances. The version check
// rides on WATCH: a concurrent write between read and commit aborts the
// transaction and surfaces as ErrConflict.
type RedisRepository struct {
	redis     redis.UniversalClient
	keyPrefix string
}

func NewRedisRepository(client redis.UniversalClient, keyPrefix string) *RedisRepository {
	if keyPrefix == "" {
		keyPrefix = "quota"
	}
	return &RedisRepository{
		redis:     client,
		keyPrefix: keyPrefix,
	}
}

func (r *RedisRepository) key(api, date string) string {
	return r.keyPrefix + ":" + api + ":" + date
}

// Rows are stored as "version|count".
func encodeRow(usage Usage) string {
	return strconv.FormatInt(usage.Version, 10) + "|" + strconv.FormatInt(usage.Count, 10)
}

func decodeRow(api, date, raw string) (Usage, error) {
	versionStr, countStr, ok := strings.Cut(raw, "|")
	if !ok {
		return Usage{}, fmt.Errorf("%w: malformed quota row %q", ErrBackend, raw)
	}
	version, err := strconv.ParseInt(versionStr, 10, 64)
	if err != nil {
		return Usage{}, fmt.Errorf("%w: malformed quota version %q", ErrBackend, raw)
	}
	count, err := strconv.ParseInt(countStr, 10, 64)
	if err != nil {
		return Usage{}, fmt.Errorf("%w: malformed quota count %q", ErrBackend, raw)
	}
	return Usage{API: api, Date: date, Count: count, Version: version}, nil
}

func (r *RedisRepository) Get(ctx context.Context, api, date string) (Usage, error) {
	raw, err := r.redis.Get(ctx, r.key(api, date)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Usage{}, ErrNotFound
		}
		return Usage{}, fmt.Errorf("%w: %v", ErrBackend, err)
	}
	return decodeRow(api, date, raw)
}

func (r *RedisRepository) Put(ctx context.Context, usage Usage, expectedVersion int64) error {
	key := r.key(usage.API, usage.Date)

	err := r.redis.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Result()
		switch {
		case errors.Is(err, redis.Nil):
			if expectedVersion != 0 {
				return ErrConflict
			}
		case err != nil:
			return err
		default:
			current, err := decodeRow(usage.API, usage.Date, raw)
			if err != nil {
				return err
			}
			if current.Version != expectedVersion {
				return ErrConflict
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, encodeRow(usage), redisRowTTL)
			return nil
		})
		return err
	}, key)

	if err != nil {
		if errors.Is(err, redis.TxFailedErr) {
			return ErrConflict
		}
		if errors.Is(err, ErrConflict) || errors.Is(err, ErrBackend) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrBackend, err)
	}
	return nil
}
