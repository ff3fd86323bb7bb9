package oauth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func testBundle() TokenBundle {
	return TokenBundle{
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		ExpiresAt:    time.Date(2026, 8, 28, 12, 15, 0, 0, time.UTC),
		Email:        "alice@example.com",
		Name:         "Alice",
	}
}

func TestMemoryCacheSingleRedemption(t *testing.T) {
	cache := NewMemoryExchangeCache(nil)
	ctx := context.Background()

	if err := cache.Store(ctx, "code-1", testBundle(), time.Minute); err != nil {
		t.Fatalf("Store error: %v", err)
	}

	bundle, err := cache.Take(ctx, "code-1")
	if err != nil {
		t.Fatalf("Take error: %v", err)
	}
	if bundle.AccessToken != "access-1" || bundle.Email != "alice@example.com" {
		t.Fatalf("unexpected bundle: %+v", bundle)
	}

	if _, err := cache.Take(ctx, "code-1"); !errors.Is(err, ErrCodeNotFound) {
		t.Fatalf("expected ErrCodeNotFound on second Take, got %v", err)
	}
}

func TestMemoryCacheExpiry(t *testing.T) {
	now := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	cache := NewMemoryExchangeCache(func() time.Time { return now })
	ctx := context.Background()

	if err := cache.Store(ctx, "code-1", testBundle(), time.Minute); err != nil {
		t.Fatalf("Store error: %v", err)
	}
	now = now.Add(2 * time.Minute)

	if _, err := cache.Take(ctx, "code-1"); !errors.Is(err, ErrCodeNotFound) {
		t.Fatalf("expected ErrCodeNotFound after expiry, got %v", err)
	}
}

func TestMemoryCacheUnknownCode(t *testing.T) {
	cache := NewMemoryExchangeCache(nil)

	if _, err := cache.Take(context.Background(), "never-stored"); !errors.Is(err, ErrCodeNotFound) {
		t.Fatalf("expected ErrCodeNotFound, got %v", err)
	}
}

func newRedisCache(t *testing.T) (*RedisExchangeCache, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewRedisExchangeCache(client, "oxc"), mr
}

func TestRedisCacheSingleRedemption(t *testing.T) {
	cache, _ := newRedisCache(t)
	ctx := context.Background()

	if err := cache.Store(ctx, "code-1", testBundle(), time.Minute); err != nil {
		t.Fatalf("Store error: %v", err)
	}

	bundle, err := cache.Take(ctx, "code-1")
	if err != nil {
		t.Fatalf("Take error: %v", err)
	}
	if bundle.RefreshToken != "refresh-1" {
		t.Fatalf("unexpected bundle: %+v", bundle)
	}

	if _, err := cache.Take(ctx, "code-1"); !errors.Is(err, ErrCodeNotFound) {
		t.Fatalf("expected ErrCodeNotFound on second Take, got %v", err)
	}
}

func TestRedisCacheExpiry(t *testing.T) {
	cache, mr := newRedisCache(t)
	ctx := context.Background()

	if err := cache.Store(ctx, "code-1", testBundle(), time.Minute); err != nil {
		t.Fatalf("Store error: %v", err)
	}
	mr.FastForward(2 * time.Minute)

	if _, err := cache.Take(ctx, "code-1"); !errors.Is(err, ErrCodeNotFound) {
		t.Fatalf("expected ErrCodeNotFound after TTL, got %v", err)
	}
}
