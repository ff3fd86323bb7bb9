package oauth

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrCodeNotFound is returned when an exchange code is unknown, expired,
// or already redeemed. The three cases are deliberately indistinguishable.
var ErrCodeNotFound = errors.New("exchange code not found")

// TokenBundle is what an exchange code redeems into: the freshly minted
// session plus the profile attributes the front end renders immediately.
type TokenBundle struct {
	AccessToken        string    `json:"access_token"`
	RefreshToken       string    `json:"refresh_token"`
	ExpiresAt          time.Time `json:"expires_at"`
	Email              string    `json:"email,omitempty"`
	Name               string    `json:"name,omitempty"`
	MustChangePassword bool      `json:"must_change_password,omitempty"`
}

// ExchangeCache maps one-time codes to token bundles. Take removes the
// entry before returning it; a second Take for the same code fails.
type ExchangeCache interface {
	Store(ctx context.Context, code string, bundle TokenBundle, ttl time.Duration) error
	Take(ctx context.Context, code string) (TokenBundle, error)
}

type memoryCacheEntry struct {
	bundle    TokenBundle
	expiresAt time.Time
}

// MemoryExchangeCache is the single-instance cache.
type MemoryExchangeCache struct {
	mu      sync.Mutex
	entries map[string]memoryCacheEntry
	now     func() time.Time
}

func NewMemoryExchangeCache(now func() time.Time) *MemoryExchangeCache {
	if now == nil {
		now = time.Now
	}
	return &MemoryExchangeCache{
		entries: make(map[string]memoryCacheEntry),
		now:     now,
	}
}

func (c *MemoryExchangeCache) Store(_ context.Context, code string, bundle TokenBundle, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Opportunistic sweep keeps the map bounded without a janitor goroutine.
	now := c.now()
	for key, entry := range c.entries {
		if now.After(entry.expiresAt) {
			delete(c.entries, key)
		}
	}

	c.entries[code] = memoryCacheEntry{
		bundle:    bundle,
		expiresAt: now.Add(ttl),
	}
	return nil
}

func (c *MemoryExchangeCache) Take(_ context.Context, code string) (TokenBundle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[code]
	if !ok {
		return TokenBundle{}, ErrCodeNotFound
	}
	delete(c.entries, code)

	if c.now().After(entry.expiresAt) {
		return TokenBundle{}, ErrCodeNotFound
	}
	return entry.bundle, nil
}
