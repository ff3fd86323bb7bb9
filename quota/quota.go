// Package quota enforces per-API daily budgets for outbound calls to
// third-party services. Counters are durable rows keyed by (api, day)
// with optimistic concurrency, so concurrent callers never double-spend
// and never lose an increment.
package quota

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound signals that no usage row exists for the (api, day) key.
	ErrNotFound = errors.New("quota usage not found")
	// ErrConflict signals a lost compare-and-swap race; callers re-read
	// and retry.
	ErrConflict = errors.New("quota version conflict")
	// ErrBackend wraps storage failures.
	ErrBackend = errors.New("quota backend unavailable")
)

// Usage is one durable counter row. Version increments on every write and
// guards the compare-and-swap in Repository.Put.
type Usage struct {
	API     string
	Date    string
	Count   int64
	Version int64
}

// Repository persists usage rows. Put with expectedVersion 0 inserts a
// new row and fails with ErrConflict when one already exists; any other
// expectedVersion replaces the row only when the stored version matches.
type Repository interface {
	Get(ctx context.Context, api, date string) (Usage, error)
	Put(ctx context.Context, usage Usage, expectedVersion int64) error
}

// Config tunes the limiter. Limits overrides DefaultDailyLimit per API
// name; APIs without an entry use the default.
type Config struct {
	Enabled           bool
	DefaultDailyLimit int64
	Limits            map[string]int64
}

// Limiter answers "may I make this call today" against a Repository.
type Limiter struct {
	config Config
	repo   Repository
	now    func() time.Time
}

const casMaxRetries = 8

func NewLimiter(cfg Config, repo Repository, now func() time.Time) (*Limiter, error) {
	if cfg.Enabled && repo == nil {
		return nil, errors.New("quota repository required")
	}
	if cfg.Enabled && cfg.DefaultDailyLimit <= 0 {
		return nil, errors.New("quota default daily limit must be positive")
	}
	if now == nil {
		now = time.Now
	}
	return &Limiter{
		config: cfg,
		repo:   repo,
		now:    now,
	}, nil
}

func (l *Limiter) limitFor(api string) int64 {
	if limit, ok := l.config.Limits[api]; ok {
		return limit
	}
	return l.config.DefaultDailyLimit
}

// dateKey is the UTC calendar date; a new row starts at midnight UTC.
func (l *Limiter) dateKey() string {
	return l.now().UTC().Format("2006-01-02")
}

// TryIncrement consumes one unit of today's budget. It returns false
// without consuming anything when the budget is exhausted. Lost races are
// retried with a fresh read.
func (l *Limiter) TryIncrement(ctx context.Context, api string) (bool, error) {
	if !l.config.Enabled {
		return true, nil
	}

	limit := l.limitFor(api)
	date := l.dateKey()

	for i := 0; i < casMaxRetries; i++ {
		usage, err := l.repo.Get(ctx, api, date)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return false, err
		}
		if errors.Is(err, ErrNotFound) {
			usage = Usage{API: api, Date: date}
		}

		if usage.Count >= limit {
			return false, nil
		}

		next := usage
		next.Count++
		next.Version++
		if err := l.repo.Put(ctx, next, usage.Version); err != nil {
			if errors.Is(err, ErrConflict) {
				continue
			}
			return false, err
		}
		return true, nil
	}

	return false, ErrConflict
}

// CanMakeRequest reports whether budget remains without consuming any.
func (l *Limiter) CanMakeRequest(ctx context.Context, api string) (bool, error) {
	remaining, err := l.Remaining(ctx, api)
	if err != nil {
		return false, err
	}
	return remaining > 0, nil
}

// Remaining reports today's unconsumed budget for the API.
func (l *Limiter) Remaining(ctx context.Context, api string) (int64, error) {
	if !l.config.Enabled {
		return l.limitFor(api), nil
	}

	usage, err := l.repo.Get(ctx, api, l.dateKey())
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return l.limitFor(api), nil
		}
		return 0, err
	}

	remaining := l.limitFor(api) - usage.Count
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}
