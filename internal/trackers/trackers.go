// Package trackers provides fixed-window failure counters used for login
// lockout and MFA verification throttling. The caller owns the policy
// (window length, maximum count); a tracker only counts.
package trackers

import (
	"context"
	"errors"
	"time"
)

// ErrStoreUnavailable wraps backend failures so callers can distinguish
// infrastructure trouble from a genuinely exceeded budget.
var ErrStoreUnavailable = errors.New("attempt tracker store unavailable")

// Tracker counts failures per key within a fixed window. Hit increments
// and returns the count including this hit; the first hit in a window
// starts the window clock.
type Tracker interface {
	Hit(ctx context.Context, key string, window time.Duration) (int64, error)
	Count(ctx context.Context, key string) (int64, error)
	Reset(ctx context.Context, key string) error
}
