package trackers

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	count     int64
	windowEnd time.Time
}

// MemoryTracker is the single-instance tracker. Counters live in process
// memory, so two engine instances behind a load balancer each keep their
// own budget; deployments with more than one instance should use the
// Redis tracker instead.
type MemoryTracker struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

func NewMemoryTracker(now func() time.Time) *MemoryTracker {
	if now == nil {
		now = time.Now
	}
	return &MemoryTracker{
		entries: make(map[string]memoryEntry),
		now:     now,
	}
}

func (t *MemoryTracker) Hit(_ context.Context, key string, window time.Duration) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	entry, ok := t.entries[key]
	if !ok || now.After(entry.windowEnd) {
		entry = memoryEntry{windowEnd: now.Add(window)}
	}
	entry.count++
	t.entries[key] = entry

	return entry.count, nil
}

func (t *MemoryTracker) Count(_ context.Context, key string) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.entries[key]
	if !ok || t.now().After(entry.windowEnd) {
		return 0, nil
	}
	return entry.count, nil
}

func (t *MemoryTracker) Reset(_ context.Context, key string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.entries, key)
	return nil
}

// Sweep removes expired entries. Optional; long-running processes can call
// it periodically to keep the map bounded.
func (t *MemoryTracker) Sweep() {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	for key, entry := range t.entries {
		if now.After(entry.windowEnd) {
			delete(t.entries, key)
		}
	}
}
