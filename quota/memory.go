package quota

import (
	"context"
	"sync"
)

// MemoryRepository is the single-instance repository: a mutex-guarded map
// with the same compare-and-swap contract as the durable backends.
type MemoryRepository struct {
	mu   sync.Mutex
	rows map[string]Usage
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		rows: make(map[string]Usage),
	}
}

func rowKey(api, date string) string {
	return api + "|" + date
}

func (r *MemoryRepository) Get(_ context.Context, api, date string) (Usage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	usage, ok := r.rows[rowKey(api, date)]
	if !ok {
		return Usage{}, ErrNotFound
	}
	return usage, nil
}

func (r *MemoryRepository) Put(_ context.Context, usage Usage, expectedVersion int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := rowKey(usage.API, usage.Date)
	current, exists := r.rows[key]

	if expectedVersion == 0 {
		if exists {
			return ErrConflict
		}
	} else if !exists || current.Version != expectedVersion {
		return ErrConflict
	}

	r.rows[key] = usage
	return nil
}
