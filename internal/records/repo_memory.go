package records

import (
	"context"
	"slices"
	"sync"
)

// MemoryRepo is an in-memory implementation of Repo.
type MemoryRepo struct {
	mu   sync.RWMutex
	data map[string]Set
}

// NewMemoryRepo constructs a MemoryRepo.
func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{data: make(map[string]Set)}
}

func (r *MemoryRepo) ReplaceForDocument(ctx context.Context, documentID string, set Set) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data[documentID] = Set{
		Extracted:  slices.Clone(set.Extracted),
		Unverified: slices.Clone(set.Unverified),
	}
	return nil
}

func (r *MemoryRepo) ListByDocument(ctx context.Context, documentID string) (Set, error) {
	if err := ctx.Err(); err != nil {
		return Set{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.data[documentID]
	return Set{
		Extracted:  slices.Clone(set.Extracted),
		Unverified: slices.Clone(set.Unverified),
	}, nil
}

var _ Repo = (*MemoryRepo)(nil)
