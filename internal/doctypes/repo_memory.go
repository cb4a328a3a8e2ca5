package doctypes

import (
	"context"
	"sort"
	"sync"
)

// MemoryRepo is an in-memory Source.
type MemoryRepo struct {
	mu    sync.RWMutex
	types map[string]DocumentType
}

// NewMemoryRepo constructs a MemoryRepo seeded with types.
func NewMemoryRepo(types ...DocumentType) *MemoryRepo {
	r := &MemoryRepo{types: make(map[string]DocumentType)}
	for _, t := range types {
		r.types[t.Name] = t
	}
	return r
}

// Upsert adds or replaces a type definition.
func (r *MemoryRepo) Upsert(t DocumentType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types[t.Name] = t
}

// ListDocumentTypes returns all types ordered by name.
func (r *MemoryRepo) ListDocumentTypes(ctx context.Context) ([]DocumentType, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	out := make([]DocumentType, 0, len(r.types))
	for _, t := range r.types {
		out = append(out, t)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

var _ Source = (*MemoryRepo)(nil)
