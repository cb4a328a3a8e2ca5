package documents

import (
	"context"
	"slices"
	"sort"
	"sync"
)

// MemoryRepo is an in-memory implementation of DocumentsRepo.
type MemoryRepo struct {
	mu      sync.RWMutex
	docs    map[string]Document // documentID -> document
	history map[string][]Transition
}

// NewMemoryRepo constructs a MemoryRepo.
func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		docs:    make(map[string]Document),
		history: make(map[string][]Transition),
	}
}

// Create stores a new document.
func (r *MemoryRepo) Create(ctx context.Context, doc Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if doc.ID == "" || doc.UserID == "" {
		return ErrInvalidInput
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.docs[doc.ID]; exists {
		return ErrInvalidInput
	}
	r.docs[doc.ID] = doc
	return nil
}

// GetByID returns a document by ID.
func (r *MemoryRepo) GetByID(ctx context.Context, documentID string) (Document, error) {
	if err := ctx.Err(); err != nil {
		return Document{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	doc, ok := r.docs[documentID]
	if !ok {
		return Document{}, ErrNotFound
	}
	return doc, nil
}

// ListByUser returns documents for a user, newest first, honoring limit/offset.
func (r *MemoryRepo) ListByUser(ctx context.Context, userID string, limit, offset int) ([]Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if offset < 0 {
		offset = 0
	}
	if limit < 0 {
		limit = 0
	}

	r.mu.RLock()
	var docs []Document
	for _, doc := range r.docs {
		if doc.UserID == userID {
			docs = append(docs, doc)
		}
	}
	r.mu.RUnlock()

	if offset >= len(docs) {
		return []Document{}, nil
	}
	sort.Slice(docs, func(i, j int) bool {
		return docs[i].CreatedAt.After(docs[j].CreatedAt)
	})

	end := len(docs)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return docs[offset:end], nil
}

// ApplyTransition writes upd if the stored state is one of from.
func (r *MemoryRepo) ApplyTransition(ctx context.Context, documentID string, from []State, upd Update) (Document, error) {
	if err := ctx.Err(); err != nil {
		return Document{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, ok := r.docs[documentID]
	if !ok {
		return Document{}, ErrNotFound
	}
	if err := checkWrite(documentID, doc.State, doc.Attempt, from, upd); err != nil {
		return Document{}, err
	}
	prev := doc.State
	doc = upd.Apply(doc)
	r.docs[documentID] = doc
	r.history[documentID] = append(r.history[documentID], Transition{
		DocumentID:   documentID,
		From:         prev,
		To:           upd.State,
		Progress:     upd.Progress,
		ErrorMessage: upd.ErrorMessage,
		At:           upd.At,
	})
	return doc, nil
}

// ListTransitions returns the recorded transitions in write order.
func (r *MemoryRepo) ListTransitions(ctx context.Context, documentID string) ([]Transition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.docs[documentID]; !ok {
		return nil, ErrNotFound
	}
	return slices.Clone(r.history[documentID]), nil
}

var _ DocumentsRepo = (*MemoryRepo)(nil)
