package documents

import "context"

// DocumentsRepo defines persistence operations for documents.
type DocumentsRepo interface {
	Create(ctx context.Context, doc Document) error
	GetByID(ctx context.Context, documentID string) (Document, error)
	ListByUser(ctx context.Context, userID string, limit, offset int) ([]Document, error)
	// ApplyTransition writes upd iff the current state is one of from, and
	// records the transition. It returns a *TransitionError otherwise.
	ApplyTransition(ctx context.Context, documentID string, from []State, upd Update) (Document, error)
	ListTransitions(ctx context.Context, documentID string) ([]Transition, error)
}
