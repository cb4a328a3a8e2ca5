package records

import "context"

// Repo persists merge output.
type Repo interface {
	// ReplaceForDocument swaps the document's records for set atomically, so
	// a re-run never leaves records from two runs side by side.
	ReplaceForDocument(ctx context.Context, documentID string, set Set) error
	ListByDocument(ctx context.Context, documentID string) (Set, error)
}
