package extraction

import (
	"context"
	"errors"
	"fmt"

	"docflow-backend/internal/documents"
)

// CancelledMessage is the error message left on a document whose extraction
// stopped because of a cancellation request.
const CancelledMessage = "extraction cancelled by user"

// ErrCancelled stops an extraction at the next batch boundary.
var ErrCancelled = errors.New(CancelledMessage)

// StateReader reads the persisted document.
type StateReader interface {
	GetByID(ctx context.Context, id string) (documents.Document, error)
}

// Gate answers whether a document has been cancelled. It always reads the
// stored state, never a cached copy, so a cancel committed by another
// request is seen at the next check.
type Gate struct {
	Repo StateReader
}

// Check returns ErrCancelled when the stored document is CANCELLED and
// documents.ErrSuperseded when a non-zero attempt no longer owns it.
func (g Gate) Check(ctx context.Context, docID string, attempt int) error {
	doc, err := g.Repo.GetByID(ctx, docID)
	if err != nil {
		return fmt.Errorf("read state: %w", err)
	}
	if attempt != 0 && doc.Attempt != attempt {
		return fmt.Errorf("%w: stored attempt is %d, run holds %d", documents.ErrSuperseded, doc.Attempt, attempt)
	}
	if doc.State == documents.StateCancelled {
		return ErrCancelled
	}
	return nil
}

// cancelledConcurrently reports whether err is a rejected write caused by
// the document having moved to CANCELLED underneath the caller.
func cancelledConcurrently(err error) bool {
	var te *documents.TransitionError
	return errors.As(err, &te) && !te.Superseded && te.Current == documents.StateCancelled
}
