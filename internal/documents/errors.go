package documents

import (
	"errors"
	"fmt"
	"slices"
)

var (
	ErrNotFound          = errors.New("document not found")
	ErrInvalidInput      = errors.New("invalid input")
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrSuperseded marks a write from an extraction run that no longer owns
	// the document because it was re-queued.
	ErrSuperseded = errors.New("extraction attempt superseded")
)

// TransitionError describes a rejected compare-and-set on the document state.
type TransitionError struct {
	DocumentID string
	Current    State
	Target     State
	// Superseded is set when the state allowed the write but the attempt did not.
	Superseded bool
	Attempt    int
	Expected   int
}

func (e *TransitionError) Error() string {
	if e.Superseded {
		return fmt.Sprintf("document %s: attempt %d superseded by attempt %d", e.DocumentID, e.Expected, e.Attempt)
	}
	return fmt.Sprintf("document %s: cannot move from %s to %s", e.DocumentID, e.Current, e.Target)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition || (e.Superseded && target == ErrSuperseded)
}

// checkWrite validates a compare-and-set against the stored state and attempt.
func checkWrite(documentID string, current State, attempt int, from []State, upd Update) error {
	if upd.ExpectAttempt != 0 && attempt != upd.ExpectAttempt {
		return &TransitionError{
			DocumentID: documentID,
			Current:    current,
			Target:     upd.State,
			Superseded: true,
			Attempt:    attempt,
			Expected:   upd.ExpectAttempt,
		}
	}
	if !slices.Contains(from, current) {
		return &TransitionError{DocumentID: documentID, Current: current, Target: upd.State}
	}
	return nil
}
