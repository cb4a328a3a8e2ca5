package ledger

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"docflow-backend/internal/documents"
	"docflow-backend/internal/notify"
	"docflow-backend/internal/shared/telemetry"
)

// ErrRerunNotAllowed is returned when a document has no stored file or is
// still moving through the pipeline.
var ErrRerunNotAllowed = errors.New("document cannot be re-run")

// CancelRequestedMessage is the error message written by an external cancel.
const CancelRequestedMessage = "cancellation requested by user"

// Publisher receives an event after every committed transition.
type Publisher interface {
	Publish(ctx context.Context, ev notify.StatusEvent)
}

// Change describes a requested transition.
type Change struct {
	State          documents.State
	Progress       int
	Error          string
	BlobKey        string
	BlobBucket     string
	SummaryBlobKey string
	// From narrows the accepted current states to a subset of the graph's
	// predecessors of State. Empty means every predecessor.
	From []documents.State
	// Attempt, when non-zero, is the extraction attempt the writer owns.
	Attempt int
}

// Ledger is the single writer of document state. Every write is a
// compare-and-set against the lifecycle graph followed by a notification.
type Ledger struct {
	Repo      documents.DocumentsRepo
	Publisher Publisher
	Now       func() time.Time
}

// New constructs a Ledger.
func New(repo documents.DocumentsRepo, publisher Publisher) *Ledger {
	return &Ledger{Repo: repo, Publisher: publisher, Now: time.Now}
}

// Get returns the current persisted document.
func (l *Ledger) Get(ctx context.Context, documentID string) (documents.Document, error) {
	return l.Repo.GetByID(ctx, documentID)
}

// Transition moves a document to change.State if the graph allows it from the
// stored state. Progress is clamped to [0,100].
func (l *Ledger) Transition(ctx context.Context, documentID string, change Change) (documents.Document, error) {
	if !change.State.Valid() {
		return documents.Document{}, fmt.Errorf("%w: unknown state %q", documents.ErrInvalidInput, change.State)
	}
	upd := documents.Update{
		State:          change.State,
		Progress:       clampProgress(change.Progress),
		ErrorMessage:   change.Error,
		BlobKey:        change.BlobKey,
		BlobBucket:     change.BlobBucket,
		SummaryBlobKey: change.SummaryBlobKey,
		ExpectAttempt:  change.Attempt,
		At:             l.now(),
	}
	from := documents.Predecessors(change.State)
	if len(change.From) > 0 {
		from = slices.DeleteFunc(from, func(s documents.State) bool {
			return !slices.Contains(change.From, s)
		})
	}
	return l.apply(ctx, documentID, from, upd)
}

// Claim moves a document from the previous stage into a working state. Only
// one caller can succeed, because the working state's self-edge is not an
// accepted source. A rejected claim means another worker owns the document
// or it moved on.
func (l *Ledger) Claim(ctx context.Context, documentID string, from, to documents.State, attempt int) (documents.Document, error) {
	return l.Transition(ctx, documentID, Change{State: to, From: []documents.State{from}, Attempt: attempt})
}

// Progress records progress within the current stage. It only follows the
// stage's self-edge, so it can never claim a document.
func (l *Ledger) Progress(ctx context.Context, documentID string, state documents.State, pct int) (documents.Document, error) {
	return l.Transition(ctx, documentID, Change{State: state, Progress: pct, From: []documents.State{state}})
}

// Fail moves a document to a failure state with a sanitized message.
func (l *Ledger) Fail(ctx context.Context, documentID string, state documents.State, progress int, cause error) (documents.Document, error) {
	return l.Transition(ctx, documentID, Change{State: state, Progress: progress, Error: SanitizeError(cause)})
}

// Cancel requests cancellation. Only AI_QUEUED and ANALYZING documents can be
// cancelled; the orchestrator observes the new state at its next checkpoint.
func (l *Ledger) Cancel(ctx context.Context, documentID string) (documents.Document, error) {
	current, err := l.Repo.GetByID(ctx, documentID)
	if err != nil {
		return documents.Document{}, err
	}
	upd := documents.Update{
		State:        documents.StateCancelled,
		Progress:     current.Progress,
		ErrorMessage: CancelRequestedMessage,
		At:           l.now(),
	}
	return l.apply(ctx, documentID, []documents.State{documents.StateAIQueued, documents.StateAnalyzing}, upd)
}

// Rerun sends a stored document back to AI_QUEUED without re-uploading it.
// It also turns AI on for the document.
func (l *Ledger) Rerun(ctx context.Context, documentID string) (documents.Document, error) {
	current, err := l.Repo.GetByID(ctx, documentID)
	if err != nil {
		return documents.Document{}, err
	}
	if current.BlobKey == "" {
		return documents.Document{}, fmt.Errorf("%w: no stored file", ErrRerunNotAllowed)
	}
	enable := true
	upd := documents.Update{
		State:    documents.StateAIQueued,
		Progress: 0,
		EnableAI: &enable,
		At:       l.now(),
	}
	doc, err := l.apply(ctx, documentID, documents.RerunSources(), upd)
	if errors.Is(err, documents.ErrInvalidTransition) {
		return documents.Document{}, fmt.Errorf("%w: %v", ErrRerunNotAllowed, err)
	}
	return doc, err
}

// History returns the recorded transitions of a document.
func (l *Ledger) History(ctx context.Context, documentID string) ([]documents.Transition, error) {
	return l.Repo.ListTransitions(ctx, documentID)
}

func (l *Ledger) apply(ctx context.Context, documentID string, from []documents.State, upd documents.Update) (documents.Document, error) {
	doc, err := l.Repo.ApplyTransition(ctx, documentID, from, upd)
	if err != nil {
		if !errors.Is(err, documents.ErrInvalidTransition) && !errors.Is(err, documents.ErrNotFound) {
			telemetry.Error("ledger.write_failed", map[string]any{
				"document_id": documentID,
				"state":       string(upd.State),
				"error":       err,
			})
		}
		return documents.Document{}, err
	}
	if l.Publisher != nil {
		l.Publisher.Publish(ctx, EventFor(doc, upd.At))
	}
	return doc, nil
}

func (l *Ledger) now() time.Time {
	if l.Now == nil {
		return time.Now().UTC()
	}
	return l.Now().UTC()
}

// EventFor builds the notification payload for a document snapshot.
func EventFor(doc documents.Document, at time.Time) notify.StatusEvent {
	ev := notify.StatusEvent{
		DocumentID: doc.ID,
		UserID:     doc.UserID,
		State:      string(doc.State),
		Progress:   doc.Progress,
		OccurredAt: at,
		Version:    notify.EventVersion,
	}
	if doc.ErrorMessage != "" {
		msg := doc.ErrorMessage
		ev.ErrorMessage = &msg
	}
	return ev
}

func clampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
