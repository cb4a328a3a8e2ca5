package documents

import (
	"encoding/json"
	"time"
)

// State is a position in the document lifecycle.
type State string

const (
	StateQueued       State = "QUEUED"
	StateUploading    State = "UPLOADING"
	StateUploaded     State = "UPLOADED"
	StateUploadFailed State = "UPLOAD_FAILED"
	StateAIQueued     State = "AI_QUEUED"
	StateAnalyzing    State = "ANALYZING"
	StateCompleted    State = "COMPLETED"
	StateAIFailed     State = "AI_FAILED"
	StateCancelled    State = "CANCELLED"
)

// Document is an uploaded file and its position in the ingestion pipeline.
type Document struct {
	ID               string
	UserID           string
	OriginalFilename string
	StoredFilename   string
	SizeBytes        int64
	ContentType      string
	BlobKey          string
	BlobBucket       string
	State            State
	Progress         int
	ErrorMessage     string
	SummaryBlobKey   string
	DocumentTypeHint string
	TemplateHint     string
	EnableAI         bool
	IntakeForm       json.RawMessage
	// Attempt counts entries into AI_QUEUED. The extraction run that claimed
	// the document holds the value it saw and writes only while it matches.
	Attempt        int
	CreatedAt      time.Time
	UpdatedAt      time.Time
	StateChangedAt time.Time
}

// Update is the set of columns a ledger transition writes.
// Empty BlobKey, BlobBucket and SummaryBlobKey leave the stored values untouched.
type Update struct {
	State          State
	Progress       int
	ErrorMessage   string
	BlobKey        string
	BlobBucket     string
	SummaryBlobKey string
	EnableAI       *bool
	// ExpectAttempt, when non-zero, rejects the write unless the stored
	// Attempt still matches.
	ExpectAttempt int
	At            time.Time
}

// Transition is one recorded state change.
type Transition struct {
	DocumentID   string
	From         State
	To           State
	Progress     int
	ErrorMessage string
	At           time.Time
}

// Apply returns doc with the update written onto it.
func (u Update) Apply(doc Document) Document {
	if doc.State != u.State {
		doc.StateChangedAt = u.At
		if u.State == StateAIQueued {
			doc.Attempt++
		}
	}
	doc.State = u.State
	doc.Progress = u.Progress
	doc.ErrorMessage = u.ErrorMessage
	if u.BlobKey != "" {
		doc.BlobKey = u.BlobKey
	}
	if u.BlobBucket != "" {
		doc.BlobBucket = u.BlobBucket
	}
	if u.SummaryBlobKey != "" {
		doc.SummaryBlobKey = u.SummaryBlobKey
	}
	if u.EnableAI != nil {
		doc.EnableAI = *u.EnableAI
	}
	doc.UpdatedAt = u.At
	return doc
}
