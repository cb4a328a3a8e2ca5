package ingest

import (
	"encoding/json"
	"time"

	"docflow-backend/internal/documents"
	"docflow-backend/internal/records"
)

// DocumentResponse is the outward-facing representation of a document.
type DocumentResponse struct {
	DocumentID     string          `json:"documentId"`
	FileName       string          `json:"fileName"`
	ContentType    string          `json:"contentType"`
	SizeBytes      int64           `json:"sizeBytes"`
	State          string          `json:"state"`
	Progress       int             `json:"progress"`
	ErrorMessage   string          `json:"errorMessage,omitempty"`
	SummaryKey     string          `json:"summaryKey,omitempty"`
	DocumentType   string          `json:"documentType,omitempty"`
	TemplateID     string          `json:"templateId,omitempty"`
	EnableAI       bool            `json:"enableAi"`
	IntakeForm     json.RawMessage `json:"intakeForm,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	StateChangedAt time.Time       `json:"stateChangedAt"`
}

// TransitionResponse is one entry of a document's state history.
type TransitionResponse struct {
	From         string    `json:"from"`
	To           string    `json:"to"`
	Progress     int       `json:"progress"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	At           time.Time `json:"at"`
}

// RecordsResponse lists every record produced for a document.
type RecordsResponse struct {
	DocumentID string                     `json:"documentId"`
	Extracted  []records.ExtractedRecord  `json:"extracted"`
	Unverified []records.UnverifiedRecord `json:"unverified"`
}

type rerunRequest struct {
	DocumentType string `json:"documentType"`
	TemplateID   string `json:"templateId"`
}

func toResponse(doc documents.Document) DocumentResponse {
	return DocumentResponse{
		DocumentID:     doc.ID,
		FileName:       doc.OriginalFilename,
		ContentType:    doc.ContentType,
		SizeBytes:      doc.SizeBytes,
		State:          string(doc.State),
		Progress:       doc.Progress,
		ErrorMessage:   doc.ErrorMessage,
		SummaryKey:     doc.SummaryBlobKey,
		DocumentType:   doc.DocumentTypeHint,
		TemplateID:     doc.TemplateHint,
		EnableAI:       doc.EnableAI,
		IntakeForm:     doc.IntakeForm,
		CreatedAt:      doc.CreatedAt,
		StateChangedAt: doc.StateChangedAt,
	}
}

func toResponses(docs []documents.Document) []DocumentResponse {
	out := make([]DocumentResponse, 0, len(docs))
	for _, doc := range docs {
		out = append(out, toResponse(doc))
	}
	return out
}

func toTransitions(history []documents.Transition) []TransitionResponse {
	out := make([]TransitionResponse, 0, len(history))
	for _, tr := range history {
		out = append(out, TransitionResponse{
			From:         string(tr.From),
			To:           string(tr.To),
			Progress:     tr.Progress,
			ErrorMessage: tr.ErrorMessage,
			At:           tr.At,
		})
	}
	return out
}

func toRecords(documentID string, set records.Set) RecordsResponse {
	resp := RecordsResponse{
		DocumentID: documentID,
		Extracted:  set.Extracted,
		Unverified: set.Unverified,
	}
	if resp.Extracted == nil {
		resp.Extracted = []records.ExtractedRecord{}
	}
	if resp.Unverified == nil {
		resp.Unverified = []records.UnverifiedRecord{}
	}
	return resp
}
