package records

import (
	"encoding/json"
	"time"
)

// ReviewStatus tracks human review of an unverified record.
type ReviewStatus string

const (
	ReviewPending  ReviewStatus = "PENDING"
	ReviewVerified ReviewStatus = "VERIFIED"
	ReviewRejected ReviewStatus = "REJECTED"
)

// ExtractedRecord is a finding whose type matched a known document schema.
type ExtractedRecord struct {
	ID           string          `json:"id"`
	DocumentID   string          `json:"documentId"`
	DocumentType string          `json:"documentType"`
	TemplateID   string          `json:"templateId,omitempty"`
	PageStart    int             `json:"pageStart"`
	PageEnd      int             `json:"pageEnd"`
	Fields       json.RawMessage `json:"fields"`
	Confidence   float64         `json:"confidence"`
	CreatedAt    time.Time       `json:"createdAt"`
}

// UnverifiedRecord is a finding with no matching schema, held for review.
type UnverifiedRecord struct {
	ID            string          `json:"id"`
	DocumentID    string          `json:"documentId"`
	SuspectedType string          `json:"suspectedType"`
	PageStart     int             `json:"pageStart"`
	PageEnd       int             `json:"pageEnd"`
	Fields        json.RawMessage `json:"fields"`
	Confidence    float64         `json:"confidence"`
	ReviewStatus  ReviewStatus    `json:"reviewStatus"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// Set is every record produced for one document.
type Set struct {
	Extracted  []ExtractedRecord
	Unverified []UnverifiedRecord
}
