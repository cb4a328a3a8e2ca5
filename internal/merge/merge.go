package merge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"docflow-backend/internal/analyzer"
	"docflow-backend/internal/doctypes"
	"docflow-backend/internal/documents"
	"docflow-backend/internal/records"
	"docflow-backend/internal/shared/storage/object"
	"docflow-backend/internal/shared/telemetry"
)

const summaryContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// Override carries the caller's type/template hints for one extraction.
type Override struct {
	DocumentType string
	TemplateID   string
}

// Outcome summarizes what a merge wrote.
type Outcome struct {
	Extracted  int
	Unverified int
	SummaryKey string
}

// Merger turns findings into persisted records and a summary workbook.
type Merger struct {
	Records records.Repo
	Store   object.ObjectStore
	NewID   func() string
	Now     func() time.Time
}

// Merge routes every finding to exactly one record: an extracted record when
// its type matches a known type by exact name, an unverified record
// otherwise. Records for the document are replaced in a single call.
func (m *Merger) Merge(ctx context.Context, doc documents.Document, findings []analyzer.Finding, known map[string]doctypes.DocumentType, override Override) (Outcome, error) {
	now := m.now()
	set := Classify(doc.ID, findings, known, override, m.newID, now)

	if err := m.Records.ReplaceForDocument(ctx, doc.ID, set); err != nil {
		return Outcome{}, fmt.Errorf("persist records: %w", err)
	}
	out := Outcome{Extracted: len(set.Extracted), Unverified: len(set.Unverified)}

	if len(findings) > 0 && doc.BlobKey != "" {
		payload, err := BuildSummary(findings)
		if err != nil {
			return out, fmt.Errorf("build summary: %w", err)
		}
		key := SummaryKey(doc.BlobKey)
		if _, err := m.Store.Put(ctx, key, summaryContentType, bytes.NewReader(payload), int64(len(payload)), nil); err != nil {
			return out, fmt.Errorf("store summary: %w", err)
		}
		out.SummaryKey = key
	}

	telemetry.Info("merge.completed", map[string]any{
		"document_id": doc.ID,
		"findings":    len(findings),
		"extracted":   out.Extracted,
		"unverified":  out.Unverified,
		"summary_key": out.SummaryKey,
	})
	return out, nil
}

// Classify builds the record set for findings without persisting it.
func Classify(documentID string, findings []analyzer.Finding, known map[string]doctypes.DocumentType, override Override, newID func() string, now time.Time) records.Set {
	var set records.Set
	for _, f := range findings {
		fields := encodeFields(f.Fields)
		if t, ok := known[f.Type]; ok {
			set.Extracted = append(set.Extracted, records.ExtractedRecord{
				ID:           newID(),
				DocumentID:   documentID,
				DocumentType: t.Name,
				TemplateID:   templateFor(t, override),
				PageStart:    f.PageStart,
				PageEnd:      f.PageEnd,
				Fields:       fields,
				Confidence:   f.Confidence,
				CreatedAt:    now,
			})
			continue
		}
		set.Unverified = append(set.Unverified, records.UnverifiedRecord{
			ID:            newID(),
			DocumentID:    documentID,
			SuspectedType: f.Type,
			PageStart:     f.PageStart,
			PageEnd:       f.PageEnd,
			Fields:        fields,
			Confidence:    f.Confidence,
			ReviewStatus:  records.ReviewPending,
			CreatedAt:     now,
		})
	}
	return set
}

// SummaryKey derives the summary workbook key from the document's blob key.
func SummaryKey(blobKey string) string {
	return blobKey + ".summary.xlsx"
}

func templateFor(t doctypes.DocumentType, override Override) string {
	if override.TemplateID != "" && (override.DocumentType == "" || override.DocumentType == t.Name) {
		return override.TemplateID
	}
	return t.TemplateID
}

func encodeFields(fields map[string]any) json.RawMessage {
	if len(fields) == 0 {
		return json.RawMessage(`{}`)
	}
	b, err := json.Marshal(fields)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return b
}

func (m *Merger) newID() string {
	if m.NewID != nil {
		return m.NewID()
	}
	return uuid.NewString()
}

func (m *Merger) now() time.Time {
	if m.Now != nil {
		return m.Now().UTC()
	}
	return time.Now().UTC()
}
