package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"docflow-backend/internal/documents"
	"docflow-backend/internal/extraction"
	"docflow-backend/internal/jobs"
	"docflow-backend/internal/ledger"
	"docflow-backend/internal/merge"
	"docflow-backend/internal/render"
	"docflow-backend/internal/shared/metrics"
	"docflow-backend/internal/shared/telemetry"
	"docflow-backend/internal/shared/util"
	"docflow-backend/internal/uploads"
)

// DefaultMaxFileBytes is the largest single file accepted (1 GiB).
const DefaultMaxFileBytes int64 = 1 << 30

var (
	ErrNoFiles      = errors.New("no files provided")
	ErrFileTooLarge = errors.New("file exceeds maximum size")
)

// File is one buffered upload.
type File struct {
	Name        string
	ContentType string
	Size        int64
	Data        []byte
}

// Request is one ingestion batch submitted by a user.
type Request struct {
	UserID           string
	Files            []File
	DocumentTypeHint string
	TemplateHint     string
	EnableAI         bool
	IntakeForm       json.RawMessage
}

// Uploader stores one document's payload.
type Uploader interface {
	Upload(ctx context.Context, job uploads.Job) (documents.Document, error)
}

// Extractor runs AI extraction over uploaded documents.
type Extractor interface {
	Run(ctx context.Context, docs []documents.Document, override merge.Override) extraction.Summary
}

// Coordinator admits ingestion batches, creates their ledger rows and runs
// upload and extraction in the background.
type Coordinator struct {
	Repo         documents.DocumentsRepo
	Ledger       *ledger.Ledger
	Uploader     Uploader
	Extractor    Extractor
	Pool         *jobs.Pool
	MaxFileBytes int64
	NewID        func() string
	Now          func() time.Time
}

// Ingest validates the batch, reserves a worker slot, creates one QUEUED
// document per file and returns them. Uploads and extraction continue in the
// background. Nothing is persisted when validation or admission fails.
func (c *Coordinator) Ingest(ctx context.Context, req Request) ([]documents.Document, error) {
	if strings.TrimSpace(req.UserID) == "" {
		return nil, fmt.Errorf("%w: user id is required", documents.ErrInvalidInput)
	}
	if len(req.Files) == 0 {
		return nil, ErrNoFiles
	}
	if len(req.IntakeForm) > 0 && !json.Valid(req.IntakeForm) {
		return nil, fmt.Errorf("%w: intake form is not valid JSON", documents.ErrInvalidInput)
	}
	limit := c.maxFileBytes()
	for _, f := range req.Files {
		if strings.TrimSpace(f.Name) == "" {
			return nil, fmt.Errorf("%w: file name is required", documents.ErrInvalidInput)
		}
		if fileSize(f) > limit {
			return nil, fmt.Errorf("%w: %s is %d bytes, limit is %d", ErrFileTooLarge, f.Name, fileSize(f), limit)
		}
	}

	ticket, err := c.Pool.Reserve()
	if err != nil {
		return nil, err
	}

	now := c.now()
	docs := make([]documents.Document, 0, len(req.Files))
	batch := make([]uploads.Job, 0, len(req.Files))
	for _, f := range req.Files {
		contentType := render.NormalizeContentType(f.ContentType, f.Name, f.Data)
		doc := documents.Document{
			ID:               c.newID(),
			UserID:           req.UserID,
			OriginalFilename: f.Name,
			StoredFilename:   util.SanitizeFileName(f.Name),
			SizeBytes:        fileSize(f),
			ContentType:      contentType,
			State:            documents.StateQueued,
			DocumentTypeHint: req.DocumentTypeHint,
			TemplateHint:     req.TemplateHint,
			EnableAI:         req.EnableAI,
			IntakeForm:       req.IntakeForm,
			CreatedAt:        now,
			UpdatedAt:        now,
			StateChangedAt:   now,
		}
		if err := c.Repo.Create(ctx, doc); err != nil {
			ticket.Release()
			return nil, fmt.Errorf("create document %s: %w", f.Name, err)
		}
		docs = append(docs, doc)
		batch = append(batch, uploads.Job{
			DocumentID:  doc.ID,
			UserID:      doc.UserID,
			FileName:    f.Name,
			ContentType: contentType,
			Payload:     f.Data,
		})
		if c.Ledger.Publisher != nil {
			c.Ledger.Publisher.Publish(ctx, ledger.EventFor(doc, now))
		}
	}

	metrics.IncDocumentsIngested(len(docs))
	telemetry.Info("ingest.accepted", map[string]any{
		"user_id":   req.UserID,
		"documents": len(docs),
		"enable_ai": req.EnableAI,
	})

	override := merge.Override{DocumentType: req.DocumentTypeHint, TemplateID: req.TemplateHint}
	ticket.Go("ingest-batch", func(ctx context.Context) error {
		c.runBatch(ctx, batch, override)
		return nil
	})
	return docs, nil
}

// runBatch uploads every file concurrently, then hands the documents that
// reached UPLOADED with AI enabled to the extractor.
func (c *Coordinator) runBatch(ctx context.Context, batch []uploads.Job, override merge.Override) {
	uploaded := make([]*documents.Document, len(batch))

	var g errgroup.Group
	for i, job := range batch {
		g.Go(func() error {
			doc, err := c.Uploader.Upload(ctx, job)
			if err != nil {
				// Recorded as UPLOAD_FAILED by the uploader; siblings carry on.
				return nil
			}
			uploaded[i] = &doc
			return nil
		})
	}
	_ = g.Wait()

	var ready []documents.Document
	for _, doc := range uploaded {
		if doc != nil && doc.EnableAI {
			ready = append(ready, *doc)
		}
	}
	telemetry.Info("ingest.uploads_finished", map[string]any{
		"documents": len(batch),
		"uploaded":  countUploaded(uploaded),
		"for_ai":    len(ready),
	})
	if len(ready) == 0 || c.Extractor == nil {
		return
	}
	c.Extractor.Run(ctx, ready, override)
}

// Rerun sends an owned document back through extraction using its stored file.
func (c *Coordinator) Rerun(ctx context.Context, userID, documentID string, override merge.Override) (documents.Document, error) {
	if _, err := c.Get(ctx, userID, documentID); err != nil {
		return documents.Document{}, err
	}
	ticket, err := c.Pool.Reserve()
	if err != nil {
		return documents.Document{}, err
	}
	doc, err := c.Ledger.Rerun(ctx, documentID)
	if err != nil {
		ticket.Release()
		return documents.Document{}, err
	}
	telemetry.Info("ingest.rerun", map[string]any{"user_id": userID, "document_id": documentID})
	ticket.Go("rerun", func(ctx context.Context) error {
		if c.Extractor != nil {
			c.Extractor.Run(ctx, []documents.Document{doc}, override)
		}
		return nil
	})
	return doc, nil
}

// Cancel requests cancellation of an owned document's extraction.
func (c *Coordinator) Cancel(ctx context.Context, userID, documentID string) (documents.Document, error) {
	if _, err := c.Get(ctx, userID, documentID); err != nil {
		return documents.Document{}, err
	}
	doc, err := c.Ledger.Cancel(ctx, documentID)
	if err != nil {
		return documents.Document{}, err
	}
	telemetry.Info("ingest.cancel_requested", map[string]any{"user_id": userID, "document_id": documentID})
	return doc, nil
}

// Get returns a document owned by userID. Documents of other users are
// reported as not found.
func (c *Coordinator) Get(ctx context.Context, userID, documentID string) (documents.Document, error) {
	doc, err := c.Repo.GetByID(ctx, documentID)
	if err != nil {
		return documents.Document{}, err
	}
	if doc.UserID != userID {
		return documents.Document{}, documents.ErrNotFound
	}
	return doc, nil
}

// History returns the recorded transitions of an owned document.
func (c *Coordinator) History(ctx context.Context, userID, documentID string) ([]documents.Transition, error) {
	if _, err := c.Get(ctx, userID, documentID); err != nil {
		return nil, err
	}
	return c.Ledger.History(ctx, documentID)
}

// List returns a page of the user's documents, newest first.
func (c *Coordinator) List(ctx context.Context, userID string, limit, offset int) ([]documents.Document, error) {
	return c.Repo.ListByUser(ctx, userID, limit, offset)
}

func (c *Coordinator) maxFileBytes() int64 {
	if c.MaxFileBytes > 0 {
		return c.MaxFileBytes
	}
	return DefaultMaxFileBytes
}

func (c *Coordinator) newID() string {
	if c.NewID != nil {
		return c.NewID()
	}
	return uuid.NewString()
}

func (c *Coordinator) now() time.Time {
	if c.Now != nil {
		return c.Now().UTC()
	}
	return time.Now().UTC()
}

func fileSize(f File) int64 {
	if n := int64(len(f.Data)); n > f.Size {
		return n
	}
	return f.Size
}

func countUploaded(docs []*documents.Document) int {
	n := 0
	for _, d := range docs {
		if d != nil {
			n++
		}
	}
	return n
}
