package uploads

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"docflow-backend/internal/documents"
	"docflow-backend/internal/ledger"
	"docflow-backend/internal/shared/metrics"
	"docflow-backend/internal/shared/storage/object"
	"docflow-backend/internal/shared/telemetry"
	"docflow-backend/internal/shared/util"
)

// maxStreamingProgress holds the bar below 100 until the store confirms the write.
const maxStreamingProgress = 99

// Job is one buffered file to store for an existing document row.
type Job struct {
	DocumentID  string
	UserID      string
	FileName    string
	ContentType string
	Payload     []byte
}

// Worker streams one payload to the object store and records each step on
// the ledger.
type Worker struct {
	Store  object.ObjectStore
	Ledger *ledger.Ledger
}

// BlobKey derives the storage key for a document's original file.
func BlobKey(userID, documentID, fileName string) string {
	return "documents/" + util.OwnerHash(userID) + "/" + documentID + "/" + util.SanitizeFileName(fileName)
}

// Upload moves the document through UPLOADING to UPLOADED, or to
// UPLOAD_FAILED, in which case the cause is returned.
func (w *Worker) Upload(ctx context.Context, job Job) (documents.Document, error) {
	started := time.Now()
	if _, err := w.Ledger.Claim(ctx, job.DocumentID, documents.StateQueued, documents.StateUploading, 0); err != nil {
		return documents.Document{}, fmt.Errorf("start upload: %w", err)
	}

	size := int64(len(job.Payload))
	last := 0
	progress := func(written int64) error {
		pct := percent(written, size)
		if pct <= last {
			return nil
		}
		if _, err := w.Ledger.Progress(ctx, job.DocumentID, documents.StateUploading, pct); err != nil {
			return fmt.Errorf("record upload progress: %w", err)
		}
		last = pct
		return nil
	}

	key := BlobKey(job.UserID, job.DocumentID, job.FileName)
	res, err := w.Store.Put(ctx, key, job.ContentType, bytes.NewReader(job.Payload), size, progress)
	if err != nil {
		return w.fail(ctx, job, last, fmt.Errorf("store object: %w", err))
	}

	doc, err := w.Ledger.Transition(ctx, job.DocumentID, ledger.Change{
		State:      documents.StateUploaded,
		Progress:   100,
		BlobKey:    res.Key,
		BlobBucket: res.Bucket,
	})
	if err != nil {
		return w.fail(ctx, job, last, fmt.Errorf("record upload: %w", err))
	}

	metrics.IncUploadCompleted()
	metrics.ObserveUploadDurationMs(float64(time.Since(started).Milliseconds()))
	telemetry.Info("upload.completed", map[string]any{
		"document_id": job.DocumentID,
		"user_id":     job.UserID,
		"key":         res.Key,
		"bucket":      res.Bucket,
		"size_bytes":  size,
		"duration_ms": time.Since(started).Milliseconds(),
	})
	return doc, nil
}

func (w *Worker) fail(ctx context.Context, job Job, progress int, cause error) (documents.Document, error) {
	metrics.IncUploadFailed()
	telemetry.Error("upload.failed", map[string]any{
		"document_id": job.DocumentID,
		"user_id":     job.UserID,
		"error":       cause,
	})
	doc, err := w.Ledger.Fail(context.WithoutCancel(ctx), job.DocumentID, documents.StateUploadFailed, progress, cause)
	if err != nil {
		telemetry.Error("upload.fail_transition_failed", map[string]any{
			"document_id": job.DocumentID,
			"error":       err,
		})
		return documents.Document{}, cause
	}
	return doc, cause
}

func percent(written, size int64) int {
	if size <= 0 {
		return 0
	}
	pct := int(written * 100 / size)
	if pct > maxStreamingProgress {
		pct = maxStreamingProgress
	}
	return pct
}
