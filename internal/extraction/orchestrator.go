package extraction

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/semaphore"

	"docflow-backend/internal/analyzer"
	"docflow-backend/internal/doctypes"
	"docflow-backend/internal/documents"
	"docflow-backend/internal/ledger"
	"docflow-backend/internal/merge"
	"docflow-backend/internal/render"
	"docflow-backend/internal/shared/metrics"
	"docflow-backend/internal/shared/storage/object"
	"docflow-backend/internal/shared/telemetry"
)

const (
	renderedProgress = 10
	mergingProgress  = 90
)

// Summary counts how the documents of one run ended.
type Summary struct {
	Completed int
	Failed    int
	Cancelled int
	Skipped   int
}

// Orchestrator drives uploaded documents through AI extraction one at a time.
type Orchestrator struct {
	Ledger     *ledger.Ledger
	Gate       Gate
	Store      object.ObjectStore
	Rasterizer render.Rasterizer
	Analyzer   *analyzer.Analyzer
	Merger     *merge.Merger
	Types      doctypes.Source
}

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeCompleted
	outcomeFailed
	outcomeCancelled
)

// Run queues every AI-enabled document of a batch and then extracts them
// sequentially. Documents already in AI_QUEUED, as after a re-run, are taken
// as they are. Failures are recorded on the ledger and never abort the rest
// of the run.
func (o *Orchestrator) Run(ctx context.Context, docs []documents.Document, override merge.Override) Summary {
	var summary Summary

	queued := make([]documents.Document, 0, len(docs))
	for _, doc := range docs {
		if !doc.EnableAI {
			summary.Skipped++
			continue
		}
		if doc.State != documents.StateAIQueued {
			next, err := o.Ledger.Transition(ctx, doc.ID, ledger.Change{State: documents.StateAIQueued})
			if err != nil {
				telemetry.Warn("extraction.queue_failed", map[string]any{
					"document_id": doc.ID,
					"state":       string(doc.State),
					"error":       err,
				})
				summary.Skipped++
				continue
			}
			doc = next
		}
		queued = append(queued, doc)
	}

	slot := semaphore.NewWeighted(1)
	for i, doc := range queued {
		if err := slot.Acquire(ctx, 1); err != nil {
			telemetry.Warn("extraction.run_aborted", map[string]any{
				"document_id": doc.ID,
				"remaining":   len(queued) - i,
				"error":       err,
			})
			summary.Skipped += len(queued) - i
			break
		}
		result := o.process(ctx, doc, override)
		slot.Release(1)

		switch result {
		case outcomeCompleted:
			summary.Completed++
		case outcomeFailed:
			summary.Failed++
		case outcomeCancelled:
			summary.Cancelled++
		default:
			summary.Skipped++
		}
	}

	telemetry.Info("extraction.run_finished", map[string]any{
		"documents": len(docs),
		"completed": summary.Completed,
		"failed":    summary.Failed,
		"cancelled": summary.Cancelled,
		"skipped":   summary.Skipped,
	})
	return summary
}

// docRun carries the per-document state that failure handling needs.
type docRun struct {
	doc      documents.Document
	progress int
	started  time.Time
}

func (o *Orchestrator) process(ctx context.Context, doc documents.Document, override merge.Override) outcome {
	run := &docRun{doc: doc, started: time.Now()}

	switch err := o.Gate.Check(ctx, doc.ID, doc.Attempt); {
	case err == nil:
	case errors.Is(err, ErrCancelled):
		return o.cancel(ctx, run)
	case errors.Is(err, documents.ErrSuperseded):
		return o.superseded(run, err)
	default:
		// AI_QUEUED has no failure edge; the document stays queued for a re-run.
		telemetry.Error("extraction.gate_failed", map[string]any{"document_id": doc.ID, "error": err})
		return outcomeSkipped
	}

	started, err := o.Ledger.Claim(ctx, doc.ID, documents.StateAIQueued, documents.StateAnalyzing, doc.Attempt)
	if err != nil {
		switch {
		case cancelledConcurrently(err):
			return o.cancel(ctx, run)
		case errors.Is(err, documents.ErrInvalidTransition):
			return o.superseded(run, err)
		}
		telemetry.Error("extraction.start_failed", map[string]any{"document_id": doc.ID, "error": err})
		return outcomeSkipped
	}
	run.doc = started
	metrics.IncExtractionStarted()
	telemetry.Info("extraction.status", map[string]any{
		"document_id":       doc.ID,
		"user_id":           doc.UserID,
		"status":            string(documents.StateAnalyzing),
		"status_transition": "ai_queued->analyzing",
	})

	summaryKey, err := o.extract(ctx, run, override)
	switch {
	case err == nil:
	case errors.Is(err, documents.ErrSuperseded):
		return o.superseded(run, err)
	case errors.Is(err, ErrCancelled), cancelledConcurrently(err):
		return o.cancel(ctx, run)
	default:
		return o.fail(ctx, run, err)
	}

	if _, err := o.Ledger.Transition(ctx, doc.ID, ledger.Change{
		State:          documents.StateCompleted,
		Progress:       100,
		SummaryBlobKey: summaryKey,
		Attempt:        run.doc.Attempt,
	}); err != nil {
		if errors.Is(err, documents.ErrSuperseded) {
			return o.superseded(run, err)
		}
		if cancelledConcurrently(err) {
			return o.cancel(ctx, run)
		}
		return o.fail(ctx, run, fmt.Errorf("record completion: %w", err))
	}

	elapsed := time.Since(run.started).Milliseconds()
	metrics.IncExtractionCompleted()
	metrics.ObserveExtractionDurationMs(float64(elapsed))
	telemetry.Info("extraction.status", map[string]any{
		"document_id":       doc.ID,
		"user_id":           doc.UserID,
		"status":            string(documents.StateCompleted),
		"status_transition": "analyzing->completed",
		"summary_key":       summaryKey,
		"duration_ms":       elapsed,
	})
	return outcomeCompleted
}

// extract performs the analyzing stage and returns the summary key, if any.
func (o *Orchestrator) extract(ctx context.Context, run *docRun, override merge.Override) (string, error) {
	doc := run.doc

	types, err := o.Types.ListDocumentTypes(ctx)
	if err != nil {
		return "", fmt.Errorf("load document types: %w", err)
	}
	data, err := o.Store.Get(ctx, doc.BlobKey)
	if err != nil {
		return "", fmt.Errorf("fetch blob %s: %w", doc.BlobKey, err)
	}
	pages, err := o.Rasterizer.Render(ctx, data, doc.ContentType, doc.OriginalFilename)
	if err != nil {
		return "", fmt.Errorf("render pages: %w", err)
	}
	if err := o.setProgress(ctx, run, renderedProgress); err != nil {
		return "", err
	}

	override = effectiveOverride(doc, override)
	obs := &gateObserver{orch: o, run: run}
	res, err := o.Analyzer.Analyze(ctx, pages, types, analyzer.Hints{DocumentType: override.DocumentType}, obs)
	if err != nil {
		return "", err
	}
	telemetry.Info("extraction.analyzed", map[string]any{
		"document_id": doc.ID,
		"pages":       len(pages),
		"batches":     res.Batches,
		"malformed":   res.Malformed,
		"findings":    len(res.Findings),
	})

	if err := o.Gate.Check(ctx, doc.ID, doc.Attempt); err != nil {
		return "", err
	}
	if err := o.setProgress(ctx, run, mergingProgress); err != nil {
		return "", err
	}

	out, err := o.Merger.Merge(ctx, doc, res.Findings, doctypes.Index(types), override)
	if err != nil {
		return "", fmt.Errorf("merge findings: %w", err)
	}
	return out.SummaryKey, nil
}

func (o *Orchestrator) setProgress(ctx context.Context, run *docRun, pct int) error {
	if pct <= run.progress {
		return nil
	}
	if _, err := o.Ledger.Transition(ctx, run.doc.ID, ledger.Change{
		State:    documents.StateAnalyzing,
		Progress: pct,
		From:     []documents.State{documents.StateAnalyzing},
		Attempt:  run.doc.Attempt,
	}); err != nil {
		return fmt.Errorf("record progress: %w", err)
	}
	run.progress = pct
	return nil
}

func (o *Orchestrator) cancel(ctx context.Context, run *docRun) outcome {
	ctx = context.WithoutCancel(ctx)
	progress := run.progress
	if current, err := o.Ledger.Get(ctx, run.doc.ID); err == nil {
		progress = current.Progress
	}
	if _, err := o.Ledger.Transition(ctx, run.doc.ID, ledger.Change{
		State:    documents.StateCancelled,
		Progress: progress,
		Error:    CancelledMessage,
		Attempt:  run.doc.Attempt,
	}); errors.Is(err, documents.ErrSuperseded) {
		return o.superseded(run, err)
	} else if err != nil {
		telemetry.Error("extraction.cancel_record_failed", map[string]any{
			"document_id": run.doc.ID,
			"error":       err,
		})
	}
	metrics.IncExtractionCancelled()
	telemetry.Info("extraction.status", map[string]any{
		"document_id": run.doc.ID,
		"user_id":     run.doc.UserID,
		"status":      string(documents.StateCancelled),
		"progress":    progress,
	})
	return outcomeCancelled
}

func (o *Orchestrator) fail(ctx context.Context, run *docRun, cause error) outcome {
	ctx = context.WithoutCancel(ctx)
	if _, err := o.Ledger.Transition(ctx, run.doc.ID, ledger.Change{
		State:    documents.StateAIFailed,
		Progress: run.progress,
		Error:    ledger.SanitizeError(cause),
		Attempt:  run.doc.Attempt,
	}); err != nil {
		if errors.Is(err, documents.ErrSuperseded) {
			return o.superseded(run, err)
		}
		if cancelledConcurrently(err) {
			return o.cancel(ctx, run)
		}
		telemetry.Error("extraction.fail_record_failed", map[string]any{
			"document_id": run.doc.ID,
			"error":       err,
			"cause":       cause,
		})
	}
	elapsed := time.Since(run.started).Milliseconds()
	metrics.IncExtractionFailed()
	metrics.ObserveExtractionDurationMs(float64(elapsed))
	telemetry.Error("extraction.status", map[string]any{
		"document_id":       run.doc.ID,
		"user_id":           run.doc.UserID,
		"status":            string(documents.StateAIFailed),
		"status_transition": "analyzing->ai_failed",
		"error":             cause,
		"duration_ms":       elapsed,
	})
	return outcomeFailed
}

// superseded abandons a document that another run now owns. Nothing is
// written, so the owner's state stands.
func (o *Orchestrator) superseded(run *docRun, err error) outcome {
	telemetry.Warn("extraction.superseded", map[string]any{
		"document_id": run.doc.ID,
		"attempt":     run.doc.Attempt,
		"error":       err,
	})
	return outcomeSkipped
}

// effectiveOverride prefers the run's explicit override over the hints
// stored with the document.
func effectiveOverride(doc documents.Document, override merge.Override) merge.Override {
	if override.DocumentType == "" {
		override.DocumentType = doc.DocumentTypeHint
	}
	if override.TemplateID == "" {
		override.TemplateID = doc.TemplateHint
	}
	return override
}

// gateObserver checks for cancellation before every batch and records
// progress after it.
type gateObserver struct {
	orch *Orchestrator
	run  *docRun
}

func (g *gateObserver) BeforeBatch(ctx context.Context, b analyzer.Batch) error {
	err := g.orch.Gate.Check(ctx, g.run.doc.ID, g.run.doc.Attempt)
	if errors.Is(err, ErrCancelled) {
		telemetry.Info("extraction.cancel_observed", map[string]any{
			"document_id": g.run.doc.ID,
			"page_start":  b.Start,
		})
	}
	return err
}

func (g *gateObserver) AfterBatch(ctx context.Context, _ analyzer.Batch, progress int) error {
	return g.orch.setProgress(ctx, g.run, progress)
}
