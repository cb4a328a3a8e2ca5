package analyzer

import (
	"context"
	"errors"
	"fmt"

	"docflow-backend/internal/doctypes"
	"docflow-backend/internal/llm"
	"docflow-backend/internal/render"
	"docflow-backend/internal/shared/metrics"
	"docflow-backend/internal/shared/telemetry"
)

const (
	// DefaultBatchSize is the number of pages sent per inference call.
	DefaultBatchSize = 3

	setupProgress = 10
	maxRawExcerpt = 500
)

// ErrInference marks a transport or provider failure from the model client.
var ErrInference = errors.New("ai inference failed")

// Observer is notified around every batch. An error from BeforeBatch stops
// the loop before the batch is sent; an error from AfterBatch stops it after.
type Observer interface {
	BeforeBatch(ctx context.Context, b Batch) error
	AfterBatch(ctx context.Context, b Batch, progress int) error
}

// Result is the output of one document analysis.
type Result struct {
	Findings  []Finding
	Batches   int
	Malformed int
}

// Analyzer sends rendered pages to the model in fixed-size batches.
type Analyzer struct {
	Client    llm.Client
	BatchSize int
}

// Analyze runs every batch in page order and returns the accumulated findings
// in response order. A batch whose response cannot be parsed contributes one
// degraded finding; inference errors abort the document.
func (a *Analyzer) Analyze(ctx context.Context, pages []render.Page, types []doctypes.DocumentType, hints Hints, obs Observer) (Result, error) {
	var res Result
	if len(pages) == 0 {
		return res, render.ErrNoPages
	}
	batches := Partition(len(pages), a.BatchSize)

	for _, b := range batches {
		if obs != nil {
			if err := obs.BeforeBatch(ctx, b); err != nil {
				return res, err
			}
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}

		var previous *Finding
		if n := len(res.Findings); n > 0 {
			previous = &res.Findings[n-1]
		}
		req := llm.InferRequest{
			SystemPrompt: BuildSystemPrompt(types, hints, b, len(pages), previous),
			Images:       images(pages[b.Start-1 : b.End]),
			PageStart:    b.Start,
			PageEnd:      b.End,
		}
		raw, err := a.Client.Infer(ctx, req)
		if err != nil {
			return res, fmt.Errorf("%w: pages %d-%d: %w", ErrInference, b.Start, b.End, err)
		}
		res.Batches++

		parsed, err := parseResponse(raw, b)
		if err != nil {
			res.Malformed++
			metrics.IncAIBatch(true)
			telemetry.Warn("analyzer.batch_malformed", map[string]any{
				"page_start": b.Start,
				"page_end":   b.End,
				"error":      err,
			})
			res.Findings = append(res.Findings, degraded(b, raw, err))
		} else {
			metrics.IncAIBatch(false)
			res.Findings = appendFindings(res.Findings, parsed)
		}

		if obs != nil {
			if err := obs.AfterBatch(ctx, b, BatchProgress(b, len(pages))); err != nil {
				return res, err
			}
		}
	}
	return res, nil
}

// appendFindings adds parsed findings in response order, folding a declared
// continuation into the previous finding of the same type.
func appendFindings(acc []Finding, parsed []parsedFinding) []Finding {
	for _, p := range parsed {
		if p.continuesPrevious && len(acc) > 0 {
			last := &acc[len(acc)-1]
			if !last.Degraded() && last.Type == p.Type {
				if p.PageEnd > last.PageEnd {
					last.PageEnd = p.PageEnd
				}
				for k, v := range p.Fields {
					if existing, ok := last.Fields[k]; !ok || isEmpty(existing) {
						last.Fields[k] = v
					}
				}
				if p.Confidence < last.Confidence {
					last.Confidence = p.Confidence
				}
				continue
			}
		}
		acc = append(acc, p.Finding)
	}
	return acc
}

func degraded(b Batch, raw string, err error) Finding {
	excerpt := raw
	if len(excerpt) > maxRawExcerpt {
		excerpt = excerpt[:maxRawExcerpt]
	}
	return Finding{
		Type:      UnknownType,
		PageStart: b.Start,
		PageEnd:   b.End,
		Fields: map[string]any{
			"parse_error": err.Error(),
			"raw_excerpt": excerpt,
		},
		Confidence: 0,
		ParseError: err.Error(),
	}
}

func images(pages []render.Page) []llm.Image {
	out := make([]llm.Image, 0, len(pages))
	for _, p := range pages {
		out = append(out, llm.Image{Page: p.Number, MimeType: p.MimeType, Data: p.Data, Text: p.Text})
	}
	return out
}

func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	default:
		return false
	}
}
