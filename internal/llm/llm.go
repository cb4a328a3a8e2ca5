package llm

import (
	"context"
	"errors"
)

// Image is one rendered page sent to the model. Text carries the page's
// embedded text layer when one exists.
type Image struct {
	Page     int
	MimeType string
	Data     []byte
	Text     string
}

// InferRequest is a single multimodal inference call: one system prompt and
// the page images of one batch, with the batch's page range as a hint.
type InferRequest struct {
	SystemPrompt string
	Images       []Image
	PageStart    int
	PageEnd      int
}

// Client abstracts multimodal model providers. Infer returns the raw text
// content of the model response; errors are transport or provider failures.
type Client interface {
	Infer(ctx context.Context, req InferRequest) (string, error)
}

// ErrNotImplemented is returned by the placeholder client.
var ErrNotImplemented = errors.New("LLM not implemented")

// PlaceholderClient is used when no provider is configured.
type PlaceholderClient struct{}

// Infer returns ErrNotImplemented.
func (PlaceholderClient) Infer(ctx context.Context, req InferRequest) (string, error) {
	_ = ctx
	_ = req
	return "", ErrNotImplemented
}
