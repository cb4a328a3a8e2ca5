package llm

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// RateLimited paces calls to the wrapped client.
type RateLimited struct {
	Client  Client
	Limiter *rate.Limiter
}

// NewRateLimited allows perSecond calls with the given burst. A non-positive
// rate disables pacing.
func NewRateLimited(client Client, perSecond float64, burst int) *RateLimited {
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimited{Client: client, Limiter: rate.NewLimiter(limit, burst)}
}

// Infer waits for a token, then delegates.
func (r *RateLimited) Infer(ctx context.Context, req InferRequest) (string, error) {
	if err := r.Limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("llm rate limit wait: %w", err)
	}
	return r.Client.Infer(ctx, req)
}

var _ Client = (*RateLimited)(nil)
