package generator

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// RateLimited shares one token bucket across all workers of a process.
type RateLimited struct {
	next    Generator
	limiter *rate.Limiter
}

func NewRateLimited(next Generator, rps float64, burst int) *RateLimited {
	if burst < 1 {
		burst = 1
	}
	limit := rate.Limit(rps)
	if rps <= 0 {
		limit = rate.Inf
	}
	return &RateLimited{next: next, limiter: rate.NewLimiter(limit, burst)}
}

func (g *RateLimited) Generate(ctx context.Context, req Request) (*Result, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		// Wait fails fast when the deadline cannot be met
		return nil, Retryable("rate_limited", fmt.Errorf("%w: %v", ErrRateLimited, err))
	}
	return g.next.Generate(ctx, req)
}
