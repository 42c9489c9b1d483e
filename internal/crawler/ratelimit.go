package crawler

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// RateGate spaces requests by a fixed delay. One gate is shared by the
// crawler and every enrichment worker.
type RateGate struct {
	limiter *rate.Limiter
}

// NewRateGate creates a gate allowing one request per delay.
// A non-positive delay disables spacing.
func NewRateGate(delay time.Duration) *RateGate {
	if delay <= 0 {
		return &RateGate{limiter: rate.NewLimiter(rate.Inf, 1)}
	}
	return &RateGate{limiter: rate.NewLimiter(rate.Every(delay), 1)}
}

// Wait blocks until the next request may be sent or ctx is done
func (g *RateGate) Wait(ctx context.Context) error {
	if g == nil {
		return ctx.Err()
	}
	return g.limiter.Wait(ctx)
}
