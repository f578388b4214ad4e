package notify

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"taskwarden/internal/core"
)

// RateLimited drops notifications that exceed the limiter instead of
// blocking the caller.
type RateLimited struct {
	limiter *rate.Limiter
	next    Notifier
}

// NewRateLimited allows perSecond notifications with the given burst.
func NewRateLimited(next Notifier, perSecond float64, burst int) *RateLimited {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimited{
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
		next:    next,
	}
}

func (r *RateLimited) Notify(ctx context.Context, n core.Notification) error {
	if !r.limiter.Allow() {
		return fmt.Errorf("notification %q dropped: rate limit exceeded", n.Title)
	}
	return r.next.Notify(ctx, n)
}
