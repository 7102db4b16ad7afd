package ratelimiter

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// TypeLimiters holds one token bucket limiter per item type. Item types form
// an open set (handlers are registered at runtime), so limiters are created
// lazily on first use. Each limiter enforces a steady-state rate; burst equals
// the rate so no extra capacity accumulates beyond the per-second maximum.
//
// Field devices often sit behind constrained uplinks (4G hotspots in a van),
// so the engine waits on the limiter before every upload attempt.
type TypeLimiters struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

// New creates a TypeLimiters with ratePerSec tokens per second per item type.
// A non-positive rate disables throttling entirely.
func New(ratePerSec int) *TypeLimiters {
	limit := rate.Limit(ratePerSec)
	burst := ratePerSec
	if ratePerSec <= 0 {
		limit = rate.Inf
		burst = 0
	}
	return &TypeLimiters{
		limiters: make(map[string]*rate.Limiter),
		limit:    limit,
		burst:    burst,
	}
}

// Wait blocks until the type's limiter grants a token.
// Returns a non-nil error only if ctx is cancelled while waiting.
func (tl *TypeLimiters) Wait(ctx context.Context, itemType string) error {
	return tl.limiterFor(itemType).Wait(ctx)
}

func (tl *TypeLimiters) limiterFor(itemType string) *rate.Limiter {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	l, ok := tl.limiters[itemType]
	if !ok {
		l = rate.NewLimiter(tl.limit, tl.burst)
		tl.limiters[itemType] = l
	}
	return l
}
