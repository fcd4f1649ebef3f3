package common

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiters keeps one request budget per exchange. Calls over budget are
// delayed via Wait, never dropped.
type RateLimiters struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

// NewRateLimiters creates a per-exchange limiter set with the given
// requests-per-second budget.
func NewRateLimiters(rps float64, burst int) *RateLimiters {
	if rps <= 0 {
		rps = 10
	}
	if burst <= 0 {
		burst = int(rps)
	}
	return &RateLimiters{
		limiters: make(map[string]*rate.Limiter),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
}

func (r *RateLimiters) limiter(exchange string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	lim, ok := r.limiters[exchange]
	if !ok {
		lim = rate.NewLimiter(r.rps, r.burst)
		r.limiters[exchange] = lim
	}
	return lim
}

// Wait blocks until the exchange's budget admits one request or ctx ends.
func (r *RateLimiters) Wait(ctx context.Context, exchange string) error {
	return r.limiter(exchange).Wait(ctx)
}
