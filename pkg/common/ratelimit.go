package common

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter paces outbound requests against a single remote host. Crawlers
// and link checkers share one limiter per runner so a scan never floods the
// site it is examining.
type RateLimiter struct {
	limiter *rate.Limiter
	mu      sync.RWMutex
}

// NewRateLimiter creates a RateLimiter allowing rps requests per second with
// the given burst. A non-positive rps disables limiting.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	limit := rate.Limit(rps)
	if rps <= 0 {
		limit = rate.Inf
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{limiter: rate.NewLimiter(limit, burst)}
}

// Wait blocks until a request may proceed or ctx is done.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return rl.limiter.Wait(ctx)
}

// UpdateLimits changes the rate at runtime, e.g. after a 429 from the host.
func (rl *RateLimiter) UpdateLimits(rps float64, burst int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if rps <= 0 {
		rl.limiter.SetLimit(rate.Inf)
	} else {
		rl.limiter.SetLimit(rate.Limit(rps))
	}
	rl.limiter.SetBurst(burst)
}

// Limit reports the current requests-per-second limit.
func (rl *RateLimiter) Limit() float64 {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return float64(rl.limiter.Limit())
}
