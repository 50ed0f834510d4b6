package fetcher

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// AdaptiveLimiter paces request launches. It halves the rate when the
// provider answers 429 and recovers by 20% per success, never exceeding the
// configured rate and never dropping below a quarter of it.
type AdaptiveLimiter struct {
	mu          sync.Mutex
	limiter     *rate.Limiter
	maxRate     rate.Limit
	minRate     rate.Limit
	currentRate rate.Limit
}

// NewAdaptiveLimiter allows one launch per interval. A non-positive
// interval disables pacing.
func NewAdaptiveLimiter(interval time.Duration) *AdaptiveLimiter {
	r := rate.Inf
	if interval > 0 {
		r = rate.Every(interval)
	}
	return &AdaptiveLimiter{
		limiter:     rate.NewLimiter(r, 1),
		maxRate:     r,
		minRate:     r / 4,
		currentRate: r,
	}
}

// Wait blocks until the next launch is allowed.
func (a *AdaptiveLimiter) Wait(ctx context.Context) error {
	return a.limiter.Wait(ctx)
}

// OnSuccess raises the rate by 20%, up to the configured rate.
func (a *AdaptiveLimiter) OnSuccess() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.currentRate >= a.maxRate {
		return
	}
	a.setLocked(min(a.currentRate*1.2, a.maxRate))
}

// OnRateLimit halves the rate after a 429.
func (a *AdaptiveLimiter) OnRateLimit() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.maxRate == rate.Inf {
		return
	}
	a.setLocked(max(a.currentRate*0.5, a.minRate))
	zap.L().Warn("forecast rate limited, slowing launches",
		zap.Float64("launches_per_sec", float64(a.currentRate)),
	)
}

// Limit returns the current launch rate.
func (a *AdaptiveLimiter) Limit() rate.Limit {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.currentRate
}

func (a *AdaptiveLimiter) setLocked(r rate.Limit) {
	a.currentRate = r
	a.limiter.SetLimit(r)
}
