package scraper

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter enforces a minimum interval between requests. It is safe for
// concurrent use; callers sharing one instance share one ceiling.
type RateLimiter struct {
	interval time.Duration
	limiter  *rate.Limiter
}

func NewRateLimiter(minInterval time.Duration) *RateLimiter {
	limit := rate.Inf
	if minInterval > 0 {
		limit = rate.Every(minInterval)
	}
	return &RateLimiter{interval: minInterval, limiter: rate.NewLimiter(limit, 1)}
}

// Wait blocks until the interval since the previous grant has elapsed.
func (r *RateLimiter) Wait(ctx context.Context) error {
	return r.limiter.Wait(ctx)
}

func (r *RateLimiter) Interval() time.Duration { return r.interval }

// LimiterRegistry hands out one limiter per platform, created on first use.
type LimiterRegistry struct {
	mu       sync.Mutex
	limiters map[string]*RateLimiter
}

func NewLimiterRegistry() *LimiterRegistry {
	return &LimiterRegistry{limiters: make(map[string]*RateLimiter)}
}

// Get returns the platform's limiter. The interval only applies when the limiter is created.
func (r *LimiterRegistry) Get(platform string, minInterval time.Duration) *RateLimiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.limiters[platform]; ok {
		return l
	}
	l := NewRateLimiter(minInterval)
	r.limiters[platform] = l
	return l
}

var (
	limitersOnce    sync.Once
	defaultLimiters *LimiterRegistry
)

// PlatformLimiter returns the process-wide limiter for a platform.
func PlatformLimiter(platform string, minInterval time.Duration) *RateLimiter {
	limitersOnce.Do(func() {
		defaultLimiters = NewLimiterRegistry()
	})
	return defaultLimiters.Get(platform, minInterval)
}
