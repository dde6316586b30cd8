package scheduler

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter is satisfied by anything that can admit-or-reject by key.
type RateLimiter interface {
	Allow(key string) bool
}

// TokenBucketLimiter rate-limits per key (capability, worker id, or
// tenant) using an independent token bucket for each, grounded on the
// teacher's scheduler.TokenBucketLimiter.
type TokenBucketLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	r        rate.Limit
	b        int
}

// NewTokenBucketLimiter builds a limiter allowing r events/sec per key
// with burst b.
func NewTokenBucketLimiter(r float64, b int) *TokenBucketLimiter {
	return &TokenBucketLimiter{
		limiters: make(map[string]*rate.Limiter),
		r:        rate.Limit(r),
		b:        b,
	}
}

func (l *TokenBucketLimiter) limiterFor(key string) *rate.Limiter {
	limiter, exists := l.limiters[key]
	if !exists {
		limiter = rate.NewLimiter(l.r, l.b)
		l.limiters[key] = limiter
	}
	return limiter
}

// Allow reports whether key may proceed right now.
func (l *TokenBucketLimiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.limiterFor(key).Allow()
}

// Reserve checks admission without consuming capacity if denied,
// returning the delay the caller would need to wait.
func (l *TokenBucketLimiter) Reserve(key string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r := l.limiterFor(key).Reserve()
	delay := r.Delay()
	if delay > 0 {
		r.Cancel()
		return false, delay
	}
	return true, 0
}

// EnsureLimiter pre-creates a bucket for key, used when a worker joins
// the pool so its first task is not penalized by lazy-init burst loss.
func (l *TokenBucketLimiter) EnsureLimiter(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limiterFor(key)
}
