package scheduler

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// TokenBucketLimiter keeps one token bucket per key. The scheduler uses it to
// pace deferred actions per controller so a misconfigured forever-repeat
// cannot hammer a device.
type TokenBucketLimiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.Mutex
	r        rate.Limit
	b        int
}

// NewTokenBucketLimiter creates a limiter allowing r events per second per
// key with burst b.
func NewTokenBucketLimiter(r float64, b int) *TokenBucketLimiter {
	return &TokenBucketLimiter{
		limiters: make(map[string]*rate.Limiter),
		r:        rate.Limit(r),
		b:        b,
	}
}

func (l *TokenBucketLimiter) limiter(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[key]
	if !ok {
		lim = rate.NewLimiter(l.r, l.b)
		l.limiters[key] = lim
	}
	return lim
}

// Allow reports whether the key may proceed right now.
func (l *TokenBucketLimiter) Allow(key string) bool {
	return l.limiter(key).Allow()
}

// Reserve books one event for the key and returns how long the caller must
// wait before acting on it.
func (l *TokenBucketLimiter) Reserve(key string) time.Duration {
	return l.limiter(key).Reserve().Delay()
}
