package proxy

import (
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter applies an independent token bucket per collection.
type RateLimiter struct {
	limit    rate.Limit
	burst    int
	limiters sync.Map // map[string]*rate.Limiter
}

// NewRateLimiter returns nil when rps is not positive, which disables limiting.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	if rps <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = int(rps)
		if burst < 1 {
			burst = 1
		}
	}
	return &RateLimiter{limit: rate.Limit(rps), burst: burst}
}

// Allow reports whether a request for key may proceed now.
func (l *RateLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	limiterUntyped, _ := l.limiters.LoadOrStore(key, rate.NewLimiter(l.limit, l.burst))
	return limiterUntyped.(*rate.Limiter).Allow()
}

// Len returns the number of buckets currently held.
func (l *RateLimiter) Len() int {
	if l == nil {
		return 0
	}
	n := 0
	l.limiters.Range(func(any, any) bool {
		n++
		return true
	})
	return n
}

// Forget drops the bucket for key.
func (l *RateLimiter) Forget(key string) {
	if l == nil {
		return
	}
	l.limiters.Delete(key)
}
