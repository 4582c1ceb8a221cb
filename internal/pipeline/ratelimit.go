package pipeline

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ipLimiter applies a per-source token bucket. Buckets idle longer than
// an hour are dropped so the map cannot grow without bound.
type ipLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	limit   rate.Limit
	burst   int
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newIPLimiter(perMinute int) *ipLimiter {
	if perMinute <= 0 {
		perMinute = 100
	}
	return &ipLimiter{
		buckets: make(map[string]*bucket),
		limit:   rate.Limit(float64(perMinute) / 60.0),
		burst:   perMinute,
	}
}

func (l *ipLimiter) allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	b, ok := l.buckets[ip]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[ip] = b
	}
	b.lastSeen = now

	if len(l.buckets) > 1024 {
		for key, stale := range l.buckets {
			if now.Sub(stale.lastSeen) > time.Hour {
				delete(l.buckets, key)
			}
		}
	}
	return b.limiter.Allow()
}
