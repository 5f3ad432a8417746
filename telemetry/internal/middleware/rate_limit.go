package middleware

import (
	"net/http"
	"sync"
	"time"

	"wind-telemetry-platform/shared/httpx"
	"wind-telemetry-platform/shared/tenantx"
)

// TenantRateLimit throttles expensive triggers per tenant. Requests without
// a tenant share one bucket.
func TenantRateLimit(l *TokenLimiter, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if l == nil {
			next(w, r)
			return
		}
		key := tenantx.TenantIDFromContext(r.Context())
		if key == "" {
			key = "anonymous"
		}
		if !l.Allow(key) {
			w.Header().Set("Retry-After", "1")
			httpx.WriteError(w, r, http.StatusTooManyRequests, "RESOURCE_EXHAUSTED", "trigger rate limit exceeded", nil)
			return
		}
		next(w, r)
	}
}

type TokenLimiter struct {
	mu      sync.Mutex
	rps     float64
	burst   float64
	ttl     time.Duration
	now     func() time.Time
	buckets map[string]*bucket
}

type bucket struct {
	tokens   float64
	lastSeen time.Time
}

func NewTokenLimiter(rps float64, burst int, ttl time.Duration) *TokenLimiter {
	if rps <= 0 {
		rps = 1
	}
	if burst <= 0 {
		burst = 5
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &TokenLimiter{
		rps:     rps,
		burst:   float64(burst),
		ttl:     ttl,
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}
}

func (l *TokenLimiter) Allow(key string) bool {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	for k, b := range l.buckets {
		if now.Sub(b.lastSeen) > l.ttl {
			delete(l.buckets, k)
		}
	}
	b, ok := l.buckets[key]
	if !ok {
		l.buckets[key] = &bucket{tokens: l.burst - 1, lastSeen: now}
		return true
	}
	b.tokens = min(l.burst, b.tokens+now.Sub(b.lastSeen).Seconds()*l.rps)
	b.lastSeen = now
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}
