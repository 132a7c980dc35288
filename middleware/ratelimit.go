package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"a2aexchange/ledger"
)

// RateLimiter applies a token-bucket limit per client key. Buckets idle for
// longer than an hour are evicted lazily.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	limit   rate.Limit
	burst   int
	window  time.Duration
	nowFn   func() time.Time
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter allows n requests per window with a matching burst. A zero
// or negative n disables limiting.
func NewRateLimiter(n int, window time.Duration) *RateLimiter {
	if n <= 0 {
		return nil
	}
	if window <= 0 {
		window = time.Minute
	}
	return &RateLimiter{
		buckets: make(map[string]*bucket),
		limit:   rate.Limit(float64(n) / window.Seconds()),
		burst:   n,
		window:  window,
		nowFn:   time.Now,
	}
}

// retryAfter is the Retry-After hint for rejected requests, in seconds.
func (rl *RateLimiter) retryAfter() string {
	return strconv.Itoa(int(rl.window / time.Second))
}

// Allow reports whether the key may proceed.
func (rl *RateLimiter) Allow(key string) bool {
	if rl == nil {
		return true
	}
	now := rl.nowFn()
	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, ok := rl.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.buckets[key] = b
	}
	b.lastSeen = now

	if len(rl.buckets) > 4096 {
		for k, stale := range rl.buckets {
			if now.Sub(stale.lastSeen) > time.Hour {
				delete(rl.buckets, k)
			}
		}
	}
	return b.limiter.Allow()
}

// KeyFunc derives the limiter key for a request.
type KeyFunc func(r *http.Request) string

// ByIP keys on the remote address as resolved by chi's RealIP middleware.
func ByIP(r *http.Request) string { return r.RemoteAddr }

// WithRateLimit rejects requests over the limit with RATE_LIMITED.
func WithRateLimit(rl *RateLimiter, key KeyFunc, next http.Handler) http.Handler {
	if rl == nil {
		return next
	}
	if key == nil {
		key = ByIP
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(key(r)) {
			w.Header().Set("Retry-After", rl.retryAfter())
			WriteError(w, r, ledger.E(ledger.CodeRateLimited, "Rate limit exceeded; slow down"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
