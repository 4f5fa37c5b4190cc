package handlers

import (
	"fmt"
	"math"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"github.com/granule-access/api/internal/platform/auth"
	"github.com/granule-access/api/internal/platform/httpx"
)

const defaultLimiterIdle = 10 * time.Minute

type rateLimiter interface {
	// Allow reports whether key may proceed and, when it may not, how long to wait.
	Allow(key string) (bool, time.Duration)
}

// userRateLimiter keeps one token bucket per key. Idle buckets expire from the cache.
type userRateLimiter struct {
	limit   rate.Limit
	burst   int
	idle    time.Duration
	clock   func() time.Time
	mu      sync.Mutex
	buckets *cache.Cache
}

// newUserRateLimiter allows perMinute requests per key with the given burst. A non-positive
// rate disables limiting.
func newUserRateLimiter(perMinute, burst int, clock func() time.Time) rateLimiter {
	if perMinute <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	if clock == nil {
		clock = time.Now
	}
	return &userRateLimiter{
		limit:   rate.Limit(float64(perMinute) / 60),
		burst:   burst,
		idle:    defaultLimiterIdle,
		clock:   clock,
		buckets: cache.New(defaultLimiterIdle, defaultLimiterIdle),
	}
}

func (l *userRateLimiter) Allow(key string) (bool, time.Duration) {
	if l == nil {
		return true, 0
	}
	key = strings.TrimSpace(key)
	if key == "" {
		key = "anonymous"
	}
	now := l.clock()

	l.mu.Lock()
	var bucket *rate.Limiter
	if cached, ok := l.buckets.Get(key); ok {
		bucket = cached.(*rate.Limiter)
	} else {
		bucket = rate.NewLimiter(l.limit, l.burst)
	}
	l.buckets.Set(key, bucket, l.idle)
	l.mu.Unlock()

	reservation := bucket.ReserveN(now, 1)
	if !reservation.OK() {
		return false, time.Minute
	}
	if delay := reservation.DelayFrom(now); delay > 0 {
		reservation.CancelAt(now)
		return false, delay
	}
	return true, 0
}

// rateLimitMiddleware throttles per authenticated user, falling back to the client address.
func rateLimitMiddleware(limiter rateLimiter, scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if limiter == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ok, wait := limiter.Allow(scope + ":" + rateLimitKey(r))
			if !ok {
				w.Header().Set("Retry-After", fmt.Sprintf("%d", int(math.Ceil(wait.Seconds()))))
				httpx.WriteError(r.Context(), w, httpx.NewError("rate_limited", "too many requests", http.StatusTooManyRequests))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func rateLimitKey(r *http.Request) string {
	if identity, ok := auth.IdentityFromContext(r.Context()); ok && strings.TrimSpace(identity.UID) != "" {
		return "uid:" + identity.UID
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}
