package httpapi

import (
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// RateLimiter is a fixed-window request counter keyed by client.
type RateLimiter struct {
	counters     map[string]*rateLimitEntry
	mu           sync.Mutex
	maxRequests  int           // Maximum requests per window
	windowPeriod time.Duration // Time window for rate limiting
	lastSweep    time.Time
	now          func() time.Time
}

type rateLimitEntry struct {
	count       int
	windowStart time.Time
}

// NewRateLimiter allows maxRequests per client in each window.
func NewRateLimiter(maxRequests int, windowPeriod time.Duration) *RateLimiter {
	return &RateLimiter{
		counters:     make(map[string]*rateLimitEntry),
		maxRequests:  maxRequests,
		windowPeriod: windowPeriod,
		now:          time.Now,
	}
}

// CheckLimit counts one request for key. It reports whether the limit is
// exceeded, the count in the current window and when the window resets.
func (r *RateLimiter) CheckLimit(key string) (bool, int, time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	r.sweep(now)

	entry, ok := r.counters[key]
	if !ok || now.Sub(entry.windowStart) >= r.windowPeriod {
		r.counters[key] = &rateLimitEntry{count: 1, windowStart: now}
		return 1 > r.maxRequests, 1, now.Add(r.windowPeriod)
	}

	entry.count++
	return entry.count > r.maxRequests, entry.count, entry.windowStart.Add(r.windowPeriod)
}

// sweep drops windows that have ended, at most once per window.
func (r *RateLimiter) sweep(now time.Time) {
	if now.Sub(r.lastSweep) < r.windowPeriod {
		return
	}
	r.lastSweep = now
	for key, entry := range r.counters {
		if now.Sub(entry.windowStart) >= r.windowPeriod {
			delete(r.counters, key)
		}
	}
}

// Middleware rejects clients over the limit with 429.
func (r *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		exceeded, count, reset := r.CheckLimit(clientKey(req))

		remaining := r.maxRequests - count
		if remaining < 0 {
			remaining = 0
		}
		h := w.Header()
		h.Set("X-RateLimit-Limit", strconv.Itoa(r.maxRequests))
		h.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		h.Set("X-RateLimit-Reset", strconv.FormatInt(reset.Unix(), 10))

		if exceeded {
			retry := int(reset.Sub(r.now()).Seconds()) + 1
			h.Set("Retry-After", strconv.Itoa(retry))
			writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: "rate limit exceeded"})
			return
		}
		next.ServeHTTP(w, req)
	})
}

// clientKey identifies the caller by remote host.
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
