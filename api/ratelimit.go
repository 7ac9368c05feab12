package api

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// rateLimiter implements a fixed-window counter per source address.
type rateLimiter struct {
	mu      sync.Mutex
	windows map[string]*window
	width   time.Duration // window width
	max     int           // max requests per window
}

type window struct {
	count   int
	resetAt time.Time
}

func newRateLimiter(width time.Duration, max int) *rateLimiter {
	return &rateLimiter{
		windows: make(map[string]*window),
		width:   width,
		max:     max,
	}
}

// allow admits or rejects one request from key at the current time. The
// increment-or-reset runs under the mutex so concurrent bursts from the same
// address cannot lose updates.
func (rl *rateLimiter) allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	w, ok := rl.windows[key]
	if !ok || now.After(w.resetAt) {
		rl.windows[key] = &window{count: 1, resetAt: now.Add(rl.width)}
		return true
	}

	w.count++
	return w.count <= rl.max
}

// retryAfterSeconds is the advisory Retry-After value for rejected requests.
func (rl *rateLimiter) retryAfterSeconds() int {
	return int(rl.width / time.Second)
}

// cleanup removes windows whose reset time passed before cutoffAge ago.
func (rl *rateLimiter) cleanup(maxAge time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	for key, w := range rl.windows {
		if w.resetAt.Before(cutoff) {
			delete(rl.windows, key)
		}
	}
}

// StartCleanup periodically removes stale rate limit windows.
func (rl *rateLimiter) StartCleanup(ctx context.Context, interval, maxAge time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rl.cleanup(maxAge)
			}
		}
	}()
}

// ipRateLimitMiddleware returns HTTP middleware that rate-limits by remote IP.
// Rejections are a distinct 429 path, never conflated with auth or processing
// errors.
func ipRateLimitMiddleware(rl *rateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// RemoteAddr is already the real IP via chi's RealIP middleware.
			// Strip the port to rate-limit by IP only.
			ip, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				ip = r.RemoteAddr // fallback if no port
			}
			if !rl.allow(ip) {
				w.Header().Set("Retry-After", strconv.Itoa(rl.retryAfterSeconds()))
				writeError(w, r, http.StatusTooManyRequests, "too many requests")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
