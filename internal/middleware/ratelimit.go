// Package middleware: fixed-window rate limiting.
//
// The tenant endpoint enforces two windows: an unauthenticated one keyed by
// client IP (checked before any lookup) and an authenticated one keyed by
// connection id. Fixed windows give exact semantics: the limit-th request in
// a window succeeds, the limit+1-th returns 429 with Retry-After and
// X-RateLimit-Remaining: 0.
package middleware

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// Default policies.
const (
	// UnauthenticatedLimit is requests per minute per IP.
	UnauthenticatedLimit = 30

	// AuthenticatedLimit is requests per minute per connection.
	AuthenticatedLimit = 100
)

// FixedWindowLimiter counts requests per key in fixed one-minute windows.
//
// Thread Safety: one mutex guards the counter map; the per-bucket work is a
// compare and an increment.
type FixedWindowLimiter struct {
	mu      sync.Mutex
	buckets map[string]*windowBucket
	limit   int
	window  time.Duration

	// now is stubbed in tests.
	now func() time.Time
}

type windowBucket struct {
	windowStart time.Time
	count       int
}

// NewFixedWindowLimiter creates a limiter allowing limit requests per window.
func NewFixedWindowLimiter(limit int, window time.Duration) *FixedWindowLimiter {
	if window <= 0 {
		window = time.Minute
	}
	l := &FixedWindowLimiter{
		buckets: make(map[string]*windowBucket),
		limit:   limit,
		window:  window,
		now:     time.Now,
	}
	go l.cleanupRoutine()
	return l
}

// Allow records a request for key and reports whether it is within the
// limit. When denied, retryAfter is the time until the window resets.
func (l *FixedWindowLimiter) Allow(key string) (allowed bool, remaining int, retryAfter time.Duration) {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok || now.Sub(b.windowStart) >= l.window {
		b = &windowBucket{windowStart: now}
		l.buckets[key] = b
	}

	if b.count >= l.limit {
		return false, 0, b.windowStart.Add(l.window).Sub(now)
	}
	b.count++
	return true, l.limit - b.count, 0
}

// cleanupRoutine drops stale buckets so idle keys do not accumulate.
func (l *FixedWindowLimiter) cleanupRoutine() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		cutoff := l.now().Add(-2 * l.window)
		l.mu.Lock()
		for key, b := range l.buckets {
			if b.windowStart.Before(cutoff) {
				delete(l.buckets, key)
			}
		}
		l.mu.Unlock()
	}
}

// deny writes the 429 response with the standard headers.
func deny(c *gin.Context, retryAfter time.Duration) {
	seconds := int(retryAfter.Seconds())
	if seconds < 1 {
		seconds = 1
	}
	c.Header("X-RateLimit-Remaining", "0")
	c.Header("Retry-After", fmt.Sprintf("%d", seconds))
	c.JSON(http.StatusTooManyRequests, gin.H{
		"error":   "RATE_LIMIT_EXCEEDED",
		"message": "Rate limit exceeded. Please try again later.",
	})
	c.Abort()
}

// ByIP returns middleware enforcing the limiter keyed by client IP.
func (l *FixedWindowLimiter) ByIP() gin.HandlerFunc {
	return func(c *gin.Context) {
		allowed, remaining, retryAfter := l.Allow("ip:" + c.ClientIP())
		if !allowed {
			deny(c, retryAfter)
			return
		}
		c.Header("X-RateLimit-Remaining", fmt.Sprintf("%d", remaining))
		c.Next()
	}
}

// AllowConnection enforces the limiter for an authenticated connection id.
// Returns false after writing the 429 response.
func (l *FixedWindowLimiter) AllowConnection(c *gin.Context, connectionID string) bool {
	allowed, remaining, retryAfter := l.Allow("conn:" + connectionID)
	if !allowed {
		deny(c, retryAfter)
		return false
	}
	c.Header("X-RateLimit-Remaining", fmt.Sprintf("%d", remaining))
	return true
}
