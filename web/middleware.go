package web

import (
	"net/http"
	"strconv"
	"sync"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// RateLimiter hands out a per-key (usually per-IP) token bucket limiter,
// creating one on first sight of a key and reusing it after that. The
// same shape as activitypub.Inbox's per-host limiter, which is also
// keyed by client IP, since web requests never carry a signed actor
// identity to key on.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

// NewRateLimiter constructs a RateLimiter handing out limit/burst buckets.
func NewRateLimiter(limit rate.Limit, burst int) *RateLimiter {
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    limit,
		burst:    burst,
	}
}

func (rl *RateLimiter) limiterFor(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	l, ok := rl.limiters[key]
	if !ok {
		l = rate.NewLimiter(rl.limit, rl.burst)
		rl.limiters[key] = l
	}
	return l
}

// RateLimitMiddleware rejects requests once the caller's IP has exceeded
// rl's bucket, responding 429 before any handler work runs.
func RateLimitMiddleware(rl *RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !rl.limiterFor(c.ClientIP()).Allow() {
			c.AbortWithStatusJSON(429, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

// MaxBytesMiddleware caps the size of the request body gin will read,
// the same guard activitypub.Inbox.Handle applies to bodies it reads
// directly; this one covers routes that go through gin's own binding.
func MaxBytesMiddleware(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// ParsePageParam parses a "page" query value, returning 0 (meaning "no
// pagination, render a collection summary") for anything absent or
// non-positive.
func ParsePageParam(raw string) int {
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0
	}
	return n
}
