package server

import (
	"math"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	apperrors "github.com/codesdk/codesdk/internal/common/errors"
	"github.com/codesdk/codesdk/internal/metrics"
)

// rateLimiter is a token bucket per remote address: limit requests per window,
// refilled continuously.
type rateLimiter struct {
	limit  float64
	window time.Duration

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	tokens float64
	last   time.Time
}

func newRateLimiter(limit int, window time.Duration) *rateLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &rateLimiter{
		limit:   float64(limit),
		window:  window,
		buckets: make(map[string]*bucket),
	}
}

// allow consumes one token for key. When exhausted it returns false and the
// duration until a token is available again.
func (rl *rateLimiter) allow(key string) (bool, time.Duration) {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, ok := rl.buckets[key]
	if !ok {
		b = &bucket{tokens: rl.limit, last: now}
		rl.buckets[key] = b
	}

	refill := now.Sub(b.last).Seconds() * rl.limit / rl.window.Seconds()
	b.tokens = math.Min(rl.limit, b.tokens+refill)
	b.last = now

	if b.tokens < 1 {
		wait := time.Duration((1 - b.tokens) / rl.limit * rl.window.Seconds() * float64(time.Second))
		return false, wait
	}
	b.tokens--

	if len(rl.buckets) > 10000 {
		rl.purgeLocked(now)
	}
	return true, 0
}

// purgeLocked drops buckets idle long enough to be full again.
func (rl *rateLimiter) purgeLocked(now time.Time) {
	for key, b := range rl.buckets {
		if now.Sub(b.last) > rl.window {
			delete(rl.buckets, key)
		}
	}
}

// RateLimit rejects clients that exhausted their token bucket with a 429 and
// a Retry-After hint.
func RateLimit(rl *rateLimiter) gin.HandlerFunc {
	if rl.limit <= 0 {
		return func(c *gin.Context) { c.Next() }
	}
	return func(c *gin.Context) {
		key := c.ClientIP()
		if key == "" {
			key, _, _ = net.SplitHostPort(c.Request.RemoteAddr)
		}

		ok, wait := rl.allow(key)
		if !ok {
			metrics.Backpressure.WithLabelValues("rate_limit").Inc()
			retryAfter := int(math.Ceil(wait.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			appErr := apperrors.RateLimited("rate limit exceeded")
			c.AbortWithStatusJSON(appErr.HTTPStatus, appErr)
			return
		}
		c.Next()
	}
}
