package api

import (
	"strconv"
	"sync/atomic"
	"time"

	"chatrelay/internal/apierr"
	"chatrelay/internal/cache"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

const (
	limiterIdleTTL    = 10 * time.Minute
	limiterSweepEvery = 1024
)

// Limiter applies a token bucket per client address. Buckets of clients
// that stay quiet for limiterIdleTTL are dropped.
type Limiter struct {
	buckets *cache.Memory[*rate.Limiter]
	limit   rate.Limit
	burst   int
	calls   atomic.Uint64
}

// NewLimiter returns nil when rps is not positive, which disables limiting.
func NewLimiter(rps float64, burst int) *Limiter {
	if rps <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = int(rps) + 1
	}
	return &Limiter{
		buckets: cache.NewMemory[*rate.Limiter](),
		limit:   rate.Limit(rps),
		burst:   burst,
	}
}

// Allow reports whether key may make a request now.
func (l *Limiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	if l.calls.Add(1)%limiterSweepEvery == 0 {
		l.buckets.Sweep()
	}
	bucket := l.buckets.GetOrSet(key, limiterIdleTTL, func() *rate.Limiter {
		return rate.NewLimiter(l.limit, l.burst)
	})
	return bucket.Allow()
}

// Middleware rejects requests over the limit with RATE_LIMIT_ERROR.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if l.Allow(c.ClientIP()) {
			c.Next()
			return
		}
		retry := time.Duration(float64(time.Second) / float64(l.limit))
		if retry < time.Second {
			retry = time.Second
		}
		c.Header("Retry-After", strconv.Itoa(int(retry.Seconds())))
		respondError(c, apierr.RateLimit("rate limit exceeded, please try again later", nil))
	}
}
