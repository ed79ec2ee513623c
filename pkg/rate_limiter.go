package pkg

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const limiterTTL = 5 * time.Minute

// RateLimiter allows each client IP ratePerSecond requests with the given
// burst. Idle clients are forgotten after a few minutes.
type RateLimiter struct {
	limit  rate.Limit
	burst  int
	mu     sync.Mutex
	byIP   map[string]*cachedLimiter
	now    func() time.Time
	logger *zap.Logger
}

type cachedLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewRateLimiter(ratePerSecond, burst int, logger *zap.Logger) *RateLimiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RateLimiter{
		limit:  rate.Limit(ratePerSecond),
		burst:  burst,
		byIP:   make(map[string]*cachedLimiter),
		now:    time.Now,
		logger: logger,
	}
}

// Allow reports whether a request from ip may proceed.
func (rl *RateLimiter) Allow(ip string) bool {
	if ip == "::1" || ip == "127.0.0.1" {
		ip = "localhost"
	}

	rl.mu.Lock()
	now := rl.now()
	for key, c := range rl.byIP {
		if now.Sub(c.lastSeen) > limiterTTL {
			delete(rl.byIP, key)
		}
	}
	c, ok := rl.byIP[ip]
	if !ok {
		c = &cachedLimiter{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.byIP[ip] = c
	}
	c.lastSeen = now
	rl.mu.Unlock()

	return c.limiter.AllowN(now, 1)
}

// Limit is gin middleware rejecting clients over their rate with 429.
func (rl *RateLimiter) Limit() gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		if !rl.Allow(ip) {
			rl.logger.Info("Rate limit exceeded", zap.String("client", ip))
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "Rate limit exceeded, try again later"})
			return
		}
		c.Next()
	}
}
