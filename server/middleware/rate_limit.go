package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/san-kum/rider-fcw/server/models"
)

const (
	bucketIdleExpiry = 10 * time.Minute
	bucketSweepEvery = 5 * time.Minute
)

// RateLimiter is a per-client token bucket. Clients are keyed by the
// X-Session-ID header when present so riders behind one NAT do not share a
// bucket, and by IP otherwise.
type RateLimiter struct {
	clients map[string]*clientBucket
	mutex   sync.Mutex
	logger  *zap.Logger
	rps     float64
	burst   float64
	done    chan struct{}
	once    sync.Once
	now     func() time.Time
}

type clientBucket struct {
	tokens     float64
	lastUpdate time.Time
}

func NewRateLimiter(rps, burst int, logger *zap.Logger) *RateLimiter {
	rl := &RateLimiter{
		clients: make(map[string]*clientBucket),
		logger:  logger,
		rps:     float64(rps),
		burst:   float64(max(burst, 1)),
		done:    make(chan struct{}),
		now:     time.Now,
	}
	go rl.sweep()
	return rl
}

func (rl *RateLimiter) RateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader("X-Session-ID")
		if key == "" {
			key = c.ClientIP()
		}

		ok, wait := rl.allow(key)
		if !ok {
			rl.logger.Warn("Rate limit exceeded",
				zap.String("client", key),
				zap.String("path", c.Request.URL.Path))

			c.Header("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, models.APIResponse{
				Success: false,
				Error:   &models.APIError{Code: "rate_limited", Message: "Rate limit exceeded"},
			})
			return
		}
		c.Next()
	}
}

// allow takes a token for key. When none is left it returns how long until
// the next one.
func (rl *RateLimiter) allow(key string) (bool, time.Duration) {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	now := rl.now()
	b, exists := rl.clients[key]
	if !exists {
		b = &clientBucket{tokens: rl.burst, lastUpdate: now}
		rl.clients[key] = b
	}

	b.tokens = math.Min(rl.burst, b.tokens+now.Sub(b.lastUpdate).Seconds()*rl.rps)
	b.lastUpdate = now

	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	if rl.rps <= 0 {
		return false, time.Minute
	}
	return false, time.Duration((1 - b.tokens) / rl.rps * float64(time.Second))
}

func (rl *RateLimiter) sweep() {
	ticker := time.NewTicker(bucketSweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-rl.done:
			return
		case <-ticker.C:
			rl.expire(rl.now())
		}
	}
}

func (rl *RateLimiter) expire(now time.Time) int {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	removed := 0
	for key, b := range rl.clients {
		if now.Sub(b.lastUpdate) > bucketIdleExpiry {
			delete(rl.clients, key)
			removed++
		}
	}
	return removed
}

func (rl *RateLimiter) Clients() int {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()
	return len(rl.clients)
}

func (rl *RateLimiter) Shutdown() {
	rl.once.Do(func() { close(rl.done) })
}
