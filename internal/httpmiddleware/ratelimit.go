package httpmiddleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"faceattend/internal/metrics"
)

// staleAfter is how long a client bucket may sit idle before the sweep
// reclaims it.
const staleAfter = 10 * time.Minute

// RateLimiter enforces a per-client request budget, refilled per minute.
// State lives in memory, which is enough for a single API instance; recognition
// uploads are the expensive calls this protects.
type RateLimiter struct {
	capacity int
	perMin   int

	mu        sync.Mutex
	clients   map[string]*bucket
	lastSweep time.Time
}

type bucket struct {
	tokens int
	seen   time.Time
}

// NewRateLimiter creates a limiter allowing perMinute requests per client.
func NewRateLimiter(perMinute int) *RateLimiter {
	if perMinute <= 0 {
		perMinute = 60
	}
	return &RateLimiter{
		capacity:  perMinute,
		perMin:    perMinute,
		clients:   make(map[string]*bucket),
		lastSweep: time.Now(),
	}
}

// Middleware returns the gin handler enforcing the limit per client IP.
func (l *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.ClientIP()
		if key == "" {
			key = "unknown"
		}
		if !l.allow(key) {
			metrics.RateLimited.Inc()
			c.Header("Retry-After", "60")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

func (l *RateLimiter) allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	l.sweep(now)

	b, ok := l.clients[key]
	if !ok {
		l.clients[key] = &bucket{tokens: l.capacity - 1, seen: now}
		return true
	}

	refill := int(now.Sub(b.seen).Minutes() * float64(l.perMin))
	if refill > 0 {
		b.tokens += refill
		if b.tokens > l.capacity {
			b.tokens = l.capacity
		}
	}
	b.seen = now
	if b.tokens <= 0 {
		return false
	}
	b.tokens--
	return true
}

// sweep drops buckets that have been idle past staleAfter so the map does not
// grow with every client ever seen. Runs at most once per staleAfter window.
func (l *RateLimiter) sweep(now time.Time) {
	if now.Sub(l.lastSweep) < staleAfter {
		return
	}
	for key, b := range l.clients {
		if now.Sub(b.seen) > staleAfter {
			delete(l.clients, key)
		}
	}
	l.lastSweep = now
}
