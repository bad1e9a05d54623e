package handler

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// clientLimiters tracks one token bucket per client IP. Entries idle for
// staleAfter are swept so the map does not grow with every address ever seen.
type clientLimiters struct {
	mu         sync.Mutex
	buckets    map[string]*clientBucket
	rps        rate.Limit
	burst      int
	staleAfter time.Duration
}

type clientBucket struct {
	bucket   *rate.Limiter
	lastSeen time.Time
}

func newClientLimiters(rps, burst int) *clientLimiters {
	cl := &clientLimiters{
		buckets:    make(map[string]*clientBucket),
		rps:        rate.Limit(rps),
		burst:      burst,
		staleAfter: 10 * time.Minute,
	}
	go cl.sweep()
	return cl
}

func (cl *clientLimiters) allow(ip string) bool {
	cl.mu.Lock()
	b, ok := cl.buckets[ip]
	if !ok {
		b = &clientBucket{bucket: rate.NewLimiter(cl.rps, cl.burst)}
		cl.buckets[ip] = b
	}
	b.lastSeen = time.Now()
	cl.mu.Unlock()
	return b.bucket.Allow()
}

func (cl *clientLimiters) sweep() {
	for {
		time.Sleep(5 * time.Minute)
		cl.mu.Lock()
		for ip, b := range cl.buckets {
			if time.Since(b.lastSeen) > cl.staleAfter {
				delete(cl.buckets, ip)
			}
		}
		cl.mu.Unlock()
	}
}

// RateLimiter returns a middleware enforcing per-IP token-bucket limits on
// the administration API. Paths in exempt bypass the limiter entirely; the
// edge proxy's resolve traffic must never be throttled by a tenant hammering
// the domains endpoints from the same NAT.
func RateLimiter(rps, burst int, exempt ...string) gin.HandlerFunc {
	limiters := newClientLimiters(rps, burst)
	skip := make(map[string]bool, len(exempt))
	for _, p := range exempt {
		skip[p] = true
	}

	return func(c *gin.Context) {
		if skip[c.FullPath()] {
			c.Next()
			return
		}
		if !limiters.allow(c.ClientIP()) {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}
