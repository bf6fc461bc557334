package adminapi

import (
	"crypto/subtle"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// requireAPIKey enforces that every /admin route carries an X-API-Key
// header matching the configured secret, compared in constant time so a
// timing side-channel can't leak the secret byte by byte.
func (s *Server) requireAPIKey() gin.HandlerFunc {
	return func(c *gin.Context) {
		got := c.GetHeader("X-API-Key")
		if s.apiKey == "" || len(got) != len(s.apiKey) ||
			subtle.ConstantTimeCompare([]byte(got), []byte(s.apiKey)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"success": false, "error": "unauthorized"})
			return
		}
		c.Next()
	}
}

// visitor is one IP's token bucket in the global ingress limiter.
type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ingressLimiter caps every HTTP route at a fixed requests-per-minute rate
// per client IP: a map of per-visitor token buckets plus a background
// sweep that evicts entries idle for more than three minutes.
type ingressLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	rps      rate.Limit
	burst    int
}

func newIngressLimiter(perMinute int) *ingressLimiter {
	l := &ingressLimiter{
		visitors: make(map[string]*visitor),
		rps:      rate.Limit(float64(perMinute) / 60.0),
		burst:    perMinute,
	}
	go l.sweep()
	return l
}

func (l *ingressLimiter) get(ip string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	v, ok := l.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.visitors[ip] = v
	}
	v.lastSeen = time.Now()
	return v.limiter
}

func (l *ingressLimiter) sweep() {
	for {
		time.Sleep(time.Minute)
		l.mu.Lock()
		for ip, v := range l.visitors {
			if time.Since(v.lastSeen) > 3*time.Minute {
				delete(l.visitors, ip)
			}
		}
		l.mu.Unlock()
	}
}

func (l *ingressLimiter) middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !l.get(c.ClientIP()).Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"success": false, "error": "rate limited"})
			return
		}
		c.Next()
	}
}
