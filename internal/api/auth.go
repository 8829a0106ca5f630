package api

import (
	"crypto/subtle"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// requireWorkerKey authenticates every protocol request with a
// constant-time comparison against the shared worker secret. Rejection
// happens before any body parsing or validation so an attacker learns
// nothing about the request shape.
func (s *Server) requireWorkerKey() gin.HandlerFunc {
	secret := []byte(s.cfg.WorkerSecret)
	return func(c *gin.Context) {
		got := []byte(c.GetHeader(WorkerKeyHeader))
		if len(secret) == 0 || subtle.ConstantTimeCompare(got, secret) != 1 {
			s.log.Warn("rejected request with bad worker key",
				zap.String("remote", c.ClientIP()),
				zap.String("path", c.Request.URL.Path))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

// agentLimiter holds one token bucket per agent for the activity
// endpoint. Buckets are created on first use and refill continuously.
type agentLimiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	limit   rate.Limit
	burst   int
	now     func() time.Time
}

func newAgentLimiter(perSecond float64, burst int, now func() time.Time) *agentLimiter {
	return &agentLimiter{
		buckets: make(map[string]*rate.Limiter),
		limit:   rate.Limit(perSecond),
		burst:   burst,
		now:     now,
	}
}

// Allow consumes one token from the agent's bucket.
func (l *agentLimiter) Allow(agentID string) bool {
	l.mu.Lock()
	b, ok := l.buckets[agentID]
	if !ok {
		b = rate.NewLimiter(l.limit, l.burst)
		l.buckets[agentID] = b
	}
	l.mu.Unlock()
	return b.AllowN(l.now(), 1)
}
