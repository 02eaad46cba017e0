package api

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/taskhub/taskhub/pkg/observability"
)

// requestIDKey names the correlation id in the gin context. The same value
// goes back out in the X-Request-ID header.
const requestIDKey = "request_id"

// RequestLogger assigns a correlation id and logs one line per request.
func RequestLogger(logger observability.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set(requestIDKey, requestID)
		c.Header("X-Request-ID", requestID)

		start := time.Now()
		c.Next()

		fields := map[string]interface{}{
			"request_id": requestID,
			"method":     c.Request.Method,
			"path":       c.Request.URL.Path,
			"status":     c.Writer.Status(),
			"latency_ms": time.Since(start).Milliseconds(),
			"client_ip":  c.ClientIP(),
		}
		if len(c.Errors) > 0 {
			fields["errors"] = c.Errors.String()
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			logger.Error("request failed", fields)
		} else {
			logger.Info("request", fields)
		}
	}
}

// MetricsMiddleware records duration and outcome per route.
func MetricsMiddleware(metrics observability.MetricsClient) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		metrics.RecordAPIOperation("http", c.Request.Method+" "+route, status < http.StatusInternalServerError, time.Since(start).Seconds())
	}
}

// clientLimiter keeps one token bucket per client IP. It guards the
// transport before authentication; per-token sliding windows run later in
// the auth middleware.
type clientLimiter struct {
	mu      sync.Mutex
	clients map[string]*clientBucket
	rps     rate.Limit
	burst   int
}

type clientBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newClientLimiter(perSecond float64, burst int) *clientLimiter {
	return &clientLimiter{
		clients: make(map[string]*clientBucket),
		rps:     rate.Limit(perSecond),
		burst:   burst,
	}
}

func (l *clientLimiter) allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.clients[key]
	if !ok {
		b = &clientBucket{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.clients[key] = b
	}
	b.lastSeen = time.Now()
	return b.limiter.Allow()
}

// sweep drops buckets idle longer than maxIdle and returns how many went.
func (l *clientLimiter) sweep(maxIdle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	cutoff := time.Now().Add(-maxIdle)
	for key, b := range l.clients {
		if b.lastSeen.Before(cutoff) {
			delete(l.clients, key)
			removed++
		}
	}
	return removed
}

// RateLimitMiddleware rejects clients that exceed the per-IP budget.
func RateLimitMiddleware(limiter *clientLimiter, metrics observability.MetricsClient) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !limiter.allow(c.ClientIP()) {
			metrics.IncrementCounterWithLabels("rate_limit_rejections_total", 1, map[string]string{"window": "transport"})
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, Response{
				Success: false,
				Error: &ErrorBody{
					Message:   "too many requests from this client",
					Code:      CodeRateLimited,
					Retryable: true,
				},
			})
			return
		}
		c.Next()
	}
}

// CORSMiddleware allows browser-based clients. Tool callers are servers,
// so the policy stays permissive and only runs when enabled.
func CORSMiddleware() gin.HandlerFunc {
	allowedHeaders := strings.Join([]string{
		"Origin", "Content-Type", "Accept", "Authorization", "X-API-Key", "X-Request-ID",
	}, ", ")

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			c.Header("Access-Control-Allow-Headers", allowedHeaders)
			c.Header("Access-Control-Max-Age", "86400")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
