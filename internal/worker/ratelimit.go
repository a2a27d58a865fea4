// Package worker provides the HTTP worker service for tally.
package worker

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// clientLimiter is the token bucket of one client.
type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// PerClientRateLimiter implements per-client rate limiting.
type PerClientRateLimiter struct {
	lastCleanup     time.Time
	clients         map[string]*clientLimiter
	limit           rate.Limit
	burst           int
	cleanupInterval time.Duration
	maxIdleTime     time.Duration
	requests        int64
	rejected        int64
	mu              sync.Mutex
}

// NewPerClientRateLimiter creates a new per-client rate limiter.
// rps is requests per second per client; rps <= 0 disables limiting.
func NewPerClientRateLimiter(rps float64, burst int) *PerClientRateLimiter {
	limit := rate.Limit(rps)
	if rps <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = int(math.Max(1, math.Ceil(rps)))
	}
	return &PerClientRateLimiter{
		limit:           limit,
		burst:           burst,
		clients:         make(map[string]*clientLimiter),
		cleanupInterval: 5 * time.Minute,
		maxIdleTime:     10 * time.Minute,
		lastCleanup:     time.Now(),
	}
}

// Allow reports whether a request from clientKey may proceed.
func (l *PerClientRateLimiter) Allow(clientKey string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if now.Sub(l.lastCleanup) > l.cleanupInterval {
		l.cleanupLocked(now)
	}

	c, ok := l.clients[clientKey]
	if !ok {
		c = &clientLimiter{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.clients[clientKey] = c
	}
	c.lastSeen = now

	l.requests++
	if c.limiter.AllowN(now, 1) {
		return true
	}
	l.rejected++
	return false
}

// cleanupLocked removes idle clients. Caller must hold l.mu.
func (l *PerClientRateLimiter) cleanupLocked(now time.Time) {
	for key, c := range l.clients {
		if now.Sub(c.lastSeen) > l.maxIdleTime {
			delete(l.clients, key)
		}
	}
	l.lastCleanup = now
}

// Stats returns aggregate statistics.
func (l *PerClientRateLimiter) Stats() map[string]any {
	l.mu.Lock()
	defer l.mu.Unlock()

	return map[string]any{
		"rate":           float64(l.limit),
		"burst":          l.burst,
		"active_clients": len(l.clients),
		"total_requests": l.requests,
		"total_rejected": l.rejected,
	}
}

// retryAfterSeconds is a hint for rejected clients.
func (l *PerClientRateLimiter) retryAfterSeconds() int {
	if l.limit == rate.Inf || l.limit <= 0 {
		return 1
	}
	return int(math.Max(1, math.Ceil(1/float64(l.limit))))
}

// PerClientRateLimitMiddleware creates middleware that applies per-client rate limiting.
// Clients are keyed by remote host; RealIP has already resolved proxies.
func PerClientRateLimitMiddleware(limiter *PerClientRateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow(clientKey(r)) {
				w.Header().Set("Retry-After", strconv.Itoa(limiter.retryAfterSeconds()))
				http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientKey drops the port so reconnecting clients share one bucket.
func clientKey(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
