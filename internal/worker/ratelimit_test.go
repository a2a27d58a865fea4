package worker

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPerClientRateLimiter_BurstThenReject(t *testing.T) {
	l := NewPerClientRateLimiter(0.001, 3)

	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow("a"), "request %d within burst", i+1)
	}
	assert.False(t, l.Allow("a"))
	assert.True(t, l.Allow("b"), "clients have separate buckets")

	stats := l.Stats()
	assert.Equal(t, int64(5), stats["total_requests"])
	assert.Equal(t, int64(1), stats["total_rejected"])
	assert.Equal(t, 2, stats["active_clients"])
}

func TestPerClientRateLimiter_Refills(t *testing.T) {
	l := NewPerClientRateLimiter(50, 1)

	require.True(t, l.Allow("a"))
	require.False(t, l.Allow("a"))

	assert.Eventually(t, func() bool { return l.Allow("a") }, time.Second, 10*time.Millisecond)
}

func TestPerClientRateLimiter_DisabledWhenRateIsZero(t *testing.T) {
	l := NewPerClientRateLimiter(0, 0)
	for i := 0; i < 1000; i++ {
		require.True(t, l.Allow("a"))
	}
}

func TestPerClientRateLimiter_DefaultBurst(t *testing.T) {
	l := NewPerClientRateLimiter(2.5, 0)
	assert.Equal(t, 3, l.Stats()["burst"])
}

func TestPerClientRateLimiter_CleansIdleClients(t *testing.T) {
	l := NewPerClientRateLimiter(10, 1)
	l.Allow("old")

	l.mu.Lock()
	l.clients["old"].lastSeen = time.Now().Add(-time.Hour)
	l.lastCleanup = time.Now().Add(-time.Hour)
	l.mu.Unlock()

	l.Allow("new")
	assert.Equal(t, 1, l.Stats()["active_clients"])
}

func TestPerClientRateLimiter_Concurrent(t *testing.T) {
	l := NewPerClientRateLimiter(0.001, 10)

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Allow("shared") {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, allowed)
}

func TestPerClientRateLimitMiddleware(t *testing.T) {
	l := NewPerClientRateLimiter(1, 1)
	handler := PerClientRateLimitMiddleware(l)(okHandler())

	send := func(remote string) *httptest.ResponseRecorder {
		req := httptest.NewRequest("POST", "/api/points/award", nil)
		req.RemoteAddr = remote
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		return rr
	}

	assert.Equal(t, http.StatusOK, send("10.0.0.1:4000").Code)
	limited := send("10.0.0.1:4001")
	assert.Equal(t, http.StatusTooManyRequests, limited.Code)
	assert.Equal(t, "1", limited.Header().Get("Retry-After"))
	assert.Equal(t, http.StatusOK, send("10.0.0.2").Code)
	assert.Equal(t, int64(1), l.Stats()["total_rejected"])
}
