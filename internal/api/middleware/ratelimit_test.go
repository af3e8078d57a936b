package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func limitedRouter(rl *RateLimiter) *gin.Engine {
	r := gin.New()
	r.POST("/print", rl.Handler(), func(c *gin.Context) { c.Status(http.StatusAccepted) })
	return r
}

func post(r http.Handler, ip string) int {
	req := httptest.NewRequest(http.MethodPost, "/print", nil)
	req.RemoteAddr = ip + ":5000"
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w.Code
}

func TestRateLimiter_PerClientBurst(t *testing.T) {
	rl := NewRateLimiter(1, 2)
	now := time.Now()
	rl.now = func() time.Time { return now }
	r := limitedRouter(rl)

	assert.Equal(t, http.StatusAccepted, post(r, "10.0.0.1"))
	assert.Equal(t, http.StatusAccepted, post(r, "10.0.0.1"))
	assert.Equal(t, http.StatusTooManyRequests, post(r, "10.0.0.1"))
	assert.Equal(t, http.StatusAccepted, post(r, "10.0.0.2"))

	now = now.Add(time.Second)
	assert.Equal(t, http.StatusAccepted, post(r, "10.0.0.1"))
}

func TestRateLimiter_EvictsIdleClients(t *testing.T) {
	rl := NewRateLimiter(1, 1)
	now := time.Now()
	rl.now = func() time.Time { return now }

	rl.allow("10.0.0.1")
	now = now.Add(limiterIdle + time.Second)
	rl.allow("10.0.0.2")

	rl.mu.Lock()
	defer rl.mu.Unlock()
	assert.Len(t, rl.ips, 1)
	assert.Contains(t, rl.ips, "10.0.0.2")
}

func TestRateLimiter_NilPassesThrough(t *testing.T) {
	var rl *RateLimiter
	r := limitedRouter(rl)
	for i := 0; i < 5; i++ {
		assert.Equal(t, http.StatusAccepted, post(r, "10.0.0.1"))
	}
}
