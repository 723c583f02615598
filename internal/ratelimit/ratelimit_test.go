package ratelimit

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestAllowWithinBurst(t *testing.T) {
	l := New(Config{RequestsPerMinute: 60, BurstSize: 5, CleanupInterval: time.Minute})
	defer l.Stop()

	for i := 0; i < 5; i++ {
		assert.True(t, l.Allow("client"), "request %d should pass", i)
	}
	assert.False(t, l.Allow("client"))
}

func TestAllowRefills(t *testing.T) {
	l := New(Config{RequestsPerMinute: 6000, BurstSize: 1, CleanupInterval: time.Minute})
	defer l.Stop()

	assert.True(t, l.Allow("client"))
	assert.False(t, l.Allow("client"))

	// 100 tokens/second: a short wait refills the bucket.
	time.Sleep(50 * time.Millisecond)
	assert.True(t, l.Allow("client"))
}

func TestAllowIsolatesClients(t *testing.T) {
	l := New(Config{RequestsPerMinute: 60, BurstSize: 1, CleanupInterval: time.Minute})
	defer l.Stop()

	assert.True(t, l.Allow("a"))
	assert.False(t, l.Allow("a"))
	assert.True(t, l.Allow("b"))
}

func TestMiddlewareSeparatesAdminBucket(t *testing.T) {
	l := New(Config{RequestsPerMinute: 60, BurstSize: 1, CleanupInterval: time.Minute})
	defer l.Stop()

	router := gin.New()
	router.Use(l.Middleware())
	router.GET("/test", func(c *gin.Context) { c.String(200, "ok") })

	// Public client exhausts its bucket.
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/test", nil))
	assert.Equal(t, 200, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/test", nil))
	assert.Equal(t, 429, w.Code)

	// Admin-authenticated caller from the same IP still gets through.
	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("X-Admin-Secret", "secret")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, 200, w.Code)
}
