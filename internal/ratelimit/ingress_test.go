package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func TestIngress_AllowBurst(t *testing.T) {
	g := NewIngress(IngressConfig{RPS: 1, Burst: 5})
	defer g.Stop()

	for i := 0; i < 5; i++ {
		assert.True(t, g.Allow("10.0.0.1"), "request %d within burst", i)
	}
	assert.False(t, g.Allow("10.0.0.1"), "after burst")
	assert.True(t, g.Allow("10.0.0.2"), "other clients unaffected")
}

func TestIngress_Replenishes(t *testing.T) {
	g := NewIngress(IngressConfig{RPS: 20, Burst: 1})
	defer g.Stop()

	assert.True(t, g.Allow("ip"))
	assert.False(t, g.Allow("ip"))
	time.Sleep(60 * time.Millisecond)
	assert.True(t, g.Allow("ip"))
}

func TestIngress_Sweep(t *testing.T) {
	g := NewIngress(DefaultIngressConfig())
	defer g.Stop()
	g.Stop() // idempotent

	g.Allow("a")
	g.Allow("b")
	assert.Equal(t, 0, g.sweep(time.Now().Add(-time.Hour)))
	assert.Equal(t, 2, g.sweep(time.Now().Add(time.Second)))
}

func TestIngress_Middleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	g := NewIngress(IngressConfig{RPS: 0.001, Burst: 1})
	defer g.Stop()

	r := gin.New()
	r.Use(g.Middleware())
	r.GET("/v1/services", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/services", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/services", nil))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
	assert.Contains(t, w.Body.String(), `"rate_limited"`)
}
