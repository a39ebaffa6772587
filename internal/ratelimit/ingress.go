package ratelimit

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// IngressConfig configures the per-IP guard.
type IngressConfig struct {
	RPS             float64
	Burst           int
	CleanupInterval time.Duration
	IdleTTL         time.Duration // drop clients unseen for this long
}

// DefaultIngressConfig returns sensible defaults
func DefaultIngressConfig() IngressConfig {
	return IngressConfig{
		RPS:             20,
		Burst:           40,
		CleanupInterval: time.Minute,
		IdleTTL:         3 * time.Minute,
	}
}

// Ingress is a per-IP token bucket in front of the whole HTTP surface.
// It is independent of the class limits that gate paid calls.
type Ingress struct {
	cfg     IngressConfig
	mu      sync.Mutex
	clients map[string]*client
	stop    chan struct{}
	once    sync.Once
}

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewIngress creates the guard and starts its cleanup loop. Call Stop to end it.
func NewIngress(cfg IngressConfig) *Ingress {
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 3 * time.Minute
	}
	g := &Ingress{
		cfg:     cfg,
		clients: make(map[string]*client),
		stop:    make(chan struct{}),
	}
	go g.cleanup()
	return g
}

func (g *Ingress) cleanup() {
	ticker := time.NewTicker(g.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			g.sweep(time.Now().Add(-g.cfg.IdleTTL))
		case <-g.stop:
			return
		}
	}
}

func (g *Ingress) sweep(cutoff time.Time) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	removed := 0
	for ip, c := range g.clients {
		if c.lastSeen.Before(cutoff) {
			delete(g.clients, ip)
			removed++
		}
	}
	return removed
}

// Stop ends the cleanup goroutine. Safe to call more than once.
func (g *Ingress) Stop() {
	g.once.Do(func() { close(g.stop) })
}

// Allow reports whether ip may make another request now.
func (g *Ingress) Allow(ip string) bool {
	g.mu.Lock()
	c, ok := g.clients[ip]
	if !ok {
		c = &client{limiter: rate.NewLimiter(rate.Limit(g.cfg.RPS), g.cfg.Burst)}
		g.clients[ip] = c
	}
	c.lastSeen = time.Now()
	g.mu.Unlock()

	return c.limiter.Allow()
}

// Middleware returns a gin middleware that limits by client IP.
func (g *Ingress) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !g.Allow(c.ClientIP()) {
			ingressRejectedTotal.Inc()
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":      "rate_limited",
				"message":    "Too many requests. Please slow down.",
				"retryAfter": 1,
			})
			return
		}
		c.Next()
	}
}
