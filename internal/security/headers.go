// Package security sets response hardening and CORS headers for the gateway.
package security

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// Request headers a browser client may send cross-origin.
var allowedHeaders = strings.Join([]string{
	"Authorization",
	"Content-Type",
	"X-API-Key",
	"X-Request-ID",
	"X-Payment-Signature",
	"X-Payment-Nonce",
}, ", ")

// Response headers a browser client may read. The 402 challenge is mirrored
// into X-Payment-* so clients can pay without parsing the body.
var exposedHeaders = strings.Join([]string{
	"X-Request-ID",
	"X-Payment-Amount",
	"X-Payment-Recipient",
	"X-Payment-Network",
	"X-Payment-Nonce",
	"X-Payment-Reason",
	"X-Auth-Method",
	"X-Quota-Remaining",
	"Retry-After",
}, ", ")

// HeadersMiddleware adds security headers to all responses. The gateway
// serves JSON only, so the content policy forbids everything.
func HeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "no-referrer")
		c.Header("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		c.Header("Cache-Control", "no-store")
		c.Next()
	}
}

// CORSMiddleware handles CORS. An empty list or "*" allows any origin.
func CORSMiddleware(allowedOrigins []string) gin.HandlerFunc {
	origins := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		origins[o] = true
	}
	wildcard := len(allowedOrigins) == 0 || origins["*"]

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")

		if origin != "" && (wildcard || origins[origin]) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
			c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", allowedHeaders)
			c.Header("Access-Control-Expose-Headers", exposedHeaders)
			c.Header("Access-Control-Max-Age", "86400")
			// Credentials never go with a wildcard policy.
			if !wildcard {
				c.Header("Access-Control-Allow-Credentials", "true")
			}
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
