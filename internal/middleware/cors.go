package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// OriginPolicy is the set of browser origins allowed to call the API
type OriginPolicy map[string]bool

// NewOriginPolicy builds a policy from a list of origins
func NewOriginPolicy(origins []string) OriginPolicy {
	policy := make(OriginPolicy, len(origins))
	for _, origin := range origins {
		if origin = strings.TrimSpace(origin); origin != "" {
			policy[origin] = true
		}
	}
	return policy
}

// Allowed reports whether origin may call the API. A policy containing "*" allows everything.
func (p OriginPolicy) Allowed(origin string) bool {
	return p["*"] || p[origin]
}

// CheckOrigin is a websocket.Upgrader CheckOrigin function. Non-browser clients send no origin.
func (p OriginPolicy) CheckOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	return origin == "" || p.Allowed(origin)
}

// CORSMiddleware sets CORS headers for allowed origins and rejects the others
func CORSMiddleware(policy OriginPolicy) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")

		if policy.Allowed(origin) {
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
			c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		} else if origin != "" {
			c.AbortWithStatus(http.StatusForbidden)
			return
		}

		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Max-Age", "86400")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
