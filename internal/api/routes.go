package api

import (
	"net/http"
	"os"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/rawblock/tracecost-engine/internal/pipeline"
)

// SetupRouter builds the Gin engine with CORS, the per-IP upstream
// budget, and the trace/health/websocket routes.
func SetupRouter(p *pipeline.Pipeline, hub *Hub) *gin.Engine {
	r := gin.Default()
	r.Use(corsMiddleware(parseAllowedOrigins(os.Getenv("ALLOWED_ORIGINS"))))

	handler := &TraceHandler{
		pipeline: p,
		hub:      hub,
		budget:   NewUpstreamBudget(creditsPerSecond, maxCredits),
	}

	v1 := r.Group("/api/v1")
	v1.GET("/health", handler.Health)
	v1.POST("/trace", handler.Trace)

	r.GET("/ws", hub.Subscribe)

	return r
}

// parseAllowedOrigins splits the ALLOWED_ORIGINS env value into a set.
// Empty (or "*") means any origin, the development default.
// Production: ALLOWED_ORIGINS=https://rawblock.net,https://www.rawblock.net
func parseAllowedOrigins(raw string) map[string]bool {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "*" {
		return nil // nil set = allow all
	}
	allowed := make(map[string]bool)
	for _, origin := range strings.Split(raw, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			allowed[origin] = true
		}
	}
	return allowed
}

// corsMiddleware answers preflights and stamps CORS headers. With a nil
// origin set every caller gets a wildcard; with a configured set only
// listed origins are echoed back (and may send credentials).
func corsMiddleware(allowed map[string]bool) gin.HandlerFunc {
	const (
		allowMethods = http.MethodGet + ", " + http.MethodPost + ", " + http.MethodOptions
		allowHeaders = "Content-Type, Accept, Origin, Cache-Control"
	)

	return func(c *gin.Context) {
		h := c.Writer.Header()
		origin := c.Request.Header.Get("Origin")

		switch {
		case allowed == nil:
			h.Set("Access-Control-Allow-Origin", "*")
		case allowed[origin]:
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Credentials", "true")
			h.Set("Vary", "Origin")
		}
		h.Set("Access-Control-Allow-Methods", allowMethods)
		h.Set("Access-Control-Allow-Headers", allowHeaders)

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
