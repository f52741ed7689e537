package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"chat-gateway/internal/rooms"
	"chat-gateway/internal/telemetry"
)

// DebugInfo reports live gateway state for the debug routes.
type DebugInfo struct {
	Connections   func() int
	Rooms         func() map[rooms.Kind]int
	PublisherMode string
	NoopReason    string
}

// RegisterDebugRoutes wires debug-only endpoints.
func RegisterDebugRoutes(router gin.IRouter, emitter *telemetry.AuditEmitter, info DebugInfo, enabled bool) {
	if !enabled {
		return
	}

	debug := router.Group("/debug")
	debug.GET("/audit-test", func(c *gin.Context) {
		if emitter == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audit emitter not configured"})
			return
		}
		emitter.Emit(c.Request.Context(), "INFO", "audit test", requestIDFromContext(c), userIDFromContext(c))
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	debug.GET("/gateway", func(c *gin.Context) {
		connections := 0
		if info.Connections != nil {
			connections = info.Connections()
		}
		resp := gin.H{"connections": connections, "publisher": info.PublisherMode}
		if info.Rooms != nil {
			resp["rooms"] = info.Rooms()
		}
		if info.NoopReason != "" {
			resp["publisherNoopReason"] = info.NoopReason
		}
		c.JSON(http.StatusOK, resp)
	})
}
