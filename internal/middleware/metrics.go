package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/sdms-sync-api/internal/service"
)

// Telemetry returns middleware that captures request metrics using the provided service.
func Telemetry(telemetry *service.TelemetryService) gin.HandlerFunc {
	return func(c *gin.Context) {
		if telemetry == nil {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()
		duration := time.Since(start)
		status := c.Writer.Status()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		telemetry.ObserveHTTPRequest(c.Request.Method, path, status, duration)
	}
}
