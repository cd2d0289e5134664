package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"mabletask/telemetry/logging"
	"mabletask/telemetry/metrics"
)

// RequestMetrics records latency per route and logs each request at debug.
func RequestMetrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		took := time.Since(start)
		status := c.Writer.Status()
		metrics.RecordAPIRequest(c.Request.Method, route, status, took)

		logging.Debug().
			Str("method", c.Request.Method).
			Str("route", route).
			Int("status", status).
			Dur("took", took).
			Str("ip", c.ClientIP()).
			Msg("request")
	}
}
