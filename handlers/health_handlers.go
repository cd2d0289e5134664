package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"mabletask/telemetry/health"
	"mabletask/telemetry/processor"
)

type HealthHandlers struct {
	Monitor *health.Monitor
	Stats   func() processor.WorkerStats
	Breaker func() string
}

// Health serves the last monitor report, running the checks first if none
// has completed yet. A critical pipeline answers 503.
func (h *HealthHandlers) Health(c *gin.Context) {
	report := h.Monitor.Last()
	if report.Timestamp.IsZero() {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()
		report = h.Monitor.Check(ctx)
	}

	body := gin.H{
		"status":    report.Status,
		"checks":    report.Checks,
		"timestamp": report.Timestamp,
	}
	if h.Stats != nil {
		body["worker"] = h.Stats()
	}
	if h.Breaker != nil {
		body["queueBreaker"] = h.Breaker()
	}

	status := http.StatusOK
	if report.Status == health.StatusCritical {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, body)
}
