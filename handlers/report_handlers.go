package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"mabletask/telemetry/models"
	"mabletask/telemetry/utils"
)

// Reports reads from the ClickHouse mirror; see store.ReportMirror.
type Reports interface {
	EventCountsOverTime(ctx context.Context, interval string, start, end time.Time, eventType string) ([]models.EventCountBucket, error)
	TopScreens(ctx context.Context, start, end time.Time, limit uint64) ([]models.ScreenCount, error)
}

type ReportHandlers struct {
	Reports Reports
	now     func() time.Time
}

func NewReportHandlers(r Reports) *ReportHandlers {
	return &ReportHandlers{Reports: r, now: time.Now}
}

// timeRange reads start and end (RFC3339). Missing values default to the
// last seven days.
func (h *ReportHandlers) timeRange(c *gin.Context) (time.Time, time.Time, bool) {
	end := h.now()
	start := end.AddDate(0, 0, -7)
	var err error
	if raw := c.Query("start"); raw != "" {
		if start, err = time.Parse(time.RFC3339, raw); err != nil {
			badRequest(c, "Invalid start time format, use RFC3339")
			return time.Time{}, time.Time{}, false
		}
	}
	if raw := c.Query("end"); raw != "" {
		if end, err = time.Parse(time.RFC3339, raw); err != nil {
			badRequest(c, "Invalid end time format, use RFC3339")
			return time.Time{}, time.Time{}, false
		}
	}
	if !start.Before(end) {
		badRequest(c, "start must be before end")
		return time.Time{}, time.Time{}, false
	}
	return start, end, true
}

func (h *ReportHandlers) EventCounts(c *gin.Context) {
	interval := c.Query("interval")
	if interval == "" {
		badRequest(c, "interval query parameter is required (e.g., 'day', 'hour')")
		return
	}
	start, end, ok := h.timeRange(c)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), analyticsTimeout)
	defer cancel()

	buckets, err := h.Reports.EventCountsOverTime(ctx, interval, start, end, c.Query("eventType"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": buckets})
}

func (h *ReportHandlers) TopScreens(c *gin.Context) {
	start, end, ok := h.timeRange(c)
	if !ok {
		return
	}
	limit, err := utils.ParseLimit(c.Query("limit"), 10, 100)
	if err != nil {
		badRequest(c, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), analyticsTimeout)
	defer cancel()

	screens, err := h.Reports.TopScreens(ctx, start, end, uint64(limit))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": screens})
}

func RegisterReportRoutes(rg *gin.RouterGroup, h *ReportHandlers, auth gin.HandlerFunc) {
	reports := rg.Group("/reports", auth)
	reports.GET("/event-counts", h.EventCounts)
	reports.GET("/top-screens", h.TopScreens)
}
