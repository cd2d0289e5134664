package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"mabletask/telemetry/logging"
	"mabletask/telemetry/middleware"
	"mabletask/telemetry/models"
	"mabletask/telemetry/tracking"
	"mabletask/telemetry/utils"
)

const (
	maxBatchEvents   = 500
	defaultDevices   = 50
	maxDevices       = 500
	defaultDays      = 30
	analyticsTimeout = 15 * time.Second
)

// Tracker is the ingestion side; see tracking.Service.
type Tracker interface {
	Submit(ctx context.Context, req models.SubmitEventRequest, meta tracking.RequestMeta) (models.SubmitResult, error)
	SubmitBatch(ctx context.Context, reqs []models.SubmitEventRequest, meta tracking.RequestMeta) []models.SubmitResult
	StartSession(ctx context.Context, req models.StartSessionRequest) (bool, error)
	EndSession(ctx context.Context, req models.EndSessionRequest) error
	LinkDevice(ctx context.Context, deviceID, userID string) (models.LinkResult, error)
}

// AnalyticsReader serves the read endpoints; see processor.Worker.
type AnalyticsReader interface {
	GetUserAnalytics(ctx context.Context, deviceID, userID string, days int) (*models.UserAnalytics, error)
	ListDevices(ctx context.Context, limit, offset int) ([]models.DeviceSummary, error)
}

type BehaviorHandlers struct {
	Tracker   Tracker
	Analytics AnalyticsReader
}

func NewBehaviorHandlers(t Tracker, a AnalyticsReader) *BehaviorHandlers {
	return &BehaviorHandlers{Tracker: t, Analytics: a}
}

func requestMeta(c *gin.Context) tracking.RequestMeta {
	return tracking.RequestMeta{IPAddress: c.ClientIP(), UserAgent: c.Request.UserAgent()}
}

// statusFor maps pipeline errors onto HTTP codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrSessionNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func fail(c *gin.Context, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		logging.Error().Err(err).Str("route", c.FullPath()).Msg("request failed")
		msg = "Internal server error"
	}
	c.JSON(status, gin.H{"success": false, "error": msg})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": msg})
}

func (h *BehaviorHandlers) TrackEvent(c *gin.Context) {
	var req models.SubmitEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logging.Debug().Err(err).Msg("invalid track body")
		badRequest(c, "Invalid request body")
		return
	}

	res, err := h.Tracker.Submit(c.Request.Context(), req, requestMeta(c))
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			res.Error = "Failed to record event"
		}
		c.JSON(status, res)
		return
	}
	c.JSON(http.StatusOK, res)
}

// TrackBatch accepts an array of events. Each one succeeds or fails on its
// own; the response lists the outcome per position.
func (h *BehaviorHandlers) TrackBatch(c *gin.Context) {
	var reqs []models.SubmitEventRequest
	if err := c.ShouldBindJSON(&reqs); err != nil {
		logging.Debug().Err(err).Msg("invalid batch body")
		badRequest(c, "Invalid request body")
		return
	}
	if len(reqs) == 0 {
		c.JSON(http.StatusOK, gin.H{"success": true, "accepted": 0, "results": []models.SubmitResult{}})
		return
	}
	if len(reqs) > maxBatchEvents {
		badRequest(c, "too many events in one batch, max "+strconv.Itoa(maxBatchEvents))
		return
	}

	results := h.Tracker.SubmitBatch(c.Request.Context(), reqs, requestMeta(c))
	accepted := 0
	for _, r := range results {
		if r.Success {
			accepted++
		}
	}
	c.JSON(http.StatusOK, gin.H{"success": accepted > 0, "accepted": accepted, "results": results})
}

func (h *BehaviorHandlers) StartSession(c *gin.Context) {
	var req models.StartSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}
	created, err := h.Tracker.StartSession(c.Request.Context(), req)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "sessionId": req.SessionID, "created": created})
}

func (h *BehaviorHandlers) EndSession(c *gin.Context) {
	var req models.EndSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}
	if err := h.Tracker.EndSession(c.Request.Context(), req); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// LinkDevice attaches a device to an account. The user id defaults to the
// authenticated caller.
func (h *BehaviorHandlers) LinkDevice(c *gin.Context) {
	var req models.LinkDeviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}
	if req.UserID == "" {
		req.UserID = c.GetString(middleware.ContextUserID)
	}

	res, err := h.Tracker.LinkDevice(c.Request.Context(), req.DeviceID, req.UserID)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "linked": res})
}

func (h *BehaviorHandlers) GetAnalytics(c *gin.Context) {
	deviceID := c.Query("deviceId")
	if deviceID == "" {
		badRequest(c, "deviceId query parameter is required")
		return
	}
	days, err := utils.ParseDays(c.Query("days"), defaultDays)
	if err != nil {
		badRequest(c, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), analyticsTimeout)
	defer cancel()

	out, err := h.Analytics.GetUserAnalytics(ctx, deviceID, c.Query("userId"), days)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "days": days, "analytics": out})
}

func (h *BehaviorHandlers) ListDevices(c *gin.Context) {
	limit, err := utils.ParseLimit(c.Query("limit"), defaultDevices, maxDevices)
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	offset := 0
	if raw := c.Query("offset"); raw != "" {
		offset, err = strconv.Atoi(raw)
		if err != nil || offset < 0 {
			badRequest(c, "offset must be a non-negative integer")
			return
		}
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), analyticsTimeout)
	defer cancel()

	devices, err := h.Analytics.ListDevices(ctx, limit, offset)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "devices": devices, "limit": limit, "offset": offset})
}

// RegisterBehaviorRoutes mounts the ingestion endpoints openly and the
// read and link endpoints behind auth.
func RegisterBehaviorRoutes(rg *gin.RouterGroup, h *BehaviorHandlers, auth gin.HandlerFunc) {
	b := rg.Group("/behavior")
	b.POST("/track", h.TrackEvent)
	b.POST("/track/batch", h.TrackBatch)
	b.POST("/session/start", h.StartSession)
	b.POST("/session/end", h.EndSession)

	private := b.Group("", auth)
	private.POST("/link-device", h.LinkDevice)
	private.GET("/analytics", h.GetAnalytics)
	private.GET("/devices", h.ListDevices)
}
