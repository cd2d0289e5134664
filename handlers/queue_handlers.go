package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"mabletask/telemetry/queue"
	"mabletask/telemetry/utils"
)

// QueueInspector exposes the stream counters; see queue.Queue.
type QueueInspector interface {
	Size(ctx context.Context) (int64, error)
	Pending(ctx context.Context) (int64, error)
	DeadLetters(ctx context.Context, count int64) ([]queue.DeadLetter, error)
}

type QueueHandlers struct {
	Queue QueueInspector
}

// Status reports the stream length, unacknowledged deliveries and the
// oldest dead letters.
func (h *QueueHandlers) Status(c *gin.Context) {
	limit, err := utils.ParseLimit(c.Query("limit"), 20, 200)
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	ctx := c.Request.Context()

	size, err := h.Queue.Size(ctx)
	if err != nil {
		fail(c, err)
		return
	}
	pending, err := h.Queue.Pending(ctx)
	if err != nil {
		fail(c, err)
		return
	}
	dead, err := h.Queue.DeadLetters(ctx, int64(limit))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":     true,
		"size":        size,
		"pending":     pending,
		"deadLetters": dead,
	})
}

func RegisterQueueRoutes(rg *gin.RouterGroup, h *QueueHandlers, auth gin.HandlerFunc) {
	rg.GET("/queue/status", auth, h.Status)
}
