package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"mabletask/telemetry/logging"
	"mabletask/telemetry/realtime"
)

type LiveHandlers struct {
	Hub      *realtime.Hub
	upgrader websocket.Upgrader
}

// NewLiveHandlers accepts websocket upgrades from allowedOrigin, or from
// any origin when it is empty. Requests without an Origin header (non
// browser clients) are always accepted.
func NewLiveHandlers(hub *realtime.Hub, allowedOrigin string) *LiveHandlers {
	return &LiveHandlers{
		Hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return allowedOrigin == "" || origin == "" || origin == allowedOrigin
			},
		},
	}
}

// Subscribe upgrades to a websocket and streams hub messages until the
// client goes away.
func (h *LiveHandlers) Subscribe(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already written the error response.
		logging.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := realtime.NewClient(h.Hub, conn)
	client.Start()
	if err := h.Hub.AddSubscriber(client); err != nil {
		logging.Debug().Err(err).Str("subscriber", client.ID()).Msg("live subscriber rejected")
		client.Close()
		return
	}
	logging.Debug().Str("subscriber", client.ID()).Str("ip", c.ClientIP()).Msg("live subscriber joined")
}

func (h *LiveHandlers) Metrics(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"success": true, "metrics": h.Hub.Metrics()})
}

func RegisterLiveRoutes(rg *gin.RouterGroup, h *LiveHandlers, auth gin.HandlerFunc) {
	live := rg.Group("/live", auth)
	live.GET("", h.Subscribe)
	live.GET("/metrics", h.Metrics)
}
