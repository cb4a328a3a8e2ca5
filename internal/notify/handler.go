package notify

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"docflow-backend/internal/shared/server/middleware"
	"docflow-backend/internal/shared/server/respond"
)

const keepAliveInterval = 25 * time.Second

// Handler streams status events over server-sent events.
type Handler struct {
	Hub *Hub
}

// RegisterRoutes mounts the event stream.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/events", h.stream)
}

func (h *Handler) stream(c *gin.Context) {
	userID := middleware.UserIDFromContext(c)
	if userID == "" {
		respond.Error(c, http.StatusUnauthorized, "unauthorized", "Missing identity", nil)
		return
	}
	sub, err := h.Hub.Subscribe(userID)
	if err != nil {
		respond.Error(c, http.StatusServiceUnavailable, "unavailable", "event stream unavailable", nil)
		return
	}
	defer sub.Close()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()
	ctx := c.Request.Context()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case ev, ok := <-sub.C:
			if !ok {
				return false
			}
			c.SSEvent("status", ev)
			return true
		case <-ticker.C:
			c.SSEvent("ping", gin.H{"at": time.Now().UTC()})
			return true
		}
	})
}
