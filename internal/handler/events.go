package handler

import (
	"io"
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"

	"sudooom.portal.messaging/internal/middleware"
	"sudooom.portal.messaging/internal/notification"
	"sudooom.portal.messaging/pkg/response"
)

const (
	eventBuffer       = 64
	heartbeatInterval = 20 * time.Second
)

// EventsHandler streams a user's realtime updates as server-sent events.
type EventsHandler struct {
	hub       *notification.Hub
	heartbeat time.Duration
	logger    *slog.Logger
}

// NewEventsHandler creates an events handler.
func NewEventsHandler(hub *notification.Hub) *EventsHandler {
	return &EventsHandler{
		hub:       hub,
		heartbeat: heartbeatInterval,
		logger:    slog.Default(),
	}
}

// Stream sends the current unread count, then every unread change and
// conversation event until the client goes away.
// @Summary      Event stream
// @Description  Server-sent events: unread, event and ping frames. The token may be passed as access_token.
// @Tags         events
// @Produce      text/event-stream
// @Security     BearerAuth
// @Param        access_token  query  string  false  "token for EventSource clients"
// @Success      200
// @Failure      401  {object}  response.Response
// @Router       /events [get]
func (h *EventsHandler) Stream(c *gin.Context) {
	userID := middleware.GetUserID(c)

	client, ok := h.hub.Acquire(userID)
	if !ok {
		response.Error(c, response.CodeTransport)
		return
	}
	defer h.hub.Release(userID)

	updates, stop := client.Watch(eventBuffer)
	defer stop()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	c.SSEvent(string(notification.UpdateUnread), notification.Update{
		Kind:  notification.UpdateUnread,
		Count: client.UnreadCount(),
	})
	c.Writer.Flush()

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	ctx := c.Request.Context()
	h.logger.Debug("Event stream opened", "userId", userID)
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case u, ok := <-updates:
			if !ok {
				return false
			}
			c.SSEvent(string(u.Kind), u)
			return true
		case <-heartbeat.C:
			c.SSEvent("ping", time.Now().Unix())
			return true
		}
	})
	h.logger.Debug("Event stream closed", "userId", userID)
}
