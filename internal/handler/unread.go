package handler

import (
	"github.com/gin-gonic/gin"

	"sudooom.portal.messaging/internal/middleware"
	"sudooom.portal.messaging/internal/unread"
	"sudooom.portal.messaging/pkg/response"
)

// UnreadHandler serves the notification bell count.
type UnreadHandler struct {
	store unread.Store
}

// NewUnreadHandler creates an unread handler.
func NewUnreadHandler(store unread.Store) *UnreadHandler {
	return &UnreadHandler{store: store}
}

// Count returns the caller's unread total, recomputed from stored rows.
// @Summary      Unread count
// @Tags         unread
// @Produce      json
// @Security     BearerAuth
// @Success      200  {object}  response.Response{data=object{count=int64}}
// @Router       /unread [get]
func (h *UnreadHandler) Count(c *gin.Context) {
	userID := middleware.GetUserID(c)

	n, err := h.store.CountUnread(c.Request.Context(), userID)
	if err != nil {
		response.ErrorFromAppError(c, err)
		return
	}
	response.Success(c, gin.H{"count": n})
}

// ReadAll marks every received message as read and returns the new total.
// @Summary      Mark everything read
// @Tags         unread
// @Produce      json
// @Security     BearerAuth
// @Success      200  {object}  response.Response{data=object{count=int64}}
// @Router       /unread/read-all [post]
func (h *UnreadHandler) ReadAll(c *gin.Context) {
	userID := middleware.GetUserID(c)

	n, err := unread.MarkAllRead(c.Request.Context(), h.store, userID)
	if err != nil {
		response.ErrorFromAppError(c, err)
		return
	}
	response.Success(c, gin.H{"count": n})
}
