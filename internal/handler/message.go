package handler

import (
	"github.com/gin-gonic/gin"

	"sudooom.portal.messaging/internal/middleware"
	"sudooom.portal.messaging/internal/repository"
	"sudooom.portal.messaging/internal/service"
	"sudooom.portal.messaging/pkg/response"
)

// maxPageSize caps one page of conversation history.
const maxPageSize = 200

// MessageHandler serves message reads and writes.
type MessageHandler struct {
	messages *service.MessageService
}

// NewMessageHandler creates a message handler.
func NewMessageHandler(messages *service.MessageService) *MessageHandler {
	return &MessageHandler{messages: messages}
}

type contentRequest struct {
	Content string `json:"content" binding:"required"`
}

type sendToRequest struct {
	PeerID  int64  `json:"peerId" binding:"required"`
	Content string `json:"content" binding:"required"`
}

type markReadRequest struct {
	IDs []int64 `json:"ids" binding:"required"`
}

// List returns a page of a conversation in order. Pass the last id seen as
// after to continue.
// @Summary      List messages
// @Tags         messages
// @Produce      json
// @Security     BearerAuth
// @Param        id     path      int  true   "conversation id"
// @Param        after  query     int  false  "last message id seen"
// @Param        limit  query     int  false  "page size, at most 200"
// @Success      200  {object}  response.Response{data=object{list=[]model.Message}}
// @Failure      403  {object}  response.Response
// @Router       /conversations/{id}/messages [get]
func (h *MessageHandler) List(c *gin.Context) {
	userID := middleware.GetUserID(c)
	conversationID, ok := parseID(c, "id")
	if !ok {
		return
	}
	after, ok := queryInt64(c, "after")
	if !ok {
		return
	}
	limit, ok := queryInt64(c, "limit")
	if !ok {
		return
	}
	if limit == 0 || limit > maxPageSize {
		limit = maxPageSize
	}

	msgs, err := h.messages.List(c.Request.Context(), conversationID, userID, repository.ListOptions{
		AfterID: after,
		Limit:   int(limit),
	})
	if err != nil {
		response.ErrorFromAppError(c, err)
		return
	}
	response.Success(c, gin.H{"list": msgs})
}

// Send posts a message to a conversation.
// @Summary      Send a message
// @Tags         messages
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        id       path      int             true  "conversation id"
// @Param        request  body      contentRequest  true  "message"
// @Success      200  {object}  response.Response{data=model.Message}
// @Failure      400  {object}  response.Response
// @Failure      403  {object}  response.Response
// @Failure      429  {object}  response.Response
// @Router       /conversations/{id}/messages [post]
func (h *MessageHandler) Send(c *gin.Context) {
	userID := middleware.GetUserID(c)
	conversationID, ok := parseID(c, "id")
	if !ok {
		return
	}

	var req contentRequest
	if !bindJSON(c, &req) {
		return
	}

	msg, err := h.messages.Send(c.Request.Context(), conversationID, userID, req.Content)
	if err != nil {
		response.ErrorFromAppError(c, err)
		return
	}
	response.Success(c, msg)
}

// SendTo posts a message to a peer, starting the conversation on first contact.
// @Summary      Send a message to a peer
// @Tags         messages
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        request  body      sendToRequest  true  "peer and message"
// @Success      200  {object}  response.Response{data=model.Message}
// @Failure      400  {object}  response.Response
// @Failure      429  {object}  response.Response
// @Router       /messages [post]
func (h *MessageHandler) SendTo(c *gin.Context) {
	userID := middleware.GetUserID(c)

	var req sendToRequest
	if !bindJSON(c, &req) {
		return
	}

	msg, err := h.messages.SendTo(c.Request.Context(), userID, req.PeerID, req.Content)
	if err != nil {
		response.ErrorFromAppError(c, err)
		return
	}
	response.Success(c, msg)
}

// Get returns one message.
// @Summary      Get a message
// @Tags         messages
// @Produce      json
// @Security     BearerAuth
// @Param        id   path      int  true  "message id"
// @Success      200  {object}  response.Response{data=model.Message}
// @Failure      403  {object}  response.Response
// @Failure      404  {object}  response.Response
// @Router       /messages/{id} [get]
func (h *MessageHandler) Get(c *gin.Context) {
	userID := middleware.GetUserID(c)
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	msg, err := h.messages.Get(c.Request.Context(), id, userID)
	if err != nil {
		response.ErrorFromAppError(c, err)
		return
	}
	response.Success(c, msg)
}

// Edit replaces the content of the caller's own message.
// @Summary      Edit a message
// @Tags         messages
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        id       path      int             true  "message id"
// @Param        request  body      contentRequest  true  "new content"
// @Success      200  {object}  response.Response{data=model.Message}
// @Failure      400  {object}  response.Response
// @Failure      403  {object}  response.Response
// @Router       /messages/{id} [put]
func (h *MessageHandler) Edit(c *gin.Context) {
	userID := middleware.GetUserID(c)
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	var req contentRequest
	if !bindJSON(c, &req) {
		return
	}

	msg, err := h.messages.Edit(c.Request.Context(), id, userID, req.Content)
	if err != nil {
		response.ErrorFromAppError(c, err)
		return
	}
	response.Success(c, msg)
}

// Delete removes the caller's own message.
// @Summary      Delete a message
// @Tags         messages
// @Produce      json
// @Security     BearerAuth
// @Param        id   path      int  true  "message id"
// @Success      200  {object}  response.Response
// @Failure      403  {object}  response.Response
// @Failure      404  {object}  response.Response
// @Router       /messages/{id} [delete]
func (h *MessageHandler) Delete(c *gin.Context) {
	userID := middleware.GetUserID(c)
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	if err := h.messages.Delete(c.Request.Context(), id, userID); err != nil {
		response.ErrorFromAppError(c, err)
		return
	}
	response.Success(c, nil)
}

// MarkRead marks received messages as read. Ids the caller cannot read, or
// that are already read, are skipped.
// @Summary      Mark messages read
// @Tags         messages
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        request  body      markReadRequest  true  "message ids"
// @Success      200  {object}  response.Response{data=object{changed=[]int64}}
// @Router       /messages/read [post]
func (h *MessageHandler) MarkRead(c *gin.Context) {
	userID := middleware.GetUserID(c)

	var req markReadRequest
	if !bindJSON(c, &req) {
		return
	}

	changed, err := h.messages.MarkRead(c.Request.Context(), req.IDs, userID)
	if err != nil {
		response.ErrorFromAppError(c, err)
		return
	}
	ids := make([]int64, len(changed))
	for i, m := range changed {
		ids[i] = m.ID
	}
	response.Success(c, gin.H{"changed": ids})
}
