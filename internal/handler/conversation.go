package handler

import (
	"github.com/gin-gonic/gin"

	"sudooom.portal.messaging/internal/middleware"
	"sudooom.portal.messaging/internal/service"
	"sudooom.portal.messaging/pkg/response"
)

// ConversationHandler serves the conversation list.
type ConversationHandler struct {
	conversations *service.ConversationService
}

// NewConversationHandler creates a conversation handler.
func NewConversationHandler(conversations *service.ConversationService) *ConversationHandler {
	return &ConversationHandler{conversations: conversations}
}

type openConversationRequest struct {
	PeerID int64 `json:"peerId" binding:"required"`
}

// Open returns the conversation with a peer, creating it on first contact.
// @Summary      Open a conversation
// @Description  Returns the conversation with a peer, creating it on first contact
// @Tags         conversations
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        request body openConversationRequest true "peer"
// @Success      200  {object}  response.Response{data=model.Conversation}
// @Failure      400  {object}  response.Response
// @Router       /conversations [post]
func (h *ConversationHandler) Open(c *gin.Context) {
	userID := middleware.GetUserID(c)

	var req openConversationRequest
	if !bindJSON(c, &req) {
		return
	}

	conv, err := h.conversations.GetOrCreate(c.Request.Context(), userID, req.PeerID)
	if err != nil {
		response.ErrorFromAppError(c, err)
		return
	}
	response.Success(c, conv)
}

// List returns the caller's conversations, most recently active first.
// @Summary      List conversations
// @Tags         conversations
// @Produce      json
// @Security     BearerAuth
// @Success      200  {object}  response.Response{data=object{list=[]model.Conversation}}
// @Router       /conversations [get]
func (h *ConversationHandler) List(c *gin.Context) {
	userID := middleware.GetUserID(c)

	convs, err := h.conversations.ListForUser(c.Request.Context(), userID)
	if err != nil {
		response.ErrorFromAppError(c, err)
		return
	}
	response.Success(c, gin.H{"list": convs})
}

// Get returns one conversation.
// @Summary      Get a conversation
// @Tags         conversations
// @Produce      json
// @Security     BearerAuth
// @Param        id   path      int  true  "conversation id"
// @Success      200  {object}  response.Response{data=model.Conversation}
// @Failure      403  {object}  response.Response
// @Failure      404  {object}  response.Response
// @Router       /conversations/{id} [get]
func (h *ConversationHandler) Get(c *gin.Context) {
	userID := middleware.GetUserID(c)
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	conv, err := h.conversations.Get(c.Request.Context(), id, userID)
	if err != nil {
		response.ErrorFromAppError(c, err)
		return
	}
	response.Success(c, conv)
}

// Delete removes a conversation and its messages.
// @Summary      Delete a conversation
// @Description  Removes the conversation and every message in it
// @Tags         conversations
// @Produce      json
// @Security     BearerAuth
// @Param        id   path      int  true  "conversation id"
// @Success      200  {object}  response.Response
// @Failure      403  {object}  response.Response
// @Failure      404  {object}  response.Response
// @Router       /conversations/{id} [delete]
func (h *ConversationHandler) Delete(c *gin.Context) {
	userID := middleware.GetUserID(c)
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	if err := h.conversations.Delete(c.Request.Context(), id, userID); err != nil {
		response.ErrorFromAppError(c, err)
		return
	}
	response.Success(c, nil)
}
