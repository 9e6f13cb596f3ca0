package model

import (
	"time"

	"github.com/google/uuid"
)

// EventType names a row change carried on a conversation channel.
type EventType string

const (
	EventMessageCreated   EventType = "message.created"
	EventMessageUpdated   EventType = "message.updated"
	EventMessageDeleted   EventType = "message.deleted"
	EventMessageReadState EventType = "message.read"

	EventConversationDeleted EventType = "conversation.deleted"
)

// Event is a change notification scoped to one conversation. Delivery is
// at-least-once: the same ID may arrive more than once.
type Event struct {
	ID             string    `json:"id"`
	Type           EventType `json:"type"`
	ConversationID int64     `json:"conversationId"`
	MessageID      int64     `json:"messageId,omitempty"`
	Message        *Message  `json:"message,omitempty"`
	ReaderID       int64     `json:"readerId,omitempty"`
	MessageIDs     []int64   `json:"messageIds,omitempty"`
	OccurredAt     time.Time `json:"occurredAt"`
}

// NewMessageEvent builds a created/updated/deleted event for msg.
func NewMessageEvent(t EventType, msg *Message) *Event {
	ev := &Event{
		ID:             uuid.NewString(),
		Type:           t,
		ConversationID: msg.ConversationID,
		MessageID:      msg.ID,
		OccurredAt:     time.Now(),
	}
	if t != EventMessageDeleted {
		ev.Message = msg.Clone()
	}
	return ev
}

// NewReadEvent builds a read-state event for messages marked read by readerID.
func NewReadEvent(conversationID, readerID int64, messageIDs []int64) *Event {
	return &Event{
		ID:             uuid.NewString(),
		Type:           EventMessageReadState,
		ConversationID: conversationID,
		ReaderID:       readerID,
		MessageIDs:     messageIDs,
		OccurredAt:     time.Now(),
	}
}

// NewConversationDeletedEvent builds the event emitted after a conversation
// and its messages were removed.
func NewConversationDeletedEvent(conversationID, deletedBy int64) *Event {
	return &Event{
		ID:             uuid.NewString(),
		Type:           EventConversationDeleted,
		ConversationID: conversationID,
		ReaderID:       deletedBy,
		OccurredAt:     time.Now(),
	}
}

// AffectsUnread reports whether the event can change a participant's unread count.
func (e *Event) AffectsUnread() bool {
	switch e.Type {
	case EventMessageCreated, EventMessageUpdated, EventMessageDeleted, EventMessageReadState, EventConversationDeleted:
		return true
	}
	return false
}
