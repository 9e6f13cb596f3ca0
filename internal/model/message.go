package model

import "time"

// Message is a single direct message. Ordering inside a conversation is
// CreatedAt ascending, ties broken by ID (ids are time-ordered).
type Message struct {
	ID             int64      `json:"id" db:"id"`
	ConversationID int64      `json:"conversationId" db:"conversation_id"`
	SenderID       int64      `json:"senderId" db:"sender_id"`
	Content        string     `json:"content" db:"content"`
	CreatedAt      time.Time  `json:"createdAt" db:"created_at"`
	UpdatedAt      time.Time  `json:"updatedAt" db:"updated_at"`
	ReadAt         *time.Time `json:"readAt" db:"read_at"`
	Edited         bool       `json:"edited" db:"edited"`
}

// IsUnreadFor reports whether the message counts towards userID's unread total.
// The caller is responsible for checking that userID participates in the conversation.
func (m *Message) IsUnreadFor(userID int64) bool {
	return m.SenderID != userID && m.ReadAt == nil
}

// Before reports whether m sorts before other in conversation order.
func (m *Message) Before(other *Message) bool {
	if m.CreatedAt.Equal(other.CreatedAt) {
		return m.ID < other.ID
	}
	return m.CreatedAt.Before(other.CreatedAt)
}

// Clone returns a deep copy so callers can't mutate stored state through ReadAt.
func (m *Message) Clone() *Message {
	c := *m
	if m.ReadAt != nil {
		t := *m.ReadAt
		c.ReadAt = &t
	}
	return &c
}
