package repository

import (
	"context"
	"errors"
	"time"

	"sudooom.portal.messaging/internal/model"
)

var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrMessageNotFound      = errors.New("message not found")
	ErrDuplicatePair        = errors.New("conversation already exists for pair")
)

// ListOptions pages through a conversation in (created_at, id) order.
// AfterID = 0 starts from the oldest message; Limit <= 0 returns everything.
type ListOptions struct {
	AfterID int64
	Limit   int
}

// ConversationRepository persists conversations. Implementations enforce at
// most one row per unordered participant pair and report a lost insert race
// as ErrDuplicatePair.
type ConversationRepository interface {
	FindByPair(ctx context.Context, userA, userB int64) (*model.Conversation, error)
	FindByID(ctx context.Context, id int64) (*model.Conversation, error)
	ListByUser(ctx context.Context, userID int64) ([]*model.Conversation, error)
	Create(ctx context.Context, conv *model.Conversation) error
	Touch(ctx context.Context, id int64, at time.Time) error
	// Delete removes the conversation and all of its messages atomically and
	// returns the number of messages removed.
	Delete(ctx context.Context, id int64) (int64, error)
}

// MessageRepository persists messages.
type MessageRepository interface {
	Create(ctx context.Context, msg *model.Message) error
	FindByID(ctx context.Context, id int64) (*model.Message, error)
	ListByConversation(ctx context.Context, conversationID int64, opts ListOptions) ([]*model.Message, error)
	UpdateContent(ctx context.Context, id int64, content string, at time.Time) (*model.Message, error)
	Delete(ctx context.Context, id int64) error
	// MarkRead sets read_at on the given messages where readerID participates,
	// did not send the message, and read_at is still null. It returns only the
	// rows it changed.
	MarkRead(ctx context.Context, ids []int64, readerID int64, at time.Time) ([]*model.Message, error)
	// ListUnread returns every message counting towards userID's unread total.
	ListUnread(ctx context.Context, userID int64) ([]*model.Message, error)
	CountUnread(ctx context.Context, userID int64) (int64, error)
}
