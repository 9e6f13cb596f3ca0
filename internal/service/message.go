package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"sudooom.portal.messaging/internal/metrics"
	"sudooom.portal.messaging/internal/model"
	"sudooom.portal.messaging/internal/repository"
	"sudooom.portal.messaging/internal/safety"
	appErrors "sudooom.portal.messaging/pkg/errors"
	"sudooom.portal.messaging/pkg/snowflake"
)

// MessageService owns message CRUD and ordering within a conversation.
type MessageService struct {
	messages      repository.MessageRepository
	conversations *ConversationService
	filter        *safety.Filter
	publisher     Publisher
	sf            *snowflake.Node
	logger        *slog.Logger
}

// NewMessageService creates a message service.
func NewMessageService(
	messages repository.MessageRepository,
	conversations *ConversationService,
	filter *safety.Filter,
	publisher Publisher,
	sf *snowflake.Node,
) *MessageService {
	return &MessageService{
		messages:      messages,
		conversations: conversations,
		filter:        filter,
		publisher:     publisher,
		sf:            sf,
		logger:        slog.Default(),
	}
}

// Send validates content, persists it in the conversation and emits MessageCreated.
func (s *MessageService) Send(ctx context.Context, conversationID, senderID int64, content string) (*model.Message, error) {
	if _, err := s.conversations.Authorize(ctx, conversationID, senderID); err != nil {
		return nil, err
	}

	clean, err := s.filter.Prepare(content)
	if err != nil {
		metrics.ContentRejected.WithLabelValues("send").Inc()
		return nil, validationError(err)
	}

	now := time.Now()
	msg := &model.Message{
		ID:             s.sf.Generate().Int64(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        clean,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := s.messages.Create(ctx, msg); err != nil {
		if errors.Is(err, repository.ErrConversationNotFound) {
			return nil, appErrors.ErrNotFound.WithMessage("conversation not found")
		}
		s.logger.Error("Failed to save message", "conversationId", conversationID, "error", err)
		return nil, appErrors.ErrDBError.Wrap(err)
	}
	metrics.MessagesSent.Inc()

	s.conversations.touch(ctx, conversationID, now)
	publish(ctx, s.publisher, s.logger, model.NewMessageEvent(model.EventMessageCreated, msg))

	s.logger.Debug("Message sent",
		"messageId", msg.ID,
		"conversationId", conversationID,
		"userId", senderID,
	)
	return s.display(msg), nil
}

// SendTo sends to peerID, creating the conversation on first contact.
func (s *MessageService) SendTo(ctx context.Context, senderID, peerID int64, content string) (*model.Message, error) {
	conv, err := s.conversations.GetOrCreate(ctx, senderID, peerID)
	if err != nil {
		return nil, err
	}
	return s.Send(ctx, conv.ID, senderID, content)
}

// Get returns one message visible to userID.
func (s *MessageService) Get(ctx context.Context, messageID, userID int64) (*model.Message, error) {
	msg, err := s.load(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if _, err := s.conversations.Authorize(ctx, msg.ConversationID, userID); err != nil {
		return nil, err
	}
	return s.display(msg), nil
}

// List returns the conversation's messages in (createdAt, id) order. The
// same data always yields the same order, so paging by AfterID can resume.
func (s *MessageService) List(ctx context.Context, conversationID, userID int64, opts repository.ListOptions) ([]*model.Message, error) {
	if _, err := s.conversations.Authorize(ctx, conversationID, userID); err != nil {
		return nil, err
	}

	msgs, err := s.messages.ListByConversation(ctx, conversationID, opts)
	if err != nil {
		return nil, appErrors.ErrDBError.Wrap(err)
	}
	for i, m := range msgs {
		msgs[i] = s.display(m)
	}
	return msgs, nil
}

// Edit replaces the content of a message. Only its sender may edit it.
func (s *MessageService) Edit(ctx context.Context, messageID, userID int64, content string) (*model.Message, error) {
	msg, err := s.load(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if msg.SenderID != userID {
		return nil, appErrors.ErrPermissionDenied.WithMessage("only the sender can edit this message")
	}

	clean, err := s.filter.Prepare(content)
	if err != nil {
		metrics.ContentRejected.WithLabelValues("edit").Inc()
		return nil, validationError(err)
	}

	updated, err := s.messages.UpdateContent(ctx, messageID, clean, time.Now())
	if err != nil {
		if errors.Is(err, repository.ErrMessageNotFound) {
			return nil, appErrors.ErrNotFound.WithMessage("message not found")
		}
		return nil, appErrors.ErrDBError.Wrap(err)
	}

	publish(ctx, s.publisher, s.logger, model.NewMessageEvent(model.EventMessageUpdated, updated))
	return s.display(updated), nil
}

// Delete hard-deletes a message. Only its sender may delete it.
func (s *MessageService) Delete(ctx context.Context, messageID, userID int64) error {
	msg, err := s.load(ctx, messageID)
	if err != nil {
		return err
	}
	if msg.SenderID != userID {
		return appErrors.ErrPermissionDenied.WithMessage("only the sender can delete this message")
	}

	if err := s.messages.Delete(ctx, messageID); err != nil {
		if errors.Is(err, repository.ErrMessageNotFound) {
			return appErrors.ErrNotFound.WithMessage("message not found")
		}
		return appErrors.ErrDBError.Wrap(err)
	}

	publish(ctx, s.publisher, s.logger, model.NewMessageEvent(model.EventMessageDeleted, msg))
	s.logger.Debug("Message deleted", "messageId", messageID, "conversationId", msg.ConversationID)
	return nil
}

// MarkRead sets readAt on the messages userID received. Already-read,
// foreign and missing ids are skipped, so repeating a call is a no-op.
// It returns the messages that changed.
func (s *MessageService) MarkRead(ctx context.Context, messageIDs []int64, userID int64) ([]*model.Message, error) {
	ids := uniqueIDs(messageIDs)
	if len(ids) == 0 {
		return []*model.Message{}, nil
	}

	changed, err := s.messages.MarkRead(ctx, ids, userID, time.Now())
	if err != nil {
		return nil, appErrors.ErrDBError.Wrap(err)
	}

	byConversation := make(map[int64][]int64)
	order := make([]int64, 0)
	for _, m := range changed {
		if _, ok := byConversation[m.ConversationID]; !ok {
			order = append(order, m.ConversationID)
		}
		byConversation[m.ConversationID] = append(byConversation[m.ConversationID], m.ID)
	}
	for _, convID := range order {
		publish(ctx, s.publisher, s.logger, model.NewReadEvent(convID, userID, byConversation[convID]))
	}

	for i, m := range changed {
		changed[i] = s.display(m)
	}
	return changed, nil
}

// UnreadIDs returns the ids of every message counting towards userID's unread total.
func (s *MessageService) UnreadIDs(ctx context.Context, userID int64) ([]int64, error) {
	msgs, err := s.messages.ListUnread(ctx, userID)
	if err != nil {
		return nil, appErrors.ErrDBError.Wrap(err)
	}
	ids := make([]int64, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	return ids, nil
}

// CountUnread recomputes userID's unread total from stored rows.
func (s *MessageService) CountUnread(ctx context.Context, userID int64) (int64, error) {
	n, err := s.messages.CountUnread(ctx, userID)
	if err != nil {
		return 0, appErrors.ErrDBError.Wrap(err)
	}
	return n, nil
}

func (s *MessageService) load(ctx context.Context, messageID int64) (*model.Message, error) {
	msg, err := s.messages.FindByID(ctx, messageID)
	if err != nil {
		if errors.Is(err, repository.ErrMessageNotFound) {
			return nil, appErrors.ErrNotFound.WithMessage("message not found")
		}
		return nil, appErrors.ErrDBError.Wrap(err)
	}
	return msg, nil
}

// display applies the read-side sanitizer, which also covers rows written
// before the write-side filter existed.
func (s *MessageService) display(msg *model.Message) *model.Message {
	out := msg.Clone()
	out.Content = s.filter.Sanitize(out.Content)
	return out
}

func validationError(err error) error {
	return appErrors.ErrValidation.Wrap(err).WithMessage(err.Error())
}

func uniqueIDs(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if id <= 0 {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
