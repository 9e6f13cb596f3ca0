package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"sudooom.portal.messaging/internal/model"
	"sudooom.portal.messaging/internal/repository"
	appErrors "sudooom.portal.messaging/pkg/errors"
	"sudooom.portal.messaging/pkg/snowflake"
)

// maxCreateAttempts bounds GetOrCreate when the pair keeps being created and
// deleted under it.
const maxCreateAttempts = 3

// Publisher emits change events scoped to a conversation.
type Publisher interface {
	Publish(ctx context.Context, ev *model.Event) error
}

// ConversationService owns conversation identity and participant pairing.
type ConversationService struct {
	conversations repository.ConversationRepository
	publisher     Publisher
	sf            *snowflake.Node
	logger        *slog.Logger
}

// NewConversationService creates a conversation service.
func NewConversationService(conversations repository.ConversationRepository, publisher Publisher, sf *snowflake.Node) *ConversationService {
	return &ConversationService{
		conversations: conversations,
		publisher:     publisher,
		sf:            sf,
		logger:        slog.Default(),
	}
}

// GetOrCreate returns the conversation between userA and userB in either
// order, creating it on first contact. Concurrent calls for the same pair
// converge on one row.
func (s *ConversationService) GetOrCreate(ctx context.Context, userA, userB int64) (*model.Conversation, error) {
	if userA <= 0 || userB <= 0 {
		return nil, appErrors.ErrInvalidParams
	}
	if userA == userB {
		return nil, appErrors.ErrValidation.WithMessage("cannot start a conversation with yourself")
	}

	for attempt := 1; ; attempt++ {
		conv, err := s.conversations.FindByPair(ctx, userA, userB)
		if err == nil {
			return conv, nil
		}
		if !errors.Is(err, repository.ErrConversationNotFound) {
			return nil, appErrors.ErrDBError.Wrap(err)
		}

		now := time.Now()
		conv = &model.Conversation{
			ID:           s.sf.Generate().Int64(),
			ParticipantA: userA,
			ParticipantB: userB,
			CreatedAt:    now,
			UpdatedAt:    now,
		}

		err = s.conversations.Create(ctx, conv)
		if errors.Is(err, repository.ErrDuplicatePair) {
			// The other participant created it first. If it is deleted again
			// before the reload, the next attempt creates a fresh one.
			if attempt < maxCreateAttempts {
				s.logger.Debug("Conversation create race lost, reloading", "userA", userA, "userB", userB, "attempt", attempt)
				continue
			}
			return nil, appErrors.ErrNotFound.WithMessage("conversation changed while it was being opened, try again")
		}
		if err != nil {
			return nil, appErrors.ErrDBError.Wrap(err)
		}

		s.logger.Info("Conversation created",
			"conversationId", conv.ID,
			"participantA", userA,
			"participantB", userB,
		)
		return conv, nil
	}
}

// Authorize loads the conversation and checks that userID participates in it.
func (s *ConversationService) Authorize(ctx context.Context, conversationID, userID int64) (*model.Conversation, error) {
	conv, err := s.conversations.FindByID(ctx, conversationID)
	if err != nil {
		if errors.Is(err, repository.ErrConversationNotFound) {
			return nil, appErrors.ErrNotFound.WithMessage("conversation not found")
		}
		return nil, appErrors.ErrDBError.Wrap(err)
	}
	if !conv.HasParticipant(userID) {
		return nil, appErrors.ErrPermissionDenied.WithMessage("not a participant of this conversation")
	}
	return conv, nil
}

// Get returns a conversation visible to userID.
func (s *ConversationService) Get(ctx context.Context, conversationID, userID int64) (*model.Conversation, error) {
	return s.Authorize(ctx, conversationID, userID)
}

// ListForUser returns userID's conversations, most recently active first.
func (s *ConversationService) ListForUser(ctx context.Context, userID int64) ([]*model.Conversation, error) {
	convs, err := s.conversations.ListByUser(ctx, userID)
	if err != nil {
		return nil, appErrors.ErrDBError.Wrap(err)
	}
	return convs, nil
}

// Delete removes the conversation and all of its messages. Only a
// participant may delete it.
func (s *ConversationService) Delete(ctx context.Context, conversationID, requestingUser int64) error {
	if _, err := s.Authorize(ctx, conversationID, requestingUser); err != nil {
		return err
	}

	removed, err := s.conversations.Delete(ctx, conversationID)
	if err != nil {
		if errors.Is(err, repository.ErrConversationNotFound) {
			return appErrors.ErrNotFound.WithMessage("conversation not found")
		}
		return appErrors.ErrDBError.Wrap(err)
	}

	s.logger.Info("Conversation deleted",
		"conversationId", conversationID,
		"userId", requestingUser,
		"messagesRemoved", removed,
	)
	publish(ctx, s.publisher, s.logger, model.NewConversationDeletedEvent(conversationID, requestingUser))
	return nil
}

// touch bumps the conversation's activity time after a send.
func (s *ConversationService) touch(ctx context.Context, conversationID int64, at time.Time) {
	if err := s.conversations.Touch(ctx, conversationID, at); err != nil {
		s.logger.Warn("Failed to bump conversation activity", "conversationId", conversationID, "error", err)
	}
}

// publish emits ev. The row change is already committed, so a transport
// failure is logged and left to the unread poll.
func publish(ctx context.Context, p Publisher, logger *slog.Logger, ev *model.Event) {
	if p == nil {
		return
	}
	if err := p.Publish(ctx, ev); err != nil {
		logger.Warn("Failed to publish event",
			"type", ev.Type,
			"conversationId", ev.ConversationID,
			"eventId", ev.ID,
			"error", err,
		)
	}
}
