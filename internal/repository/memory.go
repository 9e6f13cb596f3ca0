package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"sudooom.portal.messaging/internal/model"
)

type pairKey struct {
	low, high int64
}

// MemoryStore keeps conversations and messages in process memory. It backs
// the "memory" store driver and the unit tests; every operation holds a
// single lock so multi-row changes are atomic.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[int64]*model.Conversation
	pairs         map[pairKey]int64
	messages      map[int64]*model.Message
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[int64]*model.Conversation),
		pairs:         make(map[pairKey]int64),
		messages:      make(map[int64]*model.Message),
	}
}

// Conversations returns the conversation repository view of the store.
func (s *MemoryStore) Conversations() *MemoryConversationRepository {
	return &MemoryConversationRepository{s: s}
}

// Messages returns the message repository view of the store.
func (s *MemoryStore) Messages() *MemoryMessageRepository {
	return &MemoryMessageRepository{s: s}
}

// MemoryConversationRepository implements ConversationRepository on a MemoryStore.
type MemoryConversationRepository struct {
	s *MemoryStore
}

func cloneConversation(c *model.Conversation) *model.Conversation {
	cp := *c
	return &cp
}

func (r *MemoryConversationRepository) FindByPair(_ context.Context, userA, userB int64) (*model.Conversation, error) {
	low, high := model.NormalizePair(userA, userB)

	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	id, ok := r.s.pairs[pairKey{low, high}]
	if !ok {
		return nil, ErrConversationNotFound
	}
	return cloneConversation(r.s.conversations[id]), nil
}

func (r *MemoryConversationRepository) FindByID(_ context.Context, id int64) (*model.Conversation, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	conv, ok := r.s.conversations[id]
	if !ok {
		return nil, ErrConversationNotFound
	}
	return cloneConversation(conv), nil
}

func (r *MemoryConversationRepository) ListByUser(_ context.Context, userID int64) ([]*model.Conversation, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	result := make([]*model.Conversation, 0)
	for _, conv := range r.s.conversations {
		if conv.HasParticipant(userID) {
			result = append(result, cloneConversation(conv))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].UpdatedAt.Equal(result[j].UpdatedAt) {
			return result[i].ID > result[j].ID
		}
		return result[i].UpdatedAt.After(result[j].UpdatedAt)
	})
	return result, nil
}

func (r *MemoryConversationRepository) Create(_ context.Context, conv *model.Conversation) error {
	low, high := model.NormalizePair(conv.ParticipantA, conv.ParticipantB)
	key := pairKey{low, high}

	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, exists := r.s.pairs[key]; exists {
		return ErrDuplicatePair
	}
	r.s.pairs[key] = conv.ID
	r.s.conversations[conv.ID] = cloneConversation(conv)
	return nil
}

func (r *MemoryConversationRepository) Touch(_ context.Context, id int64, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	conv, ok := r.s.conversations[id]
	if !ok {
		return ErrConversationNotFound
	}
	if at.After(conv.UpdatedAt) {
		conv.UpdatedAt = at
	}
	return nil
}

func (r *MemoryConversationRepository) Delete(_ context.Context, id int64) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	conv, ok := r.s.conversations[id]
	if !ok {
		return 0, ErrConversationNotFound
	}

	var removed int64
	for msgID, msg := range r.s.messages {
		if msg.ConversationID == id {
			delete(r.s.messages, msgID)
			removed++
		}
	}

	low, high := model.NormalizePair(conv.ParticipantA, conv.ParticipantB)
	delete(r.s.pairs, pairKey{low, high})
	delete(r.s.conversations, id)
	return removed, nil
}

// MemoryMessageRepository implements MessageRepository on a MemoryStore.
type MemoryMessageRepository struct {
	s *MemoryStore
}

func sortMessages(messages []*model.Message) {
	sort.Slice(messages, func(i, j int) bool {
		return messages[i].Before(messages[j])
	})
}

func (r *MemoryMessageRepository) Create(_ context.Context, msg *model.Message) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.conversations[msg.ConversationID]; !ok {
		return ErrConversationNotFound
	}
	stored := msg.Clone()
	stored.Edited = false
	stored.ReadAt = nil
	r.s.messages[msg.ID] = stored
	return nil
}

func (r *MemoryMessageRepository) FindByID(_ context.Context, id int64) (*model.Message, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	msg, ok := r.s.messages[id]
	if !ok {
		return nil, ErrMessageNotFound
	}
	return msg.Clone(), nil
}

func (r *MemoryMessageRepository) ListByConversation(_ context.Context, conversationID int64, opts ListOptions) ([]*model.Message, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	var cursor *model.Message
	if opts.AfterID != 0 {
		c, ok := r.s.messages[opts.AfterID]
		if !ok {
			return []*model.Message{}, nil
		}
		cursor = c
	}

	result := make([]*model.Message, 0)
	for _, msg := range r.s.messages {
		if msg.ConversationID != conversationID {
			continue
		}
		if cursor != nil && !cursor.Before(msg) {
			continue
		}
		result = append(result, msg.Clone())
	}
	sortMessages(result)

	if opts.Limit > 0 && len(result) > opts.Limit {
		result = result[:opts.Limit]
	}
	return result, nil
}

func (r *MemoryMessageRepository) UpdateContent(_ context.Context, id int64, content string, at time.Time) (*model.Message, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	msg, ok := r.s.messages[id]
	if !ok {
		return nil, ErrMessageNotFound
	}
	msg.Content = content
	msg.Edited = true
	msg.UpdatedAt = at
	return msg.Clone(), nil
}

func (r *MemoryMessageRepository) Delete(_ context.Context, id int64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.messages[id]; !ok {
		return ErrMessageNotFound
	}
	delete(r.s.messages, id)
	return nil
}

func (r *MemoryMessageRepository) MarkRead(_ context.Context, ids []int64, readerID int64, at time.Time) ([]*model.Message, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	changed := make([]*model.Message, 0, len(ids))
	for _, id := range ids {
		msg, ok := r.s.messages[id]
		if !ok {
			continue
		}
		conv, ok := r.s.conversations[msg.ConversationID]
		if !ok || !conv.HasParticipant(readerID) || !msg.IsUnreadFor(readerID) {
			continue
		}
		readAt := at
		msg.ReadAt = &readAt
		msg.UpdatedAt = at
		changed = append(changed, msg.Clone())
	}
	sortMessages(changed)
	return changed, nil
}

func (r *MemoryMessageRepository) ListUnread(_ context.Context, userID int64) ([]*model.Message, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	result := make([]*model.Message, 0)
	for _, msg := range r.s.messages {
		conv, ok := r.s.conversations[msg.ConversationID]
		if ok && conv.HasParticipant(userID) && msg.IsUnreadFor(userID) {
			result = append(result, msg.Clone())
		}
	}
	sortMessages(result)
	return result, nil
}

func (r *MemoryMessageRepository) CountUnread(_ context.Context, userID int64) (int64, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	all := make([]*model.Message, 0, len(r.s.messages))
	for _, msg := range r.s.messages {
		all = append(all, msg)
	}
	return model.CountUnread(userID, r.s.conversations, all), nil
}
