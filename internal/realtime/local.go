package realtime

import (
	"context"
	"sync"

	"sudooom.portal.messaging/internal/metrics"
	"sudooom.portal.messaging/internal/model"
)

// LocalBus fans events out inside the process. It backs the "local" bus
// driver and the unit tests.
type LocalBus struct {
	opts Options

	mu   sync.RWMutex
	subs map[int64]map[*Subscription]struct{}
}

// NewLocalBus creates an in-process bus.
func NewLocalBus(opts Options) *LocalBus {
	return &LocalBus{
		opts: opts.withDefaults(),
		subs: make(map[int64]map[*Subscription]struct{}),
	}
}

// Publish delivers ev to every current subscriber of its conversation.
func (b *LocalBus) Publish(ctx context.Context, ev *model.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.RLock()
	targets := make([]*Subscription, 0, len(b.subs[ev.ConversationID]))
	for s := range b.subs[ev.ConversationID] {
		targets = append(targets, s)
	}
	b.mu.RUnlock()

	for _, s := range targets {
		s.deliver(ev)
	}
	metrics.EventsPublished.WithLabelValues(string(ev.Type)).Inc()
	return nil
}

// Subscribe registers handler on the conversation's channel.
func (b *LocalBus) Subscribe(conversationID int64, handler Handler) (*Subscription, error) {
	s := newSubscription(conversationID, handler, b.opts)
	s.onCancel = func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs[conversationID], s)
		if len(b.subs[conversationID]) == 0 {
			delete(b.subs, conversationID)
		}
	}

	b.mu.Lock()
	if b.subs[conversationID] == nil {
		b.subs[conversationID] = make(map[*Subscription]struct{})
	}
	b.subs[conversationID][s] = struct{}{}
	b.mu.Unlock()

	return s, nil
}

// SubscriberCount returns the number of live subscriptions on a conversation.
func (b *LocalBus) SubscriberCount(conversationID int64) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[conversationID])
}
