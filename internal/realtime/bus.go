// Package realtime carries message change events on one logical channel per
// conversation. Delivery is at-least-once; every subscription drops event
// ids it has already handled.
package realtime

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"sudooom.portal.messaging/internal/metrics"
	"sudooom.portal.messaging/internal/model"
)

// DefaultBufferSize is the per-subscription queue length.
const DefaultBufferSize = 256

// Handler receives events for a conversation. Calls for one subscription are
// sequential.
type Handler func(ev *model.Event)

// Bus publishes change events and fans them out to conversation subscribers.
type Bus interface {
	Publish(ctx context.Context, ev *model.Event) error
	Subscribe(conversationID int64, handler Handler) (*Subscription, error)
}

// Options tunes subscriptions created by a bus.
type Options struct {
	DedupWindow int
	BufferSize  int
}

func (o Options) withDefaults() Options {
	if o.DedupWindow <= 0 {
		o.DedupWindow = DefaultDedupWindow
	}
	if o.BufferSize <= 0 {
		o.BufferSize = DefaultBufferSize
	}
	return o
}

// Subscription is a cancellable registration on one conversation channel.
// Once Unsubscribe returns, the handler is not invoked again.
type Subscription struct {
	conversationID int64
	handler        Handler
	dedup          *Deduper
	logger         *slog.Logger

	// mu is held while the handler runs, so Unsubscribe waits for an
	// in-flight call before returning.
	mu        sync.Mutex
	cancelled atomic.Bool

	queue    chan *model.Event
	done     chan struct{}
	once     sync.Once
	onCancel func()
}

func newSubscription(conversationID int64, handler Handler, opts Options) *Subscription {
	opts = opts.withDefaults()
	s := &Subscription{
		conversationID: conversationID,
		handler:        handler,
		dedup:          NewDeduper(opts.DedupWindow),
		logger:         slog.Default(),
		queue:          make(chan *model.Event, opts.BufferSize),
		done:           make(chan struct{}),
	}
	go s.run()
	metrics.ActiveSubscriptions.Inc()
	return s
}

// ConversationID returns the conversation this subscription listens to.
func (s *Subscription) ConversationID() int64 {
	return s.conversationID
}

// deliver queues ev without blocking the transport. A full queue drops the
// event; the unread poll reconciles whatever it carried.
func (s *Subscription) deliver(ev *model.Event) {
	select {
	case <-s.done:
		return
	default:
	}

	select {
	case s.queue <- ev:
	case <-s.done:
	default:
		metrics.EventsDropped.Inc()
		s.logger.Warn("Subscription buffer full, dropping event",
			"conversationId", s.conversationID,
			"eventId", ev.ID,
			"bufferSize", cap(s.queue),
		)
	}
}

func (s *Subscription) run() {
	for {
		select {
		case <-s.done:
			return
		case ev := <-s.queue:
			s.dispatch(ev)
		}
	}
}

func (s *Subscription) dispatch(ev *model.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// a frame that was in flight when the caller cancelled is discarded here
	if s.cancelled.Load() {
		return
	}
	if ev.ConversationID != s.conversationID {
		return
	}
	if s.dedup.Seen(ev.ID) {
		metrics.EventsDuplicate.Inc()
		return
	}

	metrics.EventsDelivered.Inc()
	s.handler(ev)
}

// Unsubscribe cancels the subscription. It is idempotent and must not be
// called from inside the subscription's own handler.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.cancelled.Store(true)
		// waits out a handler call that is already running
		s.mu.Lock()
		close(s.done)
		s.mu.Unlock()

		if s.onCancel != nil {
			s.onCancel()
		}
		metrics.ActiveSubscriptions.Dec()
	})
}

// Cancelled reports whether Unsubscribe has been called.
func (s *Subscription) Cancelled() bool {
	return s.cancelled.Load()
}
