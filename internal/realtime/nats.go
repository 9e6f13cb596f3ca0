package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"sudooom.portal.messaging/internal/config"
	"sudooom.portal.messaging/internal/metrics"
	"sudooom.portal.messaging/internal/model"
	appErrors "sudooom.portal.messaging/pkg/errors"
)

// Backoff returns the delay before reconnect attempt n (1-based): base
// doubled per attempt, capped at ceiling.
func Backoff(attempt int, base, ceiling time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= ceiling || d <= 0 {
			return ceiling
		}
	}
	if d > ceiling {
		return ceiling
	}
	return d
}

// NATSBus carries events on NATS, one subject per conversation.
type NATSBus struct {
	conn   *nats.Conn
	opts   Options
	logger *slog.Logger

	closing   atomic.Bool
	exhausted atomic.Bool

	mu          sync.Mutex
	onExhausted []func()
}

// NewNATSBus connects to NATS. Lost connections are retried with capped
// exponential backoff up to cfg.MaxReconnects times; after that the bus
// reports itself exhausted and callers fall back to polling.
func NewNATSBus(cfg config.NATSConfig, opts Options) (*NATSBus, error) {
	b := &NATSBus{
		opts:   opts.withDefaults(),
		logger: slog.Default(),
	}

	base, ceiling := cfg.ReconnectWait, cfg.MaxReconnectWait
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	if ceiling < base {
		ceiling = base
	}

	natsOpts := []nats.Option{
		nats.Name("portal-messaging"),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(base),
		nats.CustomReconnectDelay(func(attempts int) time.Duration {
			return Backoff(attempts, base, ceiling)
		}),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			metrics.TransportConnected.Set(0)
			b.logger.Warn("Disconnected from NATS", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			metrics.TransportConnected.Set(1)
			metrics.TransportReconnects.Inc()
			b.logger.Info("Reconnected to NATS", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			metrics.TransportConnected.Set(0)
			if b.closing.Load() {
				b.logger.Info("NATS connection closed")
				return
			}
			b.logger.Warn("NATS reconnect attempts exhausted, relying on unread poll")
			b.markExhausted()
		}),
		nats.Timeout(10 * time.Second),
	}

	conn, err := nats.Connect(cfg.URL, natsOpts...)
	if err != nil {
		return nil, appErrors.ErrTransport.Wrap(err)
	}
	b.conn = conn
	metrics.TransportConnected.Set(1)

	return b, nil
}

// Conn returns the underlying NATS connection.
func (b *NATSBus) Conn() *nats.Conn {
	return b.conn
}

// IsConnected reports whether the transport is currently usable.
func (b *NATSBus) IsConnected() bool {
	return b.conn != nil && b.conn.IsConnected()
}

// Exhausted reports whether reconnection gave up.
func (b *NATSBus) Exhausted() bool {
	return b.exhausted.Load()
}

// OnExhausted registers fn to run once reconnection gives up.
func (b *NATSBus) OnExhausted(fn func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onExhausted = append(b.onExhausted, fn)
}

func (b *NATSBus) markExhausted() {
	if !b.exhausted.CompareAndSwap(false, true) {
		return
	}
	b.mu.Lock()
	callbacks := append([]func(){}, b.onExhausted...)
	b.mu.Unlock()

	for _, fn := range callbacks {
		fn()
	}
}

// Publish sends ev on its conversation subject.
func (b *NATSBus) Publish(ctx context.Context, ev *model.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	if err := b.conn.Publish(BuildConversationSubject(ev.ConversationID), data); err != nil {
		return appErrors.ErrTransport.Wrap(err)
	}
	metrics.EventsPublished.WithLabelValues(string(ev.Type)).Inc()
	return nil
}

// Subscribe listens on the conversation subject.
func (b *NATSBus) Subscribe(conversationID int64, handler Handler) (*Subscription, error) {
	s := newSubscription(conversationID, handler, b.opts)
	subject := BuildConversationSubject(conversationID)

	nsub, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
		var ev model.Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			b.logger.Error("Failed to unmarshal event", "subject", msg.Subject, "error", err)
			return
		}
		s.deliver(&ev)
	})
	if err != nil {
		s.Unsubscribe()
		return nil, appErrors.ErrTransport.Wrap(err)
	}

	s.onCancel = func() {
		if err := nsub.Unsubscribe(); err != nil && b.conn.IsConnected() {
			b.logger.Warn("Failed to unsubscribe", "subject", subject, "error", err)
		}
	}
	return s, nil
}

// Close drains and closes the connection.
func (b *NATSBus) Close() {
	if b.conn == nil {
		return
	}
	b.closing.Store(true)
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
	}
}
