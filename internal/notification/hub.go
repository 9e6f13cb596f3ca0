package notification

import (
	"context"
	"log/slog"
	"sync"

	"sudooom.portal.messaging/internal/metrics"
)

// Factory builds a client for a user.
type Factory func(userID int64) *Client

type hubEntry struct {
	client *Client
	refs   int
	// ready is closed once client.Start has returned.
	ready chan struct{}
}

// Hub shares one running Client per user between concurrent consumers, such
// as several open event streams from the same account.
type Hub struct {
	ctx     context.Context
	factory Factory
	logger  *slog.Logger

	mu      sync.Mutex
	clients map[int64]*hubEntry
	closed  bool
}

// NewHub creates a hub whose clients run until ctx ends or Close is called.
func NewHub(ctx context.Context, factory Factory) *Hub {
	return &Hub{
		ctx:     ctx,
		factory: factory,
		logger:  slog.Default(),
		clients: make(map[int64]*hubEntry),
	}
}

// Acquire returns the user's running client, starting it on first use.
// Every Acquire must be paired with a Release. Starting a client reads the
// store, so it happens outside the hub lock; other callers for the same user
// wait for it.
func (h *Hub) Acquire(userID int64) (*Client, bool) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, false
	}
	if e, ok := h.clients[userID]; ok {
		e.refs++
		h.mu.Unlock()
		<-e.ready
		return e.client, true
	}

	e := &hubEntry{client: h.factory(userID), refs: 1, ready: make(chan struct{})}
	h.clients[userID] = e
	h.mu.Unlock()

	e.client.Start(h.ctx)
	metrics.NotificationClients.Inc()
	close(e.ready)
	h.logger.Debug("Notification client started", "userId", userID)
	return e.client, true
}

// Release drops one reference; the last one stops the client.
func (h *Hub) Release(userID int64) {
	h.mu.Lock()
	e, ok := h.clients[userID]
	if !ok {
		h.mu.Unlock()
		return
	}
	e.refs--
	if e.refs > 0 {
		h.mu.Unlock()
		return
	}
	delete(h.clients, userID)
	h.mu.Unlock()

	<-e.ready
	e.client.Stop()
	metrics.NotificationClients.Dec()
	h.logger.Debug("Notification client stopped", "userId", userID)
}

// Active returns the number of users with a running client.
func (h *Hub) Active() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close stops every client.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	entries := h.clients
	h.clients = make(map[int64]*hubEntry)
	h.mu.Unlock()

	for _, e := range entries {
		<-e.ready
		e.client.Stop()
		metrics.NotificationClients.Dec()
	}
}
