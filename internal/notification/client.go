// Package notification is the UI-facing view of a user's direct messages:
// the unread badge, the conversation list and a per-conversation message
// view that realtime events keep current.
package notification

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"sudooom.portal.messaging/internal/model"
	"sudooom.portal.messaging/internal/realtime"
	"sudooom.portal.messaging/internal/repository"
	"sudooom.portal.messaging/internal/safety"
	"sudooom.portal.messaging/internal/unread"
)

// ConversationStore is the conversation side of the messaging core.
type ConversationStore interface {
	ListForUser(ctx context.Context, userID int64) ([]*model.Conversation, error)
	Delete(ctx context.Context, conversationID, requestingUser int64) error
}

// MessageStore is the message side of the messaging core.
type MessageStore interface {
	unread.Store
	List(ctx context.Context, conversationID, userID int64, opts repository.ListOptions) ([]*model.Message, error)
	SendTo(ctx context.Context, senderID, peerID int64, content string) (*model.Message, error)
	Send(ctx context.Context, conversationID, senderID int64, content string) (*model.Message, error)
	Edit(ctx context.Context, messageID, userID int64, content string) (*model.Message, error)
	Delete(ctx context.Context, messageID, userID int64) error
}

// Config tunes a Client.
type Config struct {
	// PollInterval drives conversation discovery, the reconciliation of loaded
	// message views and the unread backstop.
	PollInterval time.Duration
	// TombstoneWindow is how many deleted message ids are remembered to
	// reject stale replays.
	TombstoneWindow int
	Unread          unread.Config
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = unread.DefaultPollInterval
	}
	if c.TombstoneWindow <= 0 {
		c.TombstoneWindow = 4096
	}
	if c.Unread.PollInterval <= 0 {
		c.Unread.PollInterval = c.PollInterval
	}
	return c
}

// UpdateKind tells watchers what changed.
type UpdateKind string

const (
	UpdateUnread UpdateKind = "unread"
	UpdateEvent  UpdateKind = "event"
)

// Update is pushed to watchers when the badge count changes or an event is applied.
type Update struct {
	Kind  UpdateKind   `json:"kind"`
	Count int64        `json:"count"`
	Event *model.Event `json:"event,omitempty"`
}

type view struct {
	loaded   bool
	messages map[int64]*model.Message
}

func newView() *view {
	return &view{messages: make(map[int64]*model.Message)}
}

// Client composes the unread aggregator and the realtime bus for one user.
type Client struct {
	userID        int64
	conversations ConversationStore
	messages      MessageStore
	bus           realtime.Bus
	filter        *safety.Filter
	aggregator    *unread.Aggregator
	config        Config
	logger        *slog.Logger

	mu         sync.RWMutex
	convs      []*model.Conversation
	views      map[int64]*view
	subs       map[int64]*realtime.Subscription
	tombstones *lru.Cache[int64, struct{}]
	watchers   map[int]chan Update
	nextWatch  int
	stopped    bool

	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
}

// NewClient creates a client for userID. Call Start before use.
func NewClient(
	userID int64,
	conversations ConversationStore,
	messages MessageStore,
	bus realtime.Bus,
	filter *safety.Filter,
	config Config,
) *Client {
	config = config.withDefaults()
	tombstones, _ := lru.New[int64, struct{}](config.TombstoneWindow)

	c := &Client{
		userID:        userID,
		conversations: conversations,
		messages:      messages,
		bus:           bus,
		filter:        filter,
		aggregator:    unread.NewAggregator(messages, userID, config.Unread),
		config:        config,
		logger:        slog.Default().With("userId", userID),
		views:         make(map[int64]*view),
		subs:          make(map[int64]*realtime.Subscription),
		tombstones:    tombstones,
		watchers:      make(map[int]chan Update),
	}
	c.aggregator.OnChange(func(count int64) {
		c.notify(Update{Kind: UpdateUnread, Count: count})
	})
	return c
}

// UserID returns the user this client serves.
func (c *Client) UserID() int64 {
	return c.userID
}

// Start subscribes to the user's conversations and starts the unread
// aggregator and the discovery poll.
func (c *Client) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	c.cancelFunc = cancel

	if err := c.Sync(loopCtx); err != nil {
		c.logger.Warn("Initial conversation sync failed, poll will retry", "error", err)
	}
	c.aggregator.Start(loopCtx)

	c.wg.Add(1)
	go c.loop(loopCtx)
}

// Stop cancels every subscription and background loop.
func (c *Client) Stop() {
	if c.cancelFunc != nil {
		c.cancelFunc()
	}
	c.wg.Wait()
	c.aggregator.Stop()

	c.mu.Lock()
	c.stopped = true
	subs := c.subs
	c.subs = make(map[int64]*realtime.Subscription)
	for id, ch := range c.watchers {
		close(ch)
		delete(c.watchers, id)
	}
	c.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
}

func (c *Client) loop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Sync(ctx); err != nil && ctx.Err() == nil {
				c.logger.Warn("Conversation sync failed", "error", err)
			}
			c.reconcileLoaded(ctx)
		}
	}
}

// Sync reloads the conversation list and adjusts subscriptions to match it.
func (c *Client) Sync(ctx context.Context) error {
	convs, err := c.conversations.ListForUser(ctx, c.userID)
	if err != nil {
		return err
	}

	current := make(map[int64]bool, len(convs))
	for _, conv := range convs {
		current[conv.ID] = true
	}

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.convs = convs
	var added []int64
	for _, conv := range convs {
		if _, ok := c.subs[conv.ID]; !ok {
			added = append(added, conv.ID)
		}
	}
	var removed []*realtime.Subscription
	for id, sub := range c.subs {
		if !current[id] {
			removed = append(removed, sub)
			delete(c.subs, id)
			delete(c.views, id)
		}
	}
	c.mu.Unlock()

	// Unsubscribe waits for running handlers, which take c.mu.
	for _, sub := range removed {
		sub.Unsubscribe()
	}

	for _, id := range added {
		c.subscribe(id)
	}
	if len(added) > 0 || len(removed) > 0 {
		c.aggregator.Trigger()
	}
	return nil
}

func (c *Client) subscribe(conversationID int64) {
	sub, err := c.bus.Subscribe(conversationID, c.handleEvent)
	if err != nil {
		// the poll keeps the count right; the next sync retries
		c.logger.Warn("Failed to subscribe to conversation", "conversationId", conversationID, "error", err)
		return
	}

	c.mu.Lock()
	_, exists := c.subs[conversationID]
	if c.stopped || exists {
		c.mu.Unlock()
		sub.Unsubscribe()
		return
	}
	c.subs[conversationID] = sub
	c.mu.Unlock()
}

func (c *Client) handleEvent(ev *model.Event) {
	var drop *realtime.Subscription

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	shown := c.apply(ev)
	if ev.Type == model.EventConversationDeleted {
		drop = c.subs[ev.ConversationID]
		delete(c.subs, ev.ConversationID)
	}
	c.mu.Unlock()

	if drop != nil {
		// cannot cancel a subscription from its own handler
		go drop.Unsubscribe()
	}

	c.aggregator.HandleEvent(ev)
	if shown != nil {
		c.notify(Update{Kind: UpdateEvent, Event: shown})
	}
}

// apply folds ev into the views and returns the event as watchers should see
// it, with message content sanitized, or nil when ev changed nothing worth
// showing. Applying the same event twice, or an older snapshot of a message
// after a newer one, leaves the view unchanged. Caller holds c.mu.
func (c *Client) apply(ev *model.Event) *model.Event {
	switch ev.Type {
	case model.EventMessageCreated, model.EventMessageUpdated:
		if ev.Message == nil || c.tombstones.Contains(ev.Message.ID) {
			return nil
		}
		incoming := ev.Message.Clone()
		incoming.Content = c.filter.Sanitize(incoming.Content)
		if _, changed := c.mergeLocked(c.viewLocked(ev.ConversationID), incoming); !changed {
			return nil
		}
		shown := *ev
		shown.Message = incoming.Clone()
		return &shown

	case model.EventMessageDeleted:
		c.tombstones.Add(ev.MessageID, struct{}{})
		if v, ok := c.views[ev.ConversationID]; ok {
			delete(v.messages, ev.MessageID)
		}

	case model.EventMessageReadState:
		if v, ok := c.views[ev.ConversationID]; ok {
			for _, id := range ev.MessageIDs {
				if m, ok := v.messages[id]; ok && m.ReadAt == nil {
					readAt := ev.OccurredAt
					m.ReadAt = &readAt
				}
			}
		}

	case model.EventConversationDeleted:
		if v, ok := c.views[ev.ConversationID]; ok {
			for id := range v.messages {
				c.tombstones.Add(id, struct{}{})
			}
		}
		delete(c.views, ev.ConversationID)
		kept := c.convs[:0:0]
		for _, conv := range c.convs {
			if conv.ID != ev.ConversationID {
				kept = append(kept, conv)
			}
		}
		c.convs = kept

	default:
		return nil
	}
	return ev
}

// mergeLocked stores m in v unless v already holds a newer copy. A read
// receipt is never dropped: readAt goes from null to a time once. It reports
// whether m was new to the view and whether the view changed. Caller holds c.mu.
func (c *Client) mergeLocked(v *view, m *model.Message) (added, changed bool) {
	existing, ok := v.messages[m.ID]
	if !ok {
		v.messages[m.ID] = m
		return true, true
	}

	if m.UpdatedAt.Before(existing.UpdatedAt) {
		if existing.ReadAt == nil && m.ReadAt != nil {
			readAt := *m.ReadAt
			existing.ReadAt = &readAt
			return false, true
		}
		return false, false
	}
	if existing.ReadAt != nil && m.ReadAt == nil {
		readAt := *existing.ReadAt
		m.ReadAt = &readAt
	}
	v.messages[m.ID] = m
	return false, !sameState(existing, m)
}

func sameState(a, b *model.Message) bool {
	return a.Content == b.Content &&
		a.Edited == b.Edited &&
		a.UpdatedAt.Equal(b.UpdatedAt) &&
		(a.ReadAt == nil) == (b.ReadAt == nil)
}

func (c *Client) viewLocked(conversationID int64) *view {
	v, ok := c.views[conversationID]
	if !ok {
		v = newView()
		c.views[conversationID] = v
	}
	return v
}

// UnreadCount returns the badge count.
func (c *Client) UnreadCount() int64 {
	return c.aggregator.Count()
}

// RefreshUnread recomputes the badge count now.
func (c *Client) RefreshUnread(ctx context.Context) (int64, error) {
	return c.aggregator.Refresh(ctx)
}

// Conversations returns the conversation list, most recently active first.
func (c *Client) Conversations() []*model.Conversation {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]*model.Conversation, len(c.convs))
	for i, conv := range c.convs {
		cp := *conv
		out[i] = &cp
	}
	return out
}

// Messages returns the conversation's messages in order, loading them from
// the store the first time. Content is already sanitized for display.
func (c *Client) Messages(ctx context.Context, conversationID int64) ([]*model.Message, error) {
	c.mu.RLock()
	v, ok := c.views[conversationID]
	loaded := ok && v.loaded
	c.mu.RUnlock()

	if !loaded {
		if err := c.Reload(ctx, conversationID); err != nil {
			return nil, err
		}
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	v = c.views[conversationID]
	if v == nil {
		return []*model.Message{}, nil
	}
	out := make([]*model.Message, 0, len(v.messages))
	for _, m := range v.messages {
		out = append(out, m.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

// Reload merges the stored messages into the conversation's view. Events
// applied while the store was being read are kept.
func (c *Client) Reload(ctx context.Context, conversationID int64) error {
	_, err := c.reconcile(ctx, conversationID)
	return err
}

// reconcile merges a store snapshot into the view and returns events
// describing what changed in it.
func (c *Client) reconcile(ctx context.Context, conversationID int64) ([]*model.Event, error) {
	// Anything the view held before the query is committed, so the snapshot
	// misses it only if it was deleted since.
	c.mu.RLock()
	var known []int64
	if v, ok := c.views[conversationID]; ok {
		known = make([]int64, 0, len(v.messages))
		for id := range v.messages {
			known = append(known, id)
		}
	}
	c.mu.RUnlock()

	msgs, err := c.messages.List(ctx, conversationID, c.userID, repository.ListOptions{})
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return nil, nil
	}

	v := c.viewLocked(conversationID)
	v.loaded = true
	stored := make(map[int64]bool, len(msgs))
	var changes []*model.Event
	for _, m := range msgs {
		stored[m.ID] = true
		if c.tombstones.Contains(m.ID) {
			continue
		}
		added, changed := c.mergeLocked(v, m)
		switch {
		case added:
			changes = append(changes, model.NewMessageEvent(model.EventMessageCreated, m))
		case changed:
			changes = append(changes, model.NewMessageEvent(model.EventMessageUpdated, v.messages[m.ID]))
		}
	}
	for _, id := range known {
		m, ok := v.messages[id]
		if !ok || stored[id] {
			continue
		}
		c.tombstones.Add(id, struct{}{})
		delete(v.messages, id)
		changes = append(changes, model.NewMessageEvent(model.EventMessageDeleted, m))
	}
	return changes, nil
}

// reconcileLoaded re-reads every loaded view so events missed on the bus
// still reach the view and its watchers.
func (c *Client) reconcileLoaded(ctx context.Context) {
	c.mu.RLock()
	loaded := make([]int64, 0, len(c.views))
	for id, v := range c.views {
		if v.loaded {
			loaded = append(loaded, id)
		}
	}
	c.mu.RUnlock()

	missed := 0
	for _, id := range loaded {
		changes, err := c.reconcile(ctx, id)
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Warn("Failed to reconcile conversation view", "conversationId", id, "error", err)
			}
			continue
		}
		for _, ev := range changes {
			c.notify(Update{Kind: UpdateEvent, Event: ev})
		}
		missed += len(changes)
	}
	if missed > 0 {
		c.logger.Debug("Reconciled conversation views", "changes", missed)
		c.aggregator.Trigger()
	}
}

// Send sends content to peerID, starting the conversation on first contact.
func (c *Client) Send(ctx context.Context, peerID int64, content string) (*model.Message, error) {
	msg, err := c.messages.SendTo(ctx, c.userID, peerID, content)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	_, known := c.subs[msg.ConversationID]
	c.apply(&model.Event{Type: model.EventMessageCreated, ConversationID: msg.ConversationID, Message: msg})
	c.mu.Unlock()

	if !known {
		if err := c.Sync(ctx); err != nil {
			c.logger.Warn("Conversation sync after first send failed", "error", err)
		}
	}
	return msg, nil
}

// Edit changes one of the user's own messages.
func (c *Client) Edit(ctx context.Context, messageID int64, content string) (*model.Message, error) {
	msg, err := c.messages.Edit(ctx, messageID, c.userID, content)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.apply(&model.Event{Type: model.EventMessageUpdated, ConversationID: msg.ConversationID, Message: msg})
	c.mu.Unlock()
	return msg, nil
}

// DeleteMessage deletes one of the user's own messages.
func (c *Client) DeleteMessage(ctx context.Context, conversationID, messageID int64) error {
	if err := c.messages.Delete(ctx, messageID, c.userID); err != nil {
		return err
	}
	c.mu.Lock()
	c.apply(&model.Event{Type: model.EventMessageDeleted, ConversationID: conversationID, MessageID: messageID})
	c.mu.Unlock()
	return nil
}

// DeleteConversation removes a conversation the user participates in.
func (c *Client) DeleteConversation(ctx context.Context, conversationID int64) error {
	if err := c.conversations.Delete(ctx, conversationID, c.userID); err != nil {
		return err
	}

	c.mu.Lock()
	c.apply(&model.Event{Type: model.EventConversationDeleted, ConversationID: conversationID})
	sub := c.subs[conversationID]
	delete(c.subs, conversationID)
	c.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}
	_, err := c.aggregator.Refresh(ctx)
	return err
}

// MarkConversationRead marks every message the user received in the conversation as read.
func (c *Client) MarkConversationRead(ctx context.Context, conversationID int64) (int64, error) {
	if _, err := c.Messages(ctx, conversationID); err != nil {
		return c.UnreadCount(), err
	}

	c.mu.RLock()
	var ids []int64
	if v, ok := c.views[conversationID]; ok {
		for id, m := range v.messages {
			if m.IsUnreadFor(c.userID) {
				ids = append(ids, id)
			}
		}
	}
	c.mu.RUnlock()

	if len(ids) > 0 {
		changed, err := c.messages.MarkRead(ctx, ids, c.userID)
		if err != nil {
			return c.UnreadCount(), err
		}
		c.applyRead(conversationID, changed)
	}
	return c.aggregator.Refresh(ctx)
}

// MarkAllRead marks everything read and returns the recomputed count.
func (c *Client) MarkAllRead(ctx context.Context) (int64, error) {
	n, err := c.aggregator.MarkAllRead(ctx)
	if err != nil {
		return n, err
	}

	// read events follow on the bus too
	c.reconcileLoaded(ctx)
	return n, nil
}

func (c *Client) applyRead(conversationID int64, changed []*model.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.views[conversationID]
	if !ok {
		return
	}
	for _, m := range changed {
		if existing, ok := v.messages[m.ID]; ok && existing.ReadAt == nil && m.ReadAt != nil {
			readAt := *m.ReadAt
			existing.ReadAt = &readAt
		}
	}
}

// Watch returns a channel of updates and a function that stops them. Slow
// watchers miss updates rather than stall the client.
func (c *Client) Watch(buffer int) (<-chan Update, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Update, buffer)

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := c.nextWatch
	c.nextWatch++
	c.watchers[id] = ch
	c.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if w, ok := c.watchers[id]; ok {
				close(w)
				delete(c.watchers, id)
			}
		})
	}
}

func (c *Client) notify(u Update) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, ch := range c.watchers {
		select {
		case ch <- u:
		default:
		}
	}
}
