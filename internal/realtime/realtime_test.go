package realtime

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sudooom.portal.messaging/internal/model"
)

type recorder struct {
	mu     sync.Mutex
	events []*model.Event
}

func (r *recorder) handle(ev *model.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func (r *recorder) ids() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, len(r.events))
	for i, ev := range r.events {
		ids[i] = ev.ID
	}
	return ids
}

func createdEvent(convID, msgID int64) *model.Event {
	return model.NewMessageEvent(model.EventMessageCreated, &model.Message{
		ID: msgID, ConversationID: convID, SenderID: 1, Content: "hi", CreatedAt: time.Now(),
	})
}

func TestDeduper(t *testing.T) {
	d := NewDeduper(2)

	assert.False(t, d.Seen("a"))
	assert.True(t, d.Seen("a"))
	assert.False(t, d.Seen("b"))
	assert.False(t, d.Seen("c"), "evicts a")
	assert.False(t, d.Seen("a"), "a fell out of the window")
	assert.False(t, d.Seen(""))
	assert.False(t, d.Seen(""))
	assert.Equal(t, 2, d.Len())
}

func TestBackoff(t *testing.T) {
	base, ceiling := 100*time.Millisecond, time.Second

	assert.Equal(t, base, Backoff(0, base, ceiling))
	assert.Equal(t, base, Backoff(1, base, ceiling))
	assert.Equal(t, 200*time.Millisecond, Backoff(2, base, ceiling))
	assert.Equal(t, 800*time.Millisecond, Backoff(4, base, ceiling))
	assert.Equal(t, ceiling, Backoff(5, base, ceiling))
	assert.Equal(t, ceiling, Backoff(500, base, ceiling))
}

func TestBuildConversationSubject(t *testing.T) {
	assert.Equal(t, "portal.dm.conversation.42", BuildConversationSubject(42))
}

func TestLocalBus_DeliversToConversationSubscribers(t *testing.T) {
	bus := NewLocalBus(Options{})
	ctx := context.Background()

	var a, b, other recorder
	subA, err := bus.Subscribe(1, a.handle)
	require.NoError(t, err)
	defer subA.Unsubscribe()
	subB, err := bus.Subscribe(1, b.handle)
	require.NoError(t, err)
	defer subB.Unsubscribe()
	subOther, err := bus.Subscribe(2, other.handle)
	require.NoError(t, err)
	defer subOther.Unsubscribe()

	require.NoError(t, bus.Publish(ctx, createdEvent(1, 10)))

	assert.Eventually(t, func() bool { return a.count() == 1 && b.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, other.count())
}

func TestLocalBus_DuplicateDeliveryIsApplyOnce(t *testing.T) {
	bus := NewLocalBus(Options{})
	ctx := context.Background()

	var r recorder
	sub, err := bus.Subscribe(1, r.handle)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	ev := createdEvent(1, 10)
	require.NoError(t, bus.Publish(ctx, ev))
	require.NoError(t, bus.Publish(ctx, ev))
	second := createdEvent(1, 11)
	require.NoError(t, bus.Publish(ctx, second))

	assert.Eventually(t, func() bool { return r.count() == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []string{ev.ID, second.ID}, r.ids())
}

func TestLocalBus_NoDeliveryAfterUnsubscribe(t *testing.T) {
	bus := NewLocalBus(Options{})
	ctx := context.Background()

	var calls atomic.Int32
	sub, err := bus.Subscribe(1, func(ev *model.Event) { calls.Add(1) })
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, createdEvent(1, 10)))
	assert.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	sub.Unsubscribe()
	sub.Unsubscribe()
	assert.True(t, sub.Cancelled())
	assert.Equal(t, 0, bus.SubscriberCount(1))

	require.NoError(t, bus.Publish(ctx, createdEvent(1, 11)))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

func TestSubscription_InFlightFrameDiscardedAfterCancel(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	entered := make(chan struct{}, 1)

	sub := newSubscription(1, func(ev *model.Event) {
		calls.Add(1)
		entered <- struct{}{}
		<-release
	}, Options{})

	sub.deliver(createdEvent(1, 10))
	<-entered
	// queued behind the running handler
	sub.deliver(createdEvent(1, 11))

	unsubscribed := make(chan struct{})
	go func() {
		sub.Unsubscribe()
		close(unsubscribed)
	}()

	select {
	case <-unsubscribed:
		t.Fatal("Unsubscribe returned while the handler was still running")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	<-unsubscribed
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

func TestSubscription_IgnoresOtherConversations(t *testing.T) {
	var r recorder
	sub := newSubscription(1, r.handle, Options{})
	defer sub.Unsubscribe()

	sub.deliver(createdEvent(2, 10))
	sub.deliver(createdEvent(1, 11))

	assert.Eventually(t, func() bool { return r.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestLocalBus_PublishHonoursContext(t *testing.T) {
	bus := NewLocalBus(Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, bus.Publish(ctx, createdEvent(1, 10)), context.Canceled)
}
