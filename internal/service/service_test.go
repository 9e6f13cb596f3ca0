package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sudooom.portal.messaging/internal/model"
	"sudooom.portal.messaging/internal/repository"
	"sudooom.portal.messaging/internal/safety"
	appErrors "sudooom.portal.messaging/pkg/errors"
	"sudooom.portal.messaging/pkg/snowflake"
)

const (
	alice = int64(1001)
	bob   = int64(1002)
	carol = int64(1003)
)

// capturePublisher records published events.
type capturePublisher struct {
	mu     sync.Mutex
	events []*model.Event
	err    error
}

func (p *capturePublisher) Publish(ctx context.Context, ev *model.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, ev)
	return nil
}

func (p *capturePublisher) types() []model.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]model.EventType, len(p.events))
	for i, ev := range p.events {
		out[i] = ev.Type
	}
	return out
}

func (p *capturePublisher) last() *model.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.events) == 0 {
		return nil
	}
	return p.events[len(p.events)-1]
}

type fixture struct {
	store         *repository.MemoryStore
	publisher     *capturePublisher
	conversations *ConversationService
	messages      *MessageService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	sf, err := snowflake.NewNode(1)
	require.NoError(t, err)

	store := repository.NewMemoryStore()
	pub := &capturePublisher{}
	convs := NewConversationService(store.Conversations(), pub, sf)
	msgs := NewMessageService(store.Messages(), convs, safety.NewFilter(safety.DefaultMaxLength), pub, sf)
	return &fixture{store: store, publisher: pub, conversations: convs, messages: msgs}
}

func TestConversationService_GetOrCreateIsSymmetric(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ab, err := f.conversations.GetOrCreate(ctx, alice, bob)
	require.NoError(t, err)
	ba, err := f.conversations.GetOrCreate(ctx, bob, alice)
	require.NoError(t, err)

	assert.Equal(t, ab.ID, ba.ID)
	assert.Equal(t, alice, ba.ParticipantA, "first contact decides A")
}

func TestConversationService_GetOrCreateConcurrentConverges(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const callers = 32
	ids := make([]int64, callers)
	errs := make([]error, callers)
	start := make(chan struct{})

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			a, b := alice, bob
			if i%2 == 1 {
				a, b = b, a
			}
			conv, err := f.conversations.GetOrCreate(ctx, a, b)
			errs[i] = err
			if conv != nil {
				ids[i] = conv.ID
			}
		}(i)
	}
	close(start)
	wg.Wait()

	for i := range ids {
		require.NoError(t, errs[i])
		assert.Equal(t, ids[0], ids[i])
	}

	list, err := f.conversations.ListForUser(ctx, alice)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

// racingRepo reports a lost insert race the first time Create is called.
type racingRepo struct {
	repository.ConversationRepository
	winner *model.Conversation
	once   sync.Once
}

func (r *racingRepo) Create(ctx context.Context, conv *model.Conversation) error {
	var raced bool
	r.once.Do(func() {
		raced = true
		_ = r.ConversationRepository.Create(ctx, r.winner)
	})
	if raced {
		return repository.ErrDuplicatePair
	}
	return r.ConversationRepository.Create(ctx, conv)
}

func TestConversationService_DuplicatePairAbsorbed(t *testing.T) {
	sf, err := snowflake.NewNode(2)
	require.NoError(t, err)
	store := repository.NewMemoryStore()
	winner := &model.Conversation{ID: 77, ParticipantA: bob, ParticipantB: alice, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	svc := NewConversationService(&racingRepo{ConversationRepository: store.Conversations(), winner: winner}, nil, sf)

	conv, err := svc.GetOrCreate(context.Background(), alice, bob)
	require.NoError(t, err)
	assert.Equal(t, int64(77), conv.ID)
}

// vanishingRepo reports a lost insert race for the first races calls to
// Create, as if the winning row was deleted before it could be read back.
type vanishingRepo struct {
	repository.ConversationRepository
	races int
	calls int
}

func (r *vanishingRepo) Create(ctx context.Context, conv *model.Conversation) error {
	r.calls++
	if r.calls <= r.races {
		return repository.ErrDuplicatePair
	}
	return r.ConversationRepository.Create(ctx, conv)
}

func TestConversationService_LostRaceWinnerDeleted(t *testing.T) {
	sf, err := snowflake.NewNode(2)
	require.NoError(t, err)

	t.Run("retries create", func(t *testing.T) {
		store := repository.NewMemoryStore()
		repo := &vanishingRepo{ConversationRepository: store.Conversations(), races: 1}
		svc := NewConversationService(repo, nil, sf)

		conv, err := svc.GetOrCreate(context.Background(), alice, bob)
		require.NoError(t, err)
		assert.Equal(t, 2, repo.calls)

		found, err := store.Conversations().FindByPair(context.Background(), bob, alice)
		require.NoError(t, err)
		assert.Equal(t, conv.ID, found.ID)
	})

	t.Run("gives up as not found", func(t *testing.T) {
		repo := &vanishingRepo{ConversationRepository: repository.NewMemoryStore().Conversations(), races: 100}
		svc := NewConversationService(repo, nil, sf)

		_, err := svc.GetOrCreate(context.Background(), alice, bob)
		assert.True(t, appErrors.Is(err, appErrors.ErrNotFound))
		assert.False(t, appErrors.Is(err, appErrors.ErrDBError))
		assert.Equal(t, maxCreateAttempts, repo.calls)
	})
}

func TestConversationService_RejectsSelfAndInvalid(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.conversations.GetOrCreate(ctx, alice, alice)
	assert.True(t, appErrors.Is(err, appErrors.ErrValidation))

	_, err = f.conversations.GetOrCreate(ctx, 0, bob)
	assert.True(t, appErrors.Is(err, appErrors.ErrInvalidParams))
}

func TestConversationService_DeleteParticipantOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	conv, err := f.conversations.GetOrCreate(ctx, alice, bob)
	require.NoError(t, err)
	_, err = f.messages.Send(ctx, conv.ID, alice, "hello")
	require.NoError(t, err)

	err = f.conversations.Delete(ctx, conv.ID, carol)
	assert.True(t, appErrors.Is(err, appErrors.ErrPermissionDenied))

	require.NoError(t, f.conversations.Delete(ctx, conv.ID, bob))
	assert.Equal(t, model.EventConversationDeleted, f.publisher.last().Type)

	_, err = f.messages.List(ctx, conv.ID, alice, repository.ListOptions{})
	assert.True(t, appErrors.Is(err, appErrors.ErrNotFound))

	count, err := f.messages.CountUnread(ctx, bob)
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)

	err = f.conversations.Delete(ctx, conv.ID, bob)
	assert.True(t, appErrors.Is(err, appErrors.ErrNotFound))
}

func TestMessageService_SendVisibleToBothCountsForRecipient(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	msg, err := f.messages.SendTo(ctx, alice, bob, "Bonjour")
	require.NoError(t, err)
	assert.Equal(t, "Bonjour", msg.Content)
	assert.Equal(t, []model.EventType{model.EventMessageCreated}, f.publisher.types())

	for _, user := range []int64{alice, bob} {
		list, err := f.messages.List(ctx, msg.ConversationID, user, repository.ListOptions{})
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, msg.ID, list[0].ID)
	}

	countA, err := f.messages.CountUnread(ctx, alice)
	require.NoError(t, err)
	countB, err := f.messages.CountUnread(ctx, bob)
	require.NoError(t, err)
	assert.Equal(t, int64(0), countA)
	assert.Equal(t, int64(1), countB)
}

func TestMessageService_SendRejectsInvalidContent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv, err := f.conversations.GetOrCreate(ctx, alice, bob)
	require.NoError(t, err)

	for _, content := range []string{"", "<script>alert(1)</script>hello", `<img src=x onerror=alert(1)>`, "data:text/html,hi"} {
		_, err := f.messages.Send(ctx, conv.ID, alice, content)
		assert.True(t, appErrors.Is(err, appErrors.ErrValidation), "content %q", content)
		assert.False(t, appErrors.Retryable(err))
	}

	list, err := f.messages.List(ctx, conv.ID, alice, repository.ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, list)
	assert.Empty(t, f.publisher.types())
}

func TestMessageService_SendByOutsiderDenied(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv, err := f.conversations.GetOrCreate(ctx, alice, bob)
	require.NoError(t, err)

	_, err = f.messages.Send(ctx, conv.ID, carol, "hi")
	assert.True(t, appErrors.Is(err, appErrors.ErrPermissionDenied))

	_, err = f.messages.List(ctx, conv.ID, carol, repository.ListOptions{})
	assert.True(t, appErrors.Is(err, appErrors.ErrPermissionDenied))

	_, err = f.messages.Send(ctx, 999, alice, "hi")
	assert.True(t, appErrors.Is(err, appErrors.ErrNotFound))
}

func TestMessageService_ListOrderedAndRestartable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv, err := f.conversations.GetOrCreate(ctx, alice, bob)
	require.NoError(t, err)

	for i, sender := range []int64{alice, bob, alice, bob, alice} {
		_, err := f.messages.Send(ctx, conv.ID, sender, string(rune('a'+i)))
		require.NoError(t, err)
	}

	first, err := f.messages.List(ctx, conv.ID, alice, repository.ListOptions{})
	require.NoError(t, err)
	require.Len(t, first, 5)
	for i := 1; i < len(first); i++ {
		assert.False(t, first[i].CreatedAt.Before(first[i-1].CreatedAt))
	}

	second, err := f.messages.List(ctx, conv.ID, bob, repository.ListOptions{})
	require.NoError(t, err)
	assert.Equal(t, first, second)

	page, err := f.messages.List(ctx, conv.ID, alice, repository.ListOptions{AfterID: first[1].ID, Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, first[2].ID, page[0].ID)
	assert.Equal(t, first[3].ID, page[1].ID)
}

func TestMessageService_EditSenderOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	msg, err := f.messages.SendTo(ctx, alice, bob, "original")
	require.NoError(t, err)

	_, err = f.messages.Edit(ctx, msg.ID, bob, "hijacked")
	assert.True(t, appErrors.Is(err, appErrors.ErrPermissionDenied))

	unchanged, err := f.messages.Get(ctx, msg.ID, bob)
	require.NoError(t, err)
	assert.Equal(t, "original", unchanged.Content)
	assert.False(t, unchanged.Edited)

	_, err = f.messages.Edit(ctx, msg.ID, alice, "<script>x</script>")
	assert.True(t, appErrors.Is(err, appErrors.ErrValidation))

	edited, err := f.messages.Edit(ctx, msg.ID, alice, "fixed <i>typo</i>")
	require.NoError(t, err)
	assert.Equal(t, "fixed typo", edited.Content)
	assert.True(t, edited.Edited)
	assert.Equal(t, model.EventMessageUpdated, f.publisher.last().Type)

	_, err = f.messages.Edit(ctx, 12345, alice, "x")
	assert.True(t, appErrors.Is(err, appErrors.ErrNotFound))
}

func TestMessageService_DeleteSenderOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	msg, err := f.messages.SendTo(ctx, alice, bob, "oops")
	require.NoError(t, err)

	err = f.messages.Delete(ctx, msg.ID, bob)
	assert.True(t, appErrors.Is(err, appErrors.ErrPermissionDenied))

	require.NoError(t, f.messages.Delete(ctx, msg.ID, alice))
	last := f.publisher.last()
	assert.Equal(t, model.EventMessageDeleted, last.Type)
	assert.Equal(t, msg.ID, last.MessageID)

	for _, user := range []int64{alice, bob} {
		list, err := f.messages.List(ctx, msg.ConversationID, user, repository.ListOptions{})
		require.NoError(t, err)
		assert.Empty(t, list)
	}

	err = f.messages.Delete(ctx, msg.ID, alice)
	assert.True(t, appErrors.Is(err, appErrors.ErrNotFound))
}

func TestMessageService_MarkReadIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	m1, err := f.messages.SendTo(ctx, alice, bob, "one")
	require.NoError(t, err)
	m2, err := f.messages.SendTo(ctx, bob, alice, "two")
	require.NoError(t, err)

	changed, err := f.messages.MarkRead(ctx, []int64{m1.ID, m1.ID, m2.ID, 0}, bob)
	require.NoError(t, err)
	require.Len(t, changed, 1, "bob's own message is not marked")
	assert.Equal(t, m1.ID, changed[0].ID)
	require.NotNil(t, changed[0].ReadAt)
	changedAt := changed[0].ReadAt

	ev := f.publisher.last()
	assert.Equal(t, model.EventMessageReadState, ev.Type)
	assert.Equal(t, []int64{m1.ID}, ev.MessageIDs)
	assert.Equal(t, bob, ev.ReaderID)

	before := len(f.publisher.types())
	changed, err = f.messages.MarkRead(ctx, []int64{m1.ID}, bob)
	require.NoError(t, err)
	assert.Empty(t, changed)
	assert.Len(t, f.publisher.types(), before, "a no-op publishes nothing")

	reread, err := f.messages.Get(ctx, m1.ID, alice)
	require.NoError(t, err)
	require.NotNil(t, reread.ReadAt)
	assert.True(t, reread.ReadAt.Equal(*changedAt))

	changed, err = f.messages.MarkRead(ctx, nil, bob)
	require.NoError(t, err)
	assert.Empty(t, changed)
}

func TestMessageService_PublishFailureDoesNotFailSend(t *testing.T) {
	f := newFixture(t)
	f.publisher.err = errors.New("transport down")
	ctx := context.Background()

	msg, err := f.messages.SendTo(ctx, alice, bob, "still stored")
	require.NoError(t, err)

	got, err := f.messages.Get(ctx, msg.ID, bob)
	require.NoError(t, err)
	assert.Equal(t, "still stored", got.Content)
}

func TestMessageService_SendBumpsConversationActivity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	older, err := f.conversations.GetOrCreate(ctx, alice, bob)
	require.NoError(t, err)
	_, err = f.conversations.GetOrCreate(ctx, alice, carol)
	require.NoError(t, err)

	time.Sleep(2 * time.Millisecond)
	_, err = f.messages.Send(ctx, older.ID, bob, "ping")
	require.NoError(t, err)

	list, err := f.conversations.ListForUser(ctx, alice)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, older.ID, list[0].ID)
}

func TestMessageService_DisplaySanitizesLegacyRows(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	conv, err := f.conversations.GetOrCreate(ctx, alice, bob)
	require.NoError(t, err)

	// a row written before the write-side filter existed
	legacy := &model.Message{
		ID: 5, ConversationID: conv.ID, SenderID: alice,
		Content: "<script>alert(1)</script>hello", CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
	require.NoError(t, f.store.Messages().Create(ctx, legacy))

	got, err := f.messages.Get(ctx, 5, bob)
	require.NoError(t, err)
	assert.Equal(t, "hello", got.Content)
}
