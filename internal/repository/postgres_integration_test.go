package repository

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sudooom.portal.messaging/internal/model"
)

// These tests need a running PostgreSQL. Without one they are skipped.

func getTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping PostgreSQL integration test in short mode")
	}

	dsn := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		envOr("POSTGRES_USER", "postgres"),
		envOr("POSTGRES_PASSWORD", "postgres"),
		envOr("POSTGRES_HOST", "localhost"),
		envOr("POSTGRES_PORT", "5432"),
		envOr("POSTGRES_DB", "portal_test"),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Skipf("skipping: cannot configure PostgreSQL: %v", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		t.Skipf("skipping: cannot connect to PostgreSQL: %v", err)
	}

	schema, err := os.ReadFile("../../migrations/001_messaging.sql")
	require.NoError(t, err)
	_, err = pool.Exec(ctx, string(schema))
	require.NoError(t, err)
	_, err = pool.Exec(ctx, `TRUNCATE messages, conversations`)
	require.NoError(t, err)

	t.Cleanup(pool.Close)
	return pool
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func TestPostgres_ConcurrentCreateConverges(t *testing.T) {
	pool := getTestPool(t)
	convs := NewPostgresConversationRepository(pool)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, b := int64(10), int64(20)
			if i == 1 {
				a, b = b, a
			}
			now := time.Now()
			errs[i] = convs.Create(ctx, &model.Conversation{
				ID: int64(i + 1), ParticipantA: a, ParticipantB: b, CreatedAt: now, UpdatedAt: now,
			})
		}(i)
	}
	wg.Wait()

	created := 0
	for _, err := range errs {
		if err == nil {
			created++
			continue
		}
		assert.ErrorIs(t, err, ErrDuplicatePair)
	}
	assert.Equal(t, 1, created)

	list, err := convs.ListByUser(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestPostgres_MessageLifecycle(t *testing.T) {
	pool := getTestPool(t)
	convs := NewPostgresConversationRepository(pool)
	msgs := NewPostgresMessageRepository(pool)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	require.NoError(t, convs.Create(ctx, &model.Conversation{
		ID: 1, ParticipantA: 10, ParticipantB: 20, CreatedAt: now, UpdatedAt: now,
	}))
	for i, sender := range []int64{10, 20, 10} {
		at := now.Add(time.Duration(i) * time.Second)
		require.NoError(t, msgs.Create(ctx, &model.Message{
			ID: int64(100 + i), ConversationID: 1, SenderID: sender, Content: "hello", CreatedAt: at, UpdatedAt: at,
		}))
	}

	list, err := msgs.ListByConversation(ctx, 1, ListOptions{})
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, int64(100), list[0].ID)

	page, err := msgs.ListByConversation(ctx, 1, ListOptions{AfterID: 100, Limit: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, int64(101), page[0].ID)

	count, err := msgs.CountUnread(ctx, 20)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	changed, err := msgs.MarkRead(ctx, []int64{100, 101, 102}, 20, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Len(t, changed, 2)

	changed, err = msgs.MarkRead(ctx, []int64{100}, 20, now.Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, changed)

	count, err = msgs.CountUnread(ctx, 20)
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)

	edited, err := msgs.UpdateContent(ctx, 100, "edited", now.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, edited.Edited)

	removed, err := convs.Delete(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(3), removed)

	_, err = msgs.FindByID(ctx, 100)
	assert.ErrorIs(t, err, ErrMessageNotFound)
}
