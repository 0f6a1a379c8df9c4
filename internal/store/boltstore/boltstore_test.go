package boltstore

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MikeSquared-Agency/fabrom/internal/chat"
	"github.com/MikeSquared-Agency/fabrom/internal/credits"
	"github.com/MikeSquared-Agency/fabrom/internal/store"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "data", "fabrom.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestConversationLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	c := &store.Conversation{
		OwnerID:      "user-1",
		ProjectLabel: "portfolio",
		Messages:     chat.Transcript{chat.NewText(chat.RoleUser, "hello")},
	}
	require.NoError(t, s.CreateConversation(ctx, c))
	require.NotEqual(t, uuid.Nil, c.ID)
	assert.NotNil(t, c.Files)

	c.Messages.Append(chat.NewText(chat.RoleAssistant, "done"))
	c.Files = map[string]string{"index.html": "<h1>x</h1>"}
	require.NoError(t, s.UpdateConversation(ctx, c))

	got, err := s.GetConversation(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "user-1", got.OwnerID)
	assert.Equal(t, "portfolio", got.ProjectLabel)
	assert.Len(t, got.Messages, 2)
	assert.Equal(t, "done", got.Messages[1].Text())
	assert.Equal(t, "<h1>x</h1>", got.Files["index.html"])

	_, err = s.GetConversation(ctx, uuid.New())
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.ErrorIs(t, s.UpdateConversation(ctx, &store.Conversation{ID: uuid.New()}), store.ErrNotFound)
}

func TestFileVersionsIncreaseByOne(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	c := &store.Conversation{OwnerID: "user-1"}
	require.NoError(t, s.CreateConversation(ctx, c))

	for i := 1; i <= 3; i++ {
		v, err := s.AppendFileVersion(ctx, c.ID, "index.html", "rev")
		require.NoError(t, err)
		assert.Equal(t, i, v.VersionNumber)
	}

	// Another file in the same conversation has its own sequence, and a
	// prefix-sharing name does not leak into it.
	v, err := s.AppendFileVersion(ctx, c.ID, "index.htm", "other")
	require.NoError(t, err)
	assert.Equal(t, 1, v.VersionNumber)

	versions, err := s.ListFileVersions(ctx, c.ID, "index.html")
	require.NoError(t, err)
	require.Len(t, versions, 3)
	assert.Equal(t, []int{3, 2, 1}, []int{versions[0].VersionNumber, versions[1].VersionNumber, versions[2].VersionNumber})

	got, err := s.GetFileVersion(ctx, c.ID, "index.html", 2)
	require.NoError(t, err)
	assert.Equal(t, "rev", got.Content)

	_, err = s.GetFileVersion(ctx, c.ID, "index.html", 4)
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = s.AppendFileVersion(ctx, uuid.New(), "index.html", "orphan")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestFileVersionsConcurrentAppendsAreGapless(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	c := &store.Conversation{OwnerID: "user-1"}
	require.NoError(t, s.CreateConversation(ctx, c))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.AppendFileVersion(ctx, c.ID, "index.html", "x")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	versions, err := s.ListFileVersions(ctx, c.ID, "index.html")
	require.NoError(t, err)
	require.Len(t, versions, 10)
	for i, v := range versions {
		assert.Equal(t, 10-i, v.VersionNumber)
	}
}

func TestCredits(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	clock := time.Date(2025, 5, 10, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return clock }

	_, err := s.Credits(ctx, "user-1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	b, err := s.EnsureCredits(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, credits.Initial, b.Remaining)

	remaining, err := s.ConsumeCredit(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, credits.Initial-1, remaining)

	// Same day: no top-up.
	b, err = s.EnsureCredits(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, credits.Initial-1, b.Remaining)

	clock = clock.Add(25 * time.Hour)
	b, err = s.EnsureCredits(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, credits.Cap, b.Remaining)

	stored, err := s.Credits(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, b, stored)
}

func TestConsumeCreditNeverGoesNegative(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.ConsumeCredit(ctx, "nobody")
	assert.ErrorIs(t, err, store.ErrNoCredits)

	_, err = s.EnsureCredits(ctx, "user-1")
	require.NoError(t, err)
	for i := 0; i < credits.Initial; i++ {
		_, err := s.ConsumeCredit(ctx, "user-1")
		require.NoError(t, err)
	}

	_, err = s.ConsumeCredit(ctx, "user-1")
	assert.ErrorIs(t, err, store.ErrNoCredits)

	b, err := s.Credits(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 0, b.Remaining)
	assert.True(t, b.Exhausted())
}
