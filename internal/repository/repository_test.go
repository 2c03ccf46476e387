package repository

import (
	"context"
	"os"
	"testing"
	"time"

	"collabsync/internal/db"
	"collabsync/internal/models"

	"github.com/segmentio/ksuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// openTestDB connects to TEST_DATABASE_URL. These tests need a real
// Postgres and are skipped otherwise.
func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping database test in short mode")
	}
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	database, err := db.Open(dsn, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return database.DB
}

// uniqueName keeps runs against a shared database apart.
func uniqueName(prefix string) string {
	return prefix + "-" + ksuid.New().String()[:10]
}

func TestUserRepository_UpsertByUsername(t *testing.T) {
	gdb := openTestDB(t)
	repo := NewUserRepository(gdb)
	ctx := context.Background()
	name := uniqueName("ann")

	first, err := repo.UpsertByUsername(ctx, name)
	require.NoError(t, err)
	assert.NotEmpty(t, first.ID)

	second, err := repo.UpsertByUsername(ctx, name)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.False(t, second.LastActive.Before(first.LastActive))
}

func TestDocumentRepository_Lifecycle(t *testing.T) {
	gdb := openTestDB(t)
	users := NewUserRepository(gdb)
	docs := NewDocumentRepository(gdb)
	ctx := context.Background()

	author, err := users.UpsertByUsername(ctx, uniqueName("author"))
	require.NoError(t, err)
	viewer, err := users.UpsertByUsername(ctx, uniqueName("viewer"))
	require.NoError(t, err)

	doc, err := docs.Create(ctx, "Notes", author.ID)
	require.NoError(t, err)

	got, err := docs.GetByID(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, "Notes", got.Title)
	require.NotNil(t, got.Author)
	assert.Equal(t, author.Username, got.Author.Username)

	title := "Renamed"
	updated, err := docs.Update(ctx, doc.ID, &models.DocumentUpdate{Title: &title})
	require.NoError(t, err)
	assert.Equal(t, "Renamed", updated.Title)

	listed, err := docs.List(ctx, viewer.ID)
	require.NoError(t, err)
	assert.Empty(t, listed)

	require.NoError(t, docs.AddEditor(ctx, doc.ID, viewer.ID))
	require.NoError(t, docs.AddEditor(ctx, doc.ID, viewer.ID))
	editor, err := docs.IsEditor(ctx, doc.ID, viewer.ID)
	require.NoError(t, err)
	assert.True(t, editor)

	listed, err = docs.List(ctx, viewer.ID)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, doc.ID, listed[0].ID)

	_, err = docs.GetByID(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStateRepository_SaveAndLoad(t *testing.T) {
	gdb := openTestDB(t)
	users := NewUserRepository(gdb)
	docs := NewDocumentRepository(gdb)
	states := NewStateRepository(gdb)
	ctx := context.Background()

	author, err := users.UpsertByUsername(ctx, uniqueName("author"))
	require.NoError(t, err)
	doc, err := docs.Create(ctx, "Notes", author.ID)
	require.NoError(t, err)

	state, err := states.LoadState(ctx, doc.ID)
	require.NoError(t, err)
	assert.Empty(t, state)

	require.NoError(t, states.SaveState(ctx, doc.ID, []byte{1, 2, 3}, "abc"))
	state, err = states.LoadState(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, state)

	got, err := docs.GetByID(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, "abc", got.Content)

	assert.ErrorIs(t, states.SaveState(ctx, "missing", []byte{1}, "x"), ErrNotFound)
	_, err = states.LoadState(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestChatRepository_AppendAndList(t *testing.T) {
	gdb := openTestDB(t)
	users := NewUserRepository(gdb)
	docs := NewDocumentRepository(gdb)
	chats := NewChatRepository(gdb)
	ctx := context.Background()

	author, err := users.UpsertByUsername(ctx, uniqueName("author"))
	require.NoError(t, err)
	doc, err := docs.Create(ctx, "Notes", author.ID)
	require.NoError(t, err)

	for _, m := range []string{"one", "two", "three"} {
		msg, err := chats.Append(ctx, doc.ID, author.ID, m)
		require.NoError(t, err)
		assert.NotEmpty(t, msg.ID)
		require.NotNil(t, msg.User)
		assert.Equal(t, author.Username, msg.User.Username)
		// created_at orders the page
		time.Sleep(2 * time.Millisecond)
	}

	page, err := chats.List(ctx, doc.ID, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "three", page[0].Message)
	assert.Equal(t, "two", page[1].Message)
}
