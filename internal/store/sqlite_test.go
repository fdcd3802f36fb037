package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestUser(t *testing.T, s *SQLiteStore, email string) *User {
	t.Helper()
	u, err := s.CreateUser(context.Background(), email, "hash")
	require.NoError(t, err)
	return u
}

func TestMigrationsAreIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	ctx := context.Background()

	s, err := NewSQLiteStore(ctx, path)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = NewSQLiteStore(ctx, path)
	require.NoError(t, err)
	defer s.Close()

	var n int
	require.NoError(t, s.db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&n))
	assert.Equal(t, 2, n)
}

func TestCreateUserAndLookup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u := newTestUser(t, s, "a@example.com")
	assert.NotZero(t, u.ID)
	assert.Nil(t, u.OpenAIAPIKey)

	_, err := s.CreateUser(ctx, "a@example.com", "other")
	assert.ErrorIs(t, err, ErrDuplicateEmail)

	got, err := s.GetUserByEmail(ctx, "a@example.com")
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)
	assert.Equal(t, "hash", got.PasswordHash)

	_, err = s.GetUserByEmail(ctx, "missing@example.com")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSaveAPIKeys(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := newTestUser(t, s, "a@example.com")

	require.NoError(t, s.SaveAPIKeys(ctx, u.ID, "sk-1", ""))
	got, err := s.GetUserByID(ctx, u.ID)
	require.NoError(t, err)
	require.NotNil(t, got.OpenAIAPIKey)
	assert.Equal(t, "sk-1", *got.OpenAIAPIKey)
	assert.Nil(t, got.GeminiAPIKey)

	require.NoError(t, s.SaveAPIKeys(ctx, u.ID, "", "g-1"))
	got, err = s.GetUserByID(ctx, u.ID)
	require.NoError(t, err)
	assert.Nil(t, got.OpenAIAPIKey)
	require.NotNil(t, got.GeminiAPIKey)
	assert.Equal(t, "g-1", *got.GeminiAPIKey)
}

func TestChatLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := newTestUser(t, s, "a@example.com")

	chatID, pairID, err := s.CreateChat(ctx, u.ID, "hello", "gpt-4", "hello there")
	require.NoError(t, err)

	pairs, err := s.RetrieveChat(ctx, chatID)
	require.NoError(t, err)
	require.Len(t, pairs, 1)
	assert.Equal(t, pairID, pairs[0].ID)
	assert.True(t, pairs[0].Pending())
	assert.Equal(t, "gpt-4", pairs[0].Model)
	assert.Equal(t, int64(1), pairs[0].BlockRank)
	assert.Equal(t, int64(1), pairs[0].BlockSize)

	_, err = s.AddMessageBlock(ctx, chatID, "too early")
	assert.ErrorIs(t, err, ErrPendingPair)

	_, err = s.AttachAIMessage(ctx, pairID, "Hello, world!")
	require.NoError(t, err)
	_, err = s.AttachAIMessage(ctx, pairID, "again")
	assert.ErrorIs(t, err, ErrPairNotPending)

	secondPair, err := s.AddMessageBlock(ctx, chatID, "and now?")
	require.NoError(t, err)

	pairs, err = s.RetrieveChat(ctx, chatID)
	require.NoError(t, err)
	require.Len(t, pairs, 2)
	require.NotNil(t, pairs[0].AIMessage)
	assert.Equal(t, "Hello, world!", *pairs[0].AIMessage)
	assert.Equal(t, secondPair, pairs[1].ID)
	assert.Equal(t, int64(2), pairs[1].BlockRank)
	assert.True(t, pairs[1].Pending())
}

func TestChatOwnershipAndDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	alice := newTestUser(t, s, "alice@example.com")
	bob := newTestUser(t, s, "bob@example.com")

	chatID, pairID, err := s.CreateChat(ctx, alice.ID, "mine", "gpt-4", "hi")
	require.NoError(t, err)
	_, err = s.AttachAIMessage(ctx, pairID, "hey")
	require.NoError(t, err)

	_, err = s.GetChat(ctx, chatID, bob.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.DeleteChat(ctx, chatID, bob.ID), ErrNotFound)

	chats, err := s.ListChats(ctx, alice.ID)
	require.NoError(t, err)
	require.Len(t, chats, 1)
	assert.Equal(t, "mine", chats[0].Name)

	require.NoError(t, s.DeleteChat(ctx, chatID, alice.ID))

	chats, err = s.ListChats(ctx, alice.ID)
	require.NoError(t, err)
	assert.Empty(t, chats)

	var messages, pairs int
	require.NoError(t, s.db.QueryRow("SELECT COUNT(*) FROM messages").Scan(&messages))
	require.NoError(t, s.db.QueryRow("SELECT COUNT(*) FROM message_pairs").Scan(&pairs))
	assert.Zero(t, messages)
	assert.Zero(t, pairs)
}
