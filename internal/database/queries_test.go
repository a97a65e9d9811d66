package database

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRepository(t *testing.T) *SQLRepository {
	t.Helper()

	repo, err := NewSQLiteRepository(filepath.Join(t.TempDir(), "directchat.db"))
	require.NoError(t, err, "failed to open sqlite repository")
	t.Cleanup(func() { repo.Close() })

	require.NoError(t, repo.Migrate(), "failed to migrate sqlite repository")
	return repo
}

func createTestAccount(t *testing.T, repo *SQLRepository, id, username string) User {
	t.Helper()

	u, err := repo.CreateAccount(context.Background(), CreateAccountParams{
		Id:           id,
		Username:     username,
		EmailAddress: username + "@example.com",
		PasswordHash: "hash",
	})
	require.NoError(t, err, "failed to create account %s", username)
	return u
}

func createTestMessage(t *testing.T, repo *SQLRepository, id, from, to, content, replyTo string) Message {
	t.Helper()

	msg, err := repo.CreateMessage(context.Background(), CreateMessageParams{
		Id:          id,
		SenderId:    from,
		RecipientId: to,
		Content:     content,
		ReplyToId:   replyTo,
		CreatedAt:   time.Now().UTC().Round(time.Millisecond),
	})
	require.NoError(t, err, "failed to create message %s", id)
	return msg
}

func TestMigrateIsIdempotent(t *testing.T) {
	repo := newTestRepository(t)
	assert.NoError(t, repo.Migrate(), "expected second migration run to be a no-op")
	assert.NoError(t, repo.Ping())
}

func TestAccounts(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	alice := createTestAccount(t, repo, "u1", "alice")
	assert.Equal(t, "u1", alice.Id)
	assert.Equal(t, "alice@example.com", alice.EmailAddress)

	_, err := repo.CreateAccount(ctx, CreateAccountParams{
		Id:           "u2",
		Username:     "alice",
		EmailAddress: "other@example.com",
		PasswordHash: "hash",
	})
	assert.ErrorIs(t, err, ErrDuplicate, "expected duplicate username to be rejected")

	got, err := repo.GetAccountById(ctx, "u1")
	assert.NoError(t, err)
	assert.Equal(t, "alice", got.Username)

	byEmail, err := repo.GetAccountByEmail(ctx, "alice@example.com")
	assert.NoError(t, err)
	assert.Equal(t, "hash", byEmail.PasswordHash, "expected password hash to be loaded by email lookup")

	_, err = repo.GetAccountById(ctx, "missing")
	assert.True(t, errors.Is(err, sql.ErrNoRows), "expected sql.ErrNoRows for missing account, got %v", err)

	createTestAccount(t, repo, "u3", "bob")
	users, err := repo.ListAccounts(ctx)
	assert.NoError(t, err)
	assert.Len(t, users, 2)
	assert.Equal(t, "alice", users[0].Username, "expected accounts ordered by username")
	assert.Equal(t, "bob", users[1].Username)
}

func TestConversation(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	createTestAccount(t, repo, "u1", "alice")
	createTestAccount(t, repo, "u2", "bob")
	createTestAccount(t, repo, "u3", "carol")

	m1 := createTestMessage(t, repo, "m1", "u1", "u2", "hello", "")
	m2 := createTestMessage(t, repo, "m2", "u2", "u1", "hi alice", "m1")
	createTestMessage(t, repo, "m3", "u1", "u3", "not in this conversation", "")
	m4 := createTestMessage(t, repo, "m4", "u1", "u2", "reply to a ghost", "gone")

	assert.Less(t, m1.SeqId, m2.SeqId, "expected seq ids to follow write order")

	t.Run("full history oldest first", func(t *testing.T) {
		history, err := repo.GetConversation(ctx, "u2", "u1", 0, 0)
		assert.NoError(t, err)
		assert.Len(t, history, 3)
		assert.Equal(t, []string{"m1", "m2", "m4"}, []string{history[0].Id, history[1].Id, history[2].Id})

		assert.Equal(t, "alice", history[0].SenderUsername)
		assert.Equal(t, "bob", history[0].RecipientUsername)

		assert.Equal(t, "m1", history[1].ReplyToId)
		assert.Equal(t, "hello", history[1].ReplyContent, "expected reply target content to be joined")
		assert.Equal(t, "u1", history[1].ReplySenderId)

		assert.Equal(t, "gone", history[2].ReplyToId, "expected stale reply id to be kept as-is")
		assert.Empty(t, history[2].ReplyContent)
	})

	t.Run("paginated history", func(t *testing.T) {
		page, err := repo.GetConversation(ctx, "u1", "u2", m4.SeqId, 1)
		assert.NoError(t, err)
		assert.Len(t, page, 1)
		assert.Equal(t, "m2", page[0].Id, "expected newest message before the cursor")
	})

	t.Run("mark read", func(t *testing.T) {
		n, err := repo.MarkConversationRead(ctx, "u2", "u1")
		assert.NoError(t, err)
		assert.Equal(t, int64(2), n, "expected both messages from alice to be marked read")

		n, err = repo.MarkConversationRead(ctx, "u2", "u1")
		assert.NoError(t, err)
		assert.Equal(t, int64(0), n, "expected no change on second mark")

		msg, err := repo.GetMessageById(ctx, "m1")
		assert.NoError(t, err)
		assert.True(t, msg.IsRead)
	})

	t.Run("delete tombstones the message", func(t *testing.T) {
		assert.NoError(t, repo.DeleteMessage(ctx, "m1"))

		_, err := repo.GetMessageById(ctx, "m1")
		assert.ErrorIs(t, err, sql.ErrNoRows, "expected deleted message to be invisible")

		history, err := repo.GetConversation(ctx, "u1", "u2", 0, 0)
		assert.NoError(t, err)
		for _, msg := range history {
			assert.NotEqual(t, "m1", msg.Id, "expected deleted message to be absent from history")
		}
		assert.Equal(t, "m1", history[0].ReplyToId, "expected reply id to survive target deletion")
		assert.Empty(t, history[0].ReplyContent)

		assert.ErrorIs(t, repo.DeleteMessage(ctx, "m1"), sql.ErrNoRows, "expected double delete to report not found")
		assert.ErrorIs(t, repo.DeleteMessage(ctx, "missing"), sql.ErrNoRows)
	})
}
