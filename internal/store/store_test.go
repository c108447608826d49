package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mindfulme/mindfulme/internal/domain"
)

func newSQLiteForTest(t *testing.T) Repository {
	t.Helper()
	repo, err := NewSQLite(filepath.Join(t.TempDir(), "nested", "chat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func forEachRepository(t *testing.T, fn func(t *testing.T, repo Repository)) {
	t.Run("sqlite", func(t *testing.T) { fn(t, newSQLiteForTest(t)) })
	t.Run("memory", func(t *testing.T) { fn(t, NewMemory()) })
}

func message(id, convID, userID, text string, fromUser bool, at time.Time) *domain.ChatMessage {
	return &domain.ChatMessage{
		ID:             id,
		ConversationID: convID,
		UserID:         userID,
		Text:           text,
		IsUserMessage:  fromUser,
		CreatedAt:      at,
	}
}

func TestGetConversationMissing(t *testing.T) {
	forEachRepository(t, func(t *testing.T, repo Repository) {
		conv, err := repo.GetConversation(context.Background(), "nope")
		require.NoError(t, err)
		assert.Nil(t, conv)
	})
}

func TestCreateConversationWithGreeting(t *testing.T) {
	forEachRepository(t, func(t *testing.T, repo Repository) {
		ctx := context.Background()
		now := time.Now()
		conv := &domain.Conversation{ID: "c1", UserID: "alice", CreatedAt: now, LastMessageAt: now}
		greeting := message("m1", "c1", "alice", "Hello!", false, now)
		greeting.Intent = "greeting"
		greeting.Confidence = 100

		require.NoError(t, repo.CreateConversation(ctx, conv, greeting))
		require.Error(t, repo.CreateConversation(ctx, conv, nil), "duplicate id")

		got, err := repo.GetConversation(ctx, "c1")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "alice", got.UserID)
		assert.True(t, got.CreatedAt.Equal(now))

		msgs, err := repo.ListMessages(ctx, "alice", "c1")
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		assert.Equal(t, "greeting", msgs[0].Intent)
		assert.Equal(t, 100, msgs[0].Confidence)
		assert.False(t, msgs[0].IsUserMessage)
	})
}

func TestSaveExchangeOrdersMessages(t *testing.T) {
	forEachRepository(t, func(t *testing.T, repo Repository) {
		ctx := context.Background()
		base := time.Now()
		conv := &domain.Conversation{ID: "c1", UserID: "alice", CreatedAt: base, LastMessageAt: base}

		for i := 0; i < 3; i++ {
			at := base.Add(time.Duration(i) * time.Second)
			conv.LastMessageAt = at.Add(time.Millisecond)
			user := message(fmt.Sprintf("u%d", i), "c1", "alice", "question", true, at)
			bot := message(fmt.Sprintf("b%d", i), "c1", "alice", "answer", false, at.Add(time.Millisecond))
			bot.Intent = "anxiety"
			bot.MatchedPattern = "i feel anxious"
			bot.Confidence = 75
			require.NoError(t, repo.SaveExchange(ctx, conv, user, bot))
		}

		msgs, err := repo.ListMessages(ctx, "alice", "c1")
		require.NoError(t, err)
		require.Len(t, msgs, 6)
		for i := 1; i < len(msgs); i++ {
			assert.True(t, msgs[i].CreatedAt.After(msgs[i-1].CreatedAt), "message %d out of order", i)
		}
		assert.True(t, msgs[0].IsUserMessage)
		assert.False(t, msgs[1].IsUserMessage)
		assert.Equal(t, "i feel anxious", msgs[1].MatchedPattern)

		other, err := repo.ListMessages(ctx, "bob", "c1")
		require.NoError(t, err)
		assert.Empty(t, other)
	})
}

func TestSaveExchangeRejectsForeignConversation(t *testing.T) {
	forEachRepository(t, func(t *testing.T, repo Repository) {
		ctx := context.Background()
		now := time.Now()
		require.NoError(t, repo.CreateConversation(ctx,
			&domain.Conversation{ID: "c1", UserID: "alice", CreatedAt: now, LastMessageAt: now}, nil))

		err := repo.SaveExchange(ctx,
			&domain.Conversation{ID: "c1", UserID: "mallory", CreatedAt: now, LastMessageAt: now},
			message("u", "c1", "mallory", "hi", true, now),
			message("b", "c1", "mallory", "hey", false, now.Add(time.Millisecond)),
		)
		require.ErrorIs(t, err, ErrNotOwner)

		msgs, err := repo.ListMessages(ctx, "mallory", "c1")
		require.NoError(t, err)
		assert.Empty(t, msgs)
	})
}

func TestListConversationsMostRecentFirst(t *testing.T) {
	forEachRepository(t, func(t *testing.T, repo Repository) {
		ctx := context.Background()
		base := time.Now().Add(-time.Hour)

		for i, id := range []string{"old", "newest", "middle"} {
			at := base
			switch id {
			case "newest":
				at = base.Add(2 * time.Minute)
			case "middle":
				at = base.Add(time.Minute)
			}
			conv := &domain.Conversation{ID: id, UserID: "alice", CreatedAt: base, LastMessageAt: at}
			require.NoError(t, repo.SaveExchange(ctx, conv,
				message(id+"-u", id, "alice", "hi", true, at.Add(-time.Millisecond)),
				message(id+"-b", id, "alice", "hello", false, at),
			), "conversation %d", i)
		}
		require.NoError(t, repo.CreateConversation(ctx,
			&domain.Conversation{ID: "bobs", UserID: "bob", CreatedAt: base, LastMessageAt: base}, nil))

		list, err := repo.ListConversations(ctx, "alice")
		require.NoError(t, err)
		require.Len(t, list, 3)
		assert.Equal(t, "newest", list[0].ID)
		assert.Equal(t, "middle", list[1].ID)
		assert.Equal(t, "old", list[2].ID)
		assert.Equal(t, 2, list[0].MessageCount)
	})
}

func TestDeleteConversation(t *testing.T) {
	forEachRepository(t, func(t *testing.T, repo Repository) {
		ctx := context.Background()
		now := time.Now()
		conv := &domain.Conversation{ID: "c1", UserID: "alice", CreatedAt: now, LastMessageAt: now}
		require.NoError(t, repo.SaveExchange(ctx, conv,
			message("u", "c1", "alice", "hi", true, now),
			message("b", "c1", "alice", "hey", false, now.Add(time.Millisecond)),
		))

		n, err := repo.DeleteConversation(ctx, "bob", "c1")
		require.NoError(t, err)
		assert.Zero(t, n)

		n, err = repo.DeleteConversation(ctx, "alice", "c1")
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		got, err := repo.GetConversation(ctx, "c1")
		require.NoError(t, err)
		assert.Nil(t, got)

		n, err = repo.DeleteConversation(ctx, "alice", "c1")
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}

func TestListIdleConversations(t *testing.T) {
	forEachRepository(t, func(t *testing.T, repo Repository) {
		ctx := context.Background()
		now := time.Now()
		stale := now.Add(-48 * time.Hour)
		older := now.Add(-72 * time.Hour)
		require.NoError(t, repo.CreateConversation(ctx,
			&domain.Conversation{ID: "stale", UserID: "alice", CreatedAt: stale, LastMessageAt: stale},
			message("s-m", "stale", "alice", "Hello!", false, stale)))
		require.NoError(t, repo.CreateConversation(ctx,
			&domain.Conversation{ID: "older", UserID: "bob", CreatedAt: older, LastMessageAt: older}, nil))
		require.NoError(t, repo.CreateConversation(ctx,
			&domain.Conversation{ID: "fresh", UserID: "alice", CreatedAt: now, LastMessageAt: now}, nil))

		idle, err := repo.ListIdleConversations(ctx, now.Add(-24*time.Hour))
		require.NoError(t, err)
		require.Len(t, idle, 2)
		assert.Equal(t, "older", idle[0].ID)
		assert.Equal(t, "bob", idle[0].UserID)
		assert.Equal(t, "stale", idle[1].ID)
		assert.True(t, idle[1].LastMessageAt.Equal(stale))

		// Listing does not delete.
		msgs, err := repo.ListMessages(ctx, "alice", "stale")
		require.NoError(t, err)
		assert.Len(t, msgs, 1)
	})
}

func TestPing(t *testing.T) {
	forEachRepository(t, func(t *testing.T, repo Repository) {
		assert.NoError(t, repo.Ping(context.Background()))
	})
}
