// ABOUTME: Unit tests for MockStore to ensure behavior matches SQLiteStore
// ABOUTME: Focuses on uniqueness rules and copy semantics of the in-memory implementation

package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockStore_DuplicateAddress(t *testing.T) {
	store := NewMockStore()
	seedClient(t, store, "client-1", "addr")

	now := time.Now().UTC()
	err := store.CreateClient(context.Background(), &Client{ID: "client-2", Address: "addr", CreatedAt: now, UpdatedAt: now})
	assert.ErrorIs(t, err, ErrDuplicateClient)
}

func TestMockStore_OneOpenConversation(t *testing.T) {
	store := NewMockStore()
	ctx := context.Background()
	now := time.Now().UTC()
	seedClient(t, store, "client-1", "addr")
	conv := seedConversation(t, store, "conv-1", "client-1", ConversationActive, now)

	err := store.CreateConversation(ctx, &Conversation{
		ID: "conv-2", ClientID: "client-1", Status: ConversationActive, StartedAt: now, LastMessageAt: now,
	})
	assert.ErrorIs(t, err, ErrDuplicateConversation)

	conv.Status = ConversationClosed
	require.NoError(t, store.UpdateConversation(ctx, conv))
	seedConversation(t, store, "conv-2", "client-1", ConversationWaiting, now)
	assert.Equal(t, 1, store.OpenConversationCount("client-1"))

	// Reopening the closed one would violate the rule.
	conv.Status = ConversationActive
	assert.ErrorIs(t, store.UpdateConversation(ctx, conv), ErrDuplicateConversation)
}

func TestMockStore_ReturnsCopies(t *testing.T) {
	store := NewMockStore()
	ctx := context.Background()
	seedClient(t, store, "client-1", "addr")
	seedConversation(t, store, "conv-1", "client-1", ConversationActive, time.Now().UTC())

	got, err := store.GetConversation(ctx, "conv-1")
	require.NoError(t, err)
	op := "op"
	got.OperatorRef = &op
	got.Status = ConversationWaiting

	again, err := store.GetConversation(ctx, "conv-1")
	require.NoError(t, err)
	assert.Nil(t, again.OperatorRef)
	assert.Equal(t, ConversationActive, again.Status)
}

func TestMockStore_MessagesAndDuplicates(t *testing.T) {
	store := NewMockStore()
	ctx := context.Background()
	now := time.Now().UTC()
	seedClient(t, store, "client-1", "addr")
	seedConversation(t, store, "conv-1", "client-1", ConversationActive, now)

	require.NoError(t, store.InsertMessage(ctx, &Message{ID: "m1", ConversationID: "conv-1", SenderKind: SenderClient, Content: "a", Timestamp: now, TransportEventID: "e1"}))
	require.NoError(t, store.InsertMessage(ctx, &Message{ID: "m2", ConversationID: "conv-1", SenderKind: SenderBot, Content: "b", Timestamp: now, IsRead: true}))
	err := store.InsertMessage(ctx, &Message{ID: "m3", ConversationID: "conv-1", SenderKind: SenderClient, Content: "a", Timestamp: now, TransportEventID: "e1"})
	assert.ErrorIs(t, err, ErrDuplicateMessage)

	seen, err := store.HasTransportEvent(ctx, "e1")
	require.NoError(t, err)
	assert.True(t, seen)
	seen, err = store.HasTransportEvent(ctx, "e2")
	require.NoError(t, err)
	assert.False(t, seen)

	last, err := store.ListMessages(ctx, "conv-1", 1)
	require.NoError(t, err)
	require.Len(t, last, 1)
	assert.Equal(t, "m2", last[0].ID)

	views, err := store.ListConversations(ctx, ConversationFilter{})
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, 1, views[0].UnreadCount)

	n, err := store.MarkMessagesRead(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestMockStore_FailInsertMessage(t *testing.T) {
	store := NewMockStore()
	ctx := context.Background()
	now := time.Now().UTC()
	seedClient(t, store, "client-1", "addr")
	seedConversation(t, store, "conv-1", "client-1", ConversationActive, now)

	boom := errors.New("disk full")
	store.FailInsertMessage = boom
	err := store.InsertMessage(ctx, &Message{ID: "m1", ConversationID: "conv-1", SenderKind: SenderBot, Content: "x", Timestamp: now})
	assert.ErrorIs(t, err, boom)
}
