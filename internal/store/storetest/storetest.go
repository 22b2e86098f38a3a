// Package storetest holds the behavioural contract every store driver must
// satisfy. Driver packages call Run from their tests.
package storetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/support-router/internal/model"
	"github.com/capitalize-ai/support-router/internal/store"
)

// Factory returns an empty store. It is called once per subtest.
type Factory func(t *testing.T) store.Store

// Run exercises the driver returned by newStore.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"FindOrCreateReturnsSameOpenConversation", findOrCreateReturnsSame},
		{"FindOrCreateConcurrent", findOrCreateConcurrent},
		{"AppendAssignsSequenceAndTimestamps", appendAssignsSequence},
		{"AppendUnknownConversation", appendUnknown},
		{"AssignFirstWins", assignFirstWins},
		{"CloseReleasesPair", closeReleasesPair},
		{"ListOpenNewestFirst", listOpenNewestFirst},
		{"Agents", agents},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { s.Close() })
			tt.fn(t, s)
		})
	}
}

func findOrCreateReturnsSame(t *testing.T, s store.Store) {
	ctx := context.Background()

	first, created, err := s.FindOrCreateConversation(ctx, "site-A", "cust-1")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, model.StatusPending, first.Status)
	assert.Empty(t, first.Messages)

	second, created, err := s.FindOrCreateConversation(ctx, "site-A", "cust-1")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	other, created, err := s.FindOrCreateConversation(ctx, "site-B", "cust-1")
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, first.ID, other.ID, "pairs are scoped per site")
}

func findOrCreateConcurrent(t *testing.T, s store.Store) {
	ctx := context.Background()

	const callers = 50
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		ids     = make(map[string]struct{})
		created int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conv, c, err := s.FindOrCreateConversation(ctx, "site-A", "cust-1")
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			ids[conv.ID] = struct{}{}
			if c {
				created++
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, ids, 1)
	assert.Equal(t, 1, created)

	open, err := s.ListOpenConversations(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1, "the created conversation is indexed as open")
	_, ok := ids[open[0].ID]
	assert.True(t, ok)
}

func appendAssignsSequence(t *testing.T, s store.Store) {
	ctx := context.Background()

	conv, _, err := s.FindOrCreateConversation(ctx, "site-A", "cust-1")
	require.NoError(t, err)

	var last time.Time
	for i := 0; i < 20; i++ {
		msg, err := s.AppendMessage(ctx, conv.ID, &model.Message{Sender: model.SenderCustomer, Content: "hi"})
		require.NoError(t, err)
		assert.Equal(t, uint64(i+1), msg.Sequence)
		assert.Equal(t, conv.ID, msg.ConversationID)
		assert.True(t, msg.Timestamp.After(last), "timestamps must be strictly increasing")
		last = msg.Timestamp
	}

	stored, err := s.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, stored.Messages, 20)
	assert.Equal(t, 20, stored.MessageCount)
	for i, msg := range stored.Messages {
		assert.Equal(t, uint64(i+1), msg.Sequence)
	}
}

func appendUnknown(t *testing.T, s store.Store) {
	ctx := context.Background()

	_, err := s.AppendMessage(ctx, "missing", &model.Message{Sender: model.SenderCustomer, Content: "hi"})
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = s.GetConversation(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func assignFirstWins(t *testing.T, s store.Store) {
	ctx := context.Background()

	conv, _, err := s.FindOrCreateConversation(ctx, "site-A", "cust-1")
	require.NoError(t, err)

	updated, changed, err := s.SetActiveAndAssignAgent(ctx, conv.ID, "ag-1")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, model.StatusActive, updated.Status)
	assert.Equal(t, "ag-1", updated.AgentID)

	again, changed, err := s.SetActiveAndAssignAgent(ctx, conv.ID, "ag-2")
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, "ag-1", again.AgentID)
}

func closeReleasesPair(t *testing.T, s store.Store) {
	ctx := context.Background()

	conv, _, err := s.FindOrCreateConversation(ctx, "site-A", "cust-1")
	require.NoError(t, err)

	_, err = s.AppendMessage(ctx, conv.ID, &model.Message{Sender: model.SenderCustomer, Content: "bye"})
	require.NoError(t, err)

	note := &model.Message{Sender: model.SenderSystem, Content: "Conversation closed"}
	closure, err := s.CloseConversation(ctx, conv.ID, time.Now(), note)
	require.NoError(t, err)
	assert.True(t, closure.Changed)
	assert.Equal(t, model.StatusClosed, closure.Conversation.Status)
	require.NotNil(t, closure.Conversation.ClosedAt)
	require.NotNil(t, closure.Note)
	assert.Equal(t, uint64(2), closure.Note.Sequence)
	assert.Equal(t, conv.ID, closure.Note.ConversationID)
	require.Len(t, closure.Conversation.Messages, 2)
	assert.Equal(t, model.SenderSystem, closure.Conversation.Messages[1].Sender)

	again, err := s.CloseConversation(ctx, conv.ID, time.Now(), note)
	require.NoError(t, err)
	assert.False(t, again.Changed, "closing twice is a no-op")
	assert.Nil(t, again.Note)
	assert.Len(t, again.Conversation.Messages, 2, "no second note")

	_, err = s.AppendMessage(ctx, conv.ID, &model.Message{Sender: model.SenderCustomer, Content: "late"})
	assert.ErrorIs(t, err, store.ErrConversationClosed)

	_, changed, err := s.SetActiveAndAssignAgent(ctx, conv.ID, "ag-1")
	require.NoError(t, err)
	assert.False(t, changed, "closed never regresses to active")

	next, created, err := s.FindOrCreateConversation(ctx, "site-A", "cust-1")
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, conv.ID, next.ID)
}

func listOpenNewestFirst(t *testing.T, s store.Store) {
	ctx := context.Background()

	a, _, err := s.FindOrCreateConversation(ctx, "site-A", "cust-1")
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	b, _, err := s.FindOrCreateConversation(ctx, "site-A", "cust-2")
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	c, _, err := s.FindOrCreateConversation(ctx, "site-A", "cust-3")
	require.NoError(t, err)

	_, err = s.CloseConversation(ctx, b.ID, time.Now(), nil)
	require.NoError(t, err)

	open, err := s.ListOpenConversations(ctx)
	require.NoError(t, err)
	require.Len(t, open, 2)
	assert.Equal(t, c.ID, open[0].ID)
	assert.Equal(t, a.ID, open[1].ID)
}

func agents(t *testing.T, s store.Store) {
	ctx := context.Background()

	agent := &model.Agent{ID: "ag-1", Username: "alice", PasswordHash: "hash", CreatedAt: time.Now()}
	require.NoError(t, s.CreateAgent(ctx, agent))
	assert.ErrorIs(t, s.CreateAgent(ctx, agent), store.ErrAgentExists)

	got, err := s.GetAgentByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "ag-1", got.ID)
	assert.Equal(t, "hash", got.PasswordHash)

	_, err = s.GetAgentByUsername(ctx, "bob")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
