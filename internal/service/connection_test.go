package service

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/support-router/internal/hub"
	"github.com/capitalize-ai/support-router/internal/model"
)

func TestConnection_CustomerAgentScenario(t *testing.T) {
	f := newFixture(t)
	observer := f.agent(t, "ag-observer")

	customer, c1 := f.customer(t, "site-A", "cust-1")
	init := customer.named(model.EventChatInitialized)[0].Payload.(*model.ChatInitialized)
	assert.Empty(t, init.Messages)

	requests := observer.named(model.EventNewChatRequest)
	require.Len(t, requests, 1)
	assert.Equal(t, c1, requests[0].Payload.(*model.Conversation).ID)

	f.dispatch(t, customer, model.EventCustomerMessage, model.CustomerMessageRequest{ConversationID: c1, Content: "hello"})

	got := observer.messages()
	require.Len(t, got, 1)
	assert.Equal(t, model.SenderCustomer, got[0].Sender)
	assert.Equal(t, "hello", got[0].Content)
	assert.Equal(t, c1, got[0].ConversationID)

	agent := f.agent(t, "ag-1")
	f.dispatch(t, agent, model.EventAgentJoinChat, model.ConversationRef{ConversationID: c1})
	f.dispatch(t, agent, model.EventAgentMessage, model.AgentMessageRequest{ConversationID: c1, Content: "hi there", AgentID: "ag-1"})

	conv, err := f.convs.Get(context.Background(), c1)
	require.NoError(t, err)
	assert.Equal(t, model.StatusActive, conv.Status)
	assert.Equal(t, "ag-1", conv.AgentID)

	// The customer room and the agent room both saw the reply.
	for _, conn := range []*recorder{customer, observer, agent} {
		msgs := conn.messages()
		require.NotEmpty(t, msgs, conn.ID())
		last := msgs[len(msgs)-1]
		assert.Equal(t, model.SenderAgent, last.Sender)
		assert.Equal(t, "hi there", last.Content)
		assert.Equal(t, "ag-1", last.AgentID)
	}
	// An agent in both rooms gets a single copy.
	assert.Len(t, agent.messages(), 1)

	updates := observer.named(model.EventConversationUpdated)
	require.Len(t, updates, 1)
	assert.Equal(t, model.StatusActive, updates[0].Payload.(*model.Conversation).Status)
}

func TestConnection_InitChatIsIdempotent(t *testing.T) {
	f := newFixture(t)
	observer := f.agent(t, "ag-1")

	first, c1 := f.customer(t, "site-A", "cust-1")
	f.dispatch(t, first, model.EventCustomerMessage, model.CustomerMessageRequest{ConversationID: c1, Content: "hello"})

	// A reconnecting customer resumes the same thread with its history.
	second, again := f.customer(t, "site-A", "cust-1")
	assert.Equal(t, c1, again)
	init := second.named(model.EventChatInitialized)[0].Payload.(*model.ChatInitialized)
	require.Len(t, init.Messages, 1)
	assert.Equal(t, "hello", init.Messages[0].Content)

	// Repeating initChat on the same connection is allowed.
	f.dispatch(t, second, model.EventInitChat, model.InitChatRequest{SiteID: "site-A", CustomerID: "cust-1"})
	assert.Len(t, second.named(model.EventChatInitialized), 2)

	assert.Len(t, observer.named(model.EventNewChatRequest), 1)

	// Same customer ID on another site is a different thread.
	_, other := f.customer(t, "site-B", "cust-1")
	assert.NotEqual(t, c1, other)
}

func TestConnection_ConcurrentInitChatCreatesOneConversation(t *testing.T) {
	f := newFixture(t)
	observer := f.agent(t, "ag-1")

	const n = 25
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conn := f.connect("customer")
			res, err := f.conns.OnCustomerInit(context.Background(), conn.ID(), "site-A", "cust-1")
			if assert.NoError(t, err) {
				ids[i] = res.ConversationID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	assert.Len(t, observer.named(model.EventNewChatRequest), 1)
	assert.Len(t, f.broadcaster.Members(ids[0]), n)
}

func TestConnection_AuthRejectionIsIsolated(t *testing.T) {
	f := newFixture(t)

	conn := f.connect("agent")
	f.dispatch(t, conn, model.EventAgentConnect, model.AgentConnectRequest{Token: "forged"})

	authErrors := conn.named(model.EventAuthError)
	require.Len(t, authErrors, 1)
	assert.Equal(t, CodeInvalidToken, authErrors[0].Payload.(model.AuthError).Reason)
	assert.Empty(t, f.broadcaster.Rooms(conn.ID()))

	_, id, _ := f.registry.Lookup(conn.ID())
	assert.Equal(t, hub.StateRejected, id.State)

	// Rejected connections see nothing broadcast to agents.
	_, c1 := f.customer(t, "site-A", "cust-1")
	assert.Empty(t, conn.named(model.EventNewChatRequest))

	// Agent-only events are dropped without a reply.
	f.dispatch(t, conn, model.EventAgentJoinChat, model.ConversationRef{ConversationID: c1})
	assert.Empty(t, conn.named(model.EventError))
	assert.Empty(t, f.broadcaster.Rooms(conn.ID()))

	// A retry with a valid token succeeds.
	token, err := f.tokens.IssueToken("ag-1", "ag-1")
	require.NoError(t, err)
	f.dispatch(t, conn, model.EventAgentConnect, model.AgentConnectRequest{Token: token})

	active := conn.named(model.EventActiveConversations)
	require.Len(t, active, 1)
	convs := active[0].Payload.([]*model.Conversation)
	require.Len(t, convs, 1)
	assert.Equal(t, c1, convs[0].ID)
	assert.True(t, f.broadcaster.IsMember(hub.AgentRoom, conn.ID()))
}

func TestConnection_ActiveConversationsNewestFirst(t *testing.T) {
	f := newFixture(t)

	_, older := f.customer(t, "site-A", "cust-1")
	_, newer := f.customer(t, "site-A", "cust-2")

	agent := f.agent(t, "ag-1")
	convs := agent.named(model.EventActiveConversations)[0].Payload.([]*model.Conversation)
	require.Len(t, convs, 2)
	assert.Equal(t, newer, convs[0].ID)
	assert.Equal(t, older, convs[1].ID)
}

func TestConnection_AgentIDSpoofingIsForbidden(t *testing.T) {
	f := newFixture(t)
	customer, c1 := f.customer(t, "site-A", "cust-1")
	agent := f.agent(t, "ag-1")

	f.dispatch(t, agent, model.EventAgentMessage, model.AgentMessageRequest{ConversationID: c1, Content: "hi", AgentID: "ag-2"})

	assert.Equal(t, CodeForbidden, agent.lastError(t).Code)
	assert.Empty(t, customer.messages())

	conv, err := f.convs.Get(context.Background(), c1)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, conv.Status)
	assert.Empty(t, conv.Messages)
}

func TestConnection_AgentMessageWithoutAgentIDUsesIdentity(t *testing.T) {
	f := newFixture(t)
	_, c1 := f.customer(t, "site-A", "cust-1")
	agent := f.agent(t, "ag-1")

	f.dispatch(t, agent, model.EventAgentMessage, model.AgentMessageRequest{ConversationID: c1, Content: "hi"})

	conv, err := f.convs.Get(context.Background(), c1)
	require.NoError(t, err)
	assert.Equal(t, "ag-1", conv.AgentID)
}

func TestConnection_CustomerCannotWriteToAnotherCustomersConversation(t *testing.T) {
	f := newFixture(t)
	_, c1 := f.customer(t, "site-A", "cust-1")
	intruder, _ := f.customer(t, "site-A", "cust-2")

	f.dispatch(t, intruder, model.EventCustomerMessage, model.CustomerMessageRequest{ConversationID: c1, Content: "hi"})
	assert.Equal(t, CodeForbidden, intruder.lastError(t).Code)

	f.dispatch(t, intruder, model.EventCustomerMessage, model.CustomerMessageRequest{ConversationID: "missing", Content: "hi"})
	errEvent := intruder.lastError(t)
	assert.Equal(t, CodeConversationNotFound, errEvent.Code)
	assert.Equal(t, "missing", errEvent.ConversationID)
}

func TestConnection_ClosedConversationRejectsCustomerInput(t *testing.T) {
	f := newFixture(t)
	customer, c1 := f.customer(t, "site-A", "cust-1")
	agent := f.agent(t, "ag-1")
	f.dispatch(t, agent, model.EventAgentJoinChat, model.ConversationRef{ConversationID: c1})

	f.dispatch(t, agent, model.EventAgentCloseChat, model.ConversationRef{ConversationID: c1})

	closing := customer.messages()
	require.Len(t, closing, 1)
	assert.Equal(t, model.SenderSystem, closing[0].Sender)
	assert.Equal(t, ClosedNotice, closing[0].Content)

	updates := customer.named(model.EventConversationUpdated)
	require.Len(t, updates, 1)
	assert.Equal(t, model.StatusClosed, updates[0].Payload.(*model.Conversation).Status)

	before := len(agent.messages())
	f.dispatch(t, customer, model.EventCustomerMessage, model.CustomerMessageRequest{ConversationID: c1, Content: "are you there?"})

	assert.Equal(t, CodeConversationClosed, customer.lastError(t).Code)
	assert.Len(t, agent.messages(), before, "nothing is broadcast for a rejected message")

	f.dispatch(t, agent, model.EventAgentMessage, model.AgentMessageRequest{ConversationID: c1, Content: "late"})
	assert.Equal(t, CodeConversationClosed, agent.lastError(t).Code)

	// The customer's next initChat opens a new thread.
	_, next := f.customer(t, "site-A", "cust-1")
	assert.NotEqual(t, c1, next)
}

func TestConnection_StoreFailureIsSurfacedAndNothingBroadcast(t *testing.T) {
	f := newFixture(t)
	customer, c1 := f.customer(t, "site-A", "cust-1")
	agent := f.agent(t, "ag-1")

	f.store.failAppends.Store(true)
	f.dispatch(t, customer, model.EventCustomerMessage, model.CustomerMessageRequest{ConversationID: c1, Content: "hello"})

	errEvent := customer.lastError(t)
	assert.Equal(t, CodeStoreUnavailable, errEvent.Code)
	assert.NotContains(t, errEvent.Message, "connection refused")
	assert.Empty(t, agent.messages())

	f.store.failAppends.Store(false)
	f.dispatch(t, customer, model.EventCustomerMessage, model.CustomerMessageRequest{ConversationID: c1, Content: "hello"})
	require.Len(t, agent.messages(), 1)
	assert.Equal(t, uint64(1), agent.messages()[0].Sequence)
}

func TestConnection_InvalidAndUnknownEvents(t *testing.T) {
	f := newFixture(t)
	customer, c1 := f.customer(t, "site-A", "cust-1")

	f.conns.Dispatch(context.Background(), customer.ID(), model.Envelope{Event: "typing"})
	assert.Equal(t, CodeUnknownEvent, customer.lastError(t).Code)

	f.conns.Dispatch(context.Background(), customer.ID(), model.Envelope{Event: model.EventCustomerMessage, Data: []byte(`{"conversationId":`)})
	assert.Equal(t, CodeInvalidRequest, customer.lastError(t).Code)

	f.dispatch(t, customer, model.EventCustomerMessage, model.CustomerMessageRequest{ConversationID: c1, Content: "   "})
	assert.Equal(t, CodeInvalidRequest, customer.lastError(t).Code)

	f.dispatch(t, customer, model.EventCustomerMessage, model.CustomerMessageRequest{ConversationID: c1, Content: strings.Repeat("x", 10001)})
	assert.Equal(t, CodeInvalidRequest, customer.lastError(t).Code)

	fresh := f.connect("customer")
	f.dispatch(t, fresh, model.EventInitChat, model.InitChatRequest{SiteID: "", CustomerID: "cust-1"})
	assert.Equal(t, CodeInvalidRequest, fresh.lastError(t).Code)
}

func TestConnection_RoleChecks(t *testing.T) {
	f := newFixture(t)
	customer, c1 := f.customer(t, "site-A", "cust-1")
	agent := f.agent(t, "ag-1")

	// initChat on an agent connection is rejected.
	f.dispatch(t, agent, model.EventInitChat, model.InitChatRequest{SiteID: "site-A", CustomerID: "cust-9"})
	assert.Equal(t, CodeForbidden, agent.lastError(t).Code)

	// A customer cannot become an agent or use agent events.
	token, err := f.tokens.IssueToken("ag-2", "ag-2")
	require.NoError(t, err)
	f.dispatch(t, customer, model.EventAgentConnect, model.AgentConnectRequest{Token: token})
	assert.Equal(t, CodeForbidden, customer.lastError(t).Code)

	errorsBefore := len(customer.named(model.EventError))
	f.dispatch(t, customer, model.EventAgentCloseChat, model.ConversationRef{ConversationID: c1})
	assert.Len(t, customer.named(model.EventError), errorsBefore, "dropped silently")

	conv, err := f.convs.Get(context.Background(), c1)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, conv.Status)

	// Switching customers on one connection is not allowed.
	f.dispatch(t, customer, model.EventInitChat, model.InitChatRequest{SiteID: "site-A", CustomerID: "cust-2"})
	assert.Equal(t, CodeForbidden, customer.lastError(t).Code)
}

func TestConnection_AgentJoinAndLeave(t *testing.T) {
	f := newFixture(t)
	customer, c1 := f.customer(t, "site-A", "cust-1")
	agent := f.agent(t, "ag-1")

	f.dispatch(t, agent, model.EventAgentJoinChat, model.ConversationRef{ConversationID: "missing"})
	assert.Equal(t, CodeConversationNotFound, agent.lastError(t).Code)

	f.dispatch(t, agent, model.EventAgentJoinChat, model.ConversationRef{ConversationID: c1})
	f.dispatch(t, agent, model.EventAgentJoinChat, model.ConversationRef{ConversationID: c1})
	assert.True(t, f.broadcaster.IsMember(c1, agent.ID()))

	f.dispatch(t, agent, model.EventAgentLeaveChat, model.ConversationRef{ConversationID: c1})
	assert.False(t, f.broadcaster.IsMember(c1, agent.ID()))
	assert.True(t, f.broadcaster.IsMember(hub.AgentRoom, agent.ID()))

	f.dispatch(t, agent, model.EventAgentLeaveChat, model.ConversationRef{ConversationID: hub.AgentRoom})
	assert.Equal(t, CodeInvalidRequest, agent.lastError(t).Code)

	// Still hears the conversation through the agent room.
	f.dispatch(t, customer, model.EventCustomerMessage, model.CustomerMessageRequest{ConversationID: c1, Content: "hello"})
	assert.Len(t, agent.messages(), 1)
}

func TestConnection_DisconnectDoesNotTouchConversation(t *testing.T) {
	f := newFixture(t)
	customer, c1 := f.customer(t, "site-A", "cust-1")
	agent := f.agent(t, "ag-1")
	f.dispatch(t, agent, model.EventAgentMessage, model.AgentMessageRequest{ConversationID: c1, Content: "hi"})

	f.conns.Disconnect(customer.ID())
	f.conns.Disconnect(agent.ID())
	f.conns.Disconnect(agent.ID())

	assert.Empty(t, f.broadcaster.Members(c1))
	assert.Empty(t, f.broadcaster.Members(hub.AgentRoom))

	conv, err := f.convs.Get(context.Background(), c1)
	require.NoError(t, err)
	assert.Equal(t, model.StatusActive, conv.Status)
	assert.Equal(t, "ag-1", conv.AgentID)
	assert.Len(t, conv.Messages, 1)
}

func TestConnection_DispatchSurvivesCancelledContext(t *testing.T) {
	f := newFixture(t)
	customer, c1 := f.customer(t, "site-A", "cust-1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	data := []byte(`{"conversationId":"` + c1 + `","content":"sent while leaving"}`)
	f.conns.Dispatch(ctx, customer.ID(), model.Envelope{Event: model.EventCustomerMessage, Data: data})

	conv, err := f.convs.Get(context.Background(), c1)
	require.NoError(t, err)
	require.Len(t, conv.Messages, 1)
	assert.Equal(t, "sent while leaving", conv.Messages[0].Content)
}
