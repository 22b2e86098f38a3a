package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/support-router/internal/auth"
	"github.com/capitalize-ai/support-router/internal/hub"
	"github.com/capitalize-ai/support-router/internal/model"
	"github.com/capitalize-ai/support-router/internal/service"
	"github.com/capitalize-ai/support-router/internal/store"
	"github.com/capitalize-ai/support-router/pkg/keylock"
	"github.com/capitalize-ai/support-router/pkg/logger"
)

const testSecret = "handler-test-secret"

type testServer struct {
	*httptest.Server
	store  *store.MemoryStore
	tokens *auth.JWTGateway
}

type downStore struct {
	*store.MemoryStore
}

func (downStore) Ping(context.Context) error { return errors.New("connection refused") }

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	return newTestServerWithPinger(t, nil)
}

func newTestServerWithPinger(t *testing.T, pinger Pinger) *testServer {
	t.Helper()

	log := logger.NewNop()
	st := store.NewMemoryStore()
	if pinger == nil {
		pinger = st
	}
	opts := service.Options{StoreTimeout: time.Second, AuthTimeout: time.Second, ReadRetries: 1}

	tokens := auth.NewJWTGateway(testSecret, time.Hour)
	broadcaster := hub.NewBroadcaster(log)
	registry := hub.NewRegistry(broadcaster)
	convs := service.NewConversationService(st, broadcaster, keylock.New(), opts, log)
	messages := service.NewMessageService(convs, log)
	conns := service.NewConnectionService(registry, tokens, convs, messages, opts, log)

	router := NewRouter(RouterConfig{
		Logger:        log,
		Gateway:       tokens,
		Health:        NewHealthHandler(pinger, time.Second, log),
		Auth:          NewAuthHandler(auth.NewAccountService(st, tokens, log), log),
		Conversations: NewConversationHandler(convs, log),
		WebSocket: NewWebSocketHandler(conns, WebSocketConfig{
			SendBuffer:      64,
			PingInterval:    time.Second,
			MaxMessageBytes: 64 * 1024,
		}, log),
		AllowedOrigins:    []string{"*"},
		RateLimitRequests: 1000,
		RateLimitWindow:   time.Minute,
	})

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, store: st, tokens: tokens}
}

// wsClient is a real WebSocket client speaking the envelope protocol.
type wsClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func (s *testServer) dial(t *testing.T) *wsClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(s.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &wsClient{t: t, conn: conn}
}

func (c *wsClient) send(event model.EventName, payload any) {
	c.t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteJSON(model.Envelope{Event: event, Data: data}))
}

// expect reads frames until one named event arrives and decodes its data into v.
func (c *wsClient) expect(event model.EventName, v any) {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var env model.Envelope
		require.NoError(c.t, c.conn.ReadJSON(&env), "waiting for %s", event)
		if env.Event != event {
			continue
		}
		if v != nil {
			require.NoError(c.t, json.Unmarshal(env.Data, v))
		}
		return
	}
}

func (s *testServer) registerAgent(t *testing.T, username string) model.AuthResponse {
	t.Helper()
	body := `{"username":"` + username + `","password":"correct-horse"}`
	resp, err := http.Post(s.URL+"/api/v1/auth/register", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var out model.AuthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func (s *testServer) authedRequest(t *testing.T, method, path, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, s.URL+path, bytes.NewReader(nil))
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func TestWebSocket_CustomerAgentScenario(t *testing.T) {
	srv := newTestServer(t)
	ag1 := srv.registerAgent(t, "ag-1")

	agent := srv.dial(t)
	agent.send(model.EventAgentConnect, model.AgentConnectRequest{Token: ag1.Token})
	var active []model.Conversation
	agent.expect(model.EventActiveConversations, &active)
	assert.Empty(t, active)

	customer := srv.dial(t)
	customer.send(model.EventInitChat, model.InitChatRequest{SiteID: "site-A", CustomerID: "cust-1"})
	var init model.ChatInitialized
	customer.expect(model.EventChatInitialized, &init)
	require.NotEmpty(t, init.ConversationID)
	assert.Empty(t, init.Messages)
	c1 := init.ConversationID

	var request model.Conversation
	agent.expect(model.EventNewChatRequest, &request)
	assert.Equal(t, c1, request.ID)
	assert.Equal(t, model.StatusPending, request.Status)

	customer.send(model.EventCustomerMessage, model.CustomerMessageRequest{ConversationID: c1, Content: "hello"})
	var hello model.Message
	agent.expect(model.EventNewMessage, &hello)
	assert.Equal(t, model.SenderCustomer, hello.Sender)
	assert.Equal(t, "hello", hello.Content)
	assert.Equal(t, c1, hello.ConversationID)
	assert.Equal(t, uint64(1), hello.Sequence)

	agent.send(model.EventAgentJoinChat, model.ConversationRef{ConversationID: c1})
	agent.send(model.EventAgentMessage, model.AgentMessageRequest{ConversationID: c1, Content: "hi there", AgentID: ag1.ID})

	var reply model.Message
	customer.expect(model.EventNewMessage, &reply) // the customer's own "hello"
	customer.expect(model.EventNewMessage, &reply)
	assert.Equal(t, model.SenderAgent, reply.Sender)
	assert.Equal(t, "hi there", reply.Content)
	assert.Equal(t, uint64(2), reply.Sequence)

	var updated model.Conversation
	agent.expect(model.EventConversationUpdated, &updated)
	assert.Equal(t, model.StatusActive, updated.Status)
	assert.Equal(t, ag1.ID, updated.AgentID)

	conv, err := srv.store.GetConversation(context.Background(), c1)
	require.NoError(t, err)
	assert.Equal(t, model.StatusActive, conv.Status)
	assert.Equal(t, ag1.ID, conv.AgentID)
	assert.Len(t, conv.Messages, 2)
}

func TestWebSocket_AuthErrorAndRetry(t *testing.T) {
	srv := newTestServer(t)

	agent := srv.dial(t)
	agent.send(model.EventAgentConnect, model.AgentConnectRequest{Token: "forged"})
	var authErr model.AuthError
	agent.expect(model.EventAuthError, &authErr)
	assert.Equal(t, service.CodeInvalidToken, authErr.Reason)

	ag1 := srv.registerAgent(t, "ag-1")
	agent.send(model.EventAgentConnect, model.AgentConnectRequest{Token: ag1.Token})
	agent.expect(model.EventActiveConversations, nil)
}

func TestWebSocket_ErrorEvents(t *testing.T) {
	srv := newTestServer(t)
	client := srv.dial(t)

	require.NoError(t, client.conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	var errEvent model.ErrorEvent
	client.expect(model.EventError, &errEvent)
	assert.Equal(t, service.CodeInvalidRequest, errEvent.Code)

	client.send("typing", map[string]string{})
	client.expect(model.EventError, &errEvent)
	assert.Equal(t, service.CodeUnknownEvent, errEvent.Code)
}

func TestAuthHandler_RegisterAndLogin(t *testing.T) {
	srv := newTestServer(t)
	registered := srv.registerAgent(t, "alice")
	assert.NotEmpty(t, registered.Token)

	resp, err := http.Post(srv.URL+"/api/v1/auth/register", "application/json",
		strings.NewReader(`{"username":"alice","password":"correct-horse"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/api/v1/auth/login", "application/json",
		strings.NewReader(`{"username":"alice","password":"correct-horse"}`))
	require.NoError(t, err)
	var loggedIn model.AuthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&loggedIn))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, registered.ID, loggedIn.ID)

	resp, err = http.Post(srv.URL+"/api/v1/auth/login", "application/json",
		strings.NewReader(`{"username":"alice","password":"wrong-password"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/api/v1/auth/register", "application/json", strings.NewReader(`{`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestConversationHandler(t *testing.T) {
	srv := newTestServer(t)
	agent := srv.registerAgent(t, "ag-1")

	conv, _, err := srv.store.FindOrCreateConversation(context.Background(), "site-A", "cust-1")
	require.NoError(t, err)

	resp := srv.authedRequest(t, http.MethodGet, "/api/v1/conversations", "")
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = srv.authedRequest(t, http.MethodGet, "/api/v1/conversations", "garbage")
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = srv.authedRequest(t, http.MethodGet, "/api/v1/conversations", agent.Token)
	var list model.ListConversationsResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, list.Conversations, 1)
	assert.Equal(t, conv.ID, list.Conversations[0].ID)

	resp = srv.authedRequest(t, http.MethodGet, "/api/v1/conversations/"+conv.ID, agent.Token)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = srv.authedRequest(t, http.MethodGet, "/api/v1/conversations/not-a-uuid", agent.Token)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = srv.authedRequest(t, http.MethodGet, "/api/v1/conversations/0190f2b4-0000-7000-8000-000000000000", agent.Token)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = srv.authedRequest(t, http.MethodPost, "/api/v1/conversations/"+conv.ID+"/close", agent.Token)
	var closed model.Conversation
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&closed))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, model.StatusClosed, closed.Status)

	resp = srv.authedRequest(t, http.MethodGet, "/api/v1/conversations", agent.Token)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	resp.Body.Close()
	assert.Empty(t, list.Conversations)
}

func TestHealthHandler(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Correlation-ID"))

	resp, err = http.Get(srv.URL + "/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	down := newTestServerWithPinger(t, downStore{store.NewMemoryStore()})
	resp, err = http.Get(down.URL + "/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, statusFor(service.ErrConversationNotFound))
	assert.Equal(t, http.StatusConflict, statusFor(service.ErrConversationClosed))
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(service.ErrStoreUnavailable))
	assert.Equal(t, http.StatusInternalServerError, statusFor(errors.New("boom")))
}
