package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/support-router/internal/auth"
	"github.com/capitalize-ai/support-router/internal/hub"
	"github.com/capitalize-ai/support-router/internal/model"
	"github.com/capitalize-ai/support-router/internal/store"
	"github.com/capitalize-ai/support-router/pkg/keylock"
	"github.com/capitalize-ai/support-router/pkg/logger"
)

const testSecret = "service-test-secret"

// recorder is a hub.Conn that keeps everything it is sent.
type recorder struct {
	id string

	mu     sync.Mutex
	events []model.Event
	closed bool
}

func (r *recorder) ID() string { return r.id }

func (r *recorder) Send(event model.Event) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	r.events = append(r.events, event)
	return true
}

func (r *recorder) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
}

func (r *recorder) all() []model.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.Event(nil), r.events...)
}

func (r *recorder) named(name model.EventName) []model.Event {
	var out []model.Event
	for _, ev := range r.all() {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recorder) messages() []model.Message {
	var out []model.Message
	for _, ev := range r.named(model.EventNewMessage) {
		out = append(out, ev.Payload.(model.Message))
	}
	return out
}

func (r *recorder) lastError(t *testing.T) model.ErrorEvent {
	t.Helper()
	errs := r.named(model.EventError)
	require.NotEmpty(t, errs, "expected an error event")
	return errs[len(errs)-1].Payload.(model.ErrorEvent)
}

// flakyStore fails writes or reads on demand.
type flakyStore struct {
	*store.MemoryStore
	failAppends atomic.Bool
	failCloses  atomic.Bool
	failReads   atomic.Int32
}

var errConnRefused = errors.New("dial tcp: connection refused")

func (s *flakyStore) AppendMessage(ctx context.Context, id string, msg *model.Message) (*model.Message, error) {
	if s.failAppends.Load() {
		return nil, errConnRefused
	}
	return s.MemoryStore.AppendMessage(ctx, id, msg)
}

func (s *flakyStore) CloseConversation(ctx context.Context, id string, at time.Time, note *model.Message) (*store.Closure, error) {
	if s.failCloses.Load() {
		return nil, errConnRefused
	}
	return s.MemoryStore.CloseConversation(ctx, id, at, note)
}

func (s *flakyStore) ListOpenConversations(ctx context.Context) ([]*model.Conversation, error) {
	if s.failReads.Load() > 0 {
		s.failReads.Add(-1)
		return nil, errConnRefused
	}
	return s.MemoryStore.ListOpenConversations(ctx)
}

type fixture struct {
	store       *flakyStore
	broadcaster *hub.Broadcaster
	registry    *hub.Registry
	tokens      *auth.JWTGateway
	convs       *ConversationService
	messages    *MessageService
	conns       *ConnectionService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	log := logger.NewNop()
	opts := Options{StoreTimeout: time.Second, AuthTimeout: time.Second, ReadRetries: 2}

	st := &flakyStore{MemoryStore: store.NewMemoryStore()}
	b := hub.NewBroadcaster(log)
	registry := hub.NewRegistry(b)
	tokens := auth.NewJWTGateway(testSecret, time.Hour)
	convs := NewConversationService(st, b, keylock.New(), opts, log)
	messages := NewMessageService(convs, log)

	return &fixture{
		store:       st,
		broadcaster: b,
		registry:    registry,
		tokens:      tokens,
		convs:       convs,
		messages:    messages,
		conns:       NewConnectionService(registry, tokens, convs, messages, opts, log),
	}
}

func (f *fixture) connect(prefix string) *recorder {
	conn := &recorder{id: prefix + "-" + uuid.NewString()}
	f.conns.Connect(conn)
	return conn
}

func (f *fixture) dispatch(t *testing.T, conn *recorder, name model.EventName, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	f.conns.Dispatch(context.Background(), conn.ID(), model.Envelope{Event: name, Data: data})
}

// customer connects and sends initChat, returning the connection and its conversation ID.
func (f *fixture) customer(t *testing.T, siteID, customerID string) (*recorder, string) {
	t.Helper()
	conn := f.connect("customer")
	f.dispatch(t, conn, model.EventInitChat, model.InitChatRequest{SiteID: siteID, CustomerID: customerID})

	inits := conn.named(model.EventChatInitialized)
	require.Len(t, inits, 1)
	return conn, inits[0].Payload.(*model.ChatInitialized).ConversationID
}

// agent connects and authenticates with a valid token for agentID.
func (f *fixture) agent(t *testing.T, agentID string) *recorder {
	t.Helper()
	token, err := f.tokens.IssueToken(agentID, agentID)
	require.NoError(t, err)

	conn := f.connect("agent")
	f.dispatch(t, conn, model.EventAgentConnect, model.AgentConnectRequest{Token: token})
	require.Len(t, conn.named(model.EventActiveConversations), 1)
	return conn
}
