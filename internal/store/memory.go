package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/capitalize-ai/support-router/internal/model"
)

// MemoryStore implements Store with mutex-guarded maps.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]*model.Conversation
	open          map[string]string // pairKey -> conversation ID
	agents        map[string]*model.Agent
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[string]*model.Conversation),
		open:          make(map[string]string),
		agents:        make(map[string]*model.Agent),
	}
}

// PairKey identifies the open-conversation slot for a customer on a site.
func PairKey(siteID, customerID string) string {
	return siteID + "\x00" + customerID
}

// FindOrCreateConversation implements ConversationStore.
func (s *MemoryStore) FindOrCreateConversation(ctx context.Context, siteID, customerID string) (*model.Conversation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := PairKey(siteID, customerID)
	if id, ok := s.open[key]; ok {
		if conv, ok := s.conversations[id]; ok && conv.Status.IsOpen() {
			return conv.Clone(), false, nil
		}
		delete(s.open, key)
	}

	now := time.Now().UTC()
	conv := &model.Conversation{
		ID:         uuid.Must(uuid.NewV7()).String(),
		SiteID:     siteID,
		CustomerID: customerID,
		Status:     model.StatusPending,
		Messages:   []model.Message{},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	s.conversations[conv.ID] = conv
	s.open[key] = conv.ID

	return conv.Clone(), true, nil
}

// GetConversation implements ConversationStore.
func (s *MemoryStore) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return conv.Clone(), nil
}

// AppendMessage implements ConversationStore.
func (s *MemoryStore) AppendMessage(ctx context.Context, id string, msg *model.Message) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	if conv.Status == model.StatusClosed {
		return nil, ErrConversationClosed
	}

	stored := appendTo(conv, msg)
	return &stored, nil
}

// appendTo assigns the next timestamp and sequence and appends msg. Requires s.mu.
func appendTo(conv *model.Conversation, msg *model.Message) model.Message {
	var last time.Time
	if m := conv.LastMessage(); m != nil {
		last = m.Timestamp
	}

	stored := *msg
	stored.ConversationID = conv.ID
	stored.Timestamp = model.NextTimestamp(last, time.Now())
	stored.Sequence = uint64(len(conv.Messages) + 1)

	conv.Messages = append(conv.Messages, stored)
	conv.MessageCount = len(conv.Messages)
	conv.UpdatedAt = stored.Timestamp
	return stored
}

// SetActiveAndAssignAgent implements ConversationStore.
func (s *MemoryStore) SetActiveAndAssignAgent(ctx context.Context, id, agentID string) (*model.Conversation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[id]
	if !ok {
		return nil, false, ErrNotFound
	}
	if conv.Status != model.StatusPending {
		return conv.Clone(), false, nil
	}

	conv.Status = model.StatusActive
	conv.AgentID = agentID
	conv.UpdatedAt = time.Now().UTC()

	return conv.Clone(), true, nil
}

// CloseConversation implements ConversationStore.
func (s *MemoryStore) CloseConversation(ctx context.Context, id string, at time.Time, note *model.Message) (*Closure, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !conv.Status.CanTransitionTo(model.StatusClosed) {
		return &Closure{Conversation: conv.Clone()}, nil
	}

	out := &Closure{Changed: true}
	if note != nil {
		stored := appendTo(conv, note)
		out.Note = &stored
	}

	closedAt := at.UTC()
	conv.Status = model.StatusClosed
	conv.ClosedAt = &closedAt
	conv.UpdatedAt = closedAt

	key := PairKey(conv.SiteID, conv.CustomerID)
	if s.open[key] == id {
		delete(s.open, key)
	}

	out.Conversation = conv.Clone()
	return out, nil
}

// ListOpenConversations implements ConversationStore.
func (s *MemoryStore) ListOpenConversations(ctx context.Context) ([]*model.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*model.Conversation, 0, len(s.open))
	for _, id := range s.open {
		if conv, ok := s.conversations[id]; ok && conv.Status.IsOpen() {
			out = append(out, conv.Clone())
		}
	}
	SortNewestFirst(out)
	return out, nil
}

// CreateAgent implements AgentStore.
func (s *MemoryStore) CreateAgent(ctx context.Context, agent *model.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.agents[agent.Username]; exists {
		return ErrAgentExists
	}
	stored := *agent
	s.agents[agent.Username] = &stored
	return nil
}

// GetAgentByUsername implements AgentStore.
func (s *MemoryStore) GetAgentByUsername(ctx context.Context, username string) (*model.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	agent, ok := s.agents[username]
	if !ok {
		return nil, ErrNotFound
	}
	out := *agent
	return &out, nil
}

// Ping implements ConversationStore.
func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// Close implements ConversationStore.
func (s *MemoryStore) Close() error {
	return nil
}

// SortNewestFirst orders conversations by creation time, most recent first.
func SortNewestFirst(convs []*model.Conversation) {
	sort.SliceStable(convs, func(i, j int) bool {
		if convs[i].CreatedAt.Equal(convs[j].CreatedAt) {
			return convs[i].ID > convs[j].ID
		}
		return convs[i].CreatedAt.After(convs[j].CreatedAt)
	})
}
