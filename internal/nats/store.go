package nats

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/capitalize-ai/support-router/internal/model"
	"github.com/capitalize-ai/support-router/internal/store"
	"github.com/capitalize-ai/support-router/pkg/metrics"
)

const maxUpdateAttempts = 5

// ConversationStore implements store.Store on JetStream. Conversation headers
// live in a KV bucket, the open slot of a customer is claimed with KV Create,
// and message logs are stream subjects guarded by expected-last-sequence.
type ConversationStore struct {
	client  *Client
	streams *StreamManager
	convs   jetstream.KeyValue
	open    jetstream.KeyValue
	agents  jetstream.KeyValue
}

// NewConversationStore provisions the stream and buckets and returns the store.
func NewConversationStore(ctx context.Context, client *Client) (*ConversationStore, error) {
	streams := NewStreamManager(client)
	if err := streams.EnsureStream(ctx); err != nil {
		return nil, err
	}

	convs, err := streams.EnsureBucket(ctx, ConversationsBucket, "Support conversation headers")
	if err != nil {
		return nil, err
	}
	open, err := streams.EnsureBucket(ctx, OpenIndexBucket, "Open conversation per site and customer")
	if err != nil {
		return nil, err
	}
	agents, err := streams.EnsureBucket(ctx, AgentsBucket, "Support agent accounts")
	if err != nil {
		return nil, err
	}

	return &ConversationStore{
		client:  client,
		streams: streams,
		convs:   convs,
		open:    open,
		agents:  agents,
	}, nil
}

// FindOrCreateConversation implements store.ConversationStore.
func (s *ConversationStore) FindOrCreateConversation(ctx context.Context, siteID, customerID string) (*model.Conversation, bool, error) {
	slot := store.PairToken(siteID, customerID)

	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		entry, err := s.open.Get(ctx, slot)
		switch {
		case err == nil:
			id := string(entry.Value())
			conv, err := s.GetConversation(ctx, id)
			if err == nil && conv.Status.IsOpen() {
				return conv, false, nil
			}
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				return nil, false, err
			}
			if err := s.open.Delete(ctx, slot); err != nil {
				return nil, false, fmt.Errorf("failed to release open slot: %w", err)
			}
			continue
		case errors.Is(err, jetstream.ErrKeyNotFound):
		default:
			return nil, false, fmt.Errorf("failed to read open slot: %w", err)
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
		data, err := marshalHeader(conv)
		if err != nil {
			return nil, false, err
		}

		if _, err := s.convs.Create(ctx, conv.ID, data); err != nil {
			return nil, false, fmt.Errorf("failed to write conversation: %w", err)
		}
		if _, err := s.open.Create(ctx, slot, []byte(conv.ID)); err != nil {
			_ = s.convs.Delete(ctx, conv.ID)
			if errors.Is(err, jetstream.ErrKeyExists) {
				continue
			}
			return nil, false, fmt.Errorf("failed to claim open slot: %w", err)
		}

		return conv, true, nil
	}

	return nil, false, store.ErrConflict
}

// GetConversation implements store.ConversationStore.
func (s *ConversationStore) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	conv, _, err := s.loadHeader(ctx, id)
	if err != nil {
		return nil, err
	}

	messages, err := s.streams.GetMessages(ctx, id)
	if err != nil {
		return nil, err
	}
	conv.Messages = messages
	conv.MessageCount = len(messages)
	return conv, nil
}

// AppendMessage implements store.ConversationStore.
func (s *ConversationStore) AppendMessage(ctx context.Context, id string, msg *model.Message) (*model.Message, error) {
	conv, _, err := s.loadHeader(ctx, id)
	if err != nil {
		return nil, err
	}
	if conv.Status == model.StatusClosed {
		return nil, store.ErrConversationClosed
	}

	last, lastSeq, err := s.streams.LastMessage(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.publish(ctx, id, msg, last, lastSeq)
}

// publish logs msg after last, guarded by the expected stream sequence, and
// refreshes the header summary.
func (s *ConversationStore) publish(ctx context.Context, id string, msg *model.Message, last *model.Message, lastSeq uint64) (*model.Message, error) {
	stored := *msg
	stored.ConversationID = id
	stored.Sequence = 1
	var lastAt time.Time
	if last != nil {
		lastAt = last.Timestamp
		stored.Sequence = last.Sequence + 1
	}
	stored.Timestamp = model.NextTimestamp(lastAt, time.Now())

	if _, err := s.streams.PublishMessage(ctx, &stored, lastSeq); err != nil {
		var apiErr *jetstream.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence {
			return nil, store.ErrConflict
		}
		return nil, err
	}

	// The header only carries summary fields; the log is authoritative.
	if err := s.updateHeader(ctx, id, func(c *model.Conversation) bool {
		c.MessageCount = int(stored.Sequence)
		c.UpdatedAt = stored.Timestamp
		return true
	}); err != nil {
		return nil, err
	}

	return &stored, nil
}

// SetActiveAndAssignAgent implements store.ConversationStore.
func (s *ConversationStore) SetActiveAndAssignAgent(ctx context.Context, id, agentID string) (*model.Conversation, bool, error) {
	var changed bool
	err := s.updateHeader(ctx, id, func(c *model.Conversation) bool {
		changed = c.Status == model.StatusPending
		if changed {
			c.Status = model.StatusActive
			c.AgentID = agentID
			c.UpdatedAt = time.Now().UTC()
		}
		return changed
	})
	if err != nil {
		return nil, false, err
	}

	conv, err := s.GetConversation(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return conv, changed, nil
}

// CloseConversation implements store.ConversationStore. The log and the
// header cannot change in one step, so the note is logged first and a retry
// after a failed header update reuses it instead of logging a second copy.
func (s *ConversationStore) CloseConversation(ctx context.Context, id string, at time.Time, note *model.Message) (*store.Closure, error) {
	header, _, err := s.loadHeader(ctx, id)
	if err != nil {
		return nil, err
	}
	if !header.Status.CanTransitionTo(model.StatusClosed) {
		conv, err := s.GetConversation(ctx, id)
		if err != nil {
			return nil, err
		}
		return &store.Closure{Conversation: conv}, nil
	}

	var stored *model.Message
	if note != nil {
		last, lastSeq, err := s.streams.LastMessage(ctx, id)
		if err != nil {
			return nil, err
		}
		if last != nil && last.Sender == note.Sender && last.Content == note.Content {
			stored = last
		} else if stored, err = s.publish(ctx, id, note, last, lastSeq); err != nil {
			return nil, err
		}
	}

	var changed bool
	err = s.updateHeader(ctx, id, func(c *model.Conversation) bool {
		changed = c.Status.CanTransitionTo(model.StatusClosed)
		if changed {
			closedAt := at.UTC()
			c.Status = model.StatusClosed
			c.ClosedAt = &closedAt
			c.UpdatedAt = closedAt
		}
		return changed
	})
	if err != nil {
		return nil, err
	}

	if changed {
		slot := store.PairToken(header.SiteID, header.CustomerID)
		entry, err := s.open.Get(ctx, slot)
		if err == nil && string(entry.Value()) == id {
			if err := s.open.Delete(ctx, slot); err != nil {
				return nil, fmt.Errorf("failed to release open slot: %w", err)
			}
		}
	}

	conv, err := s.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	if !changed {
		stored = nil
	}
	return &store.Closure{Conversation: conv, Note: stored, Changed: changed}, nil
}

// ListOpenConversations implements store.ConversationStore.
func (s *ConversationStore) ListOpenConversations(ctx context.Context) ([]*model.Conversation, error) {
	keys, err := s.open.Keys(ctx)
	if errors.Is(err, jetstream.ErrNoKeysFound) {
		return []*model.Conversation{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list open conversations: %w", err)
	}

	out := make([]*model.Conversation, 0, len(keys))
	for _, key := range keys {
		entry, err := s.open.Get(ctx, key)
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read open slot: %w", err)
		}

		conv, err := s.GetConversation(ctx, string(entry.Value()))
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if conv.Status.IsOpen() {
			out = append(out, conv)
		}
	}

	store.SortNewestFirst(out)
	return out, nil
}

// CreateAgent implements store.AgentStore.
func (s *ConversationStore) CreateAgent(ctx context.Context, agent *model.Agent) error {
	data, err := json.Marshal(agent)
	if err != nil {
		return fmt.Errorf("failed to marshal agent: %w", err)
	}
	if _, err := s.agents.Create(ctx, agentKey(agent.Username), data); err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return store.ErrAgentExists
		}
		return fmt.Errorf("failed to create agent: %w", err)
	}
	return nil
}

// GetAgentByUsername implements store.AgentStore.
func (s *ConversationStore) GetAgentByUsername(ctx context.Context, username string) (*model.Agent, error) {
	entry, err := s.agents.Get(ctx, agentKey(username))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read agent: %w", err)
	}

	var agent model.Agent
	if err := json.Unmarshal(entry.Value(), &agent); err != nil {
		return nil, fmt.Errorf("failed to unmarshal agent: %w", err)
	}
	return &agent, nil
}

// Ping implements store.ConversationStore and refreshes stream gauges.
func (s *ConversationStore) Ping(ctx context.Context) error {
	if !s.client.IsConnected() {
		return errors.New("NATS not connected")
	}
	msgs, bytes, err := s.streams.StreamState(ctx)
	if err != nil {
		return err
	}
	metrics.NATSStreamMessages.WithLabelValues(StreamName).Set(float64(msgs))
	metrics.NATSStreamBytes.WithLabelValues(StreamName).Set(float64(bytes))
	return nil
}

// Close implements store.ConversationStore. The connection is owned by the caller.
func (s *ConversationStore) Close() error {
	return nil
}

func (s *ConversationStore) loadHeader(ctx context.Context, id string) (*model.Conversation, uint64, error) {
	entry, err := s.convs.Get(ctx, id)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, 0, store.ErrNotFound
	}
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read conversation: %w", err)
	}

	var conv model.Conversation
	if err := json.Unmarshal(entry.Value(), &conv); err != nil {
		return nil, 0, fmt.Errorf("failed to unmarshal conversation: %w", err)
	}
	conv.Messages = []model.Message{}
	return &conv, entry.Revision(), nil
}

// updateHeader applies mutate with revision-checked compare-and-swap.
func (s *ConversationStore) updateHeader(ctx context.Context, id string, mutate func(c *model.Conversation) bool) error {
	var lastErr error
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		conv, rev, err := s.loadHeader(ctx, id)
		if err != nil {
			return err
		}
		if !mutate(conv) {
			return nil
		}
		data, err := marshalHeader(conv)
		if err != nil {
			return err
		}
		if _, err := s.convs.Update(ctx, id, data, rev); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return fmt.Errorf("failed to update conversation: %w: %v", store.ErrConflict, lastErr)
}

func marshalHeader(conv *model.Conversation) ([]byte, error) {
	header := *conv
	header.Messages = nil
	data, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal conversation: %w", err)
	}
	return data, nil
}

func agentKey(username string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(username))
}

var _ store.Store = (*ConversationStore)(nil)
