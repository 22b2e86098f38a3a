package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/capitalize-ai/support-router/internal/model"
)

const (
	redisKeyPrefix = "support:"

	// maxTxAttempts bounds optimistic WATCH retries inside a single call.
	maxTxAttempts = 5
)

// redisRecord is the persisted conversation header; messages live in a list.
type redisRecord struct {
	model.Conversation
	LastMessageAt time.Time `json:"lastMessageAt,omitempty"`
}

// RedisStore implements Store on Redis. Conversation headers are JSON
// strings, logs are lists, and the open slot of a customer is claimed under WATCH.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a Redis-backed store from a redis:// URL.
func NewRedisStore(url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	return NewRedisStoreWithClient(redis.NewClient(opts)), nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func convKey(id string) string { return redisKeyPrefix + "conv:" + id }

func msgsKey(id string) string { return redisKeyPrefix + "msgs:" + id }

func openSetKey() string { return redisKeyPrefix + "open" }

func agentKey(name string) string { return redisKeyPrefix + "agent:" + name }

func openKey(siteID, customerID string) string {
	return redisKeyPrefix + "open:" + PairToken(siteID, customerID)
}

// FindOrCreateConversation implements ConversationStore.
func (s *RedisStore) FindOrCreateConversation(ctx context.Context, siteID, customerID string) (*model.Conversation, bool, error) {
	slot := openKey(siteID, customerID)

	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		id, err := s.client.Get(ctx, slot).Result()
		switch {
		case err == nil:
			conv, err := s.GetConversation(ctx, id)
			if err == nil && conv.Status.IsOpen() {
				return conv, false, nil
			}
			if err != nil && !errors.Is(err, ErrNotFound) {
				return nil, false, err
			}
			// Stale slot: drop it only if it still points at the same record.
			if err := s.releaseSlot(ctx, slot, id); err != nil {
				return nil, false, err
			}
			continue
		case errors.Is(err, redis.Nil):
		default:
			return nil, false, fmt.Errorf("failed to read open slot: %w", err)
		}

		now := time.Now().UTC()
		rec := redisRecord{Conversation: model.Conversation{
			ID:         uuid.Must(uuid.NewV7()).String(),
			SiteID:     siteID,
			CustomerID: customerID,
			Status:     model.StatusPending,
			CreatedAt:  now,
			UpdatedAt:  now,
		}}
		data, err := marshalRecord(&rec)
		if err != nil {
			return nil, false, err
		}

		// The record, the slot and the open index are written in one
		// MULTI/EXEC guarded by WATCH on the slot, so a lost race writes nothing.
		err = s.client.Watch(ctx, func(tx *redis.Tx) error {
			taken, err := tx.Exists(ctx, slot).Result()
			if err != nil {
				return err
			}
			if taken > 0 {
				return redis.TxFailedErr
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, convKey(rec.ID), data, 0)
				pipe.Set(ctx, slot, rec.ID, 0)
				pipe.SAdd(ctx, openSetKey(), rec.ID)
				return nil
			})
			return err
		}, slot)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, false, fmt.Errorf("failed to create conversation: %w", err)
		}

		conv := rec.Conversation
		conv.Messages = []model.Message{}
		return &conv, true, nil
	}

	return nil, false, ErrConflict
}

func (s *RedisStore) releaseSlot(ctx context.Context, slot, id string) error {
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, slot).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		if current != id {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, slot)
			pipe.SRem(ctx, openSetKey(), id)
			return nil
		})
		return err
	}, slot)
	if err != nil && !errors.Is(err, redis.TxFailedErr) {
		return fmt.Errorf("failed to release open slot: %w", err)
	}
	return nil
}

// GetConversation implements ConversationStore.
func (s *RedisStore) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	rec, err := s.loadRecord(ctx, s.client, id)
	if err != nil {
		return nil, err
	}

	raw, err := s.client.LRange(ctx, msgsKey(id), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read messages: %w", err)
	}

	conv := rec.Conversation
	conv.Messages = make([]model.Message, 0, len(raw))
	for _, item := range raw {
		var msg model.Message
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal message: %w", err)
		}
		conv.Messages = append(conv.Messages, msg)
	}
	return &conv, nil
}

// AppendMessage implements ConversationStore.
func (s *RedisStore) AppendMessage(ctx context.Context, id string, msg *model.Message) (*model.Message, error) {
	var stored model.Message

	err := s.update(ctx, id, func(rec *redisRecord) (bool, error) {
		if rec.Status == model.StatusClosed {
			return false, ErrConversationClosed
		}
		stored = rec.next(id, msg)
		return true, nil
	}, func(pipe redis.Pipeliner, rec *redisRecord) error {
		return pushMessage(ctx, pipe, id, &stored)
	})
	if err != nil {
		return nil, err
	}
	return &stored, nil
}

// next stamps msg as the record's next log entry and advances the record.
func (rec *redisRecord) next(id string, msg *model.Message) model.Message {
	stored := *msg
	stored.ConversationID = id
	stored.Timestamp = model.NextTimestamp(rec.LastMessageAt, time.Now())
	stored.Sequence = uint64(rec.MessageCount + 1)

	rec.MessageCount++
	rec.LastMessageAt = stored.Timestamp
	rec.UpdatedAt = stored.Timestamp
	return stored
}

func pushMessage(ctx context.Context, pipe redis.Pipeliner, id string, msg *model.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	pipe.RPush(ctx, msgsKey(id), data)
	return nil
}

// SetActiveAndAssignAgent implements ConversationStore.
func (s *RedisStore) SetActiveAndAssignAgent(ctx context.Context, id, agentID string) (*model.Conversation, bool, error) {
	var changed bool
	err := s.update(ctx, id, func(rec *redisRecord) (bool, error) {
		changed = false
		if rec.Status != model.StatusPending {
			return false, nil
		}
		rec.Status = model.StatusActive
		rec.AgentID = agentID
		rec.UpdatedAt = time.Now().UTC()
		changed = true
		return true, nil
	}, nil)
	if err != nil {
		return nil, false, err
	}

	conv, err := s.GetConversation(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return conv, changed, nil
}

// CloseConversation implements ConversationStore. The note, the status
// change and the slot release are one MULTI/EXEC.
func (s *RedisStore) CloseConversation(ctx context.Context, id string, at time.Time, note *model.Message) (*Closure, error) {
	var (
		changed bool
		stored  *model.Message
	)
	err := s.update(ctx, id, func(rec *redisRecord) (bool, error) {
		changed, stored = false, nil
		if !rec.Status.CanTransitionTo(model.StatusClosed) {
			return false, nil
		}
		if note != nil {
			msg := rec.next(id, note)
			stored = &msg
		}
		closedAt := at.UTC()
		rec.Status = model.StatusClosed
		rec.ClosedAt = &closedAt
		rec.UpdatedAt = closedAt
		changed = true
		return true, nil
	}, func(pipe redis.Pipeliner, rec *redisRecord) error {
		if stored != nil {
			if err := pushMessage(ctx, pipe, id, stored); err != nil {
				return err
			}
		}
		pipe.Del(ctx, openKey(rec.SiteID, rec.CustomerID))
		pipe.SRem(ctx, openSetKey(), id)
		return nil
	})
	if err != nil {
		return nil, err
	}

	conv, err := s.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	return &Closure{Conversation: conv, Note: stored, Changed: changed}, nil
}

// ListOpenConversations implements ConversationStore.
func (s *RedisStore) ListOpenConversations(ctx context.Context) ([]*model.Conversation, error) {
	ids, err := s.client.SMembers(ctx, openSetKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list open conversations: %w", err)
	}

	out := make([]*model.Conversation, 0, len(ids))
	for _, id := range ids {
		conv, err := s.GetConversation(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if conv.Status.IsOpen() {
			out = append(out, conv)
		}
	}
	SortNewestFirst(out)
	return out, nil
}

// CreateAgent implements AgentStore.
func (s *RedisStore) CreateAgent(ctx context.Context, agent *model.Agent) error {
	data, err := json.Marshal(agent)
	if err != nil {
		return fmt.Errorf("failed to marshal agent: %w", err)
	}
	ok, err := s.client.SetNX(ctx, agentKey(agent.Username), data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to create agent: %w", err)
	}
	if !ok {
		return ErrAgentExists
	}
	return nil
}

// GetAgentByUsername implements AgentStore.
func (s *RedisStore) GetAgentByUsername(ctx context.Context, username string) (*model.Agent, error) {
	val, err := s.client.Get(ctx, agentKey(username)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read agent: %w", err)
	}

	var agent model.Agent
	if err := json.Unmarshal([]byte(val), &agent); err != nil {
		return nil, fmt.Errorf("failed to unmarshal agent: %w", err)
	}
	return &agent, nil
}

// Ping implements ConversationStore.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close implements ConversationStore.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// update applies mutate to the record under WATCH and, when it reports a
// change, writes the record plus any extra commands in one MULTI/EXEC.
func (s *RedisStore) update(
	ctx context.Context,
	id string,
	mutate func(rec *redisRecord) (bool, error),
	extra func(pipe redis.Pipeliner, rec *redisRecord) error,
) error {
	key := convKey(id)

	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			rec, err := s.loadRecord(ctx, tx, id)
			if err != nil {
				return err
			}
			changed, err := mutate(rec)
			if err != nil || !changed {
				return err
			}
			data, err := marshalRecord(rec)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, data, 0)
				if extra != nil {
					return extra(pipe, rec)
				}
				return nil
			})
			return err
		}, key)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}

	return ErrConflict
}

type stringGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *RedisStore) loadRecord(ctx context.Context, c stringGetter, id string) (*redisRecord, error) {
	val, err := c.Get(ctx, convKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read conversation: %w", err)
	}

	var rec redisRecord
	if err := json.Unmarshal([]byte(val), &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal conversation: %w", err)
	}
	return &rec, nil
}

func marshalRecord(rec *redisRecord) ([]byte, error) {
	header := *rec
	header.Messages = nil
	data, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal conversation: %w", err)
	}
	return data, nil
}
