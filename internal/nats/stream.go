package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/capitalize-ai/support-router/internal/model"
)

const (
	// StreamName is the name of the conversation log stream.
	StreamName = "SUPPORT"

	// SubjectPrefix is the prefix for all conversation subjects.
	SubjectPrefix = "support"

	// Key-value buckets.
	ConversationsBucket = "support_conversations"
	OpenIndexBucket     = "support_open"
	AgentsBucket        = "support_agents"

	fetchBatchSize = 256
)

// StreamManager handles JetStream stream and bucket provisioning plus raw log access.
type StreamManager struct {
	client *Client
}

// NewStreamManager creates a new stream manager.
func NewStreamManager(client *Client) *StreamManager {
	return &StreamManager{client: client}
}

// EnsureStream ensures the conversation log stream exists. The log is
// append-only: deletes and purges are denied.
func (m *StreamManager) EnsureStream(ctx context.Context) error {
	js := m.client.JetStream()

	_, err := js.Stream(ctx, StreamName)
	if err == nil {
		return nil
	}
	if !errors.Is(err, jetstream.ErrStreamNotFound) {
		return fmt.Errorf("failed to look up stream: %w", err)
	}

	_, err = js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Subjects:    []string{fmt.Sprintf("%s.>", SubjectPrefix)},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      365 * 24 * time.Hour,
		MaxBytes:    100 * 1024 * 1024 * 1024,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Compression: jetstream.S2Compression,
		DenyDelete:  true,
		DenyPurge:   true,
		Description: "Support conversation message logs",
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}

	return nil
}

// EnsureBucket returns the named key-value bucket, creating it when missing.
func (m *StreamManager) EnsureBucket(ctx context.Context, bucket, description string) (jetstream.KeyValue, error) {
	js := m.client.JetStream()

	kv, err := js.KeyValue(ctx, bucket)
	if err == nil {
		return kv, nil
	}
	if !errors.Is(err, jetstream.ErrBucketNotFound) {
		return nil, fmt.Errorf("failed to look up bucket %s: %w", bucket, err)
	}

	kv, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: description,
		History:     1,
		Storage:     jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create bucket %s: %w", bucket, err)
	}
	return kv, nil
}

// MessageSubject returns the log subject for a conversation.
func MessageSubject(conversationID string) string {
	return fmt.Sprintf("%s.%s.msg", SubjectPrefix, conversationID)
}

// LastMessage returns the newest logged message for a conversation and its
// stream sequence. A conversation with no messages returns (nil, 0, nil).
func (m *StreamManager) LastMessage(ctx context.Context, conversationID string) (*model.Message, uint64, error) {
	stream, err := m.client.JetStream().Stream(ctx, StreamName)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open stream: %w", err)
	}

	raw, err := stream.GetLastMsgForSubject(ctx, MessageSubject(conversationID))
	if errors.Is(err, jetstream.ErrMsgNotFound) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read last message: %w", err)
	}

	var msg model.Message
	if err := json.Unmarshal(raw.Data, &msg); err != nil {
		return nil, 0, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	return &msg, raw.Sequence, nil
}

// PublishMessage appends msg to the conversation log. expectedLast is the
// stream sequence of the previous message on the subject (0 for none); the
// publish fails if another writer appended in between.
func (m *StreamManager) PublishMessage(ctx context.Context, msg *model.Message, expectedLast uint64) (uint64, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal message: %w", err)
	}

	ack, err := m.client.JetStream().Publish(ctx, MessageSubject(msg.ConversationID), data,
		jetstream.WithExpectLastSequencePerSubject(expectedLast),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to publish message: %w", err)
	}

	return ack.Sequence, nil
}

// GetMessages returns the full log for a conversation in append order.
func (m *StreamManager) GetMessages(ctx context.Context, conversationID string) ([]model.Message, error) {
	js := m.client.JetStream()
	subject := MessageSubject(conversationID)

	stream, err := js.Stream(ctx, StreamName)
	if err != nil {
		return nil, fmt.Errorf("failed to open stream: %w", err)
	}
	info, err := stream.Info(ctx, jetstream.WithSubjectFilter(subject))
	if err != nil {
		return nil, fmt.Errorf("failed to read stream info: %w", err)
	}
	total := int(info.State.Subjects[subject])
	messages := make([]model.Message, 0, total)
	if total == 0 {
		return messages, nil
	}

	consumer, err := js.OrderedConsumer(ctx, StreamName, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{subject},
		DeliverPolicy:  jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}

	for len(messages) < total {
		want := total - len(messages)
		if want > fetchBatchSize {
			want = fetchBatchSize
		}

		batch, err := consumer.Fetch(want, jetstream.FetchMaxWait(2*time.Second))
		if err != nil {
			return nil, fmt.Errorf("failed to fetch messages: %w", err)
		}

		received := 0
		for raw := range batch.Messages() {
			var msg model.Message
			if err := json.Unmarshal(raw.Data(), &msg); err != nil {
				return nil, fmt.Errorf("failed to unmarshal message: %w", err)
			}
			messages = append(messages, msg)
			received++
		}
		if err := batch.Error(); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("batch error: %w", err)
		}
		if received == 0 {
			return nil, fmt.Errorf("failed to fetch messages: log truncated at %d of %d", len(messages), total)
		}
	}

	return messages, nil
}

// StreamState returns the message and byte totals of the log stream.
func (m *StreamManager) StreamState(ctx context.Context) (msgs, bytes uint64, err error) {
	stream, err := m.client.JetStream().Stream(ctx, StreamName)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to open stream: %w", err)
	}
	info, err := stream.Info(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read stream info: %w", err)
	}
	return info.State.Msgs, info.State.Bytes, nil
}
