package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/capitalize-ai/support-router/internal/hub"
	"github.com/capitalize-ai/support-router/internal/middleware"
	"github.com/capitalize-ai/support-router/internal/model"
	"github.com/capitalize-ai/support-router/internal/store"
	"github.com/capitalize-ai/support-router/pkg/keylock"
	"github.com/capitalize-ai/support-router/pkg/logger"
	"github.com/capitalize-ai/support-router/pkg/metrics"
)

// ClosedNotice is the content of the system message appended when a
// conversation is closed.
const ClosedNotice = "Conversation closed"

// Options bounds calls to collaborators.
type Options struct {
	StoreTimeout time.Duration
	AuthTimeout  time.Duration
	ReadRetries  int
}

// DefaultOptions returns the default collaborator bounds.
func DefaultOptions() Options {
	return Options{
		StoreTimeout: 5 * time.Second,
		AuthTimeout:  3 * time.Second,
		ReadRetries:  3,
	}
}

// ConversationService is the only writer of conversation status and agent
// assignment.
type ConversationService struct {
	store       store.ConversationStore
	broadcaster *hub.Broadcaster
	locks       *keylock.Map
	opts        Options
	logger      *logger.Logger
	tracer      trace.Tracer
}

// NewConversationService creates a new conversation service.
func NewConversationService(st store.ConversationStore, b *hub.Broadcaster, locks *keylock.Map, opts Options, log *logger.Logger) *ConversationService {
	return &ConversationService{
		store:       st,
		broadcaster: b,
		locks:       locks,
		opts:        opts,
		logger:      logger.OrGlobal(log).Named("conversations"),
		tracer:      otel.Tracer("support-router/service"),
	}
}

func conversationKey(id string) string {
	return "conv:" + id
}

func customerKey(siteID, customerID string) string {
	return "customer:" + store.PairToken(siteID, customerID)
}

// FindOrCreate returns the open conversation for the customer on the site,
// creating a pending one if none exists. Agents are told about new
// conversations with newChatRequest.
func (s *ConversationService) FindOrCreate(ctx context.Context, siteID, customerID string) (*model.Conversation, error) {
	if err := middleware.ValidateSiteID(siteID); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if err := middleware.ValidateCustomerID(customerID); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	ctx, span := s.tracer.Start(ctx, "ConversationService.FindOrCreate",
		trace.WithAttributes(
			attribute.String("site_id", siteID),
			attribute.String("customer_id", customerID),
		),
	)
	defer span.End()

	unlock, err := s.lock(ctx, customerKey(siteID, customerID))
	if err != nil {
		return nil, s.fail(span, err)
	}
	defer unlock()

	var (
		conv    *model.Conversation
		created bool
	)
	err = s.call(ctx, "find_or_create", func(ctx context.Context) error {
		var err error
		conv, created, err = s.store.FindOrCreateConversation(ctx, siteID, customerID)
		return err
	})
	if err != nil {
		return nil, s.fail(span, err)
	}

	span.SetAttributes(
		attribute.String("conversation_id", conv.ID),
		attribute.Bool("created", created),
	)

	if created {
		metrics.ConversationsTotal.WithLabelValues(siteID).Inc()
		s.logger.Info("conversation created",
			zap.String("conversation_id", conv.ID),
			zap.String("site_id", siteID),
			zap.String("customer_id", customerID),
		)
		s.broadcaster.Broadcast(hub.AgentRoom, model.NewChatRequestEvent(conv))
	}

	return conv, nil
}

// Get retrieves a conversation with its messages.
func (s *ConversationService) Get(ctx context.Context, id string) (*model.Conversation, error) {
	ctx, span := s.tracer.Start(ctx, "ConversationService.Get",
		trace.WithAttributes(attribute.String("conversation_id", id)))
	defer span.End()

	var conv *model.Conversation
	err := s.read(ctx, "get", func(ctx context.Context) error {
		var err error
		conv, err = s.store.GetConversation(ctx, id)
		return err
	})
	if err != nil {
		return nil, s.fail(span, err)
	}
	return conv, nil
}

// ListOpen returns pending and active conversations, newest first.
func (s *ConversationService) ListOpen(ctx context.Context) ([]*model.Conversation, error) {
	ctx, span := s.tracer.Start(ctx, "ConversationService.ListOpen")
	defer span.End()

	var convs []*model.Conversation
	err := s.read(ctx, "list_open", func(ctx context.Context) error {
		var err error
		convs, err = s.store.ListOpenConversations(ctx)
		return err
	})
	if err != nil {
		return nil, s.fail(span, err)
	}
	span.SetAttributes(attribute.Int("count", len(convs)))
	return convs, nil
}

// List pages through open conversations.
func (s *ConversationService) List(ctx context.Context, limit, offset int) (*model.ListConversationsResponse, error) {
	convs, err := s.ListOpen(ctx)
	if err != nil {
		return nil, err
	}

	// Simple pagination
	total := len(convs)
	start := offset
	if start > total {
		start = total
	}
	end := start + limit
	if end > total {
		end = total
	}

	page := make([]*model.Conversation, 0, end-start)
	for _, conv := range convs[start:end] {
		page = append(page, conv.Summary())
	}

	return &model.ListConversationsResponse{
		Conversations: page,
		Total:         total,
		HasMore:       end < total,
	}, nil
}

// Subscribe runs join under the conversation lock and returns the
// conversation as of that moment. Appends are broadcast under the same lock,
// so the returned log plus the events the new member receives afterwards are
// exactly the full log with no gap or duplicate.
func (s *ConversationService) Subscribe(ctx context.Context, id string, join func() error) (*model.Conversation, error) {
	unlock, err := s.lock(ctx, conversationKey(id))
	if err != nil {
		return nil, err
	}
	defer unlock()

	var conv *model.Conversation
	err = s.read(ctx, "get", func(ctx context.Context) error {
		var err error
		conv, err = s.store.GetConversation(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := join(); err != nil {
		return nil, err
	}
	return conv, nil
}

// AssignOnFirstResponse makes agentID the owner of a pending conversation.
// It is a no-op for a conversation that already has an owner or is closed.
func (s *ConversationService) AssignOnFirstResponse(ctx context.Context, id, agentID string) (*model.Conversation, bool, error) {
	unlock, err := s.lock(ctx, conversationKey(id))
	if err != nil {
		return nil, false, err
	}
	defer unlock()

	return s.assignLocked(ctx, id, agentID)
}

// assignLocked requires the conversation lock.
func (s *ConversationService) assignLocked(ctx context.Context, id, agentID string) (*model.Conversation, bool, error) {
	var (
		conv    *model.Conversation
		changed bool
	)
	err := s.call(ctx, "assign", func(ctx context.Context) error {
		var err error
		conv, changed, err = s.store.SetActiveAndAssignAgent(ctx, id, agentID)
		return err
	})
	if err != nil {
		return nil, false, err
	}

	if changed {
		metrics.ConversationTransitionsTotal.WithLabelValues(string(model.StatusActive)).Inc()
		s.logger.Info("conversation assigned",
			zap.String("conversation_id", id),
			zap.String("agent_id", agentID),
		)
		s.broadcaster.BroadcastUnion(model.ConversationUpdatedEvent(conv), id, hub.AgentRoom)
	}
	return conv, changed, nil
}

// Close moves an open conversation to closed. A system note is logged in
// the same store operation so both parties see why the thread ended; nothing
// is broadcast unless the close succeeded. Closing a closed conversation
// returns it unchanged.
func (s *ConversationService) Close(ctx context.Context, id, closedBy string) (*model.Conversation, error) {
	ctx, span := s.tracer.Start(ctx, "ConversationService.Close",
		trace.WithAttributes(
			attribute.String("conversation_id", id),
			attribute.String("closed_by", closedBy),
		),
	)
	defer span.End()

	unlock, err := s.lock(ctx, conversationKey(id))
	if err != nil {
		return nil, s.fail(span, err)
	}
	defer unlock()

	var closure *store.Closure
	err = s.call(ctx, "close", func(ctx context.Context) error {
		var err error
		closure, err = s.store.CloseConversation(ctx, id, time.Now(),
			&model.Message{Sender: model.SenderSystem, Content: ClosedNotice})
		return err
	})
	if err != nil {
		return nil, s.fail(span, err)
	}
	if !closure.Changed {
		return closure.Conversation, nil
	}

	if closure.Note != nil {
		metrics.MessagesTotal.WithLabelValues(string(closure.Note.Sender)).Inc()
		s.broadcaster.BroadcastUnion(model.NewMessageEvent(*closure.Note), id, hub.AgentRoom)
	}
	metrics.ConversationTransitionsTotal.WithLabelValues(string(model.StatusClosed)).Inc()
	s.logger.Info("conversation closed",
		zap.String("conversation_id", id),
		zap.String("closed_by", closedBy),
	)
	s.broadcaster.BroadcastUnion(model.ConversationUpdatedEvent(closure.Conversation), id, hub.AgentRoom)
	return closure.Conversation, nil
}

// appendLocked persists msg and then broadcasts it to the conversation room
// and the agent room. Requires the conversation lock. Nothing is broadcast
// unless the append succeeded.
func (s *ConversationService) appendLocked(ctx context.Context, id string, msg *model.Message) (*model.Message, error) {
	var stored *model.Message
	err := s.call(ctx, "append", func(ctx context.Context) error {
		var err error
		stored, err = s.store.AppendMessage(ctx, id, msg)
		return err
	})
	if err != nil {
		return nil, err
	}

	metrics.MessagesTotal.WithLabelValues(string(stored.Sender)).Inc()
	s.broadcaster.BroadcastUnion(model.NewMessageEvent(*stored), id, hub.AgentRoom)
	return stored, nil
}

// lock acquires key, waiting at most the store timeout.
func (s *ConversationService) lock(ctx context.Context, key string) (func(), error) {
	waitCtx, cancel := context.WithTimeout(ctx, s.opts.StoreTimeout)
	defer cancel()

	unlock, err := s.locks.Lock(waitCtx, key)
	if err != nil {
		s.logger.Error("timed out waiting for conversation lock", zap.String("key", key), zap.Error(err))
		return nil, fmt.Errorf("%w: lock %s: %v", ErrStoreUnavailable, key, err)
	}
	return unlock, nil
}

// call runs one store operation under the store timeout and translates its error.
func (s *ConversationService) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.StoreTimeout)
	defer cancel()

	start := time.Now()
	err := fn(ctx)
	metrics.RecordStoreOperation(op, err, time.Since(start).Seconds())

	err = translateStoreError(op, err)
	if errors.Is(err, ErrStoreUnavailable) {
		metrics.CollaboratorFailuresTotal.WithLabelValues("store").Inc()
		s.logger.Error("conversation store call failed", zap.String("operation", op), zap.Error(err))
	}
	return err
}

// read is call with bounded exponential-backoff retries on connectivity failures.
func (s *ConversationService) read(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 50 * time.Millisecond
	policy.MaxInterval = time.Second
	policy.MaxElapsedTime = 2 * s.opts.StoreTimeout

	var retries uint64
	if s.opts.ReadRetries > 0 {
		retries = uint64(s.opts.ReadRetries)
	}

	return backoff.Retry(func() error {
		err := s.call(ctx, op, fn)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrStoreUnavailable) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(policy, retries), ctx))
}

func (s *ConversationService) fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
