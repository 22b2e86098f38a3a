package service

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/capitalize-ai/support-router/internal/middleware"
	"github.com/capitalize-ai/support-router/internal/model"
	"github.com/capitalize-ai/support-router/pkg/logger"
)

// MessageService routes messages into conversations. For one conversation,
// append, assignment and broadcast run under the conversation lock, so every
// room member observes messages in log order.
type MessageService struct {
	convs  *ConversationService
	logger *logger.Logger
}

// NewMessageService creates a new message service.
func NewMessageService(convs *ConversationService, log *logger.Logger) *MessageService {
	return &MessageService{
		convs:  convs,
		logger: logger.OrGlobal(log).Named("messages"),
	}
}

// SubmitCustomerMessage appends a customer message and broadcasts it.
func (s *MessageService) SubmitCustomerMessage(ctx context.Context, conversationID, content string) (*model.Message, error) {
	if err := middleware.ValidateMessageContent(content); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	ctx, span := s.convs.tracer.Start(ctx, "MessageService.SubmitCustomerMessage",
		trace.WithAttributes(attribute.String("conversation_id", conversationID)))
	defer span.End()

	unlock, err := s.convs.lock(ctx, conversationKey(conversationID))
	if err != nil {
		return nil, s.convs.fail(span, err)
	}
	defer unlock()

	msg, err := s.convs.appendLocked(ctx, conversationID, &model.Message{
		Sender:  model.SenderCustomer,
		Content: content,
	})
	if err != nil {
		s.logRejected(conversationID, model.SenderCustomer, err)
		return nil, s.convs.fail(span, err)
	}
	return msg, nil
}

// SubmitAgentMessage appends an agent reply, assigns the conversation to the
// agent if it is still pending, and broadcasts the message.
func (s *MessageService) SubmitAgentMessage(ctx context.Context, conversationID, content, agentID string) (*model.Message, error) {
	if agentID == "" {
		return nil, fmt.Errorf("%w: agent ID is required", ErrInvalidRequest)
	}
	if err := middleware.ValidateMessageContent(content); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	ctx, span := s.convs.tracer.Start(ctx, "MessageService.SubmitAgentMessage",
		trace.WithAttributes(
			attribute.String("conversation_id", conversationID),
			attribute.String("agent_id", agentID),
		),
	)
	defer span.End()

	unlock, err := s.convs.lock(ctx, conversationKey(conversationID))
	if err != nil {
		return nil, s.convs.fail(span, err)
	}
	defer unlock()

	msg, err := s.convs.appendLocked(ctx, conversationID, &model.Message{
		Sender:  model.SenderAgent,
		Content: content,
		AgentID: agentID,
	})
	if err != nil {
		s.logRejected(conversationID, model.SenderAgent, err)
		return nil, s.convs.fail(span, err)
	}

	// The message is already persisted and delivered; a failed assignment is
	// retried by the agent's next reply.
	if _, _, err := s.convs.assignLocked(ctx, conversationID, agentID); err != nil {
		s.logger.Error("failed to assign conversation",
			zap.String("conversation_id", conversationID),
			zap.String("agent_id", agentID),
			zap.Error(err),
		)
	}
	return msg, nil
}

// PostSystemMessage appends a system note and broadcasts it.
func (s *MessageService) PostSystemMessage(ctx context.Context, conversationID, content string) (*model.Message, error) {
	if err := middleware.ValidateMessageContent(content); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	unlock, err := s.convs.lock(ctx, conversationKey(conversationID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	return s.convs.appendLocked(ctx, conversationID, &model.Message{
		Sender:  model.SenderSystem,
		Content: content,
	})
}

func (s *MessageService) logRejected(conversationID string, sender model.Sender, err error) {
	s.logger.Warn("message rejected",
		zap.String("conversation_id", conversationID),
		zap.String("sender", string(sender)),
		zap.String("code", ErrorCode(err)),
		zap.Error(err),
	)
}
