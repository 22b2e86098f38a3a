package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/capitalize-ai/support-router/internal/auth"
	"github.com/capitalize-ai/support-router/internal/hub"
	"github.com/capitalize-ai/support-router/internal/model"
	"github.com/capitalize-ai/support-router/pkg/logger"
	"github.com/capitalize-ai/support-router/pkg/metrics"
)

// errIgnored marks events the connection's state does not allow. They are
// logged and dropped without a reply.
var errIgnored = errors.New("event not permitted in connection state")

const maxResolveAttempts = 3

// ConnectionService classifies connections and maps inbound events onto the
// lifecycle and routing operations.
type ConnectionService struct {
	registry *hub.Registry
	gateway  auth.Gateway
	convs    *ConversationService
	messages *MessageService
	opts     Options
	logger   *logger.Logger
}

// NewConnectionService creates a new connection service.
func NewConnectionService(
	registry *hub.Registry,
	gateway auth.Gateway,
	convs *ConversationService,
	messages *MessageService,
	opts Options,
	log *logger.Logger,
) *ConnectionService {
	return &ConnectionService{
		registry: registry,
		gateway:  gateway,
		convs:    convs,
		messages: messages,
		opts:     opts,
		logger:   logger.OrGlobal(log).Named("connections"),
	}
}

// Connect registers a new unauthenticated connection.
func (s *ConnectionService) Connect(conn hub.Conn) {
	s.registry.Register(conn)
}

// Disconnect removes the connection from every room and forgets its
// identity. Conversations are never modified and work already started on
// behalf of the connection runs to completion.
func (s *ConnectionService) Disconnect(connID string) {
	identity, ok := s.registry.Unregister(connID)
	if !ok {
		return
	}
	s.logger.Debug("connection removed",
		zap.String("connection_id", connID),
		zap.String("state", identity.State.String()),
	)
}

// Dispatch handles one inbound envelope. Replies go to the originating
// connection only. Handling is detached from ctx cancellation so a client
// that disconnects mid-request cannot abandon a store write.
func (s *ConnectionService) Dispatch(ctx context.Context, connID string, env model.Envelope) {
	conn, _, ok := s.registry.Lookup(connID)
	if !ok {
		return
	}
	ctx = context.WithoutCancel(ctx)
	log := s.logger.With(zap.String("connection_id", connID), zap.String("event", string(env.Event)))

	var (
		reply          *model.Event
		conversationID string
		err            error
	)

	switch env.Event {
	case model.EventInitChat:
		var req model.InitChatRequest
		if err = decode(env.Data, &req); err == nil {
			var res *model.ChatInitialized
			if res, err = s.OnCustomerInit(ctx, connID, req.SiteID, req.CustomerID); err == nil {
				reply = &model.Event{Name: model.EventChatInitialized, Payload: res}
			}
		}

	case model.EventAgentConnect:
		var req model.AgentConnectRequest
		if err = decode(env.Data, &req); err == nil {
			var convs []*model.Conversation
			convs, err = s.OnAgentConnect(ctx, connID, req.Token)
			switch {
			case err == nil:
				reply = &model.Event{Name: model.EventActiveConversations, Payload: convs}
			case errors.Is(err, ErrInvalidToken), errors.Is(err, ErrAuthUnavailable):
				reply = &model.Event{Name: model.EventAuthError, Payload: model.AuthError{Reason: ErrorCode(err)}}
				log.Info("agent handshake rejected", zap.Error(err))
				metrics.RecordInboundEvent(string(env.Event), "rejected")
				s.send(conn, *reply)
				return
			}
		}

	case model.EventAgentJoinChat:
		var req model.ConversationRef
		if err = decode(env.Data, &req); err == nil {
			conversationID = req.ConversationID
			err = s.OnAgentJoinConversation(ctx, connID, req.ConversationID)
		}

	case model.EventAgentLeaveChat:
		var req model.ConversationRef
		if err = decode(env.Data, &req); err == nil {
			conversationID = req.ConversationID
			err = s.OnAgentLeaveConversation(connID, req.ConversationID)
		}

	case model.EventCustomerMessage:
		var req model.CustomerMessageRequest
		if err = decode(env.Data, &req); err == nil {
			conversationID = req.ConversationID
			err = s.OnCustomerMessage(ctx, connID, req.ConversationID, req.Content)
		}

	case model.EventAgentMessage:
		var req model.AgentMessageRequest
		if err = decode(env.Data, &req); err == nil {
			conversationID = req.ConversationID
			err = s.OnAgentMessage(ctx, connID, req)
		}

	case model.EventAgentCloseChat:
		var req model.ConversationRef
		if err = decode(env.Data, &req); err == nil {
			conversationID = req.ConversationID
			err = s.OnAgentClose(ctx, connID, req.ConversationID)
		}

	default:
		err = ErrUnknownEvent
	}

	switch {
	case err == nil:
		metrics.RecordInboundEvent(string(env.Event), "ok")
		if reply != nil {
			s.send(conn, *reply)
		}
	case errors.Is(err, errIgnored):
		metrics.RecordInboundEvent(string(env.Event), "ignored")
		log.Warn("event dropped", zap.Error(err))
	default:
		metrics.RecordInboundEvent(string(env.Event), "error")
		log.Info("event failed", zap.String("code", ErrorCode(err)), zap.Error(err))
		s.send(conn, model.Event{Name: model.EventError, Payload: model.ErrorEvent{
			Code:           ErrorCode(err),
			Message:        publicMessage(err),
			ConversationID: conversationID,
		}})
	}
}

// OnCustomerInit binds the connection to the customer, resolves their open
// conversation and subscribes the connection to it.
func (s *ConnectionService) OnCustomerInit(ctx context.Context, connID, siteID, customerID string) (*model.ChatInitialized, error) {
	_, identity, ok := s.registry.Lookup(connID)
	if !ok {
		return nil, hub.ErrUnknownConnection
	}
	switch identity.State {
	case hub.StateUnauthenticated:
	case hub.StateCustomer:
		if identity.SiteID != siteID || identity.CustomerID != customerID {
			return nil, fmt.Errorf("%w: connection is bound to another customer", ErrForbidden)
		}
	case hub.StateRejected:
		return nil, errIgnored
	default:
		return nil, fmt.Errorf("%w: initChat on an agent connection", ErrForbidden)
	}

	// The resolved conversation can be closed before the connection joins it;
	// resolve again so the customer lands in an open thread.
	var snapshot *model.Conversation
	for attempt := 0; attempt < maxResolveAttempts; attempt++ {
		conv, err := s.convs.FindOrCreate(ctx, siteID, customerID)
		if err != nil {
			return nil, err
		}
		if err := s.registry.BindCustomer(connID, siteID, customerID); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrForbidden, err)
		}

		snapshot, err = s.convs.Subscribe(ctx, conv.ID, func() error {
			return s.registry.Join(connID, conv.ID)
		})
		if err != nil {
			return nil, err
		}
		if snapshot.Status.IsOpen() {
			break
		}
		s.registry.Leave(connID, conv.ID)
	}

	messages := snapshot.Messages
	if messages == nil {
		messages = []model.Message{}
	}
	return &model.ChatInitialized{
		ConversationID: snapshot.ID,
		Messages:       messages,
	}, nil
}

// OnAgentConnect verifies the token, subscribes the connection to the agent
// room and returns the open conversations. On failure the connection joins
// nothing and may retry.
func (s *ConnectionService) OnAgentConnect(ctx context.Context, connID, token string) ([]*model.Conversation, error) {
	if err := s.registry.BeginAuth(connID); err != nil {
		if errors.Is(err, hub.ErrInvalidTransition) {
			return nil, fmt.Errorf("%w: connection already classified", ErrForbidden)
		}
		return nil, err
	}

	verifyCtx, cancel := context.WithTimeout(ctx, s.opts.AuthTimeout)
	identity, err := s.gateway.VerifyToken(verifyCtx, token)
	cancel()

	if err = translateAuthError(err); err != nil {
		if rejectErr := s.registry.RejectAuth(connID); rejectErr != nil {
			return nil, rejectErr
		}
		if errors.Is(err, ErrAuthUnavailable) {
			metrics.CollaboratorFailuresTotal.WithLabelValues("auth").Inc()
			s.logger.Error("auth gateway call failed", zap.String("connection_id", connID), zap.Error(err))
		} else {
			metrics.AuthFailuresTotal.WithLabelValues("invalid_token").Inc()
		}
		return nil, err
	}

	if err := s.registry.CompleteAuth(connID, identity.AgentID); err != nil {
		return nil, err
	}
	if err := s.registry.Join(connID, hub.AgentRoom); err != nil {
		return nil, err
	}

	s.logger.Info("agent connected",
		zap.String("connection_id", connID),
		zap.String("agent_id", identity.AgentID),
	)

	return s.convs.ListOpen(ctx)
}

// OnAgentJoinConversation subscribes an agent connection to a conversation room.
func (s *ConnectionService) OnAgentJoinConversation(ctx context.Context, connID, conversationID string) error {
	if _, err := s.requireAgent(connID); err != nil {
		return err
	}

	_, err := s.convs.Subscribe(ctx, conversationID, func() error {
		return s.registry.Join(connID, conversationID)
	})
	return err
}

// OnAgentLeaveConversation unsubscribes an agent connection from a conversation room.
func (s *ConnectionService) OnAgentLeaveConversation(connID, conversationID string) error {
	if _, err := s.requireAgent(connID); err != nil {
		return err
	}
	if conversationID == hub.AgentRoom {
		return fmt.Errorf("%w: cannot leave the agent room", ErrInvalidRequest)
	}
	s.registry.Leave(connID, conversationID)
	return nil
}

// OnCustomerMessage submits a message from a customer connection. A customer
// may only write to their own conversations.
func (s *ConnectionService) OnCustomerMessage(ctx context.Context, connID, conversationID, content string) error {
	_, identity, ok := s.registry.Lookup(connID)
	if !ok {
		return hub.ErrUnknownConnection
	}
	if identity.State != hub.StateCustomer {
		return errIgnored
	}

	if !s.registry.Broadcaster().IsMember(conversationID, connID) {
		conv, err := s.convs.Get(ctx, conversationID)
		if err != nil {
			return err
		}
		if conv.SiteID != identity.SiteID || conv.CustomerID != identity.CustomerID {
			return fmt.Errorf("%w: conversation belongs to another customer", ErrForbidden)
		}
	}

	_, err := s.messages.SubmitCustomerMessage(ctx, conversationID, content)
	return err
}

// OnAgentMessage submits a reply from an agent connection. The agent ID in
// the request must match the verified identity of the connection.
func (s *ConnectionService) OnAgentMessage(ctx context.Context, connID string, req model.AgentMessageRequest) error {
	identity, err := s.requireAgent(connID)
	if err != nil {
		return err
	}
	if req.AgentID != "" && req.AgentID != identity.AgentID {
		s.logger.Warn("agent ID mismatch",
			zap.String("connection_id", connID),
			zap.String("verified_agent_id", identity.AgentID),
			zap.String("claimed_agent_id", req.AgentID),
		)
		return fmt.Errorf("%w: agent ID does not match the authenticated agent", ErrForbidden)
	}

	_, err = s.messages.SubmitAgentMessage(ctx, req.ConversationID, req.Content, identity.AgentID)
	return err
}

// OnAgentClose closes a conversation on behalf of an agent connection.
func (s *ConnectionService) OnAgentClose(ctx context.Context, connID, conversationID string) error {
	identity, err := s.requireAgent(connID)
	if err != nil {
		return err
	}
	_, err = s.convs.Close(ctx, conversationID, identity.AgentID)
	return err
}

func (s *ConnectionService) requireAgent(connID string) (hub.Identity, error) {
	_, identity, ok := s.registry.Lookup(connID)
	if !ok {
		return hub.Identity{}, hub.ErrUnknownConnection
	}
	if identity.State != hub.StateAgent {
		return hub.Identity{}, errIgnored
	}
	return identity, nil
}

// send delivers a direct reply. A connection that cannot take it is closed.
func (s *ConnectionService) send(conn hub.Conn, event model.Event) {
	if conn.Send(event) {
		return
	}
	s.logger.Warn("dropping connection with full send buffer",
		zap.String("connection_id", conn.ID()),
		zap.String("event", string(event.Name)),
	)
	metrics.BroadcastEvictionsTotal.Inc()
	s.registry.Broadcaster().LeaveAll(conn.ID())
	conn.Close()
}

func decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: missing data", ErrInvalidRequest)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return nil
}

// publicMessage keeps collaborator details out of client-facing errors.
func publicMessage(err error) string {
	switch ErrorCode(err) {
	case CodeStoreUnavailable:
		return ErrStoreUnavailable.Error()
	case CodeAuthUnavailable:
		return ErrAuthUnavailable.Error()
	case CodeInternal:
		return "internal error"
	default:
		return err.Error()
	}
}
