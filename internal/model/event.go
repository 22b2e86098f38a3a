package model

import (
	"encoding/json"
)

// EventName is the name carried in every WebSocket envelope.
type EventName string

// Inbound events.
const (
	EventInitChat        EventName = "initChat"
	EventCustomerMessage EventName = "customerMessage"
	EventAgentConnect    EventName = "agentConnect"
	EventAgentJoinChat   EventName = "agentJoinChat"
	EventAgentLeaveChat  EventName = "agentLeaveChat"
	EventAgentMessage    EventName = "agentMessage"
	EventAgentCloseChat  EventName = "agentCloseChat"
)

// Outbound events.
const (
	EventChatInitialized     EventName = "chatInitialized"
	EventActiveConversations EventName = "activeConversations"
	EventAuthError           EventName = "authError"
	EventNewMessage          EventName = "newMessage"
	EventNewChatRequest      EventName = "newChatRequest"
	EventConversationUpdated EventName = "conversationUpdated"
	EventError               EventName = "error"
)

// Envelope is the frame format on the wire: {"event": ..., "data": ...}.
type Envelope struct {
	Event EventName       `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Event is an outbound event before encoding.
type Event struct {
	Name    EventName
	Payload any
}

// Encode marshals the event into an envelope frame.
func (e Event) Encode() ([]byte, error) {
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: e.Name, Data: data})
}

// InitChatRequest is the payload of initChat.
type InitChatRequest struct {
	SiteID     string `json:"siteId"`
	CustomerID string `json:"customerId"`
}

// CustomerMessageRequest is the payload of customerMessage.
type CustomerMessageRequest struct {
	ConversationID string `json:"conversationId"`
	Content        string `json:"content"`
}

// AgentConnectRequest is the payload of agentConnect.
type AgentConnectRequest struct {
	Token string `json:"token"`
}

// ConversationRef is the payload of agentJoinChat, agentLeaveChat and agentCloseChat.
type ConversationRef struct {
	ConversationID string `json:"conversationId"`
}

// AgentMessageRequest is the payload of agentMessage.
type AgentMessageRequest struct {
	ConversationID string `json:"conversationId"`
	Content        string `json:"content"`
	AgentID        string `json:"agentId"`
}

// ChatInitialized is the payload of chatInitialized.
type ChatInitialized struct {
	ConversationID string    `json:"conversationId"`
	Messages       []Message `json:"messages"`
}

// AuthError is the payload of authError.
type AuthError struct {
	Reason string `json:"reason"`
}

// ErrorEvent is the payload of error, sent only to the originating connection.
type ErrorEvent struct {
	Code           string `json:"code"`
	Message        string `json:"message"`
	ConversationID string `json:"conversationId,omitempty"`
}

// NewMessageEvent builds the newMessage broadcast for a persisted message.
func NewMessageEvent(msg Message) Event {
	return Event{Name: EventNewMessage, Payload: msg}
}

// NewChatRequestEvent builds the newChatRequest broadcast.
func NewChatRequestEvent(conv *Conversation) Event {
	return Event{Name: EventNewChatRequest, Payload: conv}
}

// ConversationUpdatedEvent builds the conversationUpdated broadcast.
func ConversationUpdatedEvent(conv *Conversation) Event {
	return Event{Name: EventConversationUpdated, Payload: conv.Summary()}
}
