// Package store defines the conversation and agent persistence contracts
// and provides memory and Redis drivers.
package store

import (
	"context"
	"encoding/base64"
	"errors"
	"time"

	"github.com/capitalize-ai/support-router/internal/model"
)

var (
	// ErrNotFound is returned when a conversation or agent does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConversationClosed is returned when appending to a closed conversation.
	ErrConversationClosed = errors.New("conversation closed")
	// ErrAgentExists is returned when registering a duplicate username.
	ErrAgentExists = errors.New("agent already exists")
	// ErrConflict is returned when an optimistic update lost a race.
	ErrConflict = errors.New("concurrent update conflict")
	// ErrInvalidDriver is returned for an unknown driver name.
	ErrInvalidDriver = errors.New("invalid store driver")
)

// Driver names a ConversationStore implementation.
type Driver string

const (
	DriverMemory Driver = "memory"
	DriverRedis  Driver = "redis"
	DriverNATS   Driver = "nats"
)

// ConversationStore is the durable, append-ordered record of conversations.
// Every method is atomic for a single conversation.
type ConversationStore interface {
	// FindOrCreateConversation returns the open conversation for the pair,
	// creating a pending one when none exists. created reports whether a new
	// record was written. At most one open conversation per pair ever exists.
	FindOrCreateConversation(ctx context.Context, siteID, customerID string) (conv *model.Conversation, created bool, err error)

	// GetConversation returns the conversation with its full message log.
	GetConversation(ctx context.Context, id string) (*model.Conversation, error)

	// AppendMessage appends msg and returns it with Timestamp and Sequence assigned.
	AppendMessage(ctx context.Context, id string, msg *model.Message) (*model.Message, error)

	// SetActiveAndAssignAgent moves a pending conversation to active owned by
	// agentID. It is a no-op for any other status; changed reports whether
	// the record was modified.
	SetActiveAndAssignAgent(ctx context.Context, id, agentID string) (conv *model.Conversation, changed bool, err error)

	// CloseConversation moves an open conversation to closed and releases the
	// pair so a later FindOrCreateConversation starts a new thread. A non-nil
	// note is appended to the log as part of the same transition: either the
	// note is logged and the conversation is closed, or neither happens.
	// Closing a closed conversation changes nothing.
	CloseConversation(ctx context.Context, id string, at time.Time, note *model.Message) (*Closure, error)

	// ListOpenConversations returns pending and active conversations, newest first.
	ListOpenConversations(ctx context.Context) ([]*model.Conversation, error)

	// Ping checks connectivity.
	Ping(ctx context.Context) error

	// Close releases resources.
	Close() error
}

// Closure reports the outcome of CloseConversation.
type Closure struct {
	Conversation *model.Conversation
	// Note is the persisted closing note, nil when none was appended.
	Note    *model.Message
	Changed bool
}

// AgentStore persists agent accounts.
type AgentStore interface {
	CreateAgent(ctx context.Context, agent *model.Agent) error
	GetAgentByUsername(ctx context.Context, username string) (*model.Agent, error)
}

// Store is implemented by every driver.
type Store interface {
	ConversationStore
	AgentStore
}

// PairToken encodes a (site, customer) pair into a key-safe token.
func PairToken(siteID, customerID string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(siteID)) + "." +
		base64.RawURLEncoding.EncodeToString([]byte(customerID))
}
