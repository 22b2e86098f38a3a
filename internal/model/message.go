package model

import (
	"time"
)

// Sender represents who authored a message.
type Sender string

const (
	SenderCustomer Sender = "customer"
	SenderAgent    Sender = "agent"
	SenderSystem   Sender = "system"
)

// Valid reports whether s is one of the three known senders.
func (s Sender) Valid() bool {
	switch s {
	case SenderCustomer, SenderAgent, SenderSystem:
		return true
	}
	return false
}

// Message represents one entry of a conversation log.
type Message struct {
	ConversationID string    `json:"conversationId"`
	Sender         Sender    `json:"sender"`
	Content        string    `json:"content"`
	AgentID        string    `json:"agentId,omitempty"`
	Timestamp      time.Time `json:"timestamp"`

	// Position in the conversation log, starting at 1. Assigned by the store.
	Sequence uint64 `json:"sequence"`
}

// NextTimestamp returns now, bumped past last when the clock has not advanced.
// Stores use it so timestamps within a conversation are strictly increasing.
func NextTimestamp(last, now time.Time) time.Time {
	now = now.UTC()
	if !last.IsZero() && !now.After(last) {
		return last.Add(time.Microsecond)
	}
	return now
}
