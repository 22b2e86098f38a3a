// Package model defines data structures for the support router.
package model

import (
	"time"
)

// Status represents the lifecycle state of a conversation.
type Status string

const (
	StatusPending Status = "pending"
	StatusActive  Status = "active"
	StatusClosed  Status = "closed"
)

// IsOpen reports whether the status is pending or active.
func (s Status) IsOpen() bool {
	return s == StatusPending || s == StatusActive
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusActive, StatusClosed:
		return true
	}
	return false
}

// CanTransitionTo reports whether moving from s to next is a forward move.
// Closed is terminal.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusActive || next == StatusClosed
	case StatusActive:
		return next == StatusClosed
	}
	return false
}

// Conversation represents a support thread between one customer and at most one agent.
type Conversation struct {
	ID           string     `json:"id"`
	SiteID       string     `json:"siteId"`
	CustomerID   string     `json:"customerId"`
	AgentID      string     `json:"agentId,omitempty"`
	Status       Status     `json:"status"`
	Messages     []Message  `json:"messages"`
	MessageCount int        `json:"messageCount"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
	ClosedAt     *time.Time `json:"closedAt,omitempty"`
}

// Clone returns a deep copy so callers can hand conversations across goroutines.
func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	out := *c
	out.Messages = make([]Message, len(c.Messages))
	copy(out.Messages, c.Messages)
	if c.ClosedAt != nil {
		closed := *c.ClosedAt
		out.ClosedAt = &closed
	}
	return &out
}

// LastMessage returns the most recent message, or nil for an empty log.
func (c *Conversation) LastMessage() *Message {
	if len(c.Messages) == 0 {
		return nil
	}
	return &c.Messages[len(c.Messages)-1]
}

// Summary returns a copy without the message log.
func (c *Conversation) Summary() *Conversation {
	out := c.Clone()
	out.Messages = []Message{}
	return out
}
