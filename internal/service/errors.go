// Package service implements the conversation lifecycle, message routing and
// connection handshake on top of a conversation store and the hub.
package service

import (
	"errors"
	"fmt"

	"github.com/capitalize-ai/support-router/internal/auth"
	"github.com/capitalize-ai/support-router/internal/store"
)

// Service errors.
var (
	ErrInvalidToken         = errors.New("invalid token")
	ErrConversationNotFound = errors.New("conversation not found")
	ErrConversationClosed   = errors.New("conversation closed")
	ErrStoreUnavailable     = errors.New("conversation store unavailable")
	ErrAuthUnavailable      = errors.New("auth gateway unavailable")
	ErrInvalidRequest       = errors.New("invalid request")
	ErrForbidden            = errors.New("forbidden")
	ErrUnknownEvent         = errors.New("unknown event")
)

// Wire error codes.
const (
	CodeInvalidToken         = "invalid_token"
	CodeConversationNotFound = "conversation_not_found"
	CodeConversationClosed   = "conversation_closed"
	CodeStoreUnavailable     = "store_unavailable"
	CodeAuthUnavailable      = "auth_unavailable"
	CodeInvalidRequest       = "invalid_request"
	CodeForbidden            = "forbidden"
	CodeUnknownEvent         = "unknown_event"
	CodeInternal             = "internal"
)

// ErrorCode maps an error returned by this package to its wire code.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrInvalidToken):
		return CodeInvalidToken
	case errors.Is(err, ErrConversationNotFound):
		return CodeConversationNotFound
	case errors.Is(err, ErrConversationClosed):
		return CodeConversationClosed
	case errors.Is(err, ErrStoreUnavailable):
		return CodeStoreUnavailable
	case errors.Is(err, ErrAuthUnavailable):
		return CodeAuthUnavailable
	case errors.Is(err, ErrInvalidRequest):
		return CodeInvalidRequest
	case errors.Is(err, ErrForbidden):
		return CodeForbidden
	case errors.Is(err, ErrUnknownEvent):
		return CodeUnknownEvent
	default:
		return CodeInternal
	}
}

// translateStoreError maps store errors onto service errors. Anything the
// store did not classify is treated as a connectivity failure.
func translateStoreError(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound):
		return ErrConversationNotFound
	case errors.Is(err, store.ErrConversationClosed):
		return ErrConversationClosed
	default:
		return fmt.Errorf("%w: %s: %v", ErrStoreUnavailable, op, err)
	}
}

// translateAuthError maps gateway errors onto service errors.
func translateAuthError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, auth.ErrExpiredToken),
		errors.Is(err, auth.ErrMissingClaim):
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	default:
		return fmt.Errorf("%w: %v", ErrAuthUnavailable, err)
	}
}
