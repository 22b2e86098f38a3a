package middleware

import (
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

const (
	// MaxMessageBytes is the largest message content accepted.
	MaxMessageBytes = 10000
	// MaxIdentifierBytes bounds client-supplied site and customer IDs.
	MaxIdentifierBytes = 128
)

// ValidateMessageContent validates message content.
func ValidateMessageContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return errors.New("content cannot be empty")
	}
	if len(content) > MaxMessageBytes {
		return errors.New("content exceeds maximum length")
	}
	if !utf8.ValidString(content) {
		return errors.New("content must be valid UTF-8")
	}
	return nil
}

// ValidateConversationID validates a conversation ID.
func ValidateConversationID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return errors.New("invalid conversation ID format")
	}
	return nil
}

// ValidateSiteID validates a site ID.
func ValidateSiteID(id string) error {
	return validateIdentifier("site ID", id)
}

// ValidateCustomerID validates a customer ID.
func ValidateCustomerID(id string) error {
	return validateIdentifier("customer ID", id)
}

func validateIdentifier(name, id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.New(name + " cannot be empty")
	}
	if len(id) > MaxIdentifierBytes {
		return errors.New(name + " exceeds maximum length")
	}
	if !utf8.ValidString(id) {
		return errors.New(name + " must be valid UTF-8")
	}
	return nil
}
