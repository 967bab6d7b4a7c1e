package chat

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	MaxMessageBytes = 4096 // 4KB max frame size
	MaxTextChars    = 2000 // max character count
)

// ValidateMessage checks that a direct message meets content requirements.
// Every failure wraps ErrInvalidMessage.
func ValidateMessage(text string) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("%w: message text is empty", ErrInvalidMessage)
	}
	if len(text) > MaxMessageBytes {
		return fmt.Errorf("%w: message exceeds %d byte limit", ErrInvalidMessage, MaxMessageBytes)
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("%w: message contains invalid UTF-8", ErrInvalidMessage)
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return fmt.Errorf("%w: message exceeds %d character limit", ErrInvalidMessage, MaxTextChars)
	}
	return nil
}

// ValidateRecipient checks the addressing of a direct message.
func ValidateRecipient(senderID, recipientID string) error {
	if strings.TrimSpace(recipientID) == "" {
		return fmt.Errorf("%w: recipient is empty", ErrInvalidMessage)
	}
	if recipientID == senderID {
		return fmt.Errorf("%w: cannot message yourself", ErrInvalidMessage)
	}
	return nil
}
