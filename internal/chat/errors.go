package chat

import "errors"

// The error text is what the client sees in the "error" event, so these
// sentinels carry no package prefix.
var (
	// ErrInvalidMessage rejects a send before anything is persisted.
	ErrInvalidMessage = errors.New("invalid message")

	// ErrDeliveryFailed means the message could not be persisted. Nothing
	// was delivered to the recipient.
	ErrDeliveryFailed = errors.New("delivery failed")
)
