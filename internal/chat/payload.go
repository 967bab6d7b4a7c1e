package chat

import (
	"github.com/forkful/realtime/internal/auth"
	"github.com/forkful/realtime/internal/conversation"
	"github.com/forkful/realtime/internal/protocol"
)

// Summary converts an identity to the profile fragment sent to clients.
func Summary(id auth.Identity) protocol.UserSummary {
	return protocol.UserSummary{ID: id.ID, Name: id.Name, ProfilePicture: id.AvatarURL}
}

// NewMessagePayload renders a persisted message for the wire.
func NewMessagePayload(m conversation.Message, sender auth.Identity) protocol.MessagePayload {
	return protocol.MessagePayload{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Sender:         Summary(sender),
		Message:        m.Text,
		Seq:            m.Seq,
		CreatedAt:      m.CreatedAt,
	}
}
