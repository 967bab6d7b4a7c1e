// Package httpapi serves the plain HTTP endpoints next to the WebSocket
// upgrade: the conversation history bootstrap and the online-users list.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/forkful/realtime/internal/auth"
	"github.com/forkful/realtime/internal/chat"
	"github.com/forkful/realtime/internal/conversation"
	"github.com/forkful/realtime/internal/logger"
	"github.com/forkful/realtime/internal/protocol"
)

// OnlineLister returns the user ids currently online.
type OnlineLister interface {
	OnlineUsers(ctx context.Context) []string
}

// PeerRecorder remembers which conversation a user has open.
type PeerRecorder interface {
	Touch(userID, peerID string)
}

// API holds the dependencies of the HTTP handlers.
type API struct {
	authn     auth.Authenticator
	directory auth.Directory
	store     conversation.Store
	online    OnlineLister
	peers     PeerRecorder
	log       *slog.Logger
}

// NewAPI creates the HTTP API. peers may be nil.
func NewAPI(authn auth.Authenticator, directory auth.Directory, store conversation.Store, online OnlineLister, peers PeerRecorder) *API {
	return &API{
		authn:     authn,
		directory: directory,
		store:     store,
		online:    online,
		peers:     peers,
		log:       logger.Component("httpapi"),
	}
}

// Register mounts the handlers through handle, typically (*ws.Server).Handle
// or (*http.ServeMux).Handle.
func (a *API) Register(handle func(pattern string, handler http.Handler)) {
	handle("/chat", a.withLogger(a.handleChat))
	handle("/online", a.withLogger(a.handleOnline))
}

// withLogger stores a logger carrying the request's method, path and remote
// address in the request context.
func (a *API) withLogger(h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		l := a.log.With("method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr)
		h(w, r.WithContext(logger.WithContext(r.Context(), l)))
	})
}

type conversationResponse struct {
	Conversation protocol.ConversationPayload `json:"conversation"`
}

type onlineResponse struct {
	OnlineUsers []string `json:"onlineUsers"`
}

type errorResponse struct {
	Message string `json:"message"`
}

// handleChat returns the conversation between the caller and otherUserId,
// creating it on first access.
func (a *API) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	caller, ok := a.authenticate(w, r)
	if !ok {
		return
	}

	otherID := r.URL.Query().Get("otherUserId")
	if otherID == "" {
		writeError(w, http.StatusBadRequest, "otherUserId is required")
		return
	}
	if otherID == caller.ID {
		writeError(w, http.StatusBadRequest, "cannot open a conversation with yourself")
		return
	}

	other, err := a.directory.Lookup(r.Context(), otherID)
	if errors.Is(err, auth.ErrUserNotFound) {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}
	if err != nil {
		logger.FromContext(r.Context()).Error("lookup other user failed", "user_id", otherID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	conv, err := a.store.FetchConversation(r.Context(), caller.ID, other.ID)
	if err != nil {
		logger.FromContext(r.Context()).Error("fetch conversation failed", "user_id", caller.ID, "other_user_id", other.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if a.peers != nil {
		a.peers.Touch(caller.ID, other.ID)
	}

	writeJSON(w, http.StatusOK, conversationResponse{Conversation: newConversationPayload(conv, caller, other)})
}

// handleOnline lists the users currently online.
func (a *API) handleOnline(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if _, ok := a.authenticate(w, r); !ok {
		return
	}

	users := a.online.OnlineUsers(r.Context())
	if users == nil {
		users = []string{}
	}
	writeJSON(w, http.StatusOK, onlineResponse{OnlineUsers: users})
}

// authenticate resolves the caller from the request or writes the matching
// error response.
func (a *API) authenticate(w http.ResponseWriter, r *http.Request) (auth.Identity, bool) {
	creds := auth.CredentialsFromRequest(r)
	id, err := a.authn.Authenticate(r.Context(), creds)
	if err == nil {
		return id, true
	}

	switch {
	case errors.Is(err, auth.ErrInvalidToken):
		writeError(w, http.StatusForbidden, "invalid or expired token")
	case errors.Is(err, auth.ErrAuthenticationFailed):
		writeError(w, http.StatusUnauthorized, "unauthorized")
	default:
		logger.FromContext(r.Context()).Error("authenticate request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
	return auth.Identity{}, false
}

func newConversationPayload(conv *conversation.Conversation, caller, other auth.Identity) protocol.ConversationPayload {
	senders := map[string]auth.Identity{caller.ID: caller, other.ID: other}

	messages := make([]protocol.MessagePayload, 0, len(conv.Messages))
	for _, m := range conv.Messages {
		sender, ok := senders[m.SenderID]
		if !ok {
			sender = auth.Identity{ID: m.SenderID}
		}
		messages = append(messages, chat.NewMessagePayload(m, sender))
	}

	return protocol.ConversationPayload{
		ID: conv.ID,
		Participants: protocol.ConversationParticipants{
			CurrentUser: chat.Summary(caller),
			OtherUser:   chat.Summary(other),
		},
		Messages:  messages,
		CreatedAt: conv.CreatedAt,
		UpdatedAt: conv.UpdatedAt,
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Message: message})
}
