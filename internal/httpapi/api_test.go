package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/forkful/realtime/internal/auth"
	"github.com/forkful/realtime/internal/chat"
	"github.com/forkful/realtime/internal/conversation"
	"github.com/forkful/realtime/internal/logger"
)

const testSecret = "httpapi-test-secret"

type staticLister []string

func (l staticLister) OnlineUsers(context.Context) []string { return l }

type brokenStore struct {
	*conversation.MemoryStore
}

func (brokenStore) FetchConversation(context.Context, string, string) (*conversation.Conversation, error) {
	return nil, errors.New("connection refused")
}

func newTestMux(t *testing.T, store conversation.Store, online OnlineLister) *http.ServeMux {
	t.Helper()
	dir := auth.NewMemoryDirectory(
		auth.Identity{ID: "alice", Name: "Alice", AvatarURL: "https://img/alice.png"},
		auth.Identity{ID: "bob", Name: "Bob"},
	)
	api := NewAPI(auth.NewJWTAuthenticator(testSecret, dir), dir, store, online, nil)
	mux := http.NewServeMux()
	api.Register(mux.Handle)
	return mux
}

func bearer(t *testing.T, userID string) string {
	t.Helper()
	token, err := auth.IssueToken(testSecret, userID, time.Hour)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	return "Bearer " + token
}

func do(mux http.Handler, target, authorization string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

// ---------------------------------------------------------------------------
// Test: History bootstrap returns participants and messages in order
// ---------------------------------------------------------------------------

func TestChat_ReturnsConversation(t *testing.T) {
	store := conversation.NewMemoryStore()
	ctx := context.Background()

	conv, err := store.FindOrCreateConversation(ctx, "bob", "alice")
	if err != nil {
		t.Fatalf("FindOrCreateConversation: %v", err)
	}
	for _, m := range []struct{ sender, text string }{{"alice", "hi"}, {"bob", "hey"}} {
		if _, err := store.AppendMessage(ctx, conv.ID, m.sender, m.text); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}

	mux := newTestMux(t, store, staticLister(nil))
	rec := do(mux, "/chat?otherUserId=bob", bearer(t, "alice"))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp conversationResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	c := resp.Conversation
	if c.ID != conv.ID {
		t.Errorf("expected conversation %s, got %s", conv.ID, c.ID)
	}
	if c.Participants.CurrentUser.ID != "alice" || c.Participants.OtherUser.ID != "bob" {
		t.Errorf("unexpected participants: %+v", c.Participants)
	}
	if c.Participants.CurrentUser.ProfilePicture != "https://img/alice.png" {
		t.Errorf("expected alice's avatar, got %q", c.Participants.CurrentUser.ProfilePicture)
	}
	if len(c.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(c.Messages))
	}
	if c.Messages[0].Message != "hi" || c.Messages[0].Sender.Name != "Alice" {
		t.Errorf("unexpected first message: %+v", c.Messages[0])
	}
	if c.Messages[1].Message != "hey" || c.Messages[1].Sender.Name != "Bob" {
		t.Errorf("unexpected second message: %+v", c.Messages[1])
	}
}

func TestChat_CreatesEmptyConversation(t *testing.T) {
	mux := newTestMux(t, conversation.NewMemoryStore(), staticLister(nil))

	first := do(mux, "/chat?otherUserId=bob", bearer(t, "alice"))
	second := do(mux, "/chat?otherUserId=alice", bearer(t, "bob"))
	if first.Code != http.StatusOK || second.Code != http.StatusOK {
		t.Fatalf("expected 200/200, got %d/%d", first.Code, second.Code)
	}

	var a, b map[string]map[string]interface{}
	_ = json.Unmarshal(first.Body.Bytes(), &a)
	_ = json.Unmarshal(second.Body.Bytes(), &b)
	if a["conversation"]["_id"] != b["conversation"]["_id"] {
		t.Errorf("both sides should see the same conversation: %v vs %v", a["conversation"]["_id"], b["conversation"]["_id"])
	}
	msgs, ok := a["conversation"]["messages"].([]interface{})
	if !ok || len(msgs) != 0 {
		t.Errorf("expected an empty messages array, got %v", a["conversation"]["messages"])
	}
}

func TestChat_RecordsActivePeer(t *testing.T) {
	dir := auth.NewMemoryDirectory(auth.Identity{ID: "alice"}, auth.Identity{ID: "bob"})
	peers := chat.NewActivePeers()
	api := NewAPI(auth.NewJWTAuthenticator(testSecret, dir), dir, conversation.NewMemoryStore(), staticLister(nil), peers)
	mux := http.NewServeMux()
	api.Register(mux.Handle)

	if rec := do(mux, "/chat?otherUserId=bob", bearer(t, "alice")); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if peer, ok := peers.Peer("alice"); !ok || peer != "bob" {
		t.Errorf("Peer(alice) = %q, %v; want bob", peer, ok)
	}

	// A failed request records nothing.
	if rec := do(mux, "/chat?otherUserId=ghost", bearer(t, "bob")); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if _, ok := peers.Peer("bob"); ok {
		t.Error("a failed fetch must not record a peer")
	}
}

func TestChat_LogsWithRequestContext(t *testing.T) {
	var buf bytes.Buffer
	logger.InitWriter(&buf, "info", "json")
	t.Cleanup(func() { logger.InitWriter(io.Discard, "info", "text") })

	mux := newTestMux(t, brokenStore{conversation.NewMemoryStore()}, staticLister(nil))
	if rec := do(mux, "/chat?otherUserId=bob", bearer(t, "alice")); rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}

	var line map[string]interface{}
	for _, raw := range bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n")) {
		var entry map[string]interface{}
		if json.Unmarshal(raw, &entry) == nil && entry["msg"] == "fetch conversation failed" {
			line = entry
		}
	}
	if line == nil {
		t.Fatalf("no error logged, got %q", buf.String())
	}
	if line["component"] != "httpapi" || line["path"] != "/chat" || line["method"] != http.MethodGet {
		t.Errorf("log line lacks request attributes: %v", line)
	}
	if line["other_user_id"] != "bob" {
		t.Errorf("expected other_user_id=bob, got %v", line["other_user_id"])
	}
}

// ---------------------------------------------------------------------------
// Test: Status codes
// ---------------------------------------------------------------------------

func TestChat_StatusCodes(t *testing.T) {
	cases := []struct {
		name   string
		target string
		user   string
		raw    string
		store  conversation.Store
		want   int
	}{
		{"missing token", "/chat?otherUserId=bob", "", "", nil, http.StatusUnauthorized},
		{"invalid token", "/chat?otherUserId=bob", "", "Bearer not-a-jwt", nil, http.StatusForbidden},
		{"unknown caller", "/chat?otherUserId=bob", "mallory", "", nil, http.StatusUnauthorized},
		{"missing otherUserId", "/chat", "alice", "", nil, http.StatusBadRequest},
		{"self", "/chat?otherUserId=alice", "alice", "", nil, http.StatusBadRequest},
		{"unknown other user", "/chat?otherUserId=nobody", "alice", "", nil, http.StatusNotFound},
		{"store failure", "/chat?otherUserId=bob", "alice", "", brokenStore{conversation.NewMemoryStore()}, http.StatusInternalServerError},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := tc.store
			if store == nil {
				store = conversation.NewMemoryStore()
			}
			mux := newTestMux(t, store, staticLister(nil))

			authorization := tc.raw
			if tc.user != "" {
				authorization = bearer(t, tc.user)
			}
			rec := do(mux, tc.target, authorization)
			if rec.Code != tc.want {
				t.Fatalf("expected %d, got %d: %s", tc.want, rec.Code, rec.Body.String())
			}

			var body errorResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil || body.Message == "" {
				t.Errorf("expected a JSON error message, got %q", rec.Body.String())
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Test: Online list
// ---------------------------------------------------------------------------

func TestOnline(t *testing.T) {
	cases := []struct {
		name   string
		lister staticLister
		want   string
	}{
		{"some users", staticLister{"alice", "bob"}, `{"onlineUsers":["alice","bob"]}`},
		{"nobody", nil, `{"onlineUsers":[]}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			mux := newTestMux(t, conversation.NewMemoryStore(), tc.lister)
			rec := do(mux, "/online", bearer(t, "alice"))
			if rec.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d", rec.Code)
			}
			var got interface{}
			_ = json.Unmarshal(rec.Body.Bytes(), &got)
			if gb, _ := json.Marshal(got); string(gb) != tc.want {
				t.Errorf("expected %s, got %s", tc.want, gb)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Test: CORS
// ---------------------------------------------------------------------------

func TestCORS(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	h := CORS([]string{"http://localhost:5173/"})(ok)

	cases := []struct {
		name       string
		method     string
		origin     string
		preflight  bool
		wantStatus int
		wantAllow  string
	}{
		{"allowed origin", http.MethodGet, "http://localhost:5173", false, http.StatusTeapot, "http://localhost:5173"},
		{"foreign origin", http.MethodGet, "https://evil.example", false, http.StatusTeapot, ""},
		{"preflight", http.MethodOptions, "http://localhost:5173", true, http.StatusNoContent, "http://localhost:5173"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(tc.method, "/chat", nil)
			req.Header.Set("Origin", tc.origin)
			if tc.preflight {
				req.Header.Set("Access-Control-Request-Method", http.MethodGet)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if rec.Code != tc.wantStatus {
				t.Errorf("expected status %d, got %d", tc.wantStatus, rec.Code)
			}
			if got := rec.Header().Get("Access-Control-Allow-Origin"); got != tc.wantAllow {
				t.Errorf("expected allow-origin %q, got %q", tc.wantAllow, got)
			}
		})
	}
}
