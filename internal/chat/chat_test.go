package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/forkful/realtime/internal/auth"
	"github.com/forkful/realtime/internal/conversation"
	"github.com/forkful/realtime/internal/protocol"
)

// recorder is a Deliverer that keeps every frame per user. Users listed in
// offline have no connections.
type recorder struct {
	mu      sync.Mutex
	frames  map[string][][]byte
	offline map[string]bool
}

func newRecorder() *recorder {
	return &recorder{frames: make(map[string][][]byte), offline: make(map[string]bool)}
}

func (r *recorder) SendToUser(userID string, frame []byte) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.offline[userID] {
		return 0
	}
	r.frames[userID] = append(r.frames[userID], frame)
	return 1
}

func (r *recorder) events(userID string) []protocol.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]protocol.Envelope, 0, len(r.frames[userID]))
	for _, f := range r.frames[userID] {
		var env protocol.Envelope
		_ = json.Unmarshal(f, &env)
		out = append(out, env)
	}
	return out
}

// failingStore fails every append.
type failingStore struct {
	*conversation.MemoryStore
	appends int
}

func (s *failingStore) AppendMessage(context.Context, string, string, string) (*conversation.Message, error) {
	s.appends++
	return nil, errors.New("disk full")
}

var (
	alice = auth.Identity{ID: "alice", Name: "Alice", AvatarURL: "https://img/alice.png"}
	bob   = auth.Identity{ID: "bob", Name: "Bob"}
)

// ---------------------------------------------------------------------------
// Validation
// ---------------------------------------------------------------------------

func TestValidateMessage(t *testing.T) {
	cases := []struct {
		name    string
		text    string
		wantErr bool
	}{
		{"plain", "hello", false},
		{"surrounding spaces kept", "  hi  ", false},
		{"empty", "", true},
		{"whitespace only", " \t\n ", true},
		{"too many bytes", strings.Repeat("a", MaxMessageBytes+1), true},
		{"too many chars", strings.Repeat("é", MaxTextChars+1), true},
		{"invalid utf8", "bad \xff byte", true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateMessage(tc.text)
			if tc.wantErr {
				if !errors.Is(err, ErrInvalidMessage) {
					t.Fatalf("expected ErrInvalidMessage, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestKeyedMutex_ForgetsReleasedKeys(t *testing.T) {
	k := newKeyedMutex()
	unlock := k.Lock("a:b")
	if k.size() != 1 {
		t.Fatalf("expected 1 held key, got %d", k.size())
	}
	unlock()
	if k.size() != 0 {
		t.Errorf("expected released key to be dropped, got %d", k.size())
	}
}

// ---------------------------------------------------------------------------
// Router
// ---------------------------------------------------------------------------

func TestRouter_SendDeliversToBothSides(t *testing.T) {
	store := conversation.NewMemoryStore()
	rec := newRecorder()
	router := NewRouter(store, rec)

	msg, err := router.SendMessage(context.Background(), alice, "bob", "hello")
	if err != nil {
		t.Fatalf("SendMessage() error: %v", err)
	}

	bobEvents := rec.events("bob")
	if len(bobEvents) != 1 || bobEvents[0].Event != protocol.EventReceiveMessage {
		t.Fatalf("bob events = %+v", bobEvents)
	}
	aliceEvents := rec.events("alice")
	if len(aliceEvents) != 1 || aliceEvents[0].Event != protocol.EventMessageSent {
		t.Fatalf("alice events = %+v", aliceEvents)
	}

	var received, echoed protocol.MessagePayload
	_ = json.Unmarshal(bobEvents[0].Data, &received)
	_ = json.Unmarshal(aliceEvents[0].Data, &echoed)
	if received.ID != msg.ID || echoed.ID != msg.ID {
		t.Errorf("message identity differs: received=%q echoed=%q stored=%q", received.ID, echoed.ID, msg.ID)
	}
	if received.Sender.ID != "alice" || received.Sender.Name != "Alice" || received.Sender.ProfilePicture != "https://img/alice.png" {
		t.Errorf("unexpected sender summary: %+v", received.Sender)
	}
	if received.Message != "hello" {
		t.Errorf("unexpected text %q", received.Message)
	}
}

func TestRouter_OfflineRecipientStillPersisted(t *testing.T) {
	store := conversation.NewMemoryStore()
	rec := newRecorder()
	rec.offline["bob"] = true
	router := NewRouter(store, rec)

	if _, err := router.SendMessage(context.Background(), alice, "bob", "hello"); err != nil {
		t.Fatalf("SendMessage() error: %v", err)
	}
	if events := rec.events("alice"); len(events) != 1 || events[0].Event != protocol.EventMessageSent {
		t.Fatalf("expected messageSent echo, got %+v", events)
	}

	// Bob connects later and pulls the history.
	conv, err := store.FetchConversation(context.Background(), "bob", "alice")
	if err != nil {
		t.Fatalf("FetchConversation() error: %v", err)
	}
	if len(conv.Messages) != 1 || conv.Messages[0].Text != "hello" {
		t.Fatalf("expected persisted hello, got %+v", conv.Messages)
	}
}

func TestRouter_InvalidMessageHasNoEffect(t *testing.T) {
	cases := []struct {
		name      string
		recipient string
		text      string
	}{
		{"empty text", "bob", ""},
		{"whitespace text", "bob", "   "},
		{"no recipient", "", "hi"},
		{"self", "alice", "hi"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := conversation.NewMemoryStore()
			rec := newRecorder()
			router := NewRouter(store, rec)

			_, err := router.SendMessage(context.Background(), alice, tc.recipient, tc.text)
			if !errors.Is(err, ErrInvalidMessage) {
				t.Fatalf("expected ErrInvalidMessage, got %v", err)
			}
			if len(rec.events("alice")) != 0 || len(rec.events("bob")) != 0 {
				t.Error("invalid message was delivered")
			}
			conv, _ := store.FetchConversation(context.Background(), "alice", "bob")
			if len(conv.Messages) != 0 {
				t.Errorf("invalid message was persisted: %+v", conv.Messages)
			}
		})
	}
}

func TestRouter_PersistenceFailure(t *testing.T) {
	store := &failingStore{MemoryStore: conversation.NewMemoryStore()}
	rec := newRecorder()
	router := NewRouter(store, rec)

	_, err := router.SendMessage(context.Background(), alice, "bob", "hello")
	if !errors.Is(err, ErrDeliveryFailed) {
		t.Fatalf("expected ErrDeliveryFailed, got %v", err)
	}
	if store.appends != 1 {
		t.Errorf("expected 1 append attempt, got %d", store.appends)
	}
	if len(rec.events("bob")) != 0 || len(rec.events("alice")) != 0 {
		t.Error("failed message was delivered")
	}
}

func TestRouter_ConcurrentSendsKeepOrder(t *testing.T) {
	store := conversation.NewMemoryStore()
	rec := newRecorder()
	router := NewRouter(store, rec)

	const perSender = 50
	var wg sync.WaitGroup
	for _, pair := range []struct {
		from auth.Identity
		to   string
	}{{alice, "bob"}, {bob, "alice"}} {
		wg.Add(1)
		go func(from auth.Identity, to string) {
			defer wg.Done()
			for i := 0; i < perSender; i++ {
				if _, err := router.SendMessage(context.Background(), from, to, fmt.Sprintf("%s-%02d", from.ID, i)); err != nil {
					t.Errorf("SendMessage() error: %v", err)
					return
				}
			}
		}(pair.from, pair.to)
	}
	wg.Wait()

	conv, _ := store.FetchConversation(context.Background(), "alice", "bob")
	if len(conv.Messages) != 2*perSender {
		t.Fatalf("expected %d messages, got %d", 2*perSender, len(conv.Messages))
	}

	next := map[string]int{}
	for _, m := range conv.Messages {
		want := fmt.Sprintf("%s-%02d", m.SenderID, next[m.SenderID])
		if m.Text != want {
			t.Fatalf("seq %d: got %q, want %q", m.Seq, m.Text, want)
		}
		next[m.SenderID]++
	}

	// Bob saw the messages addressed to him and his own echoes in stored order.
	var seqs []int64
	for _, env := range rec.events("bob") {
		var p protocol.MessagePayload
		_ = json.Unmarshal(env.Data, &p)
		seqs = append(seqs, p.Seq)
	}
	for i := 1; i < len(seqs); i++ {
		if seqs[i] <= seqs[i-1] {
			t.Fatalf("bob observed seq %d after %d", seqs[i], seqs[i-1])
		}
	}
}

// ---------------------------------------------------------------------------
// Typing
// ---------------------------------------------------------------------------

func typingStates(t *testing.T, rec *recorder, userID string) []bool {
	t.Helper()
	var states []bool
	for _, env := range rec.events(userID) {
		if env.Event != protocol.EventUserTyping {
			continue
		}
		var p protocol.TypingPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			t.Fatalf("bad typing payload: %v", err)
		}
		states = append(states, p.IsTyping)
	}
	return states
}

func TestTyping_ExpiresWithoutClear(t *testing.T) {
	rec := newRecorder()
	tc := NewTypingCoordinator(rec, 50*time.Millisecond)
	defer tc.Stop()
	pair := conversation.NewPair("alice", "bob")

	tc.SetTyping(pair, "alice")
	if got := typingStates(t, rec, "bob"); fmt.Sprint(got) != "[true]" {
		t.Fatalf("expected [true], got %v", got)
	}

	time.Sleep(120 * time.Millisecond)

	if got := typingStates(t, rec, "bob"); fmt.Sprint(got) != "[true false]" {
		t.Fatalf("expected [true false] after timeout, got %v", got)
	}
	if tc.IsTyping(pair, "alice") {
		t.Error("signal still active after timeout")
	}
	if len(rec.events("alice")) != 0 {
		t.Error("typing relayed to the typist")
	}
}

func TestTyping_ResetDoesNotStack(t *testing.T) {
	rec := newRecorder()
	tc := NewTypingCoordinator(rec, 80*time.Millisecond)
	defer tc.Stop()
	pair := conversation.NewPair("alice", "bob")

	// Keep refreshing for longer than one timeout.
	for i := 0; i < 5; i++ {
		tc.SetTyping(pair, "alice")
		time.Sleep(30 * time.Millisecond)
	}
	if got := typingStates(t, rec, "bob"); fmt.Sprint(got) != "[true]" {
		t.Fatalf("expected a single start while refreshing, got %v", got)
	}

	time.Sleep(150 * time.Millisecond)
	if got := typingStates(t, rec, "bob"); fmt.Sprint(got) != "[true false]" {
		t.Fatalf("expected exactly one stop, got %v", got)
	}
}

func TestTyping_ExplicitClear(t *testing.T) {
	rec := newRecorder()
	tc := NewTypingCoordinator(rec, time.Second)
	defer tc.Stop()
	pair := conversation.NewPair("bob", "alice")

	tc.ClearTyping(pair, "alice") // inactive: no relay
	tc.SetTyping(pair, "alice")
	tc.ClearTyping(pair, "alice")
	tc.ClearTyping(pair, "alice")

	if got := typingStates(t, rec, "bob"); fmt.Sprint(got) != "[true false]" {
		t.Fatalf("expected [true false], got %v", got)
	}
}

func TestTyping_ClearUser(t *testing.T) {
	rec := newRecorder()
	tc := NewTypingCoordinator(rec, time.Second)
	defer tc.Stop()

	tc.SetTyping(conversation.NewPair("alice", "bob"), "alice")
	tc.SetTyping(conversation.NewPair("alice", "carol"), "alice")
	tc.SetTyping(conversation.NewPair("bob", "carol"), "bob")

	tc.ClearUser("alice")

	if got := typingStates(t, rec, "bob"); fmt.Sprint(got) != "[true false]" {
		t.Errorf("bob saw %v", got)
	}
	if got := typingStates(t, rec, "carol"); fmt.Sprint(got) != "[true true false]" {
		t.Errorf("carol saw %v", got)
	}
	if !tc.IsTyping(conversation.NewPair("bob", "carol"), "bob") {
		t.Error("ClearUser cleared another user's signal")
	}
}

func TestTyping_NonParticipantIgnored(t *testing.T) {
	rec := newRecorder()
	tc := NewTypingCoordinator(rec, time.Second)
	defer tc.Stop()

	tc.SetTyping(conversation.NewPair("alice", "bob"), "mallory")
	if len(rec.events("alice"))+len(rec.events("bob")) != 0 {
		t.Error("typing from a non-participant was relayed")
	}
}

func TestActivePeers(t *testing.T) {
	p := NewActivePeers()

	if _, ok := p.Peer("alice"); ok {
		t.Fatal("expected no peer before any conversation")
	}

	p.Touch("alice", "bob")
	p.Touch("alice", "alice")
	p.Touch("", "bob")
	if peer, ok := p.Peer("alice"); !ok || peer != "bob" {
		t.Errorf("Peer(alice) = %q, %v; want bob", peer, ok)
	}

	p.Touch("alice", "carol")
	if peer, _ := p.Peer("alice"); peer != "carol" {
		t.Errorf("Peer(alice) = %q; want the latest peer carol", peer)
	}
	if _, ok := p.Peer("bob"); ok {
		t.Error("Touch must not record the reverse direction")
	}
}
