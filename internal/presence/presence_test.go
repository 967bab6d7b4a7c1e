package presence

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/forkful/realtime/internal/protocol"
)

// fakeTransport records every frame written per connection.
type fakeTransport struct {
	mu     sync.Mutex
	frames map[string][][]byte
	broken map[string]bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{frames: make(map[string][][]byte), broken: make(map[string]bool)}
}

func (f *fakeTransport) SendMessage(connID string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.broken[connID] {
		return errors.New("broken pipe")
	}
	f.frames[connID] = append(f.frames[connID], data)
	return nil
}

func (f *fakeTransport) last(connID string) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	frames := f.frames[connID]
	if len(frames) == 0 {
		return nil
	}
	return frames[len(frames)-1]
}

func (f *fakeTransport) count(connID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames[connID])
}

// fakeRelay records forwarded frames.
type fakeRelay struct {
	mu    sync.Mutex
	users []string
}

func (r *fakeRelay) Forward(userID string, _ []byte) error {
	r.mu.Lock()
	r.users = append(r.users, userID)
	r.mu.Unlock()
	return nil
}

func decodeOnline(t *testing.T, frame []byte) []string {
	t.Helper()
	var env struct {
		Event string   `json:"event"`
		Data  []string `json:"data"`
	}
	if err := json.Unmarshal(frame, &env); err != nil {
		t.Fatalf("failed to decode frame %s: %v", frame, err)
	}
	if env.Event != protocol.EventOnlineUsers {
		t.Fatalf("expected %q event, got %q", protocol.EventOnlineUsers, env.Event)
	}
	return env.Data
}

// ---------------------------------------------------------------------------
// Registry
// ---------------------------------------------------------------------------

func TestRegistry_RegisterIsIdempotent(t *testing.T) {
	r := NewRegistry()
	var changes int
	r.OnChange(func(string, bool) { changes++ })

	if !r.Register("alice", "c1") {
		t.Error("expected first Register to report online transition")
	}
	if r.Register("alice", "c1") {
		t.Error("expected duplicate Register to be a no-op")
	}
	if changes != 1 {
		t.Errorf("expected 1 change notification, got %d", changes)
	}
	if got := len(r.ConnectionsOf("alice")); got != 1 {
		t.Errorf("expected 1 connection, got %d", got)
	}
}

func TestRegistry_UnregisterUnknownIsNoop(t *testing.T) {
	r := NewRegistry()
	r.OnChange(func(string, bool) { t.Error("unexpected change notification") })

	userID, offline := r.Unregister("missing")
	if userID != "" || offline {
		t.Errorf("expected no-op, got user=%q offline=%v", userID, offline)
	}
}

func TestRegistry_TwoTabs(t *testing.T) {
	r := NewRegistry()

	type change struct {
		user   string
		online bool
	}
	var changes []change
	r.OnChange(func(u string, online bool) { changes = append(changes, change{u, online}) })

	r.Register("alice", "tab1")
	r.Register("alice", "tab2")
	if !r.IsOnline("alice") {
		t.Fatal("expected alice online")
	}

	if _, offline := r.Unregister("tab1"); offline {
		t.Error("closing one of two tabs must not take the user offline")
	}
	if !r.IsOnline("alice") {
		t.Fatal("expected alice still online after closing one tab")
	}

	if _, offline := r.Unregister("tab2"); !offline {
		t.Error("closing the last tab must take the user offline")
	}
	if r.IsOnline("alice") {
		t.Fatal("expected alice offline")
	}

	want := []change{{"alice", true}, {"alice", false}}
	if len(changes) != len(want) {
		t.Fatalf("expected %v, got %v", want, changes)
	}
	for i := range want {
		if changes[i] != want[i] {
			t.Errorf("change %d = %v, want %v", i, changes[i], want[i])
		}
	}
}

func TestRegistry_ListOnlineSorted(t *testing.T) {
	r := NewRegistry()
	r.Register("carol", "c3")
	r.Register("alice", "c1")
	r.Register("bob", "c2")

	got := r.ListOnline()
	want := []string{"alice", "bob", "carol"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("ListOnline() = %v, want %v", got, want)
	}
	if r.Count() != 3 {
		t.Errorf("Count() = %d, want 3", r.Count())
	}
}

// TestRegistry_NetCount interleaves registers and unregisters from many
// goroutines and checks that a user is online exactly when their net count of
// connections is positive.
func TestRegistry_NetCount(t *testing.T) {
	r := NewRegistry()

	var (
		mu      sync.Mutex
		balance = map[string]int{}
	)
	r.OnChange(func(u string, online bool) {
		mu.Lock()
		if online {
			balance[u]++
		} else {
			balance[u]--
		}
		mu.Unlock()
	})

	const users = 5
	const connsPerUser = 40
	var wg sync.WaitGroup
	for u := 0; u < users; u++ {
		for c := 0; c < connsPerUser; c++ {
			wg.Add(1)
			go func(u, c int) {
				defer wg.Done()
				user := fmt.Sprintf("user%d", u)
				conn := fmt.Sprintf("%s-conn%d", user, c)
				r.Register(user, conn)
				// Odd connections disconnect again.
				if c%2 == 1 {
					r.Unregister(conn)
				}
			}(u, c)
		}
	}
	wg.Wait()

	for u := 0; u < users; u++ {
		user := fmt.Sprintf("user%d", u)
		if got := len(r.ConnectionsOf(user)); got != connsPerUser/2 {
			t.Errorf("%s: expected %d connections, got %d", user, connsPerUser/2, got)
		}
		if !r.IsOnline(user) {
			t.Errorf("%s: expected online", user)
		}
		if balance[user] != 1 {
			t.Errorf("%s: transitions out of balance: %d", user, balance[user])
		}
	}

	// Remove every remaining connection.
	for u := 0; u < users; u++ {
		for c := 0; c < connsPerUser; c += 2 {
			wg.Add(1)
			go func(u, c int) {
				defer wg.Done()
				r.Unregister(fmt.Sprintf("user%d-conn%d", u, c))
			}(u, c)
		}
	}
	wg.Wait()

	if r.Count() != 0 {
		t.Errorf("expected nobody online, got %v", r.ListOnline())
	}
	for user, b := range balance {
		if b != 0 {
			t.Errorf("%s: transitions out of balance after cleanup: %d", user, b)
		}
	}
}

// ---------------------------------------------------------------------------
// Fanout and Broadcaster
// ---------------------------------------------------------------------------

func TestFanout_SendToUser(t *testing.T) {
	r := NewRegistry()
	tr := newFakeTransport()
	relay := &fakeRelay{}
	f := NewFanout(r, tr)
	f.SetRelay(relay)

	r.Register("alice", "a1")
	r.Register("alice", "a2")
	r.Register("bob", "b1")
	tr.broken["a2"] = true

	if n := f.SendToUser("alice", []byte("hi")); n != 1 {
		t.Errorf("expected 1 local delivery, got %d", n)
	}
	if tr.count("a1") != 1 || tr.count("b1") != 0 {
		t.Errorf("unexpected deliveries: a1=%d b1=%d", tr.count("a1"), tr.count("b1"))
	}
	if len(relay.users) != 1 || relay.users[0] != "alice" {
		t.Errorf("expected relay forward for alice, got %v", relay.users)
	}

	// DeliverLocal never forwards.
	f.DeliverLocal("bob", []byte("x"))
	if len(relay.users) != 1 {
		t.Errorf("DeliverLocal forwarded: %v", relay.users)
	}
}

func TestBroadcaster_BroadcastsSnapshotOnTransition(t *testing.T) {
	r := NewRegistry()
	tr := newFakeTransport()
	b := NewBroadcaster(r, NewFanout(r, tr), nil)
	r.OnChange(b.OnConnectionChange)

	r.Register("alice", "a1")
	if got := decodeOnline(t, tr.last("a1")); fmt.Sprint(got) != "[alice]" {
		t.Errorf("a1 snapshot = %v", got)
	}

	r.Register("bob", "b1")
	for _, conn := range []string{"a1", "b1"} {
		if got := decodeOnline(t, tr.last(conn)); fmt.Sprint(got) != "[alice bob]" {
			t.Errorf("%s snapshot = %v", conn, got)
		}
	}

	// A second tab is not a transition: no new broadcast.
	before := tr.count("a1")
	r.Register("bob", "b2")
	if tr.count("a1") != before {
		t.Error("second tab triggered a broadcast")
	}

	r.Unregister("a1")
	if got := decodeOnline(t, tr.last("b1")); fmt.Sprint(got) != "[bob]" {
		t.Errorf("b1 snapshot after alice left = %v", got)
	}
}

func TestBroadcaster_SnapshotOnRequest(t *testing.T) {
	r := NewRegistry()
	tr := newFakeTransport()
	b := NewBroadcaster(r, NewFanout(r, tr), nil)

	r.Register("alice", "a1")
	r.Register("bob", "b1")

	if err := b.SnapshotOnRequest("new-conn"); err != nil {
		t.Fatalf("SnapshotOnRequest() error: %v", err)
	}
	if got := decodeOnline(t, tr.last("new-conn")); fmt.Sprint(got) != "[alice bob]" {
		t.Errorf("snapshot = %v", got)
	}
	if tr.count("a1") != 0 || tr.count("b1") != 0 {
		t.Error("snapshot on request leaked to other connections")
	}
}

func TestBroadcaster_EmptySnapshotIsArray(t *testing.T) {
	r := NewRegistry()
	tr := newFakeTransport()
	b := NewBroadcaster(r, NewFanout(r, tr), nil)

	if err := b.SnapshotOnRequest("c1"); err != nil {
		t.Fatalf("SnapshotOnRequest() error: %v", err)
	}
	if string(tr.last("c1")) != `{"event":"onlineUsers","data":[]}` {
		t.Errorf("unexpected frame: %s", tr.last("c1"))
	}
}

// stallingTransport blocks writes to one connection until released.
type stallingTransport struct {
	*fakeTransport
	slow    string
	release chan struct{}
}

func (s *stallingTransport) SendMessage(connID string, data []byte) error {
	if connID == s.slow {
		<-s.release
	}
	return s.fakeTransport.SendMessage(connID, data)
}

func TestBroadcaster_SlowPeerDoesNotBlockRegistry(t *testing.T) {
	r := NewRegistry()
	tr := &stallingTransport{fakeTransport: newFakeTransport(), slow: "slow", release: make(chan struct{})}
	b := NewBroadcaster(r, NewFanout(r, tr), nil)
	r.OnChange(b.OnConnectionChange)
	b.Start()
	defer b.Stop()
	var once sync.Once
	release := func() { once.Do(func() { close(tr.release) }) }
	defer release()

	r.Register("sloth", "slow")

	done := make(chan struct{})
	go func() {
		r.Register("alice", "a1")
		r.Register("bob", "b1")
		r.Unregister("a1")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("registry blocked behind a stalled broadcast")
	}

	release()
	converged := func(conn string) bool {
		frame := tr.last(conn)
		return frame != nil && fmt.Sprint(decodeOnline(t, frame)) == "[bob sloth]"
	}
	deadline := time.Now().Add(2 * time.Second)
	for !converged("b1") || !converged("slow") {
		if time.Now().After(deadline) {
			t.Fatalf("peers never converged: b1=%s slow=%s", tr.last("b1"), tr.last("slow"))
		}
		time.Sleep(10 * time.Millisecond)
	}
}
