// Package main implements a standalone end-to-end check of a running
// realtime server. It walks the presence and messaging journeys: health,
// join and snapshot, two tabs, direct messages, offline delivery through the
// history endpoint, typing expiry, invalid input and rejected tokens.
//
// Usage:
//
//	go run ./cmd/e2etest/ [-url ws://localhost:8080/ws] [-api http://localhost:8080] [-secret ...]
//
// The server must accept the generated user ids: run it without
// DATABASE_URL, or with matching rows in the users table. Exit code 0 if all
// required scenarios pass, 1 if any fail.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/forkful/realtime/loadtest/client"
)

// ---------------------------------------------------------------------------
// Result tracking
// ---------------------------------------------------------------------------

type resultKind int

const (
	resultPass resultKind = iota
	resultFail
	resultInfo // optional / non-fatal
)

type scenarioResult struct {
	name   string
	kind   resultKind
	detail string
}

func (r scenarioResult) tag() string {
	switch r.kind {
	case resultPass:
		return "PASS"
	case resultFail:
		return "FAIL"
	default:
		return "INFO"
	}
}

// env is what every scenario needs to reach the server.
type env struct {
	wsURL   string
	apiBase string
	secret  string
	run     string // per-run suffix keeping user ids unique
}

func (e env) user(name string) string {
	return "e2e-" + name + "-" + e.run
}

func (e env) connect(ctx context.Context, userID string) (*client.Client, *inbox, error) {
	c, err := client.New(ctx, e.wsURL)
	if err != nil {
		return nil, nil, err
	}
	box := newInbox(c)
	token, err := client.Token(e.secret, userID, time.Hour)
	if err != nil {
		c.Close()
		return nil, nil, err
	}
	if err := c.Join(userID, token); err != nil {
		c.Close()
		return nil, nil, err
	}
	if err := c.WaitForJoin(ctx); err != nil {
		c.Close()
		return nil, nil, err
	}
	return c, box, nil
}

// ---------------------------------------------------------------------------
// Main
// ---------------------------------------------------------------------------

func main() {
	wsURL := flag.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	apiBase := flag.String("api", "http://localhost:8080", "HTTP API base URL")
	secret := flag.String("secret", "your-secret-key", "JWT secret shared with the server")
	timeout := flag.Duration("timeout", 60*time.Second, "Global test timeout")
	flag.Parse()

	fmt.Println("=== Realtime E2E Integration Test ===")
	fmt.Printf("Server: %s\n\n", *wsURL)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	e := env{wsURL: *wsURL, apiBase: *apiBase, secret: *secret, run: strconv.FormatInt(time.Now().UnixNano(), 36)}

	results := []scenarioResult{
		scenarioHealth(ctx, e),
		scenarioJoinSnapshot(ctx, e),
		scenarioTwoTabs(ctx, e),
		scenarioDirectMessage(ctx, e),
		scenarioOfflineDelivery(ctx, e),
		scenarioTypingExpiry(ctx, e),
		scenarioInvalidMessage(ctx, e),
		scenarioRejectedToken(ctx, e),
	}

	fmt.Println()
	passed, failed, info := 0, 0, 0
	for _, r := range results {
		fmt.Printf("[%s] %s", r.tag(), r.name)
		if r.detail != "" {
			fmt.Printf(" (%s)", r.detail)
		}
		fmt.Println()

		switch r.kind {
		case resultPass:
			passed++
		case resultFail:
			failed++
		case resultInfo:
			info++
		}
	}

	fmt.Printf("\n=== Results: %d/%d passed", passed, passed+failed)
	if info > 0 {
		fmt.Printf(", %d info", info)
	}
	fmt.Println(" ===")

	if failed > 0 {
		os.Exit(1)
	}
}

// ---------------------------------------------------------------------------
// Scenarios
// ---------------------------------------------------------------------------

func scenarioHealth(ctx context.Context, e env) scenarioResult {
	name := "Health and online endpoints"

	if _, err := httpGet(ctx, e.apiBase+"/health", ""); err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("/health: %v", err)}
	}

	token, _ := client.Token(e.secret, e.user("health"), time.Minute)
	body, err := httpGet(ctx, e.apiBase+"/online", token)
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("/online: %v", err)}
	}
	var resp struct {
		OnlineUsers []string `json:"onlineUsers"`
	}
	if err := json.Unmarshal(body, &resp); err != nil || resp.OnlineUsers == nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("/online: unexpected body %s", body)}
	}
	return scenarioResult{name, resultPass, fmt.Sprintf("%d users online", len(resp.OnlineUsers))}
}

func scenarioJoinSnapshot(ctx context.Context, e env) scenarioResult {
	name := "Join receives online snapshot"
	alice := e.user("alice")

	c, box, err := e.connect(ctx, alice)
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("connect: %v", err)}
	}
	defer c.Close()

	if _, err := box.expectOnline(ctx, alice, true); err != nil {
		return scenarioResult{name, resultFail, err.Error()}
	}
	return scenarioResult{name, resultPass, fmt.Sprintf("join latency %s", c.GetMetrics().JoinLatency.Round(time.Millisecond))}
}

func scenarioTwoTabs(ctx context.Context, e env) scenarioResult {
	name := "Two tabs, one presence"
	alice, bob := e.user("tabs-alice"), e.user("tabs-bob")

	observer, box, err := e.connect(ctx, bob)
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("connect bob: %v", err)}
	}
	defer observer.Close()

	tab1, _, err := e.connect(ctx, alice)
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("connect tab 1: %v", err)}
	}
	defer tab1.Close()
	tab2, _, err := e.connect(ctx, alice)
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("connect tab 2: %v", err)}
	}
	defer tab2.Close()

	if _, err := box.expectOnline(ctx, alice, true); err != nil {
		return scenarioResult{name, resultFail, err.Error()}
	}

	tab1.Close()
	if users, ok := box.lastOnlineWithin(ctx, time.Second); ok && !slices.Contains(users, alice) {
		return scenarioResult{name, resultFail, "alice went offline while a tab was still open"}
	}

	tab2.Close()
	if _, err := box.expectOnline(ctx, alice, false); err != nil {
		return scenarioResult{name, resultFail, err.Error()}
	}
	return scenarioResult{name, resultPass, ""}
}

func scenarioDirectMessage(ctx context.Context, e env) scenarioResult {
	name := "Direct message reaches both sides"
	alice, bob := e.user("dm-alice"), e.user("dm-bob")

	ca, boxA, err := e.connect(ctx, alice)
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("connect alice: %v", err)}
	}
	defer ca.Close()
	cb, boxB, err := e.connect(ctx, bob)
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("connect bob: %v", err)}
	}
	defer cb.Close()

	if err := ca.SendMessage(bob, "hello bob"); err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("send: %v", err)}
	}

	var got, echo client.Message
	if err := boxB.expect(ctx, client.EventReceiveMessage, 5*time.Second, &got); err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("bob: %v", err)}
	}
	if err := boxA.expect(ctx, client.EventMessageSent, 5*time.Second, &echo); err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("alice: %v", err)}
	}
	if got.ID == "" || got.ID != echo.ID || got.Message != "hello bob" || got.Sender.ID != alice {
		return scenarioResult{name, resultFail, fmt.Sprintf("mismatched payloads: %+v / %+v", got, echo)}
	}
	return scenarioResult{name, resultPass, "message " + truncateID(got.ID)}
}

func scenarioOfflineDelivery(ctx context.Context, e env) scenarioResult {
	name := "Offline recipient pulls history"
	alice, carol := e.user("off-alice"), e.user("off-carol")

	ca, boxA, err := e.connect(ctx, alice)
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("connect alice: %v", err)}
	}
	defer ca.Close()

	if err := ca.SendMessage(carol, "are you there?"); err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("send: %v", err)}
	}
	var echo client.Message
	if err := boxA.expect(ctx, client.EventMessageSent, 5*time.Second, &echo); err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("alice: %v", err)}
	}

	token, _ := client.Token(e.secret, carol, time.Minute)
	body, err := httpGet(ctx, e.apiBase+"/chat?otherUserId="+url.QueryEscape(alice), token)
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("/chat: %v", err)}
	}
	var resp struct {
		Conversation struct {
			ID       string           `json:"_id"`
			Messages []client.Message `json:"messages"`
		} `json:"conversation"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("/chat: %v", err)}
	}
	msgs := resp.Conversation.Messages
	if resp.Conversation.ID != echo.ConversationID || len(msgs) != 1 || msgs[0].ID != echo.ID {
		return scenarioResult{name, resultFail, fmt.Sprintf("unexpected history: %s", body)}
	}
	return scenarioResult{name, resultPass, ""}
}

func scenarioTypingExpiry(ctx context.Context, e env) scenarioResult {
	name := "Typing indicator expires"
	alice, bob := e.user("typing-alice"), e.user("typing-bob")

	ca, _, err := e.connect(ctx, alice)
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("connect alice: %v", err)}
	}
	defer ca.Close()
	cb, boxB, err := e.connect(ctx, bob)
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("connect bob: %v", err)}
	}
	defer cb.Close()

	start := time.Now()
	if err := ca.Typing(bob, true); err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("typing: %v", err)}
	}

	var t client.Typing
	if err := boxB.expect(ctx, client.EventUserTyping, 2*time.Second, &t); err != nil || !t.IsTyping {
		return scenarioResult{name, resultFail, fmt.Sprintf("expected isTyping=true: %v %+v", err, t)}
	}
	if err := boxB.expect(ctx, client.EventUserTyping, 5*time.Second, &t); err != nil || t.IsTyping {
		return scenarioResult{name, resultFail, fmt.Sprintf("expected isTyping=false: %v %+v", err, t)}
	}
	return scenarioResult{name, resultPass, fmt.Sprintf("cleared after %s", time.Since(start).Round(100*time.Millisecond))}
}

func scenarioInvalidMessage(ctx context.Context, e env) scenarioResult {
	name := "Blank message is rejected"
	alice, bob := e.user("inv-alice"), e.user("inv-bob")

	ca, boxA, err := e.connect(ctx, alice)
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("connect alice: %v", err)}
	}
	defer ca.Close()

	if err := ca.SendMessage(bob, "   "); err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("send: %v", err)}
	}
	var desc string
	if err := boxA.expect(ctx, client.EventError, 5*time.Second, &desc); err != nil {
		return scenarioResult{name, resultFail, err.Error()}
	}
	if !strings.HasPrefix(desc, "invalid message") {
		return scenarioResult{name, resultFail, fmt.Sprintf("unexpected error %q", desc)}
	}
	return scenarioResult{name, resultPass, desc}
}

func scenarioRejectedToken(ctx context.Context, e env) scenarioResult {
	name := "Forged token is rejected"

	c, err := client.New(ctx, e.wsURL)
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("dial: %v", err)}
	}
	defer c.Close()

	forged, _ := client.Token("not-the-secret", e.user("mallory"), time.Minute)
	if err := c.Join(e.user("mallory"), forged); err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("join: %v", err)}
	}

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := c.WaitForJoin(waitCtx); err == nil {
		return scenarioResult{name, resultFail, "forged token was accepted"}
	}
	if got := c.LastError(); got != "authentication failed" {
		return scenarioResult{name, resultFail, fmt.Sprintf("unexpected error %q", got)}
	}
	return scenarioResult{name, resultPass, ""}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// inbox buffers the events received by one client.
type inbox struct {
	events map[string]chan json.RawMessage
}

func newInbox(c *client.Client) *inbox {
	b := &inbox{events: make(map[string]chan json.RawMessage)}
	for _, ev := range []string{
		client.EventOnlineUsers, client.EventReceiveMessage, client.EventMessageSent,
		client.EventUserTyping, client.EventError,
	} {
		ch := make(chan json.RawMessage, 64)
		b.events[ev] = ch
		c.On(ev, func(raw json.RawMessage) {
			select {
			case ch <- raw:
			default:
			}
		})
	}
	return b
}

// expect waits for the next event and decodes its data into v.
func (b *inbox) expect(ctx context.Context, event string, timeout time.Duration, v interface{}) error {
	select {
	case raw := <-b.events[event]:
		return json.Unmarshal(raw, v)
	case <-time.After(timeout):
		return fmt.Errorf("timeout waiting for %s", event)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// expectOnline waits for a snapshot in which userID's presence is online.
func (b *inbox) expectOnline(ctx context.Context, userID string, online bool) ([]string, error) {
	deadline := time.After(5 * time.Second)
	for {
		select {
		case raw := <-b.events[client.EventOnlineUsers]:
			var users []string
			if err := json.Unmarshal(raw, &users); err != nil {
				return nil, err
			}
			if slices.Contains(users, userID) == online {
				return users, nil
			}
		case <-deadline:
			return nil, fmt.Errorf("timeout waiting for %s online=%v", userID, online)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// lastOnlineWithin returns the newest snapshot received within d, if any.
func (b *inbox) lastOnlineWithin(ctx context.Context, d time.Duration) ([]string, bool) {
	var (
		last []string
		ok   bool
	)
	timer := time.NewTimer(d)
	defer timer.Stop()
	for {
		select {
		case raw := <-b.events[client.EventOnlineUsers]:
			if json.Unmarshal(raw, &last) == nil {
				ok = true
			}
		case <-timer.C:
			return last, ok
		case <-ctx.Done():
			return last, ok
		}
	}
}

// httpGet performs an authenticated GET and returns the body of a 200
// response.
func httpGet(ctx context.Context, target, token string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", target, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: status %d: %s", target, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}

// truncateID returns the first 8 characters of an ID for display purposes.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
