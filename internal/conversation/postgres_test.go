package conversation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

// newTestPostgresStore connects to TEST_DATABASE_URL. The schema must already
// be migrated (go run ./cmd/migrate up).
func newTestPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Skipf("postgres not available: %v", err)
	}
	if err := db.PingContext(context.Background()); err != nil {
		db.Close()
		t.Skipf("postgres not available: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewPostgresStore(db)
}

// testUsers returns two user ids unique to this run.
func testUsers() (string, string) {
	suffix := uuid.New().String()[:8]
	return "test_a_" + suffix, "test_b_" + suffix
}

func TestPostgresStore_FindOrCreate(t *testing.T) {
	store := newTestPostgresStore(t)
	ctx := context.Background()
	a, b := testUsers()

	c1, err := store.FindOrCreateConversation(ctx, b, a)
	if err != nil {
		t.Fatalf("FindOrCreateConversation() error: %v", err)
	}
	c2, err := store.FindOrCreateConversation(ctx, a, b)
	if err != nil {
		t.Fatalf("FindOrCreateConversation() error: %v", err)
	}
	if c1.ID != c2.ID {
		t.Errorf("expected one conversation, got %q and %q", c1.ID, c2.ID)
	}
	if c1.ParticipantA != a || c1.ParticipantB != b {
		t.Errorf("participants not canonical: %q, %q", c1.ParticipantA, c1.ParticipantB)
	}
}

func TestPostgresStore_AppendAndFetch(t *testing.T) {
	store := newTestPostgresStore(t)
	ctx := context.Background()
	a, b := testUsers()

	conv, err := store.FindOrCreateConversation(ctx, a, b)
	if err != nil {
		t.Fatalf("FindOrCreateConversation() error: %v", err)
	}

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := store.AppendMessage(ctx, conv.ID, a, fmt.Sprintf("m%d", i)); err != nil {
				t.Errorf("AppendMessage() error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	got, err := store.FetchConversation(ctx, b, a)
	if err != nil {
		t.Fatalf("FetchConversation() error: %v", err)
	}
	if len(got.Messages) != n {
		t.Fatalf("expected %d messages, got %d", n, len(got.Messages))
	}
	for i, m := range got.Messages {
		if m.Seq != int64(i+1) {
			t.Errorf("message %d: seq = %d, want %d", i, m.Seq, i+1)
		}
		if i > 0 && !m.CreatedAt.After(got.Messages[i-1].CreatedAt) {
			t.Errorf("message %d: createdAt not strictly increasing", i)
		}
	}
}

func TestPostgresStore_AppendUnknownConversation(t *testing.T) {
	store := newTestPostgresStore(t)

	_, err := store.AppendMessage(context.Background(), uuid.New().String(), "test_x", "hi")
	if !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("expected ErrConversationNotFound, got %v", err)
	}
}

func TestPostgresStore_AppendRejectsOutsider(t *testing.T) {
	store := newTestPostgresStore(t)
	ctx := context.Background()
	a, b := testUsers()

	conv, err := store.FindOrCreateConversation(ctx, a, b)
	if err != nil {
		t.Fatalf("FindOrCreateConversation() error: %v", err)
	}
	if _, err := store.AppendMessage(ctx, conv.ID, "test_outsider", "hi"); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("expected ErrNotParticipant, got %v", err)
	}

	// The rolled back bump leaves the next message at seq 1.
	msg, err := store.AppendMessage(ctx, conv.ID, a, "first")
	if err != nil {
		t.Fatalf("AppendMessage() error: %v", err)
	}
	if msg.Seq != 1 {
		t.Errorf("seq = %d, want 1", msg.Seq)
	}
}
