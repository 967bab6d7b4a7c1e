package session

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// newTestStore creates a Store on a local Redis with a unique server name and
// removes its keys afterwards. Tests that call this helper require a running
// Redis on localhost:6379.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	store := NewStoreWithClient(client, "test_"+uuid.New().String()[:8])
	t.Cleanup(func() {
		_, _ = store.PurgeServer(ctx)
		client.Close()
	})
	return store
}

func testUser() string {
	return "test_user_" + uuid.New().String()[:8]
}

func isOnline(t *testing.T, store *Store, userID string) bool {
	t.Helper()
	users, err := store.OnlineUsers(context.Background())
	if err != nil {
		t.Fatalf("OnlineUsers() error: %v", err)
	}
	return slices.Contains(users, userID)
}

func TestCreateAndDelete_TwoConnections(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	user := testUser()

	if n, err := store.Create(ctx, "c1-"+user, user); err != nil || n != 1 {
		t.Fatalf("Create() = %d, %v; want 1, nil", n, err)
	}
	if n, err := store.Create(ctx, "c2-"+user, user); err != nil || n != 2 {
		t.Fatalf("Create() = %d, %v; want 2, nil", n, err)
	}

	if !isOnline(t, store, user) {
		t.Fatal("user not online after Create")
	}

	if n, _ := store.Delete(ctx, "c1-"+user, user); n != 1 {
		t.Errorf("Delete() left %d connections, want 1", n)
	}
	if !isOnline(t, store, user) {
		t.Error("user went offline with one connection left")
	}

	if n, _ := store.Delete(ctx, "c2-"+user, user); n != 0 {
		t.Errorf("Delete() left %d connections, want 0", n)
	}
	if isOnline(t, store, user) {
		t.Error("user still online after last connection closed")
	}
}

func TestRefreshTTL(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	user := testUser()
	connID := "c-" + user
	key := SessionPrefix + connID

	if _, err := store.Create(ctx, connID, user); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	fields, err := store.Client().HGetAll(ctx, key).Result()
	if err != nil {
		t.Fatalf("HGetAll() error: %v", err)
	}
	if fields["user_id"] != user || fields["server"] != store.serverName {
		t.Fatalf("unexpected record: %v", fields)
	}

	// Simulate a connection that has been open for most of the TTL.
	if err := store.Client().Expire(ctx, key, 5*time.Second).Err(); err != nil {
		t.Fatalf("Expire() error: %v", err)
	}
	if err := store.RefreshTTL(ctx, connID); err != nil {
		t.Fatalf("RefreshTTL() error: %v", err)
	}
	if ttl := store.Client().TTL(ctx, key).Val(); ttl < SessionTTL-time.Minute {
		t.Errorf("TTL after refresh = %v, want about %v", ttl, SessionTTL)
	}

	if _, err := store.Delete(ctx, connID, user); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if err := store.RefreshTTL(ctx, connID); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("RefreshTTL(deleted) = %v, want ErrSessionNotFound", err)
	}
	if n := store.Client().Exists(ctx, key).Val(); n != 0 {
		t.Error("refresh recreated a deleted record")
	}
}

func TestPurgeServer(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	userA, userB := testUser(), testUser()

	_, _ = store.Create(ctx, "a1-"+userA, userA)
	_, _ = store.Create(ctx, "b1-"+userB, userB)

	n, err := store.PurgeServer(ctx)
	if err != nil {
		t.Fatalf("PurgeServer() error: %v", err)
	}
	if n != 2 {
		t.Errorf("PurgeServer() removed %d records, want 2", n)
	}
	for _, u := range []string{userA, userB} {
		if isOnline(t, store, u) {
			t.Errorf("%s still online after purge", u)
		}
	}
}

type staticLister []string

func (s staticLister) OnlineUsers(context.Context) []string { return s }

func TestClusterView_FallsBackOnError(t *testing.T) {
	// Nothing listens on this port.
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1})
	defer client.Close()

	view := NewClusterView(NewStoreWithClient(client, "test"), staticLister{"alice"})

	got := view.OnlineUsers(context.Background())
	if len(got) != 1 || got[0] != "alice" {
		t.Errorf("OnlineUsers() = %v, want local view", got)
	}
}
