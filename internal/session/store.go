package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// SessionPrefix is the Redis key prefix for connection hashes.
	SessionPrefix = "session:"

	// UserPrefix prefixes the per-user set of connection ids.
	UserPrefix = "presence:user:"

	// OnlineKey is the set of user ids online on any instance.
	OnlineKey = "presence:online"

	// ServerPrefix prefixes the per-instance hash of conn_id -> user_id,
	// used to purge the records of a crashed instance on restart.
	ServerPrefix = "presence:server:"

	// SessionTTL is the time-to-live for connection hashes in Redis.
	SessionTTL = 1 * time.Hour
)

// ErrSessionNotFound is returned by RefreshTTL when the connection record
// has expired or was deleted.
var ErrSessionNotFound = errors.New("session: not found")

// Store manages presence state in Redis. Each connection record is a hash
// with the fields id, user_id, server, connected_at and last_active.
type Store struct {
	client        *redis.Client
	serverName    string // identifier for this WS server instance
	createScript  *redis.Script
	deleteScript  *redis.Script
	refreshScript *redis.Script
}

// NewStore creates a new session store connected to Redis.
func NewStore(redisAddr string, serverName string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}

	return NewStoreWithClient(client, serverName), nil
}

// NewStoreWithClient creates a store over an existing client.
func NewStoreWithClient(client *redis.Client, serverName string) *Store {
	return &Store{
		client:       client,
		serverName:   serverName,
		createScript:  redis.NewScript(createSessionLua),
		deleteScript:  redis.NewScript(deleteSessionLua),
		refreshScript: redis.NewScript(refreshSessionLua),
	}
}

func (s *Store) keys(connID, userID string) []string {
	return []string{
		SessionPrefix + connID,
		UserPrefix + userID,
		OnlineKey,
		ServerPrefix + s.serverName,
	}
}

// Create records connID for userID and marks the user online. It returns
// the user's connection count across the cluster.
func (s *Store) Create(ctx context.Context, connID, userID string) (int64, error) {
	now := time.Now().Unix()
	n, err := s.createScript.Run(ctx, s.client, s.keys(connID, userID),
		connID, userID, s.serverName, now, int64(SessionTTL/time.Second),
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("session: create %s: %w", connID, err)
	}
	return n, nil
}

// Delete removes connID. When it was the user's last connection anywhere the
// user leaves the online set. It returns the remaining connection count.
func (s *Store) Delete(ctx context.Context, connID, userID string) (int64, error) {
	n, err := s.deleteScript.Run(ctx, s.client, s.keys(connID, userID), connID, userID).Int64()
	if err != nil {
		return 0, fmt.Errorf("session: delete %s: %w", connID, err)
	}
	return n, nil
}

// RefreshTTL extends the connection record's TTL and bumps last_active. A
// record that no longer exists is not recreated.
func (s *Store) RefreshTTL(ctx context.Context, connID string) error {
	n, err := s.refreshScript.Run(ctx, s.client, []string{SessionPrefix + connID},
		time.Now().Unix(), int64(SessionTTL/time.Second),
	).Int64()
	if err != nil {
		return fmt.Errorf("session: refresh %s: %w", connID, err)
	}
	if n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// OnlineUsers returns every user online on any instance, sorted.
func (s *Store) OnlineUsers(ctx context.Context) ([]string, error) {
	users, err := s.client.SMembers(ctx, OnlineKey).Result()
	if err != nil {
		return nil, fmt.Errorf("session: online users: %w", err)
	}
	sort.Strings(users)
	return users, nil
}

// PurgeServer deletes every record this instance left behind, e.g. after a
// crash. It returns the number of records removed.
func (s *Store) PurgeServer(ctx context.Context) (int, error) {
	conns, err := s.client.HGetAll(ctx, ServerPrefix+s.serverName).Result()
	if err != nil {
		return 0, fmt.Errorf("session: purge %s: %w", s.serverName, err)
	}
	for connID, userID := range conns {
		if _, err := s.Delete(ctx, connID, userID); err != nil {
			return 0, err
		}
	}
	return len(conns), nil
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages.
func (s *Store) Client() *redis.Client {
	return s.client
}

// createSessionLua writes the connection hash and adds the connection to the
// user, online and server indexes in one step.
// KEYS: session hash, user set, online set, server hash.
// ARGV: conn_id, user_id, server, now, ttl seconds.
const createSessionLua = `
redis.call('HSET', KEYS[1], 'id', ARGV[1], 'user_id', ARGV[2], 'server', ARGV[3],
    'connected_at', ARGV[4], 'last_active', ARGV[4])
redis.call('EXPIRE', KEYS[1], tonumber(ARGV[5]))
redis.call('SADD', KEYS[2], ARGV[1])
redis.call('SADD', KEYS[3], ARGV[2])
redis.call('HSET', KEYS[4], ARGV[1], ARGV[2])
return redis.call('SCARD', KEYS[2])
`

// deleteSessionLua is the inverse of createSessionLua. The user leaves the
// online set only when their connection set is empty.
// KEYS: as createSessionLua. ARGV: conn_id, user_id.
const deleteSessionLua = `
redis.call('DEL', KEYS[1])
redis.call('SREM', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[4], ARGV[1])
local left = redis.call('SCARD', KEYS[2])
if left == 0 then
    redis.call('SREM', KEYS[3], ARGV[2])
end
return left
`

// refreshSessionLua bumps last_active and the TTL of an existing record.
// KEYS: session hash. ARGV: now, ttl seconds.
const refreshSessionLua = `
if redis.call('EXISTS', KEYS[1]) == 0 then
    return 0
end
redis.call('HSET', KEYS[1], 'last_active', ARGV[1])
redis.call('EXPIRE', KEYS[1], tonumber(ARGV[2]))
return 1
`
