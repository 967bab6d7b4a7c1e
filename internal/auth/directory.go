package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
)

// Directory is the read-only view of the user directory owned by the main
// application.
type Directory interface {
	Lookup(ctx context.Context, userID string) (Identity, error)
}

// PostgresDirectory reads profiles from the users table.
type PostgresDirectory struct {
	db *sql.DB
}

// NewPostgresDirectory creates a directory backed by db.
func NewPostgresDirectory(db *sql.DB) *PostgresDirectory {
	return &PostgresDirectory{db: db}
}

// Lookup returns the profile of userID or ErrUserNotFound.
func (d *PostgresDirectory) Lookup(ctx context.Context, userID string) (Identity, error) {
	const query = `SELECT id, name, profile_picture FROM users WHERE id = $1`

	var id Identity
	err := d.db.QueryRowContext(ctx, query, userID).Scan(&id.ID, &id.Name, &id.AvatarURL)
	if errors.Is(err, sql.ErrNoRows) {
		return Identity{}, ErrUserNotFound
	}
	if err != nil {
		return Identity{}, fmt.Errorf("auth: lookup user %s: %w", userID, err)
	}
	return id, nil
}

// MemoryDirectory is an in-process directory. With Open set, unknown ids
// resolve to a bare identity instead of ErrUserNotFound; that is what the
// server uses when no database is configured.
type MemoryDirectory struct {
	Open bool

	mu    sync.RWMutex
	users map[string]Identity
}

// NewMemoryDirectory creates a directory holding the given users.
func NewMemoryDirectory(users ...Identity) *MemoryDirectory {
	d := &MemoryDirectory{users: make(map[string]Identity, len(users))}
	for _, u := range users {
		d.users[u.ID] = u
	}
	return d
}

// Put adds or replaces a user.
func (d *MemoryDirectory) Put(id Identity) {
	d.mu.Lock()
	if d.users == nil {
		d.users = make(map[string]Identity)
	}
	d.users[id.ID] = id
	d.mu.Unlock()
}

// Lookup returns the stored profile of userID.
func (d *MemoryDirectory) Lookup(_ context.Context, userID string) (Identity, error) {
	d.mu.RLock()
	id, ok := d.users[userID]
	d.mu.RUnlock()
	if ok {
		return id, nil
	}
	if d.Open && userID != "" {
		return Identity{ID: userID, Name: userID}, nil
	}
	return Identity{}, ErrUserNotFound
}
