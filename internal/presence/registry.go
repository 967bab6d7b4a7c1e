// Package presence tracks which users are online and fans frames out to their
// connections. A user is online while at least one of their connections is
// registered; only the transitions (first connection added, last connection
// removed) are reported to the change callback.
package presence

import (
	"context"
	"sort"
	"sync"
)

// ChangeFunc is invoked synchronously on every online/offline transition,
// with the registry's notify lock held. It must not block on network I/O.
type ChangeFunc func(userID string, online bool)

// Registry is the per-instance connection registry. It is goroutine-safe.
type Registry struct {
	// notifyMu serialises mutation plus notification so transitions reach
	// the callback in the order they happened.
	notifyMu sync.Mutex

	mu     sync.RWMutex
	byUser map[string]map[string]struct{} // user_id -> set of conn ids
	byConn map[string]string              // conn_id -> user_id

	onChange ChangeFunc
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		byUser: make(map[string]map[string]struct{}),
		byConn: make(map[string]string),
	}
}

// OnChange sets the transition callback. It must be called before the
// registry is used concurrently.
func (r *Registry) OnChange(fn ChangeFunc) {
	r.onChange = fn
}

// Register binds connID to userID. Registering a connection id that is
// already known is a no-op. It reports whether the user just came online.
func (r *Registry) Register(userID, connID string) bool {
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()

	r.mu.Lock()
	if _, ok := r.byConn[connID]; ok {
		r.mu.Unlock()
		return false
	}
	conns, ok := r.byUser[userID]
	if !ok {
		conns = make(map[string]struct{})
		r.byUser[userID] = conns
	}
	conns[connID] = struct{}{}
	r.byConn[connID] = userID
	cameOnline := len(conns) == 1
	r.mu.Unlock()

	if cameOnline && r.onChange != nil {
		r.onChange(userID, true)
	}
	return cameOnline
}

// Unregister removes connID. Unknown ids are a no-op. It returns the owning
// user and whether that user just went offline.
func (r *Registry) Unregister(connID string) (userID string, wentOffline bool) {
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()

	r.mu.Lock()
	userID, ok := r.byConn[connID]
	if !ok {
		r.mu.Unlock()
		return "", false
	}
	delete(r.byConn, connID)
	conns := r.byUser[userID]
	delete(conns, connID)
	if len(conns) == 0 {
		delete(r.byUser, userID)
		wentOffline = true
	}
	r.mu.Unlock()

	if wentOffline && r.onChange != nil {
		r.onChange(userID, false)
	}
	return userID, wentOffline
}

// IsOnline reports whether userID has at least one registered connection.
func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	_, ok := r.byUser[userID]
	r.mu.RUnlock()
	return ok
}

// ListOnline returns the online user ids in sorted order.
func (r *Registry) ListOnline() []string {
	r.mu.RLock()
	users := make([]string, 0, len(r.byUser))
	for id := range r.byUser {
		users = append(users, id)
	}
	r.mu.RUnlock()
	sort.Strings(users)
	return users
}

// OnlineUsers implements OnlineLister with the local view.
func (r *Registry) OnlineUsers(context.Context) []string {
	return r.ListOnline()
}

// ConnectionsOf returns the connection ids registered for userID.
func (r *Registry) ConnectionsOf(userID string) []string {
	r.mu.RLock()
	conns := make([]string, 0, len(r.byUser[userID]))
	for id := range r.byUser[userID] {
		conns = append(conns, id)
	}
	r.mu.RUnlock()
	return conns
}

// AllConnections returns every registered connection id.
func (r *Registry) AllConnections() []string {
	r.mu.RLock()
	conns := make([]string, 0, len(r.byConn))
	for id := range r.byConn {
		conns = append(conns, id)
	}
	r.mu.RUnlock()
	return conns
}

// UserOf returns the user owning connID.
func (r *Registry) UserOf(connID string) (string, bool) {
	r.mu.RLock()
	userID, ok := r.byConn[connID]
	r.mu.RUnlock()
	return userID, ok
}

// Count returns the number of online users.
func (r *Registry) Count() int {
	r.mu.RLock()
	n := len(r.byUser)
	r.mu.RUnlock()
	return n
}
