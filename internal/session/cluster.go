package session

import (
	"context"
	"log/slog"

	"github.com/forkful/realtime/internal/logger"
)

// LocalLister is the per-instance online view used when Redis fails.
type LocalLister interface {
	OnlineUsers(ctx context.Context) []string
}

// ClusterView lists online users from Redis and falls back to the local
// registry on error, so a Redis outage degrades the snapshot to this
// instance instead of emptying it.
type ClusterView struct {
	store    *Store
	fallback LocalLister
	log      *slog.Logger
}

// NewClusterView creates a ClusterView.
func NewClusterView(store *Store, fallback LocalLister) *ClusterView {
	return &ClusterView{store: store, fallback: fallback, log: logger.Component("session")}
}

// OnlineUsers returns the cluster-wide online set.
func (v *ClusterView) OnlineUsers(ctx context.Context) []string {
	users, err := v.store.OnlineUsers(ctx)
	if err != nil {
		v.log.Warn("cluster online users unavailable, using local view", "error", err)
		return v.fallback.OnlineUsers(ctx)
	}
	return users
}
