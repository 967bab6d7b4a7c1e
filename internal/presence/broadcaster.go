package presence

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/forkful/realtime/internal/logger"
	"github.com/forkful/realtime/internal/metrics"
	"github.com/forkful/realtime/internal/protocol"
)

// OnlineLister produces the online snapshot that is broadcast. The Registry
// gives the local view; the Redis session store gives the cluster view.
type OnlineLister interface {
	OnlineUsers(ctx context.Context) []string
}

// Announcer tells other instances that a user's presence changed.
type Announcer interface {
	AnnouncePresence(userID string, online bool) error
}

// Broadcaster pushes the full online snapshot to every live connection when
// a user comes online or goes offline.
//
// Until Start is called broadcasts run inline on the caller, which for
// OnConnectionChange is the registry with its notify lock held. After Start
// they run on one background goroutine; changes that arrive while a
// broadcast is in flight collapse into a single follow-up broadcast, which
// lists the users online when it runs, so peers still converge on the
// registry's state.
type Broadcaster struct {
	registry  *Registry
	fanout    *Fanout
	lister    OnlineLister
	announcer Announcer
	log       *slog.Logger

	kick     chan struct{}
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewBroadcaster creates a Broadcaster. A nil lister falls back to the
// registry.
func NewBroadcaster(registry *Registry, fanout *Fanout, lister OnlineLister) *Broadcaster {
	if lister == nil {
		lister = registry
	}
	return &Broadcaster{
		registry: registry,
		fanout:   fanout,
		lister:   lister,
		log:      logger.Component("presence"),
	}
}

// SetAnnouncer enables cross-instance presence announcements.
func (b *Broadcaster) SetAnnouncer(a Announcer) {
	b.announcer = a
}

// OnConnectionChange is the Registry change callback.
func (b *Broadcaster) OnConnectionChange(userID string, online bool) {
	metrics.OnlineUsers.Set(float64(b.registry.Count()))
	b.log.Info("presence changed", "user_id", userID, "online", online)

	if b.announcer != nil {
		if err := b.announcer.AnnouncePresence(userID, online); err != nil {
			b.log.Warn("presence announce failed", "user_id", userID, "error", err)
		}
	}
	b.Rebroadcast()
}

// Start moves broadcasts to a background goroutine. It must be called before
// the broadcaster is used concurrently, and at most once.
func (b *Broadcaster) Start() {
	b.kick = make(chan struct{}, 1)
	b.done = make(chan struct{})
	b.wg.Add(1)
	go b.run()
}

// Stop ends the background goroutine started by Start. A broadcast already
// running completes first.
func (b *Broadcaster) Stop() {
	if b.done == nil {
		return
	}
	b.stopOnce.Do(func() { close(b.done) })
	b.wg.Wait()
}

func (b *Broadcaster) run() {
	defer b.wg.Done()
	for {
		select {
		case <-b.done:
			return
		case <-b.kick:
			b.broadcast()
		}
	}
}

// Rebroadcast sends the current snapshot to every local connection. It is
// also called when another instance announces a presence change.
func (b *Broadcaster) Rebroadcast() {
	if b.kick != nil {
		select {
		case b.kick <- struct{}{}:
		default:
			// A broadcast is already pending and will read the newer state.
		}
		return
	}
	b.broadcast()
}

func (b *Broadcaster) broadcast() {
	frame, err := b.snapshotFrame()
	if err != nil {
		b.log.Error("failed to build online users frame", "error", err)
		return
	}
	n := b.fanout.SendToAll(frame)
	metrics.PresenceBroadcastsTotal.Inc()
	b.log.Debug("online users broadcast", "connections", n)
}

// SnapshotOnRequest sends the current snapshot to connID alone.
func (b *Broadcaster) SnapshotOnRequest(connID string) error {
	frame, err := b.snapshotFrame()
	if err != nil {
		return err
	}
	return b.fanout.SendToConn(connID, frame)
}

func (b *Broadcaster) snapshotFrame() ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	users := b.lister.OnlineUsers(ctx)
	if users == nil {
		users = []string{}
	}
	return protocol.NewServerMessage(protocol.EventOnlineUsers, users)
}
