package chat

import "sync"

// ActivePeers remembers, per user, the other participant of the
// conversation the user opened or wrote to last. Typing events from the web
// client carry no recipient and are relayed to that peer.
//
// Entries are kept when a user goes offline: the client fetches the history
// of the conversation it shows before or while its socket (re)connects.
type ActivePeers struct {
	mu    sync.Mutex
	peers map[string]string
}

// NewActivePeers creates an empty ActivePeers.
func NewActivePeers() *ActivePeers {
	return &ActivePeers{peers: make(map[string]string)}
}

// Touch records peerID as the current conversation partner of userID.
func (p *ActivePeers) Touch(userID, peerID string) {
	if userID == "" || peerID == "" || userID == peerID {
		return
	}
	p.mu.Lock()
	p.peers[userID] = peerID
	p.mu.Unlock()
}

// Peer returns the current conversation partner of userID.
func (p *ActivePeers) Peer(userID string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	peer, ok := p.peers[userID]
	return peer, ok
}
