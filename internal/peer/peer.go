package peer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jaywantadh/ByteSwarm/internal/manifest"
	"github.com/jaywantadh/ByteSwarm/internal/transfer"
)

// PeerNode is the registry's view of one candidate peer.
type PeerNode struct {
	Peer        manifest.Peer
	Attempts    int
	Failures    int
	LastErr     error
	LastSeen    time.Time
	NextAttempt time.Time
	Alive       bool
	Retired     bool
}

// RetryPolicy decides whether a failed peer may be tried again.
type RetryPolicy struct {
	// MaxReconnects is how many further attempts a peer gets after a
	// connect or timeout failure. Zero means never retry.
	MaxReconnects int
	// Backoff is multiplied by the attempt count to get the retry delay.
	Backoff time.Duration
}

// PeerRegistry tracks every candidate peer of a run.
type PeerRegistry struct {
	mu    sync.RWMutex
	peers map[string]*PeerNode
	order []string
}

func NewPeerRegistry() *PeerRegistry {
	return &PeerRegistry{
		peers: make(map[string]*PeerNode),
	}
}

// AddPeer registers a peer; duplicates by address are ignored.
func (pr *PeerRegistry) AddPeer(p manifest.Peer) {
	pr.mu.Lock()
	defer pr.mu.Unlock()

	key := p.String()
	if _, exists := pr.peers[key]; exists {
		return
	}
	pr.peers[key] = &PeerNode{Peer: p}
	pr.order = append(pr.order, key)
}

// Peers returns a snapshot of every node.
func (pr *PeerRegistry) Peers() map[string]PeerNode {
	pr.mu.RLock()
	defer pr.mu.RUnlock()

	out := make(map[string]PeerNode, len(pr.peers))
	for key, node := range pr.peers {
		out[key] = *node
	}
	return out
}

// Acquire returns the next peer that may be connected now and marks it alive.
// Peers are handed out in insertion order.
func (pr *PeerRegistry) Acquire(now time.Time) (manifest.Peer, bool) {
	pr.mu.Lock()
	defer pr.mu.Unlock()

	for _, key := range pr.order {
		node := pr.peers[key]
		if node.Alive || node.Retired || node.NextAttempt.After(now) {
			continue
		}
		node.Alive = true
		node.Attempts++
		return node.Peer, true
	}
	return manifest.Peer{}, false
}

// MarkSeen records a successful handshake.
func (pr *PeerRegistry) MarkSeen(key string, now time.Time) {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	if node, ok := pr.peers[key]; ok {
		node.LastSeen = now
	}
}

// Release records the end of a session and decides whether the peer can be
// tried again. It reports whether the peer was retired.
func (pr *PeerRegistry) Release(key string, err error, policy RetryPolicy, now time.Time) bool {
	pr.mu.Lock()
	defer pr.mu.Unlock()

	node, ok := pr.peers[key]
	if !ok {
		return true
	}
	node.Alive = false
	node.LastErr = err
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		node.Retired = true
		return true
	}
	node.Failures++

	switch transfer.KindOf(err) {
	case transfer.KindConnect, transfer.KindTimeout:
		if node.Attempts <= policy.MaxReconnects {
			node.NextAttempt = now.Add(policy.Backoff * time.Duration(node.Attempts))
			return false
		}
	}
	node.Retired = true
	return true
}

// Retire permanently excludes a peer.
func (pr *PeerRegistry) Retire(key string) {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	if node, ok := pr.peers[key]; ok {
		node.Retired = true
	}
}

// Active counts peers with a session in flight.
func (pr *PeerRegistry) Active() int {
	pr.mu.RLock()
	defer pr.mu.RUnlock()
	n := 0
	for _, node := range pr.peers {
		if node.Alive {
			n++
		}
	}
	return n
}

// Exhausted reports that no session is in flight and no peer can ever be
// acquired again.
func (pr *PeerRegistry) Exhausted() bool {
	pr.mu.RLock()
	defer pr.mu.RUnlock()
	for _, node := range pr.peers {
		if node.Alive || !node.Retired {
			return false
		}
	}
	return true
}
