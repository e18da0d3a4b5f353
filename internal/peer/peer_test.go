package peer

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jaywantadh/ByteSwarm/internal/manifest"
	"github.com/jaywantadh/ByteSwarm/internal/transfer"
)

func mustPeers(t *testing.T, addrs ...string) []manifest.Peer {
	t.Helper()
	peers, err := manifest.ParsePeers(addrs)
	require.NoError(t, err)
	return peers
}

func TestRegistryAcquireInOrder(t *testing.T) {
	pr := NewPeerRegistry()
	for _, p := range mustPeers(t, "10.0.0.1:1", "10.0.0.2:2", "10.0.0.1:1") {
		pr.AddPeer(p)
	}
	assert.Len(t, pr.Peers(), 2)

	now := time.Now()
	p1, ok := pr.Acquire(now)
	require.True(t, ok)
	assert.Equal(t, "10.0.0.1:1", p1.String())
	p2, ok := pr.Acquire(now)
	require.True(t, ok)
	assert.Equal(t, "10.0.0.2:2", p2.String())
	_, ok = pr.Acquire(now)
	assert.False(t, ok)
	assert.Equal(t, 2, pr.Active())
	assert.False(t, pr.Exhausted())
}

func TestRegistryReleasePolicy(t *testing.T) {
	now := time.Now()
	connectErr := transfer.NewError(transfer.KindConnect, "x", nil, "refused")
	cases := []struct {
		name    string
		err     error
		policy  RetryPolicy
		retired bool
	}{
		{"connect without retries", connectErr, RetryPolicy{}, true},
		{"connect with retries", connectErr, RetryPolicy{MaxReconnects: 1, Backoff: time.Second}, false},
		{"timeout with retries", transfer.NewError(transfer.KindTimeout, "x", nil, "stall"), RetryPolicy{MaxReconnects: 2}, false},
		{"handshake never retried", transfer.NewError(transfer.KindHandshake, "x", nil, "hash"), RetryPolicy{MaxReconnects: 5}, true},
		{"protocol never retried", fmt.Errorf("wrapped: %w", transfer.NewError(transfer.KindProtocol, "x", nil, "bad")), RetryPolicy{MaxReconnects: 5}, true},
		{"banned never retried", transfer.NewError(transfer.KindHashVerification, "x", nil, "banned"), RetryPolicy{MaxReconnects: 5}, true},
		{"clean exit", nil, RetryPolicy{MaxReconnects: 5}, true},
		{"cancelled", context.Canceled, RetryPolicy{MaxReconnects: 5}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			pr := NewPeerRegistry()
			p := mustPeers(t, "10.0.0.9:9")[0]
			pr.AddPeer(p)
			_, ok := pr.Acquire(now)
			require.True(t, ok)

			retired := pr.Release(p.String(), tc.err, tc.policy, now)
			assert.Equal(t, tc.retired, retired)
			assert.Equal(t, tc.retired, pr.Exhausted())
			assert.Zero(t, pr.Active())
		})
	}
}

func TestRegistryBackoff(t *testing.T) {
	pr := NewPeerRegistry()
	p := mustPeers(t, "10.0.0.3:3")[0]
	pr.AddPeer(p)
	policy := RetryPolicy{MaxReconnects: 2, Backoff: time.Second}
	stall := transfer.NewError(transfer.KindTimeout, p.String(), nil, "stall")

	now := time.Now()
	_, ok := pr.Acquire(now)
	require.True(t, ok)
	assert.False(t, pr.Release(p.String(), stall, policy, now))

	_, ok = pr.Acquire(now)
	assert.False(t, ok, "backing off")
	assert.Zero(t, pr.Due(now))
	assert.Equal(t, 1, pr.Due(now.Add(time.Second)))

	_, ok = pr.Acquire(now.Add(time.Second))
	require.True(t, ok)
	assert.False(t, pr.Release(p.String(), stall, policy, now.Add(time.Second)))

	later := now.Add(3 * time.Second)
	_, ok = pr.Acquire(later)
	require.True(t, ok)
	assert.True(t, pr.Release(p.String(), stall, policy, later), "third failure exceeds two reconnects")

	node := pr.Peers()[p.String()]
	assert.Equal(t, 3, node.Attempts)
	assert.Equal(t, 3, node.Failures)
	assert.ErrorIs(t, node.LastErr, transfer.ErrTimeout)
	assert.True(t, pr.Exhausted())
}

func TestRegistryMarkSeenAndRetire(t *testing.T) {
	pr := NewPeerRegistry()
	p := mustPeers(t, "10.0.0.4:4")[0]
	pr.AddPeer(p)
	now := time.Now()
	pr.MarkSeen(p.String(), now)
	assert.Equal(t, now, pr.Peers()[p.String()].LastSeen)

	pr.Retire(p.String())
	_, ok := pr.Acquire(now)
	assert.False(t, ok)
	assert.True(t, pr.Exhausted())
}

func TestMonitorTicks(t *testing.T) {
	pr := NewPeerRegistry()
	pr.AddPeer(mustPeers(t, "10.0.0.5:5")[0])
	_, ok := pr.Acquire(time.Now())
	require.True(t, ok)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ticks := pr.StartMonitor(ctx, 10*time.Millisecond)

	select {
	case tick := <-ticks:
		assert.Equal(t, 1, tick.Active)
		assert.False(t, tick.At.IsZero())
	case <-time.After(2 * time.Second):
		t.Fatal("no tick from monitor")
	}
}
