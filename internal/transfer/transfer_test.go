package transfer

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorIsMatchesKind(t *testing.T) {
	err := PieceError(KindHashVerification, "10.0.0.1:6881", 2, nil, "digest mismatch")
	wrapped := fmt.Errorf("session closed: %w", err)

	assert.ErrorIs(t, wrapped, ErrHashVerification)
	assert.NotErrorIs(t, wrapped, ErrProtocol)
	assert.Equal(t, KindHashVerification, KindOf(wrapped))
	assert.Equal(t, Kind(0), KindOf(io.EOF))

	var te *Error
	require.ErrorAs(t, wrapped, &te)
	assert.Equal(t, 2, te.Piece)
	assert.Equal(t, "10.0.0.1:6881", te.Peer)
}

func TestErrorUnwrap(t *testing.T) {
	err := NewError(KindConnect, "127.0.0.1:1", io.ErrUnexpectedEOF, "dial")
	assert.True(t, errors.Is(err, io.ErrUnexpectedEOF))
	assert.Equal(t, "connect error peer=127.0.0.1:1: dial: unexpected EOF", err.Error())
}

func TestKindFatal(t *testing.T) {
	assert.True(t, KindWrite.Fatal())
	assert.True(t, KindNoUsablePeers.Fatal())
	for _, k := range []Kind{KindConnect, KindHandshake, KindProtocol, KindTimeout, KindHashVerification} {
		assert.False(t, k.Fatal(), k.String())
	}
}

func TestProgressTracker(t *testing.T) {
	start := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	now := start
	pt := NewProgressTracker("movie.mkv", 4, 4*1024)
	pt.startTime = start
	pt.now = func() time.Time { return now }

	pt.Handle(Event{Type: EventPeerConnected, Peer: "a"})
	pt.Handle(Event{Type: EventPeerConnected, Peer: "b"})
	pt.Handle(Event{Type: EventPieceRestored, Piece: 0, Bytes: 1024})
	now = start.Add(2 * time.Second)
	pt.Handle(Event{Type: EventPieceVerified, Piece: 1, Bytes: 1024})
	pt.Handle(Event{Type: EventPieceRejected, Piece: 2, Peer: "b"})
	pt.Handle(Event{Type: EventPeerDropped, Peer: "b"})

	p := pt.GetProgress()
	assert.Equal(t, StatusInProgress, p.Status)
	assert.Equal(t, 2, p.PiecesVerified)
	assert.Equal(t, int64(2048), p.BytesVerified)
	assert.Equal(t, 1, p.ActivePeers)
	assert.Equal(t, 1, p.Rejected)
	assert.InDelta(t, 512.0, p.Speed, 0.001)
	assert.Equal(t, 4*time.Second, p.EstimatedTime)
	assert.InDelta(t, 50.0, p.Percent(), 0.001)

	line := p.String()
	assert.True(t, strings.HasPrefix(line, "movie.mkv [in_progress] 2/4 pieces (50.0%)"), line)
	assert.Contains(t, line, "rejected=1")

	pt.Finish(StatusCompleted)
	p = pt.GetProgress()
	assert.True(t, p.Status.Terminal())
	assert.Zero(t, p.ActivePeers)
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "45s", formatDuration(45*time.Second))
	assert.Equal(t, "3m", formatDuration(3*time.Minute))
	assert.Equal(t, "2h", formatDuration(2*time.Hour))
}
