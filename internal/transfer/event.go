package transfer

import "time"

// EventType names a progress notification emitted during a run.
type EventType string

const (
	EventPeerConnected EventType = "peer_connected"
	EventPeerDropped   EventType = "peer_dropped"
	EventPieceVerified EventType = "piece_verified"
	EventPieceRejected EventType = "piece_rejected"
	EventPieceRestored EventType = "piece_restored"
)

// Event is delivered synchronously to the run's event handler.
type Event struct {
	Type    EventType
	RunID   string
	Peer    string
	Session string
	Piece   int
	Bytes   int64
	Err     error
	At      time.Time
}

// EventHandler consumes events. It must not block for long.
type EventHandler func(Event)
