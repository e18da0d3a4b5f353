package transfer

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a transfer failure.
type Kind int

const (
	KindConnect Kind = iota + 1
	KindHandshake
	KindProtocol
	KindTimeout
	KindHashVerification
	KindWrite
	KindNoUsablePeers
)

func (k Kind) String() string {
	switch k {
	case KindConnect:
		return "connect"
	case KindHandshake:
		return "handshake"
	case KindProtocol:
		return "protocol"
	case KindTimeout:
		return "timeout"
	case KindHashVerification:
		return "hash verification"
	case KindWrite:
		return "write"
	case KindNoUsablePeers:
		return "no usable peers"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Fatal reports whether a failure of this kind ends the whole run rather
// than a single peer session.
func (k Kind) Fatal() bool {
	return k == KindWrite || k == KindNoUsablePeers
}

// Sentinels for errors.Is. Any *Error matches the sentinel of its Kind.
var (
	ErrConnect          = &Error{Kind: KindConnect, Piece: -1}
	ErrHandshake        = &Error{Kind: KindHandshake, Piece: -1}
	ErrProtocol         = &Error{Kind: KindProtocol, Piece: -1}
	ErrTimeout          = &Error{Kind: KindTimeout, Piece: -1}
	ErrHashVerification = &Error{Kind: KindHashVerification, Piece: -1}
	ErrWrite            = &Error{Kind: KindWrite, Piece: -1}
	ErrNoUsablePeers    = &Error{Kind: KindNoUsablePeers, Piece: -1}
)

// Error carries the failure kind plus the peer and piece it concerns.
// Piece is -1 when no piece is involved.
type Error struct {
	Kind  Kind
	Peer  string
	Piece int
	Msg   string
	Err   error
}

// NewError builds an *Error with no piece attached.
func NewError(kind Kind, peer string, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Peer: peer, Piece: -1, Msg: fmt.Sprintf(format, args...), Err: err}
}

// PieceError builds an *Error for a specific piece.
func PieceError(kind Kind, peer string, piece uint32, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Peer: peer, Piece: int(piece), Msg: fmt.Sprintf(format, args...), Err: err}
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	b.WriteString(" error")
	if e.Peer != "" {
		b.WriteString(" peer=")
		b.WriteString(e.Peer)
	}
	if e.Piece >= 0 {
		fmt.Fprintf(&b, " piece=%d", e.Piece)
	}
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the Kind of the first *Error in err's chain, or 0.
func KindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return 0
}
