// Package wire implements the peer-wire framing: a fixed 68 byte handshake
// followed by length-prefixed messages.
package wire

import (
	"encoding/binary"
	"fmt"
)

// MessageID is the one-byte type tag that follows the length prefix.
type MessageID uint8

const (
	MsgChoke         MessageID = 0
	MsgUnchoke       MessageID = 1
	MsgInterested    MessageID = 2
	MsgNotInterested MessageID = 3
	MsgHave          MessageID = 4
	MsgBitfield      MessageID = 5
	MsgRequest       MessageID = 6
	MsgBlock         MessageID = 7
	MsgCancel        MessageID = 8
	MsgPort          MessageID = 9

	// MsgKeepAlive is not sent on the wire; a zero length frame carries it.
	MsgKeepAlive MessageID = 0xFF
)

const lengthPrefix = 4

func (id MessageID) String() string {
	switch id {
	case MsgChoke:
		return "choke"
	case MsgUnchoke:
		return "unchoke"
	case MsgInterested:
		return "interested"
	case MsgNotInterested:
		return "not_interested"
	case MsgHave:
		return "have"
	case MsgBitfield:
		return "bitfield"
	case MsgRequest:
		return "request"
	case MsgBlock:
		return "block"
	case MsgCancel:
		return "cancel"
	case MsgPort:
		return "port"
	case MsgKeepAlive:
		return "keep_alive"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(id))
	}
}

// Message is any frame other than the handshake.
type Message interface {
	ID() MessageID
	payloadLen() int
	putPayload(b []byte)
}

type (
	KeepAlive     struct{}
	Choke         struct{}
	Unchoke       struct{}
	Interested    struct{}
	NotInterested struct{}
)

type Have struct {
	Index uint32
}

// Bitfield holds the raw MSB-first bits; see bitfield.go for conversions.
type Bitfield struct {
	Bits []byte
}

type Request struct {
	Index  uint32
	Begin  uint32
	Length uint32
}

// Block carries piece data; it is the "piece" message of the protocol.
type Block struct {
	Index uint32
	Begin uint32
	Data  []byte
}

type Cancel struct {
	Index  uint32
	Begin  uint32
	Length uint32
}

type Port struct {
	Port uint16
}

func (KeepAlive) ID() MessageID     { return MsgKeepAlive }
func (Choke) ID() MessageID         { return MsgChoke }
func (Unchoke) ID() MessageID       { return MsgUnchoke }
func (Interested) ID() MessageID    { return MsgInterested }
func (NotInterested) ID() MessageID { return MsgNotInterested }
func (Have) ID() MessageID          { return MsgHave }
func (Bitfield) ID() MessageID      { return MsgBitfield }
func (Request) ID() MessageID       { return MsgRequest }
func (Block) ID() MessageID         { return MsgBlock }
func (Cancel) ID() MessageID        { return MsgCancel }
func (Port) ID() MessageID          { return MsgPort }

func (KeepAlive) payloadLen() int     { return 0 }
func (Choke) payloadLen() int         { return 0 }
func (Unchoke) payloadLen() int       { return 0 }
func (Interested) payloadLen() int    { return 0 }
func (NotInterested) payloadLen() int { return 0 }
func (Have) payloadLen() int          { return 4 }
func (m Bitfield) payloadLen() int    { return len(m.Bits) }
func (Request) payloadLen() int       { return 12 }
func (m Block) payloadLen() int       { return 8 + len(m.Data) }
func (Cancel) payloadLen() int        { return 12 }
func (Port) payloadLen() int          { return 2 }

func (KeepAlive) putPayload([]byte)     {}
func (Choke) putPayload([]byte)         {}
func (Unchoke) putPayload([]byte)       {}
func (Interested) putPayload([]byte)    {}
func (NotInterested) putPayload([]byte) {}

func (m Have) putPayload(b []byte)     { binary.BigEndian.PutUint32(b, m.Index) }
func (m Bitfield) putPayload(b []byte) { copy(b, m.Bits) }
func (m Port) putPayload(b []byte)     { binary.BigEndian.PutUint16(b, m.Port) }

func (m Request) putPayload(b []byte) {
	putTriple(b, m.Index, m.Begin, m.Length)
}

func (m Cancel) putPayload(b []byte) {
	putTriple(b, m.Index, m.Begin, m.Length)
}

func (m Block) putPayload(b []byte) {
	binary.BigEndian.PutUint32(b[0:4], m.Index)
	binary.BigEndian.PutUint32(b[4:8], m.Begin)
	copy(b[8:], m.Data)
}

func putTriple(b []byte, index, begin, length uint32) {
	binary.BigEndian.PutUint32(b[0:4], index)
	binary.BigEndian.PutUint32(b[4:8], begin)
	binary.BigEndian.PutUint32(b[8:12], length)
}

// Encode serializes m with its 4-byte big-endian length prefix.
func Encode(m Message) []byte {
	return AppendEncode(nil, m)
}

// AppendEncode appends the encoded frame to dst.
func AppendEncode(dst []byte, m Message) []byte {
	if m.ID() == MsgKeepAlive {
		return append(dst, 0, 0, 0, 0)
	}
	n := m.payloadLen()
	start := len(dst)
	dst = append(dst, make([]byte, lengthPrefix+1+n)...)
	frame := dst[start:]
	binary.BigEndian.PutUint32(frame[0:4], uint32(1+n))
	frame[4] = byte(m.ID())
	m.putPayload(frame[5:])
	return dst
}
