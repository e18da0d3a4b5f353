package wire

import (
	"bytes"
	"io"

	"github.com/jaywantadh/ByteSwarm/internal/transfer"
)

// ProtocolName is the protocol string carried in every handshake.
const ProtocolName = "BitTorrent protocol"

// HandshakeLen is the exact size of a handshake frame.
const HandshakeLen = 1 + len(ProtocolName) + 8 + 20 + 20

// Handshake is the first frame in each direction.
type Handshake struct {
	Reserved    [8]byte
	ContentHash [20]byte
	PeerID      [20]byte
}

// EncodeHandshake serializes h into its fixed 68 byte form.
func EncodeHandshake(h Handshake) []byte {
	buf := make([]byte, 0, HandshakeLen)
	buf = append(buf, byte(len(ProtocolName)))
	buf = append(buf, ProtocolName...)
	buf = append(buf, h.Reserved[:]...)
	buf = append(buf, h.ContentHash[:]...)
	buf = append(buf, h.PeerID[:]...)
	return buf
}

// DecodeHandshake parses a complete handshake frame.
func DecodeHandshake(b []byte) (Handshake, error) {
	var h Handshake
	if len(b) != HandshakeLen {
		return h, handshakeErr("frame is %d bytes, want %d", len(b), HandshakeLen)
	}
	if int(b[0]) != len(ProtocolName) {
		return h, handshakeErr("protocol length %d, want %d", b[0], len(ProtocolName))
	}
	pstrEnd := 1 + len(ProtocolName)
	if !bytes.Equal(b[1:pstrEnd], []byte(ProtocolName)) {
		return h, handshakeErr("unexpected protocol %q", b[1:pstrEnd])
	}
	copy(h.Reserved[:], b[pstrEnd:pstrEnd+8])
	copy(h.ContentHash[:], b[pstrEnd+8:pstrEnd+28])
	copy(h.PeerID[:], b[pstrEnd+28:])
	return h, nil
}

// ReadHandshake reads exactly one handshake frame from r. I/O errors are
// returned unwrapped so the caller can tell timeouts from resets.
func ReadHandshake(r io.Reader) (Handshake, error) {
	buf := make([]byte, HandshakeLen)
	if _, err := io.ReadFull(r, buf[:1]); err != nil {
		return Handshake{}, err
	}
	if int(buf[0]) != len(ProtocolName) {
		return Handshake{}, handshakeErr("protocol length %d, want %d", buf[0], len(ProtocolName))
	}
	if _, err := io.ReadFull(r, buf[1:]); err != nil {
		return Handshake{}, err
	}
	return DecodeHandshake(buf)
}

// Verify checks the remote handshake against the expected content hash and,
// when peerID is non-nil, the expected peer id.
func (h Handshake) Verify(contentHash [20]byte, peerID *[20]byte) error {
	if h.ContentHash != contentHash {
		return handshakeErr("content hash mismatch: got %x, want %x", h.ContentHash, contentHash)
	}
	if peerID != nil && h.PeerID != *peerID {
		return handshakeErr("peer id mismatch: got %x, want %x", h.PeerID, *peerID)
	}
	return nil
}

func handshakeErr(format string, args ...any) error {
	return transfer.NewError(transfer.KindHandshake, "", nil, format, args...)
}
