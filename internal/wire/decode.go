package wire

import (
	"encoding/binary"
	"io"

	"github.com/jaywantadh/ByteSwarm/internal/transfer"
)

// DefaultMaxFrame bounds a frame when the caller has no better limit:
// one 16 KiB block plus its header, with headroom.
const DefaultMaxFrame = 1 << 17

// Decode parses one frame from the front of buf. It returns the message and
// the number of bytes consumed. When buf holds only part of a frame it
// returns (nil, 0, nil) and the caller should retry with more bytes.
func Decode(buf []byte, maxFrame uint32) (Message, int, error) {
	if len(buf) < lengthPrefix {
		return nil, 0, nil
	}
	length := binary.BigEndian.Uint32(buf[:lengthPrefix])
	if length == 0 {
		return KeepAlive{}, lengthPrefix, nil
	}
	if length > maxFrame {
		return nil, 0, protocolErr("frame length %d exceeds limit %d", length, maxFrame)
	}
	total := lengthPrefix + int(length)
	if len(buf) < total {
		return nil, 0, nil
	}

	id := MessageID(buf[lengthPrefix])
	payload := buf[lengthPrefix+1 : total]
	msg, err := decodePayload(id, payload)
	if err != nil {
		return nil, 0, err
	}
	return msg, total, nil
}

func decodePayload(id MessageID, p []byte) (Message, error) {
	switch id {
	case MsgChoke, MsgUnchoke, MsgInterested, MsgNotInterested:
		if len(p) != 0 {
			return nil, payloadErr(id, len(p), 0)
		}
		switch id {
		case MsgChoke:
			return Choke{}, nil
		case MsgUnchoke:
			return Unchoke{}, nil
		case MsgInterested:
			return Interested{}, nil
		default:
			return NotInterested{}, nil
		}
	case MsgHave:
		if len(p) != 4 {
			return nil, payloadErr(id, len(p), 4)
		}
		return Have{Index: binary.BigEndian.Uint32(p)}, nil
	case MsgBitfield:
		return Bitfield{Bits: append([]byte(nil), p...)}, nil
	case MsgRequest, MsgCancel:
		if len(p) != 12 {
			return nil, payloadErr(id, len(p), 12)
		}
		index := binary.BigEndian.Uint32(p[0:4])
		begin := binary.BigEndian.Uint32(p[4:8])
		length := binary.BigEndian.Uint32(p[8:12])
		if id == MsgRequest {
			return Request{Index: index, Begin: begin, Length: length}, nil
		}
		return Cancel{Index: index, Begin: begin, Length: length}, nil
	case MsgBlock:
		if len(p) < 8 {
			return nil, protocolErr("block payload too short: %d bytes", len(p))
		}
		return Block{
			Index: binary.BigEndian.Uint32(p[0:4]),
			Begin: binary.BigEndian.Uint32(p[4:8]),
			Data:  append([]byte(nil), p[8:]...),
		}, nil
	case MsgPort:
		if len(p) != 2 {
			return nil, payloadErr(id, len(p), 2)
		}
		return Port{Port: binary.BigEndian.Uint16(p)}, nil
	default:
		return nil, protocolErr("unknown message id %d", uint8(id))
	}
}

func protocolErr(format string, args ...any) error {
	return transfer.NewError(transfer.KindProtocol, "", nil, format, args...)
}

func payloadErr(id MessageID, got, want int) error {
	return protocolErr("%s payload is %d bytes, want %d", id, got, want)
}

// Reader decodes frames from a stream. Bytes of a partially received frame
// are kept across read errors, so a read deadline expiring mid-frame does not
// break framing.
type Reader struct {
	r        io.Reader
	buf      []byte
	chunk    []byte
	maxFrame uint32
}

// NewReader wraps r. maxFrame of zero selects DefaultMaxFrame.
func NewReader(r io.Reader, maxFrame uint32) *Reader {
	if maxFrame == 0 {
		maxFrame = DefaultMaxFrame
	}
	return &Reader{r: r, chunk: make([]byte, 32*1024), maxFrame: maxFrame}
}

// ReadMessage blocks until a whole frame is available.
func (r *Reader) ReadMessage() (Message, error) {
	for {
		msg, n, err := Decode(r.buf, r.maxFrame)
		if err != nil {
			return nil, err
		}
		if n > 0 {
			r.buf = r.buf[:copy(r.buf, r.buf[n:])]
			return msg, nil
		}

		k, err := r.r.Read(r.chunk)
		r.buf = append(r.buf, r.chunk[:k]...)
		if err != nil {
			if k > 0 {
				continue
			}
			if err == io.EOF && len(r.buf) > 0 {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
	}
}

// Buffered returns the number of bytes held for the next frame.
func (r *Reader) Buffered() int {
	return len(r.buf)
}
