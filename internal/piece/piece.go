// Package piece tracks every piece of a download through
// Missing, Requested, Downloaded and Verified, hands out block assignments
// to peer sessions and verifies assembled pieces before they are persisted.
package piece

import (
	"fmt"
)

// DefaultBlockSize is the request granularity.
const DefaultBlockSize = 16 * 1024

// MaxBlockSize bounds a configured block size.
const MaxBlockSize = 128 * 1024

// State of a single piece.
type State int

const (
	Missing State = iota
	Requested
	Downloaded
	Verified
)

func (s State) String() string {
	switch s {
	case Missing:
		return "missing"
	case Requested:
		return "requested"
	case Downloaded:
		return "downloaded"
	case Verified:
		return "verified"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Block is one request-sized slice of a piece.
type Block struct {
	Index  uint32
	Begin  uint32
	Length uint32
}

// BlockResult tells the session whether a piece just became whole.
type BlockResult int

const (
	Partial BlockResult = iota
	PieceComplete
)

type blockState uint8

const (
	blockPending blockState = iota
	blockRequested
	blockReceived
)

type pieceState struct {
	index  uint32
	length uint32
	hash   [20]byte
	state  State
	owner  string

	blocks   []blockState
	received int
	buf      []byte
}

func (p *pieceState) blockLen(bi int, blockSize uint32) uint32 {
	begin := uint32(bi) * blockSize
	return min(blockSize, p.length-begin)
}

func (p *pieceState) claim(peer string, blockSize uint32) {
	n := int((p.length + blockSize - 1) / blockSize)
	p.state = Requested
	p.owner = peer
	p.blocks = make([]blockState, n)
	p.received = 0
	p.buf = make([]byte, p.length)
}

// nextPending marks and returns the first block not yet requested.
func (p *pieceState) nextPending(blockSize uint32) (Block, bool) {
	for i, st := range p.blocks {
		if st == blockPending {
			p.blocks[i] = blockRequested
			return Block{Index: p.index, Begin: uint32(i) * blockSize, Length: p.blockLen(i, blockSize)}, true
		}
	}
	return Block{}, false
}

func (p *pieceState) reset() {
	p.state = Missing
	p.owner = ""
	p.blocks = nil
	p.received = 0
	p.buf = nil
}
