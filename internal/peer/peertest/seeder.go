// Package peertest runs in-process seeding peers that speak the peer wire
// protocol, for exercising sessions and the coordinator without a network.
package peertest

import (
	"bufio"
	"errors"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring"

	"github.com/jaywantadh/ByteSwarm/internal/manifest"
	"github.com/jaywantadh/ByteSwarm/internal/wire"
)

// Corruptor flips the bytes of a piece the first time any seeder sharing it
// serves that piece.
type Corruptor struct {
	mu      sync.Mutex
	pending map[uint32]bool
	served  map[uint32]string
}

// CorruptFirst corrupts the first serve of each listed piece.
func CorruptFirst(pieces ...uint32) *Corruptor {
	c := &Corruptor{pending: make(map[uint32]bool), served: make(map[uint32]string)}
	for _, p := range pieces {
		c.pending[p] = true
	}
	return c
}

func (c *Corruptor) take(index uint32, by string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.pending[index] {
		return false
	}
	delete(c.pending, index)
	c.served[index] = by
	return true
}

// CorruptedBy returns the seeder address that served the corrupted copy.
func (c *Corruptor) CorruptedBy(index uint32) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	addr, ok := c.served[index]
	return addr, ok
}

type Option func(*Seeder)

// WithCorruptor shares a corruption schedule with other seeders.
func WithCorruptor(c *Corruptor) Option {
	return func(s *Seeder) { s.corrupt = c }
}

// WithPieces limits the seeder to the given pieces.
func WithPieces(pieces ...uint32) Option {
	return func(s *Seeder) { s.has = roaring.BitmapOf(pieces...) }
}

// WithoutBitfield skips the bitfield after the handshake.
func WithoutBitfield() Option {
	return func(s *Seeder) { s.noBitfield = true }
}

// WithContentHash answers handshakes with a different content hash.
func WithContentHash(h [20]byte) Option {
	return func(s *Seeder) { s.contentHash = h }
}

// WithNeverUnchoke keeps every connection choked.
func WithNeverUnchoke() Option {
	return func(s *Seeder) { s.neverUnchoke = true }
}

// WithStall unchokes but never answers requests.
func WithStall() Option {
	return func(s *Seeder) { s.stall = true }
}

// WithSilentHandshake accepts connections but never completes the handshake.
func WithSilentHandshake() Option {
	return func(s *Seeder) { s.silent = true }
}

// Seeder serves a manifest's content to any number of connections.
type Seeder struct {
	ln       net.Listener
	manifest *manifest.Manifest
	data     []byte
	peerID   [20]byte

	contentHash  [20]byte
	has          *roaring.Bitmap
	corrupt      *Corruptor
	noBitfield   bool
	neverUnchoke bool
	stall        bool
	silent       bool

	blocksServed atomic.Int64
	conns        atomic.Int64

	mu     sync.Mutex
	open   map[net.Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

// NewSeeder listens on a loopback port and starts serving.
func NewSeeder(m *manifest.Manifest, data []byte, opts ...Option) (*Seeder, error) {
	return NewSeederAt("127.0.0.1:0", m, data, opts...)
}

// NewSeederAt is NewSeeder on a fixed address.
func NewSeederAt(addr string, m *manifest.Manifest, data []byte, opts ...Option) (*Seeder, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	s := &Seeder{
		ln:          ln,
		manifest:    m,
		data:        data,
		contentHash: m.ContentHash,
		open:        make(map[net.Conn]struct{}),
	}
	copy(s.peerID[:], "-PT0001-seeder-")
	s.has = roaring.New()
	s.has.AddRange(0, uint64(m.PieceCount()))
	for _, opt := range opts {
		opt(s)
	}

	s.wg.Add(1)
	go s.acceptLoop()
	return s, nil
}

// Addr returns the listening address.
func (s *Seeder) Addr() string { return s.ln.Addr().String() }

// Peer returns the seeder as a candidate peer.
func (s *Seeder) Peer() manifest.Peer {
	return manifest.Peer{Addr: netip.MustParseAddrPort(s.Addr())}
}

// BlocksServed counts block messages sent.
func (s *Seeder) BlocksServed() int64 { return s.blocksServed.Load() }

// Connections counts accepted connections.
func (s *Seeder) Connections() int64 { return s.conns.Load() }

// Close stops the listener and drops every connection.
func (s *Seeder) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for c := range s.open {
		c.Close()
	}
	s.mu.Unlock()

	err := s.ln.Close()
	s.wg.Wait()
	return err
}

func (s *Seeder) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.open[conn] = struct{}{}
		s.mu.Unlock()
		s.conns.Add(1)

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() {
				s.mu.Lock()
				delete(s.open, conn)
				s.mu.Unlock()
				conn.Close()
			}()
			s.serve(conn)
		}()
	}
}

func (s *Seeder) serve(conn net.Conn) {
	if _, err := wire.ReadHandshake(conn); err != nil {
		return
	}
	if s.silent {
		buf := make([]byte, 1)
		for {
			if _, err := conn.Read(buf); err != nil {
				return
			}
		}
	}

	w := bufio.NewWriter(conn)
	w.Write(wire.EncodeHandshake(wire.Handshake{ContentHash: s.contentHash, PeerID: s.peerID}))
	if !s.noBitfield {
		w.Write(wire.Encode(wire.BitfieldFromBitmap(s.has, s.manifest.PieceCount())))
	}
	if err := w.Flush(); err != nil {
		return
	}

	corrupting := make(map[uint32]bool)
	r := wire.NewReader(conn, 0)
	for {
		msg, err := r.ReadMessage()
		if err != nil {
			return
		}
		switch m := msg.(type) {
		case wire.Interested:
			if s.neverUnchoke {
				continue
			}
			w.Write(wire.Encode(wire.Unchoke{}))
		case wire.Request:
			if s.stall || !s.has.Contains(m.Index) {
				continue
			}
			block, ok := s.block(m)
			if !ok {
				continue
			}
			if m.Begin == 0 && s.corrupt != nil {
				corrupting[m.Index] = s.corrupt.take(m.Index, s.Addr())
			}
			if corrupting[m.Index] {
				for i := range block {
					block[i] ^= 0xFF
				}
			}
			w.Write(wire.Encode(wire.Block{Index: m.Index, Begin: m.Begin, Data: block}))
			s.blocksServed.Add(1)
		default:
			continue
		}
		if err := w.Flush(); err != nil {
			return
		}
	}
}

func (s *Seeder) block(req wire.Request) ([]byte, bool) {
	size := s.manifest.PieceSize(req.Index)
	if size == 0 || req.Begin >= size || req.Length == 0 || req.Begin+req.Length > size {
		return nil, false
	}
	off := s.manifest.PieceOffset(req.Index) + uint64(req.Begin)
	return append([]byte(nil), s.data[off:off+uint64(req.Length)]...), true
}
