package peer

import (
	"bufio"
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/jaywantadh/ByteSwarm/internal/manifest"
	"github.com/jaywantadh/ByteSwarm/internal/piece"
	"github.com/jaywantadh/ByteSwarm/internal/transfer"
	"github.com/jaywantadh/ByteSwarm/internal/wire"
	"github.com/jaywantadh/ByteSwarm/pkg/logging"
)

// State of a session. Closed is terminal.
type State int32

const (
	Connecting State = iota
	Handshaking
	Ready
	AwaitingBlocks
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Handshaking:
		return "handshaking"
	case Ready:
		return "ready"
	case AwaitingBlocks:
		return "awaiting_blocks"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// WorkSource is the piece bookkeeping a session reports to.
// *piece.Manager implements it.
type WorkSource interface {
	NextAssignment(peer string) (piece.Block, error)
	OnBlockReceived(peer string, index, begin uint32, data []byte) (piece.BlockResult, error)
	OnPieceAssembled(index uint32) error
	ReleaseClaim(peer string) []uint32
	ForgetPeer(peer string)
	ObserveBitfield(peer string, has *roaring.Bitmap)
	ObserveHave(peer string, index uint32) error
	Banned(peer string) bool
	PeerUseful(peer string) bool
	Complete() bool
}

// Config controls a single session.
type Config struct {
	PeerID           [20]byte
	BlockSize        uint32
	PipelineDepth    int
	DialTimeout      time.Duration
	HandshakeTimeout time.Duration
	BlockTimeout     time.Duration
	IdlePoll         time.Duration
	Dial             func(ctx context.Context, network, addr string) (net.Conn, error)
	Logger           logrus.FieldLogger
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		PeerID:           GeneratePeerID(DefaultPeerIDPrefix),
		BlockSize:        piece.DefaultBlockSize,
		PipelineDepth:    5,
		DialTimeout:      10 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		BlockTimeout:     30 * time.Second,
		IdlePoll:         500 * time.Millisecond,
	}
}

func (c *Config) normalize() {
	d := DefaultConfig()
	if c.PeerID == ([20]byte{}) {
		c.PeerID = d.PeerID
	}
	if c.BlockSize == 0 {
		c.BlockSize = d.BlockSize
	}
	if c.PipelineDepth <= 0 {
		c.PipelineDepth = d.PipelineDepth
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = d.DialTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.BlockTimeout <= 0 {
		c.BlockTimeout = d.BlockTimeout
	}
	if c.IdlePoll <= 0 {
		c.IdlePoll = min(d.IdlePoll, c.BlockTimeout)
	}
	if c.Dial == nil {
		var dialer net.Dialer
		c.Dial = dialer.DialContext
	}
	if c.Logger == nil {
		c.Logger = logging.Discard()
	}
}

type blockKey struct {
	index uint32
	begin uint32
}

// Session is one TCP connection to one peer.
type Session struct {
	id       string
	key      string
	peer     manifest.Peer
	manifest *manifest.Manifest
	cfg      Config
	log      logrus.FieldLogger

	conn    net.Conn
	reader  *wire.Reader
	writer  *bufio.Writer
	writeMu sync.Mutex
	remote  wire.Handshake

	state     atomic.Int32
	closeOnce sync.Once
}

// Open dials the peer and completes the handshake. The returned session is
// Ready.
func Open(ctx context.Context, p manifest.Peer, m *manifest.Manifest, cfg Config) (*Session, error) {
	cfg.normalize()
	s := &Session{
		id:       uuid.NewString(),
		key:      p.String(),
		peer:     p,
		manifest: m,
		cfg:      cfg,
	}
	s.log = cfg.Logger.WithFields(logrus.Fields{"peer": s.key, "session": s.id})
	s.state.Store(int32(Connecting))

	dialCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	conn, err := cfg.Dial(dialCtx, "tcp", s.key)
	cancel()
	if err != nil {
		s.setState(Closed)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, transfer.NewError(transfer.KindConnect, s.key, err, "dial")
	}
	s.conn = conn
	s.writer = bufio.NewWriter(conn)
	s.reader = wire.NewReader(conn, maxFrame(m, cfg.BlockSize))
	s.setState(Handshaking)

	if err := s.handshake(ctx); err != nil {
		s.Close()
		return nil, err
	}
	s.setState(Ready)
	s.log.Debug("handshake complete")
	return s, nil
}

// maxFrame fits the larger of one block message or a full bitfield.
func maxFrame(m *manifest.Manifest, blockSize uint32) uint32 {
	block := 1 + 8 + blockSize
	bitfield := 1 + uint32((m.PieceCount()+7)/8)
	return max(block, bitfield, 1<<10)
}

func (s *Session) handshake(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { s.conn.SetDeadline(time.Now()) })
	defer stop()

	if err := s.conn.SetDeadline(time.Now().Add(s.cfg.HandshakeTimeout)); err != nil {
		return s.ioErr(ctx, err, "set handshake deadline")
	}
	out := wire.Handshake{ContentHash: s.manifest.ContentHash, PeerID: s.cfg.PeerID}
	if _, err := s.conn.Write(wire.EncodeHandshake(out)); err != nil {
		return s.ioErr(ctx, err, "send handshake")
	}
	in, err := wire.ReadHandshake(s.conn)
	if err != nil {
		return s.ioErr(ctx, err, "read handshake")
	}
	if err := in.Verify(s.manifest.ContentHash, s.peer.ID); err != nil {
		return s.ioErr(ctx, err, "verify handshake")
	}
	s.remote = in
	if err := s.conn.SetDeadline(time.Time{}); err != nil {
		return s.ioErr(ctx, err, "clear handshake deadline")
	}
	return nil
}

// ID returns the session's unique id.
func (s *Session) ID() string { return s.id }

// Key returns the address key the session reports under.
func (s *Session) Key() string { return s.key }

// RemotePeerID returns the id the peer sent in its handshake.
func (s *Session) RemotePeerID() [20]byte { return s.remote.PeerID }

// State returns the current state.
func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) setState(next State) {
	for {
		cur := s.state.Load()
		if State(cur) == Closed || State(cur) == next {
			return
		}
		if s.state.CompareAndSwap(cur, int32(next)) {
			return
		}
	}
}

// Close tears down the connection. It is safe to call more than once.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.setState(Closed)
		if s.conn != nil {
			err = s.conn.Close()
		}
	})
	return err
}

// Run exchanges messages until every piece is verified, the context is
// cancelled or the session fails. Claims held by the session are released
// before it returns.
func (s *Session) Run(ctx context.Context, work WorkSource) error {
	defer func() {
		work.ReleaseClaim(s.key)
		work.ForgetPeer(s.key)
		s.Close()
	}()
	stop := context.AfterFunc(ctx, func() { s.conn.SetDeadline(time.Now()) })
	defer stop()

	if err := s.send(wire.Interested{}); err != nil {
		return s.ioErr(ctx, err, "send interested")
	}

	var (
		choked       = true
		chokedSince  = time.Now()
		lastProgress = time.Now()
		uselessSince time.Time
		outstanding  = make(map[blockKey]struct{}, s.cfg.PipelineDepth)
	)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if work.Complete() {
			s.log.Debug("all pieces verified, closing")
			return nil
		}

		if !choked {
			wasIdle := len(outstanding) == 0
			if err := s.fillPipeline(work, outstanding); err != nil {
				return s.ioErr(ctx, err, "request blocks")
			}
			if wasIdle && len(outstanding) > 0 {
				lastProgress = time.Now()
			}
		}

		now := time.Now()
		// An unchoked peer with nothing we still need gets BlockTimeout for a
		// late Have before the session gives its slot back.
		if !choked && len(outstanding) == 0 && !work.PeerUseful(s.key) {
			if uselessSince.IsZero() {
				uselessSince = now
			}
			if now.Sub(uselessSince) >= s.cfg.BlockTimeout {
				return transfer.NewError(transfer.KindTimeout, s.key, nil, "peer has none of the remaining pieces after %s", s.cfg.BlockTimeout)
			}
		} else {
			uselessSince = time.Time{}
		}

		deadline := now.Add(s.cfg.IdlePoll)
		switch {
		case choked:
			deadline = minTime(deadline, chokedSince.Add(s.cfg.BlockTimeout))
		case len(outstanding) > 0:
			deadline = minTime(deadline, lastProgress.Add(s.cfg.BlockTimeout))
		case !uselessSince.IsZero():
			deadline = minTime(deadline, uselessSince.Add(s.cfg.BlockTimeout))
		}
		if len(outstanding) > 0 {
			s.setState(AwaitingBlocks)
		} else {
			s.setState(Ready)
		}
		if err := s.conn.SetReadDeadline(deadline); err != nil {
			return s.ioErr(ctx, err, "set read deadline")
		}

		msg, err := s.reader.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if !isTimeout(err) {
				return s.ioErr(ctx, err, "read message")
			}
			now = time.Now()
			if choked && now.Sub(chokedSince) >= s.cfg.BlockTimeout {
				return transfer.NewError(transfer.KindTimeout, s.key, nil, "still choked after %s", s.cfg.BlockTimeout)
			}
			if !choked && len(outstanding) > 0 && now.Sub(lastProgress) >= s.cfg.BlockTimeout {
				return transfer.NewError(transfer.KindTimeout, s.key, nil, "no block within %s, %d requests outstanding", s.cfg.BlockTimeout, len(outstanding))
			}
			continue
		}

		switch m := msg.(type) {
		case wire.Choke:
			if !choked {
				choked = true
				chokedSince = time.Now()
			}
			clear(outstanding)
			work.ReleaseClaim(s.key)
		case wire.Unchoke:
			if choked {
				choked = false
				lastProgress = time.Now()
			}
		case wire.Have:
			if err := work.ObserveHave(s.key, m.Index); err != nil {
				return err
			}
		case wire.Bitfield:
			bm, err := m.Bitmap(s.manifest.PieceCount())
			if err != nil {
				return s.ioErr(ctx, err, "decode bitfield")
			}
			work.ObserveBitfield(s.key, bm)
		case wire.Block:
			if err := s.handleBlock(work, m, outstanding); err != nil {
				return err
			}
			lastProgress = time.Now()
		}
	}
}

func (s *Session) handleBlock(work WorkSource, m wire.Block, outstanding map[blockKey]struct{}) error {
	k := blockKey{index: m.Index, begin: m.Begin}
	if _, ok := outstanding[k]; !ok {
		return nil
	}
	delete(outstanding, k)

	res, err := work.OnBlockReceived(s.key, m.Index, m.Begin, m.Data)
	if errors.Is(err, piece.ErrNotClaimed) {
		return nil
	}
	if err != nil {
		return err
	}
	if res != piece.PieceComplete {
		return nil
	}

	err = work.OnPieceAssembled(m.Index)
	if errors.Is(err, transfer.ErrHashVerification) {
		if work.Banned(s.key) {
			s.log.WithField("piece", m.Index).Debug("banned after hash failures")
			return err
		}
		return nil
	}
	return err
}

func (s *Session) fillPipeline(work WorkSource, outstanding map[blockKey]struct{}) error {
	queued := 0
	for len(outstanding) < s.cfg.PipelineDepth {
		b, err := work.NextAssignment(s.key)
		if errors.Is(err, piece.ErrNoWorkAvailable) {
			break
		}
		if errors.Is(err, piece.ErrPeerBanned) {
			return transfer.NewError(transfer.KindHashVerification, s.key, err, "peer banned")
		}
		if err != nil {
			return err
		}
		if err := s.queue(wire.Request{Index: b.Index, Begin: b.Begin, Length: b.Length}); err != nil {
			return err
		}
		outstanding[blockKey{index: b.Index, begin: b.Begin}] = struct{}{}
		queued++
	}
	if queued == 0 {
		return nil
	}
	return s.flush()
}

func (s *Session) queue(m wire.Message) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.writer.Write(wire.Encode(m))
	return err
}

func (s *Session) flush() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.cfg.BlockTimeout)); err != nil {
		return err
	}
	return s.writer.Flush()
}

func (s *Session) send(m wire.Message) error {
	if err := s.queue(m); err != nil {
		return err
	}
	return s.flush()
}

// ioErr attaches the peer to codec errors and classifies I/O failures.
func (s *Session) ioErr(ctx context.Context, err error, op string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var te *transfer.Error
	if errors.As(err, &te) {
		if te.Peer == "" {
			te.Peer = s.key
		}
		return err
	}
	if isTimeout(err) {
		return transfer.NewError(transfer.KindTimeout, s.key, err, "%s", op)
	}
	return transfer.NewError(transfer.KindConnect, s.key, err, "%s", op)
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func minTime(a, b time.Time) time.Time {
	if b.Before(a) {
		return b
	}
	return a
}
