package piece

import (
	"crypto/sha1"
	"errors"
	"fmt"
	"sync"

	"github.com/RoaringBitmap/roaring"
	"github.com/sirupsen/logrus"

	"github.com/jaywantadh/ByteSwarm/internal/manifest"
	"github.com/jaywantadh/ByteSwarm/internal/transfer"
	"github.com/jaywantadh/ByteSwarm/pkg/logging"
)

// DefaultSuspectThreshold is the number of hash failures after which a peer
// is banned.
const DefaultSuspectThreshold = 3

var (
	ErrNoWorkAvailable = errors.New("piece: no work available for peer")
	ErrPeerBanned      = errors.New("piece: peer banned after repeated hash failures")
	ErrNotClaimed      = errors.New("piece: block does not belong to a piece the peer owns")
)

// Writer persists a verified piece.
type Writer interface {
	WritePiece(index uint32, data []byte) error
}

type Option func(*Manager)

func WithBlockSize(n uint32) Option {
	return func(m *Manager) {
		if n > 0 && n <= MaxBlockSize {
			m.blockSize = n
		}
	}
}

// WithSuspectThreshold sets how many hash failures ban a peer. Zero or less
// disables banning.
func WithSuspectThreshold(n int) Option {
	return func(m *Manager) { m.suspectThreshold = n }
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

// WithVerifiedHook is called, outside the manager lock, after a piece is
// verified and written. peer is the session that delivered it.
func WithVerifiedHook(fn func(index uint32, peer string)) Option {
	return func(m *Manager) { m.onVerified = fn }
}

// WithRejectedHook is called, outside the manager lock, for each piece that
// fails verification.
func WithRejectedHook(fn func(err *transfer.Error)) Option {
	return func(m *Manager) { m.onRejected = fn }
}

// Manager owns all piece state. Every method is safe for concurrent use.
type Manager struct {
	mu sync.Mutex

	manifest         *manifest.Manifest
	writer           Writer
	blockSize        uint32
	suspectThreshold int
	log              logrus.FieldLogger
	onVerified       func(uint32, string)
	onRejected       func(*transfer.Error)

	pieces       []*pieceState
	availability []int
	peerHas      map[string]*roaring.Bitmap
	claims       map[string]*roaring.Bitmap
	suspects     map[string]int
	banned       map[string]bool
	verified     *roaring.Bitmap

	done     chan struct{}
	doneOnce sync.Once
	fatal    error
}

// NewManager creates a manager with every piece Missing.
func NewManager(m *manifest.Manifest, w Writer, opts ...Option) *Manager {
	pm := &Manager{
		manifest:         m,
		writer:           w,
		blockSize:        DefaultBlockSize,
		suspectThreshold: DefaultSuspectThreshold,
		log:              logging.Discard(),
		pieces:           make([]*pieceState, m.PieceCount()),
		availability:     make([]int, m.PieceCount()),
		peerHas:          make(map[string]*roaring.Bitmap),
		claims:           make(map[string]*roaring.Bitmap),
		suspects:         make(map[string]int),
		banned:           make(map[string]bool),
		verified:         roaring.New(),
		done:             make(chan struct{}),
	}
	for _, opt := range opts {
		opt(pm)
	}
	for i := range pm.pieces {
		idx := uint32(i)
		pm.pieces[i] = &pieceState{
			index:  idx,
			length: m.PieceSize(idx),
			hash:   m.PieceHashes[i],
		}
	}
	return pm
}

// BlockSize returns the configured request size.
func (m *Manager) BlockSize() uint32 {
	return m.blockSize
}

// PieceCount returns the number of pieces being tracked.
func (m *Manager) PieceCount() int {
	return len(m.pieces)
}

// NextAssignment returns the next block the peer should request. Blocks of
// pieces the peer already owns come first; otherwise a new piece is claimed,
// preferring the rarest among those the peer has and the lowest index on
// ties.
func (m *Manager) NextAssignment(peer string) (Block, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.fatal != nil || m.completeLocked() {
		return Block{}, ErrNoWorkAvailable
	}
	if m.banned[peer] {
		return Block{}, ErrPeerBanned
	}

	if owned := m.claims[peer]; owned != nil {
		it := owned.Iterator()
		for it.HasNext() {
			p := m.pieces[it.Next()]
			if b, ok := p.nextPending(m.blockSize); ok {
				return b, nil
			}
		}
	}

	idx, ok := m.pickLocked(peer)
	if !ok {
		return Block{}, ErrNoWorkAvailable
	}
	p := m.pieces[idx]
	p.claim(peer, m.blockSize)
	owned := m.claims[peer]
	if owned == nil {
		owned = roaring.New()
		m.claims[peer] = owned
	}
	owned.Add(idx)
	m.log.WithFields(logrus.Fields{"peer": peer, "piece": idx, "availability": m.availability[idx]}).Debug("piece claimed")

	b, _ := p.nextPending(m.blockSize)
	return b, nil
}

func (m *Manager) pickLocked(peer string) (uint32, bool) {
	has := m.peerHas[peer]
	best, bestAvail := -1, 0
	for i, p := range m.pieces {
		if p.state != Missing {
			continue
		}
		if has != nil && !has.Contains(uint32(i)) {
			continue
		}
		if best < 0 || m.availability[i] < bestAvail {
			best, bestAvail = i, m.availability[i]
		}
	}
	if best < 0 {
		return 0, false
	}
	return uint32(best), true
}

// OnBlockReceived copies a block into its piece buffer. It reports
// PieceComplete once every block of the piece has arrived; the caller must
// then call OnPieceAssembled.
func (m *Manager) OnBlockReceived(peer string, index, begin uint32, data []byte) (BlockResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if int(index) >= len(m.pieces) {
		return Partial, transfer.PieceError(transfer.KindProtocol, peer, index, nil, "block for unknown piece")
	}
	p := m.pieces[index]
	if p.state != Requested || p.owner != peer {
		return Partial, ErrNotClaimed
	}
	if begin%m.blockSize != 0 || begin >= p.length {
		return Partial, transfer.PieceError(transfer.KindProtocol, peer, index, nil, "misaligned block offset %d", begin)
	}
	bi := int(begin / m.blockSize)
	if want := p.blockLen(bi, m.blockSize); uint32(len(data)) != want {
		return Partial, transfer.PieceError(transfer.KindProtocol, peer, index, nil, "block at %d is %d bytes, want %d", begin, len(data), want)
	}
	if p.blocks[bi] == blockReceived {
		return Partial, nil
	}

	copy(p.buf[begin:], data)
	p.blocks[bi] = blockReceived
	p.received++
	if p.received < len(p.blocks) {
		return Partial, nil
	}

	p.state = Downloaded
	if owned := m.claims[peer]; owned != nil {
		owned.Remove(index)
	}
	return PieceComplete, nil
}

// OnPieceAssembled verifies a Downloaded piece against the manifest digest
// and persists it. Hashing and the write happen outside the manager lock;
// the piece stays Downloaded meanwhile so nobody else can claim it.
func (m *Manager) OnPieceAssembled(index uint32) error {
	m.mu.Lock()
	if int(index) >= len(m.pieces) {
		m.mu.Unlock()
		return fmt.Errorf("piece %d out of range", index)
	}
	p := m.pieces[index]
	if p.state != Downloaded {
		state := p.state
		m.mu.Unlock()
		return fmt.Errorf("piece %d is %s, not downloaded", index, state)
	}
	buf, owner, want := p.buf, p.owner, p.hash
	m.mu.Unlock()

	if sum := sha1.Sum(buf); sum != want {
		return m.reject(p, owner, sum)
	}

	if err := m.writer.WritePiece(index, buf); err != nil {
		if transfer.KindOf(err) != transfer.KindWrite {
			err = transfer.PieceError(transfer.KindWrite, "", index, err, "persist piece")
		}
		m.mu.Lock()
		p.reset()
		if m.fatal == nil {
			m.fatal = err
		}
		m.mu.Unlock()
		m.log.WithError(err).WithField("piece", index).Error("failed to persist piece")
		m.finish()
		return err
	}

	m.mu.Lock()
	p.state = Verified
	p.buf = nil
	p.blocks = nil
	m.verified.Add(index)
	complete := m.completeLocked()
	m.mu.Unlock()

	m.log.WithFields(logrus.Fields{"peer": owner, "piece": index}).Debug("piece verified")
	if m.onVerified != nil {
		m.onVerified(index, owner)
	}
	if complete {
		m.finish()
	}
	return nil
}

func (m *Manager) reject(p *pieceState, owner string, sum [20]byte) error {
	m.mu.Lock()
	p.reset()
	m.suspects[owner]++
	count := m.suspects[owner]
	banned := false
	if m.suspectThreshold > 0 && count >= m.suspectThreshold && !m.banned[owner] {
		m.banned[owner] = true
		m.releaseLocked(owner)
		banned = true
	}
	m.mu.Unlock()

	err := transfer.PieceError(transfer.KindHashVerification, owner, p.index, nil,
		"digest %x does not match manifest (suspect count %d)", sum, count)
	m.log.WithFields(logrus.Fields{"peer": owner, "piece": p.index, "suspects": count, "banned": banned}).Debug("piece rejected")
	if m.onRejected != nil {
		m.onRejected(err)
	}
	return err
}

// ReleaseClaim returns every Requested piece owned by peer to Missing and
// reports which pieces were released.
func (m *Manager) ReleaseClaim(peer string) []uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.releaseLocked(peer)
}

func (m *Manager) releaseLocked(peer string) []uint32 {
	owned := m.claims[peer]
	delete(m.claims, peer)
	if owned == nil {
		return nil
	}
	var released []uint32
	it := owned.Iterator()
	for it.HasNext() {
		idx := it.Next()
		p := m.pieces[idx]
		if p.state == Requested && p.owner == peer {
			p.reset()
			released = append(released, idx)
		}
	}
	if len(released) > 0 {
		m.log.WithFields(logrus.Fields{"peer": peer, "pieces": released}).Debug("claims released")
	}
	return released
}

// ObserveBitfield replaces the peer's advertised piece set.
func (m *Manager) ObserveBitfield(peer string, has *roaring.Bitmap) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.forgetLocked(peer)
	own := roaring.New()
	m.peerHas[peer] = own
	if has == nil {
		return
	}
	it := has.Iterator()
	for it.HasNext() {
		idx := it.Next()
		if int(idx) >= len(m.pieces) {
			break
		}
		own.Add(idx)
		m.availability[idx]++
	}
}

// ObserveHave records that the peer announced one more piece.
func (m *Manager) ObserveHave(peer string, index uint32) error {
	if int(index) >= len(m.pieces) {
		return transfer.PieceError(transfer.KindProtocol, peer, index, nil, "have for unknown piece")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	own := m.peerHas[peer]
	if own == nil {
		own = roaring.New()
		m.peerHas[peer] = own
	}
	if own.CheckedAdd(index) {
		m.availability[index]++
	}
	return nil
}

// PeerUseful reports whether the peer advertises at least one piece that is
// not yet verified. A peer that sent no bitfield is assumed to have every
// piece.
func (m *Manager) PeerUseful(peer string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.completeLocked() || m.banned[peer] {
		return false
	}
	has := m.peerHas[peer]
	if has == nil {
		return true
	}
	return !roaring.AndNot(has, m.verified).IsEmpty()
}

// ForgetPeer drops the peer's contribution to availability counts.
func (m *Manager) ForgetPeer(peer string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.forgetLocked(peer)
}

func (m *Manager) forgetLocked(peer string) {
	own := m.peerHas[peer]
	if own == nil {
		return
	}
	it := own.Iterator()
	for it.HasNext() {
		m.availability[it.Next()]--
	}
	delete(m.peerHas, peer)
}

// Restore marks a Missing piece Verified when data matches its digest. It is
// used to resume from bytes already on disk and does not write them again.
func (m *Manager) Restore(index uint32, data []byte) bool {
	if int(index) >= len(m.pieces) {
		return false
	}
	p := m.pieces[index]
	if sha1.Sum(data) != p.hash {
		return false
	}

	m.mu.Lock()
	if p.state != Missing {
		m.mu.Unlock()
		return false
	}
	p.state = Verified
	m.verified.Add(index)
	complete := m.completeLocked()
	m.mu.Unlock()

	if complete {
		m.finish()
	}
	return true
}

func (m *Manager) completeLocked() bool {
	return m.verified.GetCardinality() == uint64(len(m.pieces))
}

func (m *Manager) finish() {
	m.doneOnce.Do(func() { close(m.done) })
}

// Done is closed when every piece is verified or a write failed; Err tells
// the two apart.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// Err returns the fatal storage error, if any.
func (m *Manager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fatal
}

// Complete reports whether every piece is verified.
func (m *Manager) Complete() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.completeLocked()
}

// State returns the state of a piece.
func (m *Manager) State(index uint32) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if int(index) >= len(m.pieces) {
		return Missing
	}
	return m.pieces[index].state
}

// Owner returns the peer holding or last holding the piece.
func (m *Manager) Owner(index uint32) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if int(index) >= len(m.pieces) {
		return "", false
	}
	owner := m.pieces[index].owner
	return owner, owner != ""
}

// Availability returns how many peers advertise the piece.
func (m *Manager) Availability(index uint32) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if int(index) >= len(m.availability) {
		return 0
	}
	return m.availability[index]
}

func (m *Manager) SuspectCount(peer string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.suspects[peer]
}

// Suspects returns a copy of every non-zero suspect count.
func (m *Manager) Suspects() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int, len(m.suspects))
	for k, v := range m.suspects {
		out[k] = v
	}
	return out
}

func (m *Manager) Banned(peer string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.banned[peer]
}

func (m *Manager) VerifiedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int(m.verified.GetCardinality())
}

// Verified returns a copy of the verified set.
func (m *Manager) Verified() *roaring.Bitmap {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.verified.Clone()
}
