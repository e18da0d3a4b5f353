// Package download runs a whole transfer: it prepares the output, drives
// peer sessions against a shared piece manager and decides when the run is
// over.
package download

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/jaywantadh/ByteSwarm/internal/manifest"
	"github.com/jaywantadh/ByteSwarm/internal/metadata"
	"github.com/jaywantadh/ByteSwarm/internal/peer"
	"github.com/jaywantadh/ByteSwarm/internal/piece"
	"github.com/jaywantadh/ByteSwarm/internal/storage"
	"github.com/jaywantadh/ByteSwarm/internal/transfer"
	"github.com/jaywantadh/ByteSwarm/pkg/logging"
)

// ResumeStore remembers verified pieces across runs.
// *metadata.MetadataStore implements it.
type ResumeStore interface {
	LoadVerified(m *manifest.Manifest, outputPath string) (*roaring.Bitmap, error)
	MarkVerified(m *manifest.Manifest, outputPath string, index uint32) error
}

// RunRecorder is optionally implemented by a ResumeStore to keep the outcome
// of each run.
type RunRecorder interface {
	PutRunRecord(rec metadata.RunRecord) error
}

type Option func(*Coordinator)

// WithLogger sets the logger used for run and session diagnostics.
func WithLogger(l logrus.FieldLogger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.log = l
		}
	}
}

// WithEventHandler receives every event of every run. Calls are serialized.
func WithEventHandler(h transfer.EventHandler) Option {
	return func(c *Coordinator) { c.handler = h }
}

// WithResumeStore enables resuming from and recording verified pieces.
func WithResumeStore(s ResumeStore) Option {
	return func(c *Coordinator) { c.resume = s }
}

// Coordinator downloads a manifest's content from a set of peers.
type Coordinator struct {
	cfg     Config
	log     logrus.FieldLogger
	handler transfer.EventHandler
	resume  ResumeStore

	emitMu sync.Mutex
}

// New creates a coordinator. Unset config fields take their defaults.
func New(cfg Config, opts ...Option) *Coordinator {
	cfg.normalize()
	c := &Coordinator{cfg: cfg, log: logging.Discard()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type sessionExit struct {
	key string
	err error
}

// run carries the state of one call to Run.
type run struct {
	*Coordinator
	id       string
	manifest *manifest.Manifest
	output   string
	file     *storage.PieceFile
	pm       *piece.Manager
	registry *peer.PeerRegistry
	log      logrus.FieldLogger
}

// Run downloads m from peers into outputPath. It returns once every piece is
// verified and written, a storage write fails, no usable peer remains or ctx
// is done. All sessions have exited and the output is closed when Run
// returns. The error is nil only for a completed run.
func (c *Coordinator) Run(ctx context.Context, m *manifest.Manifest, peers []manifest.Peer, outputPath string) (transfer.Result, error) {
	r := &run{
		Coordinator: c,
		id:          uuid.NewString(),
		manifest:    m,
		output:      outputPath,
		registry:    peer.NewPeerRegistry(),
	}
	r.log = c.log.WithFields(logrus.Fields{"run": r.id, "content": m.HexHash()})
	started := time.Now()

	res := r.execute(ctx, peers)
	res.RunID = r.id
	res.Pieces = m.PieceCount()
	res.Elapsed = time.Since(started)
	if r.pm != nil {
		res.Verified = r.pm.VerifiedCount()
		res.Suspects = r.pm.Suspects()
	}
	r.record(res, started)

	entry := r.log.WithFields(logrus.Fields{
		"status":   res.Status,
		"verified": res.Verified,
		"pieces":   res.Pieces,
		"elapsed":  res.Elapsed.Round(time.Millisecond),
	})
	if res.Err != nil {
		entry.WithError(res.Err).Warn("download finished")
	} else {
		entry.Info("download finished")
	}
	return res, res.Err
}

func (r *run) execute(ctx context.Context, peers []manifest.Peer) transfer.Result {
	file, err := storage.NewPieceFile(r.output, r.manifest.PieceLength)
	if err != nil {
		return failed(transfer.NewError(transfer.KindWrite, "", err, "open output"))
	}
	r.file = file
	if err := file.Preallocate(r.manifest.TotalLength); err != nil {
		file.Close()
		return failed(err)
	}

	r.pm = piece.NewManager(r.manifest, file,
		piece.WithBlockSize(r.cfg.BlockSize),
		piece.WithSuspectThreshold(r.cfg.SuspectThreshold),
		piece.WithLogger(r.log),
		piece.WithVerifiedHook(r.pieceVerified),
		piece.WithRejectedHook(r.pieceRejected),
	)
	r.restore()

	res := r.swarm(ctx, peers)
	if err := r.closeOutput(); err != nil && res.Err == nil {
		res = failed(transfer.NewError(transfer.KindWrite, "", err, "close output"))
	}
	return res
}

func failed(err error) transfer.Result {
	status := transfer.StatusFailed
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		status = transfer.StatusCancelled
	}
	return transfer.Result{Status: status, Err: err}
}

// restore re-verifies pieces the resume store reports as already on disk.
func (r *run) restore() {
	if r.resume == nil {
		return
	}
	verified, err := r.resume.LoadVerified(r.manifest, r.output)
	if err != nil {
		r.log.WithError(err).Warn("could not load resume state, starting from scratch")
		return
	}
	it := verified.Iterator()
	for it.HasNext() {
		idx := it.Next()
		if int(idx) >= r.manifest.PieceCount() {
			break
		}
		data, err := r.file.ReadPiece(idx)
		if err != nil {
			r.log.WithError(err).WithField("piece", idx).Warn("could not read piece for resume")
			continue
		}
		if !r.pm.Restore(idx, data) {
			r.log.WithField("piece", idx).Debug("stale resume entry, piece will be downloaded again")
			continue
		}
		r.emit(transfer.Event{Type: transfer.EventPieceRestored, Piece: int(idx), Bytes: int64(len(data))})
	}
	if n := r.pm.VerifiedCount(); n > 0 {
		r.log.WithField("pieces", n).Info("resumed from previous run")
	}
}

// swarm keeps sessions running until the piece manager is done or no peer is
// left.
func (r *run) swarm(ctx context.Context, peers []manifest.Peer) transfer.Result {
	if r.pm.Complete() {
		return transfer.Result{Status: transfer.StatusCompleted}
	}
	if err := r.pm.Err(); err != nil {
		return failed(err)
	}
	for _, p := range peers {
		r.registry.AddPeer(p)
	}
	if r.registry.Exhausted() {
		return failed(transfer.NewError(transfer.KindNoUsablePeers, "", nil, "no candidate peers"))
	}

	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)
	defer func() {
		cancel()
		g.Wait()
	}()

	sem := semaphore.NewWeighted(int64(r.cfg.MaxPeers))
	limiter := rate.NewLimiter(rate.Limit(r.cfg.DialRate), 1)
	exits := make(chan sessionExit, r.cfg.MaxPeers)
	ticks := r.registry.StartMonitor(runCtx, r.cfg.ReplenishInterval)
	policy := r.cfg.retryPolicy()

	launch := func() {
		for sem.TryAcquire(1) {
			p, ok := r.registry.Acquire(time.Now())
			if !ok {
				sem.Release(1)
				return
			}
			g.Go(func() error {
				defer sem.Release(1)
				err := r.session(gctx, p, limiter)
				select {
				case exits <- sessionExit{key: p.String(), err: err}:
				case <-gctx.Done():
				}
				return nil
			})
		}
	}
	launch()

	for {
		select {
		case <-r.pm.Done():
			if err := r.pm.Err(); err != nil {
				return failed(err)
			}
			return transfer.Result{Status: transfer.StatusCompleted}

		case <-ctx.Done():
			return failed(ctx.Err())

		case ex := <-exits:
			retired := r.registry.Release(ex.key, ex.err, policy, time.Now())
			if ex.err != nil && ctx.Err() == nil {
				r.log.WithFields(logrus.Fields{"peer": ex.key, "retired": retired}).WithError(ex.err).Debug("session ended")
			}
			r.emit(transfer.Event{Type: transfer.EventPeerDropped, Peer: ex.key, Err: ex.err})
			if r.pm.Complete() {
				continue
			}
			if r.registry.Exhausted() {
				return failed(transfer.NewError(transfer.KindNoUsablePeers, "", nil,
					"%d of %d pieces missing and every peer is exhausted",
					r.manifest.PieceCount()-r.pm.VerifiedCount(), r.manifest.PieceCount()))
			}
			launch()

		case tick := <-ticks:
			if tick.Active < r.cfg.MinPeers && r.registry.Due(tick.At) > 0 {
				launch()
			}
		}
	}
}

// session dials one peer and runs it to completion.
func (r *run) session(ctx context.Context, p manifest.Peer, limiter *rate.Limiter) error {
	if err := limiter.Wait(ctx); err != nil {
		return err
	}
	cfg := r.cfg.sessionConfig()
	cfg.Logger = r.log
	s, err := peer.Open(ctx, p, r.manifest, cfg)
	if err != nil {
		return err
	}
	r.registry.MarkSeen(s.Key(), time.Now())
	r.emit(transfer.Event{Type: transfer.EventPeerConnected, Peer: s.Key(), Session: s.ID()})
	return s.Run(ctx, r.pm)
}

func (r *run) pieceVerified(index uint32, peerKey string) {
	r.emit(transfer.Event{
		Type:  transfer.EventPieceVerified,
		Peer:  peerKey,
		Piece: int(index),
		Bytes: int64(r.manifest.PieceSize(index)),
	})
	if r.resume == nil {
		return
	}
	if err := r.resume.MarkVerified(r.manifest, r.output, index); err != nil {
		r.log.WithError(err).WithField("piece", index).Warn("failed to record verified piece")
	}
}

func (r *run) pieceRejected(err *transfer.Error) {
	r.emit(transfer.Event{Type: transfer.EventPieceRejected, Peer: err.Peer, Piece: err.Piece, Err: err})
}

func (r *run) emit(ev transfer.Event) {
	if r.handler == nil {
		return
	}
	ev.RunID = r.id
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	r.emitMu.Lock()
	defer r.emitMu.Unlock()
	r.handler(ev)
}

func (r *run) closeOutput() error {
	if r.file == nil {
		return nil
	}
	if err := r.file.Sync(); err != nil {
		r.file.Close()
		return err
	}
	return r.file.Close()
}

func (r *run) record(res transfer.Result, started time.Time) {
	rec, ok := r.resume.(RunRecorder)
	if !ok {
		return
	}
	entry := metadata.RunRecord{
		RunID:       r.id,
		ContentHash: r.manifest.HexHash(),
		OutputPath:  r.output,
		Status:      string(res.Status),
		Verified:    res.Verified,
		Pieces:      res.Pieces,
		StartedAt:   started.Unix(),
		FinishedAt:  time.Now().Unix(),
	}
	if res.Err != nil {
		entry.Reason = res.Err.Error()
	}
	if err := rec.PutRunRecord(entry); err != nil {
		r.log.WithError(err).Warn("failed to record run")
	}
}
