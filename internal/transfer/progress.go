package transfer

import (
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

// ProgressTracker tracks the progress of a download run from its events
type ProgressTracker struct {
	mu             sync.RWMutex
	name           string
	status         TransferStatus
	totalPieces    int
	totalBytes     int64
	piecesVerified int
	piecesRestored int
	bytesVerified  int64
	bytesRestored  int64
	rejected       int
	activePeers    map[string]struct{}
	startTime      time.Time
	lastUpdateTime time.Time
	now            func() time.Time
}

// TransferProgress is a point-in-time copy of a tracker
type TransferProgress struct {
	FileName       string
	Status         TransferStatus
	PiecesVerified int
	TotalPieces    int
	BytesVerified  int64
	TotalBytes     int64
	Rejected       int
	ActivePeers    int
	StartTime      time.Time
	LastUpdateTime time.Time
	Speed          float64 // bytes per second, excluding restored pieces
	EstimatedTime  time.Duration
}

// NewProgressTracker creates a new progress tracker
func NewProgressTracker(fileName string, totalPieces int, totalBytes int64) *ProgressTracker {
	now := time.Now()
	return &ProgressTracker{
		name:           fileName,
		status:         StatusPending,
		totalPieces:    totalPieces,
		totalBytes:     totalBytes,
		activePeers:    make(map[string]struct{}),
		startTime:      now,
		lastUpdateTime: now,
		now:            time.Now,
	}
}

// Handle updates the tracker from a run event. It is safe to use as an
// EventHandler.
func (pt *ProgressTracker) Handle(ev Event) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	pt.lastUpdateTime = pt.now()
	if pt.status == StatusPending {
		pt.status = StatusInProgress
	}

	switch ev.Type {
	case EventPeerConnected:
		pt.activePeers[ev.Peer] = struct{}{}
	case EventPeerDropped:
		delete(pt.activePeers, ev.Peer)
	case EventPieceVerified:
		pt.piecesVerified++
		pt.bytesVerified += ev.Bytes
	case EventPieceRestored:
		pt.piecesVerified++
		pt.piecesRestored++
		pt.bytesVerified += ev.Bytes
		pt.bytesRestored += ev.Bytes
	case EventPieceRejected:
		pt.rejected++
	}
}

// Finish records the terminal status of the run.
func (pt *ProgressTracker) Finish(status TransferStatus) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	pt.status = status
	pt.lastUpdateTime = pt.now()
	clear(pt.activePeers)
}

// GetProgress returns a snapshot with speed and ETA computed
func (pt *ProgressTracker) GetProgress() TransferProgress {
	pt.mu.RLock()
	defer pt.mu.RUnlock()

	p := TransferProgress{
		FileName:       pt.name,
		Status:         pt.status,
		PiecesVerified: pt.piecesVerified,
		TotalPieces:    pt.totalPieces,
		BytesVerified:  pt.bytesVerified,
		TotalBytes:     pt.totalBytes,
		Rejected:       pt.rejected,
		ActivePeers:    len(pt.activePeers),
		StartTime:      pt.startTime,
		LastUpdateTime: pt.lastUpdateTime,
	}

	elapsed := pt.now().Sub(pt.startTime).Seconds()
	if downloaded := pt.bytesVerified - pt.bytesRestored; elapsed > 0 && downloaded > 0 {
		p.Speed = float64(downloaded) / elapsed
	}
	if p.Speed > 0 && p.TotalBytes > p.BytesVerified {
		remaining := float64(p.TotalBytes - p.BytesVerified)
		p.EstimatedTime = time.Duration(remaining/p.Speed) * time.Second
	}
	return p
}

// Percent returns completion in the range [0, 100].
func (p TransferProgress) Percent() float64 {
	if p.TotalPieces == 0 {
		return 0
	}
	return float64(p.PiecesVerified) / float64(p.TotalPieces) * 100.0
}

// String renders a one-line progress summary
func (p TransferProgress) String() string {
	s := fmt.Sprintf("%s [%s] %d/%d pieces (%.1f%%) %s/%s peers=%d",
		p.FileName, p.Status, p.PiecesVerified, p.TotalPieces, p.Percent(),
		humanize.IBytes(uint64(p.BytesVerified)), humanize.IBytes(uint64(p.TotalBytes)),
		p.ActivePeers)
	if p.Speed > 0 {
		s += fmt.Sprintf(" %s/s", humanize.IBytes(uint64(p.Speed)))
	}
	if p.EstimatedTime > 0 {
		s += " eta " + formatDuration(p.EstimatedTime)
	}
	if p.Rejected > 0 {
		s += fmt.Sprintf(" rejected=%d", p.Rejected)
	}
	return s
}

// formatDuration formats duration into human-readable format
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%.0fs", d.Seconds())
	}
	if d < time.Hour {
		return fmt.Sprintf("%.0fm", d.Minutes())
	}
	return fmt.Sprintf("%.0fh", d.Hours())
}

// MonitorProgress calls report every interval until stop is closed.
func (pt *ProgressTracker) MonitorProgress(interval time.Duration, stop <-chan struct{}, report func(TransferProgress)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			report(pt.GetProgress())
		case <-stop:
			return
		}
	}
}
