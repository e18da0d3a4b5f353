package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/jaywantadh/ByteSwarm/internal/transfer"
)

const lockStripes = 64

var ErrNotPreallocated = errors.New("storage: file not preallocated")

// PieceFile implements PieceStore on a single local file. Each piece region
// is guarded by a striped RWMutex so a reader never observes a half written
// piece while writes to other pieces proceed concurrently.
type PieceFile struct {
	path        string
	pieceLength uint32

	mu          sync.RWMutex // guards file, totalLength, closed
	file        *os.File
	totalLength uint64
	closed      bool

	stripes [lockStripes]sync.RWMutex
}

// NewPieceFile opens (creating if needed) the artifact at path.
func NewPieceFile(path string, pieceLength uint32) (*PieceFile, error) {
	if pieceLength == 0 {
		return nil, fmt.Errorf("storage: piece length must be positive")
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create output directory: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open output file: %w", err)
	}
	return &PieceFile{path: path, pieceLength: pieceLength, file: f}, nil
}

// Path returns the artifact location.
func (p *PieceFile) Path() string {
	return p.path
}

// Preallocate truncates or extends the file to totalLength. Existing bytes
// below that size are preserved.
func (p *PieceFile) Preallocate(totalLength uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return writeErr(-1, os.ErrClosed, "preallocate")
	}
	if err := p.file.Truncate(int64(totalLength)); err != nil {
		return writeErr(-1, err, "preallocate %d bytes", totalLength)
	}
	p.totalLength = totalLength
	return nil
}

func (p *PieceFile) pieceSize(index uint32) (uint32, error) {
	if p.totalLength == 0 {
		return 0, ErrNotPreallocated
	}
	off := uint64(index) * uint64(p.pieceLength)
	if off >= p.totalLength {
		return 0, fmt.Errorf("piece %d starts beyond end of file", index)
	}
	return uint32(min(uint64(p.pieceLength), p.totalLength-off)), nil
}

// WritePiece writes data at index * pieceLength. Data must be exactly the
// piece's size.
func (p *PieceFile) WritePiece(index uint32, data []byte) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return writeErr(int(index), os.ErrClosed, "write")
	}
	size, err := p.pieceSize(index)
	if err != nil {
		return writeErr(int(index), err, "write")
	}
	if uint32(len(data)) != size {
		return writeErr(int(index), nil, "piece is %d bytes, want %d", len(data), size)
	}

	stripe := &p.stripes[index%lockStripes]
	stripe.Lock()
	defer stripe.Unlock()

	n, err := p.file.WriteAt(data, int64(index)*int64(p.pieceLength))
	if err != nil {
		return writeErr(int(index), err, "write at offset")
	}
	if n != len(data) {
		return writeErr(int(index), nil, "short write: %d of %d bytes", n, len(data))
	}
	return nil
}

// ReadPiece returns a copy of the bytes stored for a piece.
func (p *PieceFile) ReadPiece(index uint32) ([]byte, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil, os.ErrClosed
	}
	size, err := p.pieceSize(index)
	if err != nil {
		return nil, err
	}

	stripe := &p.stripes[index%lockStripes]
	stripe.RLock()
	defer stripe.RUnlock()

	buf := make([]byte, size)
	if _, err := p.file.ReadAt(buf, int64(index)*int64(p.pieceLength)); err != nil {
		return nil, fmt.Errorf("failed to read piece %d: %w", index, err)
	}
	return buf, nil
}

// Sync flushes the file.
func (p *PieceFile) Sync() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil
	}
	if err := p.file.Sync(); err != nil {
		return writeErr(-1, err, "sync")
	}
	return nil
}

// Close syncs and closes the file. Calling it again is a no-op.
func (p *PieceFile) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	syncErr := p.file.Sync()
	if err := p.file.Close(); err != nil {
		return fmt.Errorf("failed to close output file: %w", err)
	}
	if syncErr != nil {
		return writeErr(-1, syncErr, "sync on close")
	}
	return nil
}

func writeErr(piece int, err error, format string, args ...any) error {
	return &transfer.Error{Kind: transfer.KindWrite, Piece: piece, Msg: fmt.Sprintf(format, args...), Err: err}
}
