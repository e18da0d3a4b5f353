// Package manifest describes the content being transferred and the peers it
// may be fetched from.
package manifest

import (
	"crypto/sha1"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
)

// HashSize is the length of a piece digest and of the content hash.
const HashSize = sha1.Size

// Manifest is immutable once built by New or FromContent.
type Manifest struct {
	Name        string
	ContentHash [HashSize]byte
	PieceLength uint32
	TotalLength uint64
	PieceHashes [][HashSize]byte
}

var (
	ErrEmptyContent     = errors.New("manifest: total length must be positive")
	ErrZeroPieceLength  = errors.New("manifest: piece length must be positive")
	ErrPieceCount       = errors.New("manifest: piece hash count does not match length")
	ErrPieceOutOfBounds = errors.New("manifest: piece index out of range")
)

// New validates the geometry and returns a Manifest.
func New(name string, contentHash [HashSize]byte, pieceLength uint32, totalLength uint64, hashes [][HashSize]byte) (*Manifest, error) {
	if pieceLength == 0 {
		return nil, ErrZeroPieceLength
	}
	if totalLength == 0 {
		return nil, ErrEmptyContent
	}
	want := (totalLength + uint64(pieceLength) - 1) / uint64(pieceLength)
	if uint64(len(hashes)) != want {
		return nil, fmt.Errorf("%w: have %d hashes, want %d", ErrPieceCount, len(hashes), want)
	}
	return &Manifest{
		Name:        name,
		ContentHash: contentHash,
		PieceLength: pieceLength,
		TotalLength: totalLength,
		PieceHashes: append([][HashSize]byte(nil), hashes...),
	}, nil
}

// FromContent builds a manifest for data held in memory. The content hash
// covers every piece digest and the total length.
func FromContent(name string, data []byte, pieceLength uint32) (*Manifest, error) {
	if pieceLength == 0 {
		return nil, ErrZeroPieceLength
	}
	if len(data) == 0 {
		return nil, ErrEmptyContent
	}

	var hashes [][HashSize]byte
	h := sha1.New()
	for off := 0; off < len(data); off += int(pieceLength) {
		end := min(off+int(pieceLength), len(data))
		sum := sha1.Sum(data[off:end])
		hashes = append(hashes, sum)
		h.Write(sum[:])
	}
	var size [8]byte
	binary.BigEndian.PutUint64(size[:], uint64(len(data)))
	h.Write(size[:])

	var contentHash [HashSize]byte
	copy(contentHash[:], h.Sum(nil))
	return New(name, contentHash, pieceLength, uint64(len(data)), hashes)
}

// PieceCount returns the number of pieces.
func (m *Manifest) PieceCount() int {
	return len(m.PieceHashes)
}

// PieceSize returns the length of piece i; only the last piece may be short.
func (m *Manifest) PieceSize(i uint32) uint32 {
	if int(i) >= len(m.PieceHashes) {
		return 0
	}
	if int(i) == len(m.PieceHashes)-1 {
		return uint32(m.TotalLength - uint64(m.PieceLength)*uint64(i))
	}
	return m.PieceLength
}

// PieceOffset returns the byte offset of piece i in the output artifact.
func (m *Manifest) PieceOffset(i uint32) uint64 {
	return uint64(i) * uint64(m.PieceLength)
}

// PieceHash returns the expected digest of piece i.
func (m *Manifest) PieceHash(i uint32) ([HashSize]byte, error) {
	if int(i) >= len(m.PieceHashes) {
		return [HashSize]byte{}, fmt.Errorf("%w: %d", ErrPieceOutOfBounds, i)
	}
	return m.PieceHashes[i], nil
}

// HexHash returns the content hash in lowercase hex.
func (m *Manifest) HexHash() string {
	return hex.EncodeToString(m.ContentHash[:])
}
