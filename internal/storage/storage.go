package storage

// PieceStore persists verified pieces into one preallocated artifact.
type PieceStore interface {
	// Preallocate sizes the artifact to exactly totalLength bytes.
	Preallocate(totalLength uint64) error
	// WritePiece writes a verified piece at index * pieceLength.
	WritePiece(index uint32, data []byte) error
	// ReadPiece reads back the bytes currently stored for a piece.
	ReadPiece(index uint32) ([]byte, error)
	// Sync flushes written data to stable storage.
	Sync() error
	Close() error
}
