package metadata

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/dgraph-io/badger/v4"

	"github.com/jaywantadh/ByteSwarm/internal/manifest"
)

// ErrNotFound is returned when no record exists for a key.
var ErrNotFound = errors.New("metadata: record not found")

// ResumeRecord remembers which pieces of a download were verified on disk.
type ResumeRecord struct {
	ContentHash string `json:"content_hash"`
	OutputPath  string `json:"output_path"`
	PieceLength uint32 `json:"piece_length"`
	TotalLength uint64 `json:"total_length"`
	PieceCount  int    `json:"piece_count"`
	Verified    []byte `json:"verified"`   // serialized roaring bitmap
	UpdatedAt   int64  `json:"updated_at"` // Unix timestamp
}

// RunRecord is the outcome of one download run.
type RunRecord struct {
	RunID       string `json:"run_id"`
	ContentHash string `json:"content_hash"`
	OutputPath  string `json:"output_path"`
	Status      string `json:"status"`
	Reason      string `json:"reason,omitempty"`
	Verified    int    `json:"verified"`
	Pieces      int    `json:"pieces"`
	StartedAt   int64  `json:"started_at"`
	FinishedAt  int64  `json:"finished_at"`
}

// MetadataStore wraps BadgerDB for resume and run bookkeeping.
type MetadataStore struct {
	db *badger.DB
	mu sync.Mutex // serializes read-modify-write of resume records
}

// OpenMetadataStore opens (or creates) a BadgerDB at the given path.
func OpenMetadataStore(dbPath string) (*MetadataStore, error) {
	db, err := badger.Open(badger.DefaultOptions(dbPath).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}
	return &MetadataStore{db: db}, nil
}

// Close closes the BadgerDB.
func (ms *MetadataStore) Close() error {
	return ms.db.Close()
}

func resumeKey(contentHash string) []byte { return []byte("resume:" + contentHash) }
func runKey(runID string) []byte          { return []byte("run:" + runID) }

func (ms *MetadataStore) put(key []byte, v any) error {
	val, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return ms.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, val)
	})
}

func getJSON(txn *badger.Txn, key []byte, v any) error {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

// PutResume stores a resume record.
func (ms *MetadataStore) PutResume(rec ResumeRecord) error {
	return ms.put(resumeKey(rec.ContentHash), rec)
}

// GetResume retrieves the resume record for a content hash.
func (ms *MetadataStore) GetResume(contentHash string) (ResumeRecord, error) {
	var rec ResumeRecord
	err := ms.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, resumeKey(contentHash), &rec)
	})
	return rec, err
}

// DeleteResume forgets a content hash.
func (ms *MetadataStore) DeleteResume(contentHash string) error {
	return ms.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(resumeKey(contentHash))
	})
}

// MarkVerified adds a piece to the resume record of m written to outputPath,
// creating or resetting the record when its geometry does not match.
func (ms *MetadataStore) MarkVerified(m *manifest.Manifest, outputPath string, index uint32) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	return ms.db.Update(func(txn *badger.Txn) error {
		var rec ResumeRecord
		err := getJSON(txn, resumeKey(m.HexHash()), &rec)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}

		bm := roaring.New()
		if err == nil && matches(rec, m, outputPath) {
			if err := bm.UnmarshalBinary(rec.Verified); err != nil {
				return fmt.Errorf("corrupt resume bitmap: %w", err)
			}
		}
		bm.Add(index)
		raw, err := bm.ToBytes()
		if err != nil {
			return err
		}

		rec = newResumeRecord(m, outputPath)
		rec.Verified = raw
		val, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return txn.Set(resumeKey(rec.ContentHash), val)
	})
}

// LoadVerified returns the pieces previously verified for m at outputPath.
// A missing or mismatched record yields an empty set.
func (ms *MetadataStore) LoadVerified(m *manifest.Manifest, outputPath string) (*roaring.Bitmap, error) {
	rec, err := ms.GetResume(m.HexHash())
	if errors.Is(err, ErrNotFound) {
		return roaring.New(), nil
	}
	if err != nil {
		return nil, err
	}
	bm := roaring.New()
	if !matches(rec, m, outputPath) {
		return bm, nil
	}
	if err := bm.UnmarshalBinary(rec.Verified); err != nil {
		return nil, fmt.Errorf("corrupt resume bitmap: %w", err)
	}
	return bm, nil
}

func matches(rec ResumeRecord, m *manifest.Manifest, outputPath string) bool {
	return rec.OutputPath == outputPath &&
		rec.PieceLength == m.PieceLength &&
		rec.TotalLength == m.TotalLength &&
		rec.PieceCount == m.PieceCount()
}

func newResumeRecord(m *manifest.Manifest, outputPath string) ResumeRecord {
	return ResumeRecord{
		ContentHash: m.HexHash(),
		OutputPath:  outputPath,
		PieceLength: m.PieceLength,
		TotalLength: m.TotalLength,
		PieceCount:  m.PieceCount(),
		UpdatedAt:   time.Now().Unix(),
	}
}

// PutRunRecord stores the outcome of a run.
func (ms *MetadataStore) PutRunRecord(rec RunRecord) error {
	return ms.put(runKey(rec.RunID), rec)
}

// GetRunRecord retrieves a run by id.
func (ms *MetadataStore) GetRunRecord(runID string) (RunRecord, error) {
	var rec RunRecord
	err := ms.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, runKey(runID), &rec)
	})
	return rec, err
}
