package metadata

import (
	"bytes"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/jaywantadh/ByteSwarm/internal/manifest"
)

func openTestStore(t *testing.T) *MetadataStore {
	t.Helper()
	store, err := OpenMetadataStore(filepath.Join(t.TempDir(), "byteswarm_test_metadata_db"))
	if err != nil {
		t.Fatalf("failed to open metadata store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func testManifest(t *testing.T) *manifest.Manifest {
	t.Helper()
	m, err := manifest.FromContent("movie.mkv", bytes.Repeat([]byte("swarm"), 2000), 1024)
	if err != nil {
		t.Fatalf("failed to build manifest: %v", err)
	}
	return m
}

func TestResumeMarkAndLoad(t *testing.T) {
	store := openTestStore(t)
	m := testManifest(t)

	bm, err := store.LoadVerified(m, "/data/movie.mkv")
	if err != nil {
		t.Fatalf("failed to load empty resume state: %v", err)
	}
	if !bm.IsEmpty() {
		t.Errorf("expected empty set, got %v", bm.ToArray())
	}

	for _, idx := range []uint32{0, 3, 9} {
		if err := store.MarkVerified(m, "/data/movie.mkv", idx); err != nil {
			t.Fatalf("failed to mark piece %d: %v", idx, err)
		}
	}

	bm, err = store.LoadVerified(m, "/data/movie.mkv")
	if err != nil {
		t.Fatalf("failed to load resume state: %v", err)
	}
	if got := bm.ToArray(); len(got) != 3 || got[0] != 0 || got[1] != 3 || got[2] != 9 {
		t.Errorf("unexpected verified set %v", got)
	}

	rec, err := store.GetResume(m.HexHash())
	if err != nil {
		t.Fatalf("failed to get resume record: %v", err)
	}
	if rec.PieceCount != m.PieceCount() || rec.TotalLength != m.TotalLength || rec.UpdatedAt == 0 {
		t.Errorf("resume record does not match manifest: %+v", rec)
	}

	// A different output path does not inherit the verified set.
	other, err := store.LoadVerified(m, "/elsewhere/movie.mkv")
	if err != nil {
		t.Fatalf("failed to load resume state: %v", err)
	}
	if !other.IsEmpty() {
		t.Errorf("expected empty set for other output, got %v", other.ToArray())
	}

	if err := store.DeleteResume(m.HexHash()); err != nil {
		t.Fatalf("failed to delete resume record: %v", err)
	}
	if _, err := store.GetResume(m.HexHash()); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestResumeConcurrentMarks(t *testing.T) {
	store := openTestStore(t)
	m := testManifest(t)

	var wg sync.WaitGroup
	for i := 0; i < m.PieceCount(); i++ {
		wg.Add(1)
		go func(idx uint32) {
			defer wg.Done()
			if err := store.MarkVerified(m, "out.bin", idx); err != nil {
				t.Errorf("failed to mark piece %d: %v", idx, err)
			}
		}(uint32(i))
	}
	wg.Wait()

	bm, err := store.LoadVerified(m, "out.bin")
	if err != nil {
		t.Fatalf("failed to load resume state: %v", err)
	}
	if int(bm.GetCardinality()) != m.PieceCount() {
		t.Errorf("expected %d verified pieces, got %d", m.PieceCount(), bm.GetCardinality())
	}
}

func TestRunRecord(t *testing.T) {
	store := openTestStore(t)

	run := RunRecord{
		RunID:       "8f14e45f-ceea-467f-a8b4-7f4c2b1a9d10",
		ContentHash: "abc",
		OutputPath:  "out.bin",
		Status:      "failed",
		Reason:      "no usable peers error",
		Pieces:      4,
		StartedAt:   100,
		FinishedAt:  160,
	}
	if err := store.PutRunRecord(run); err != nil {
		t.Fatalf("failed to put run record: %v", err)
	}
	got, err := store.GetRunRecord(run.RunID)
	if err != nil {
		t.Fatalf("failed to get run record: %v", err)
	}
	if got != run {
		t.Errorf("retrieved run record does not match: %+v", got)
	}

	if _, err := store.GetRunRecord("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
