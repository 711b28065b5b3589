package checkpoint

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/text-anchor/anchor-go/internal/pipeline/models"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "checkpoint.json")
	return NewStore(path), path
}

func TestLoadMissingFileReturnsEmpty(t *testing.T) {
	store, _ := newTestStore(t)

	data, err := store.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(data.ProcessedHashes) != 0 {
		t.Errorf("expected empty checkpoint, got %d hashes", len(data.ProcessedHashes))
	}
}

func TestMarkFlushLoadRoundTrip(t *testing.T) {
	store, path := newTestStore(t)

	store.MarkProcessed("hash-a")
	store.MarkProcessed("hash-b")
	store.AddStats(models.CheckpointStats{
		TotalChunksProcessed:   2,
		TotalEmbeddingsCreated: 2,
		TotalPointsInserted:    2,
	})
	if err := store.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	// A fresh store against the same file must see the flushed state.
	reloaded := NewStore(path)
	data, err := reloaded.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(data.ProcessedHashes) != 2 {
		t.Fatalf("expected 2 hashes, got %d", len(data.ProcessedHashes))
	}
	if !reloaded.IsProcessed("hash-a") || !reloaded.IsProcessed("hash-b") {
		t.Error("reloaded store missing marked hashes")
	}
	if reloaded.IsProcessed("hash-c") {
		t.Error("unmarked hash reported as processed")
	}
	if data.Stats.TotalPointsInserted != 2 {
		t.Errorf("stats lost on round trip: %+v", data.Stats)
	}
	if data.LastUpdated.IsZero() {
		t.Error("last_updated not set")
	}
}

func TestCorruptCheckpointFailsOpen(t *testing.T) {
	store, path := newTestStore(t)
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}

	data, err := store.Load()
	if err != nil {
		t.Fatalf("corrupt checkpoint must not be fatal, got: %v", err)
	}
	if len(data.ProcessedHashes) != 0 {
		t.Errorf("expected fresh state, got %d hashes", len(data.ProcessedHashes))
	}
}

func TestLoadsLegacyHashOnlyFormat(t *testing.T) {
	store, path := newTestStore(t)
	legacy := `{"processed_hashes": ["aaa", "bbb", "ccc"]}`
	if err := os.WriteFile(path, []byte(legacy), 0o600); err != nil {
		t.Fatal(err)
	}

	data, err := store.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(data.ProcessedHashes) != 3 {
		t.Errorf("expected 3 hashes from legacy file, got %d", len(data.ProcessedHashes))
	}
	if !store.IsProcessed("bbb") {
		t.Error("legacy hash not loaded")
	}
}

func TestLoadsBareHashArrayFormat(t *testing.T) {
	store, path := newTestStore(t)
	if err := os.WriteFile(path, []byte(`["aaa", "bbb"]`), 0o600); err != nil {
		t.Fatal(err)
	}

	data, err := store.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(data.ProcessedHashes) != 2 {
		t.Errorf("expected 2 hashes from bare array, got %d", len(data.ProcessedHashes))
	}
	if !store.IsProcessed("aaa") {
		t.Error("bare array hash not loaded")
	}
	if data.Stats.TotalChunksProcessed != 0 {
		t.Errorf("expected zeroed stats, got %+v", data.Stats)
	}
}

func TestClearRemovesFileAndState(t *testing.T) {
	store, path := newTestStore(t)
	store.MarkProcessed("hash-a")
	if err := store.Flush(); err != nil {
		t.Fatal(err)
	}

	if err := store.Clear(); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	if store.IsProcessed("hash-a") {
		t.Error("state survived Clear")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("checkpoint file survived Clear")
	}

	// Clearing an already-missing file is not an error.
	if err := store.Clear(); err != nil {
		t.Errorf("second Clear failed: %v", err)
	}
}

func TestFlushIsAtomic(t *testing.T) {
	store, path := newTestStore(t)
	store.MarkProcessed("hash-a")
	if err := store.Flush(); err != nil {
		t.Fatal(err)
	}

	// No temp files left behind next to the checkpoint.
	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("expected only the checkpoint file, found %d entries", len(entries))
	}
}

func TestConcurrentMarkAndFlush(t *testing.T) {
	store, _ := newTestStore(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			store.MarkProcessed("hash-a")
			_ = store.Flush()
		}
	}()
	for i := 0; i < 50; i++ {
		store.MarkProcessed("hash-b")
		_ = store.Flush()
	}
	<-done

	if !store.IsProcessed("hash-a") || !store.IsProcessed("hash-b") {
		t.Error("concurrent marks lost")
	}
}
