package embedders

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/text-anchor/anchor-go/internal/pipeline/interfaces"
	"github.com/text-anchor/anchor-go/internal/pipeline/models"
	"github.com/text-anchor/anchor-go/internal/pipeline/retry"
)

// fakeEmbedder simulates the provider. Batches are keyed by their first
// chunk's ordinal so tests can rate limit a specific batch a configured
// number of times (-1 = always fail).
type fakeEmbedder struct {
	dimension    int
	calls        int
	failBatches  map[int]int
	attemptCount map[int]int
}

func newFakeEmbedder() *fakeEmbedder {
	return &fakeEmbedder{
		dimension:    4,
		failBatches:  map[int]int{},
		attemptCount: map[int]int{},
	}
}

func (f *fakeEmbedder) EmbedBatch(_ context.Context, texts []string, inputType string) ([][]float32, error) {
	if inputType != InputTypeDocument {
		return nil, ErrInvalidInputType
	}
	f.calls++

	batchKey := 0
	fmt.Sscanf(texts[0], "chunk-%d", &batchKey)

	f.attemptCount[batchKey]++
	failures, configured := f.failBatches[batchKey]
	if configured {
		if failures < 0 || f.attemptCount[batchKey] <= failures {
			return nil, ErrRateLimited
		}
	}

	vectors := make([][]float32, len(texts))
	for i := range vectors {
		vectors[i] = make([]float32, f.dimension)
	}
	return vectors, nil
}

func (f *fakeEmbedder) GetModelName() string  { return "fake-embed-v1" }
func (f *fakeEmbedder) GetDimension() int     { return f.dimension }
func (f *fakeEmbedder) GetMaxBatchSize() int  { return 96 }

// fakeCheckpoint is an in-memory CheckpointStore.
type fakeCheckpoint struct {
	processed map[string]struct{}
	flushes   int
}

func newFakeCheckpoint(processed ...string) *fakeCheckpoint {
	m := make(map[string]struct{}, len(processed))
	for _, p := range processed {
		m[p] = struct{}{}
	}
	return &fakeCheckpoint{processed: m}
}

func (f *fakeCheckpoint) Load() (*models.CheckpointData, error) { return &models.CheckpointData{}, nil }
func (f *fakeCheckpoint) IsProcessed(id string) bool {
	_, ok := f.processed[id]
	return ok
}
func (f *fakeCheckpoint) MarkProcessed(id string)             { f.processed[id] = struct{}{} }
func (f *fakeCheckpoint) AddStats(models.CheckpointStats)     {}
func (f *fakeCheckpoint) Flush() error                        { f.flushes++; return nil }
func (f *fakeCheckpoint) Clear() error                        { f.processed = map[string]struct{}{}; return nil }

func makeChunks(n, startIdx int) []*models.Chunk {
	out := make([]*models.Chunk, n)
	for i := range out {
		idx := startIdx + i
		out[i] = &models.Chunk{
			ID:   fmt.Sprintf("hash-%04d", idx),
			Text: fmt.Sprintf("chunk-%d", idx),
		}
	}
	return out
}

func fastRetryPolicy(attempts int) retry.Policy {
	return retry.Policy{MaxAttempts: attempts, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func TestEmbedChunksBatchesAndSucceeds(t *testing.T) {
	embedder := newFakeEmbedder()
	cp := newFakeCheckpoint()
	batcher := NewBatcher(embedder, cp, 2, fastRetryPolicy(3))

	chunks := makeChunks(5, 0)
	var batches []int
	embeddings, failed, err := batcher.EmbedChunks(context.Background(), chunks, func(br interfaces.BatchResult) error {
		batches = append(batches, len(br.Chunks))
		return nil
	})
	if err != nil {
		t.Fatalf("EmbedChunks failed: %v", err)
	}
	if len(failed) != 0 {
		t.Errorf("expected no failed chunks, got %d", len(failed))
	}
	if len(embeddings) != 5 {
		t.Errorf("expected 5 embeddings, got %d", len(embeddings))
	}
	// 5 chunks at batch size 2 = batches of 2, 2, 1.
	if len(batches) != 3 || batches[0] != 2 || batches[2] != 1 {
		t.Errorf("unexpected batch sizes: %v", batches)
	}
	for i, e := range embeddings {
		if e.ChunkID != chunks[i].ID {
			t.Errorf("embedding %d: chunk id %s, want %s", i, e.ChunkID, chunks[i].ID)
		}
		if e.Model != "fake-embed-v1" {
			t.Errorf("embedding %d: model %s", i, e.Model)
		}
	}
}

func TestEmbedChunksSkipsProcessedHashes(t *testing.T) {
	chunks := makeChunks(4, 0)
	embedder := newFakeEmbedder()
	cp := newFakeCheckpoint(chunks[0].ID, chunks[2].ID)
	batcher := NewBatcher(embedder, cp, 96, fastRetryPolicy(3))

	embeddings, failed, err := batcher.EmbedChunks(context.Background(), chunks, nil)
	if err != nil {
		t.Fatalf("EmbedChunks failed: %v", err)
	}
	if len(failed) != 0 {
		t.Errorf("unexpected failures: %v", failed)
	}
	if len(embeddings) != 2 {
		t.Fatalf("expected 2 embeddings for unprocessed chunks, got %d", len(embeddings))
	}
	if embeddings[0].ChunkID != chunks[1].ID || embeddings[1].ChunkID != chunks[3].ID {
		t.Error("wrong chunks embedded")
	}
}

func TestEmbedChunksAllProcessedIsNoOp(t *testing.T) {
	chunks := makeChunks(3, 0)
	cp := newFakeCheckpoint(chunks[0].ID, chunks[1].ID, chunks[2].ID)
	embedder := newFakeEmbedder()
	batcher := NewBatcher(embedder, cp, 96, fastRetryPolicy(3))

	embeddings, failed, err := batcher.EmbedChunks(context.Background(), chunks, nil)
	if err != nil {
		t.Fatalf("EmbedChunks failed: %v", err)
	}
	if len(embeddings) != 0 || len(failed) != 0 {
		t.Errorf("expected no work, got %d embeddings %d failed", len(embeddings), len(failed))
	}
	if embedder.calls != 0 {
		t.Errorf("provider called %d times for fully-processed input", embedder.calls)
	}
}

func TestEmbedChunksRetriesRateLimitThenSucceeds(t *testing.T) {
	embedder := newFakeEmbedder()
	// First batch (keyed by chunk-0) fails twice then succeeds.
	embedder.failBatches[0] = 2
	cp := newFakeCheckpoint()
	batcher := NewBatcher(embedder, cp, 96, fastRetryPolicy(3))

	embeddings, failed, err := batcher.EmbedChunks(context.Background(), makeChunks(3, 0), nil)
	if err != nil {
		t.Fatalf("EmbedChunks failed: %v", err)
	}
	if len(failed) != 0 {
		t.Errorf("expected retry to recover, got failures: %v", failed)
	}
	if len(embeddings) != 3 {
		t.Errorf("expected 3 embeddings, got %d", len(embeddings))
	}
	if embedder.attemptCount[0] != 3 {
		t.Errorf("expected 3 attempts, got %d", embedder.attemptCount[0])
	}
}

func TestEmbedChunksIsolatesExhaustedBatch(t *testing.T) {
	embedder := newFakeEmbedder()
	// First batch (chunks 0-1) always rate limited; second batch succeeds.
	embedder.failBatches[0] = -1
	cp := newFakeCheckpoint()
	batcher := NewBatcher(embedder, cp, 2, fastRetryPolicy(3))

	chunks := makeChunks(4, 0)
	embeddings, failed, err := batcher.EmbedChunks(context.Background(), chunks, nil)
	if err != nil {
		t.Fatalf("a failed batch must not abort the run: %v", err)
	}

	// Exactly one failed entry per chunk in the exhausted batch.
	if len(failed) != 2 {
		t.Fatalf("expected 2 failed chunks, got %d", len(failed))
	}
	for i, f := range failed {
		if f.ChunkID != chunks[i].ID {
			t.Errorf("failed chunk %d: got %s, want %s", i, f.ChunkID, chunks[i].ID)
		}
		if f.Error == "" {
			t.Errorf("failed chunk %d missing error detail", i)
		}
	}

	// The second batch still went through.
	if len(embeddings) != 2 {
		t.Fatalf("expected 2 embeddings from surviving batch, got %d", len(embeddings))
	}
	if embedder.attemptCount[0] != 3 {
		t.Errorf("exhausted batch must stop after max attempts, got %d", embedder.attemptCount[0])
	}
}

func TestEmbedChunksCallbackErrorAborts(t *testing.T) {
	embedder := newFakeEmbedder()
	cp := newFakeCheckpoint()
	batcher := NewBatcher(embedder, cp, 1, fastRetryPolicy(3))

	calls := 0
	_, _, err := batcher.EmbedChunks(context.Background(), makeChunks(3, 0), func(interfaces.BatchResult) error {
		calls++
		return fmt.Errorf("disk full")
	})
	if err == nil {
		t.Fatal("expected callback error to propagate")
	}
	if calls != 1 {
		t.Errorf("expected processing to stop after first callback error, got %d calls", calls)
	}
}

func TestBatchSizeClampedToProviderLimit(t *testing.T) {
	embedder := newFakeEmbedder()
	batcher := NewBatcher(embedder, newFakeCheckpoint(), 500, fastRetryPolicy(1))
	if batcher.batchSize != 96 {
		t.Errorf("batch size not clamped: got %d", batcher.batchSize)
	}

	batcher = NewBatcher(embedder, newFakeCheckpoint(), 0, fastRetryPolicy(1))
	if batcher.batchSize != 96 {
		t.Errorf("non-positive batch size not defaulted: got %d", batcher.batchSize)
	}
}
