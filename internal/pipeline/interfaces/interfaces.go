package interfaces

import (
	"context"

	"github.com/text-anchor/anchor-go/internal/pipeline/models"
)

// CrawlResult is the outcome of crawling a site.
type CrawlResult struct {
	Pages      []*models.Page
	FailedURLs []models.StageError
}

// Crawler fetches pages from a base URL and extracts boilerplate-stripped
// text. Page-level fetch errors are recorded, not raised.
type Crawler interface {
	Crawl(ctx context.Context, baseURL string) (*CrawlResult, error)
}

// Chunker splits a page's extracted text into bounded overlapping chunks
// carrying the page's metadata. Given the same page and parameters, the
// produced chunks must be byte-identical across runs.
type Chunker interface {
	ChunkPage(page *models.Page, targetTokens, overlapTokens int) ([]*models.Chunk, error)

	// CountTokens counts tokens using the embedding model's own tokenizer.
	CountTokens(text string) (int, error)
}

// Embedder generates fixed-dimension embeddings for a batch of texts.
// inputType distinguishes document embedding from query embedding; the two
// must use the same model for retrieval symmetry.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string, inputType string) ([][]float32, error)

	GetModelName() string
	GetDimension() int
	GetMaxBatchSize() int
}

// CheckpointStore tracks which chunk hashes have already been processed so
// interrupted runs resume without re-embedding flushed work.
type CheckpointStore interface {
	Load() (*models.CheckpointData, error)
	IsProcessed(chunkID string) bool
	MarkProcessed(chunkID string)
	AddStats(delta models.CheckpointStats)
	Flush() error
	Clear() error
}

// VectorStore is the durable vector database. Upsert replaces any point that
// already exists under the same id.
type VectorStore interface {
	// EnsureCollection creates the collection if missing and validates its
	// vector dimension. A dimension mismatch is fatal to the run.
	EnsureCollection(ctx context.Context, dimension int) error

	Upsert(ctx context.Context, points []models.StoredPoint) (*models.UpsertResult, error)
	Count(ctx context.Context) (int64, error)
	Search(ctx context.Context, vector []float32, topK int) ([]models.ScoredPoint, error)
	Verify(ctx context.Context, expectedCount int64) (*models.VerificationResult, error)
}

// BatchResult reports one embedding batch back to the caller so checkpoint
// marking and flushing happen at batch granularity.
type BatchResult struct {
	Embeddings []*models.Embedding
	Chunks     []*models.Chunk
}

// Batcher groups chunks into provider-bounded batches, embeds them with
// retry, and isolates per-batch failures.
type Batcher interface {
	// EmbedChunks embeds all chunks not yet marked processed. onBatch is
	// invoked after every successful batch; returning an error from it
	// aborts the run.
	EmbedChunks(
		ctx context.Context,
		chunks []*models.Chunk,
		onBatch func(BatchResult) error,
	) ([]*models.Embedding, []models.FailedChunk, error)
}
