package embedders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/text-anchor/anchor-go/internal/pipeline/interfaces"
	"github.com/text-anchor/anchor-go/internal/pipeline/models"
	"github.com/text-anchor/anchor-go/internal/pipeline/retry"
	"github.com/text-anchor/anchor-go/pkg/util"
)

// Batcher groups chunks into provider-bounded batches, embeds each batch
// with retry-and-backoff, and isolates failures so one exhausted batch never
// aborts the run.
type Batcher struct {
	embedder   interfaces.Embedder
	checkpoint interfaces.CheckpointStore
	batchSize  int
	policy     retry.Policy
	logger     zerolog.Logger
}

// NewBatcher creates a batcher. batchSize is clamped to the embedder's
// provider limit.
func NewBatcher(
	embedder interfaces.Embedder,
	checkpoint interfaces.CheckpointStore,
	batchSize int,
	policy retry.Policy,
) *Batcher {
	if max := embedder.GetMaxBatchSize(); batchSize > max || batchSize < 1 {
		batchSize = max
	}
	return &Batcher{
		embedder:   embedder,
		checkpoint: checkpoint,
		batchSize:  batchSize,
		policy:     policy,
		logger:     util.NewLogger(util.LevelFromEnv()),
	}
}

// EmbedChunks embeds every chunk not already marked processed in the
// checkpoint. After each successful batch, onBatch is invoked with the
// batch's chunks and embeddings so the caller can mark and flush the
// checkpoint at batch granularity. Chunks whose batch exhausts its retries
// are returned as FailedChunk entries; processing continues with the next
// batch.
func (b *Batcher) EmbedChunks(
	ctx context.Context,
	chunks []*models.Chunk,
	onBatch func(interfaces.BatchResult) error,
) ([]*models.Embedding, []models.FailedChunk, error) {
	pending := make([]*models.Chunk, 0, len(chunks))
	skipped := 0
	for _, c := range chunks {
		if b.checkpoint.IsProcessed(c.ID) {
			skipped++
			continue
		}
		pending = append(pending, c)
	}

	b.logger.Info().
		Int("pending", len(pending)).
		Int("skipped", skipped).
		Int("batch_size", b.batchSize).
		Msg("embedding chunks")

	var allEmbeddings []*models.Embedding
	var failed []models.FailedChunk

	for start := 0; start < len(pending); start += b.batchSize {
		end := start + b.batchSize
		if end > len(pending) {
			end = len(pending)
		}
		batch := pending[start:end]
		batchNum := start/b.batchSize + 1

		embeddings, err := b.embedBatch(ctx, batch)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return allEmbeddings, failed, ctxErr
			}
			b.logger.Error().
				Err(err).
				Int("batch", batchNum).
				Int("chunks", len(batch)).
				Msg("batch failed after retries, continuing with next batch")
			for _, c := range batch {
				failed = append(failed, models.FailedChunk{
					ChunkID: c.ID,
					Error:   err.Error(),
				})
			}
			continue
		}

		allEmbeddings = append(allEmbeddings, embeddings...)
		b.logger.Info().
			Int("batch", batchNum).
			Int("chunks", len(batch)).
			Msg("batch embedded")

		if onBatch != nil {
			if err := onBatch(interfaces.BatchResult{Embeddings: embeddings, Chunks: batch}); err != nil {
				return allEmbeddings, failed, fmt.Errorf("batch callback: %w", err)
			}
		}
	}

	return allEmbeddings, failed, nil
}

func (b *Batcher) embedBatch(ctx context.Context, batch []*models.Chunk) ([]*models.Embedding, error) {
	texts := make([]string, len(batch))
	for i, c := range batch {
		texts[i] = c.Text
	}

	var vectors [][]float32
	res := retry.Do(ctx, b.policy, isTransient, func(ctx context.Context) error {
		var err error
		vectors, err = b.embedder.EmbedBatch(ctx, texts, InputTypeDocument)
		return err
	})
	if res.Exhausted {
		return nil, res.Err
	}

	now := time.Now().UTC()
	model := b.embedder.GetModelName()
	embeddings := make([]*models.Embedding, len(batch))
	for i, c := range batch {
		embeddings[i] = &models.Embedding{
			ChunkID:   c.ID,
			Vector:    vectors[i],
			Model:     model,
			CreatedAt: now,
		}
	}
	return embeddings, nil
}

// isTransient reports whether an embedding error is worth retrying. Rate
// limits and transport failures are transient; validation errors are not.
func isTransient(err error) bool {
	switch {
	case errors.Is(err, ErrRateLimited),
		errors.Is(err, ErrAPIRequestFailed),
		errors.Is(err, context.DeadlineExceeded):
		return true
	case errors.Is(err, ErrNoTexts),
		errors.Is(err, ErrBatchTooLarge),
		errors.Is(err, ErrInvalidInputType),
		errors.Is(err, ErrCountMismatch),
		errors.Is(err, ErrNonFiniteVector):
		return false
	}
	// Unknown errors (connection resets, timeouts) are treated as transient.
	return true
}
