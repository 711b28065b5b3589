// Package retriever embeds natural language queries and searches the vector
// store, returning ranked results with their full stored payload.
package retriever

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/text-anchor/anchor-go/internal/pipeline/embedders"
	"github.com/text-anchor/anchor-go/internal/pipeline/interfaces"
	"github.com/text-anchor/anchor-go/internal/pipeline/models"
	"github.com/text-anchor/anchor-go/internal/pipeline/retry"
	"github.com/text-anchor/anchor-go/pkg/util"

	"github.com/rs/zerolog"
)

const (
	minTopK = 1
	maxTopK = 100
)

// Error codes distinguish caller mistakes from provider and store failures.
const (
	CodeInvalidQuery      = "INVALID_QUERY"
	CodeInvalidTopK       = "INVALID_TOP_K"
	CodeInvalidThreshold  = "INVALID_THRESHOLD"
	CodeEmbeddingFailed   = "EMBEDDING_FAILED"
	CodeSearchFailed      = "SEARCH_FAILED"
	CodeMetadataIntegrity = "METADATA_INTEGRITY"
)

var (
	ErrEmptyQuery        = errors.New("query cannot be empty")
	ErrTopKOutOfRange    = fmt.Errorf("top_k must be between %d and %d", minTopK, maxTopK)
	ErrThresholdRange    = errors.New("similarity_threshold must be between 0.0 and 1.0")
	ErrIncompletePayload = errors.New("stored point is missing required payload fields")
)

// Retriever performs semantic search. The query is embedded with the same
// model used at ingestion time; mixing models silently degrades relevance,
// so the embedder is injected rather than chosen per call.
type Retriever struct {
	embedder   interfaces.Embedder
	vectors    interfaces.VectorStore
	collection string
	policy     retry.Policy
	logger     zerolog.Logger
}

// NewRetriever creates a retriever over the given embedder and store.
func NewRetriever(
	embedder interfaces.Embedder,
	vectors interfaces.VectorStore,
	collection string,
	policy retry.Policy,
) *Retriever {
	return &Retriever{
		embedder:   embedder,
		vectors:    vectors,
		collection: collection,
		policy:     policy,
		logger:     util.NewLogger(util.LevelFromEnv()),
	}
}

// Search embeds the query and returns up to topK results ranked by
// similarity descending, dropping results below threshold. Provider and
// store failures come back as a structured error in the result, never as a
// raised error; fewer stored points than topK is not an error.
func (r *Retriever) Search(ctx context.Context, query string, topK int, threshold float64) *models.RetrievalResult {
	start := time.Now()
	result := &models.RetrievalResult{
		Query:         query,
		Results:       []models.RetrievedChunk{},
		RequestedTopK: topK,
		Metrics: models.RetrievalMetrics{
			EmbeddingModel: r.embedder.GetModelName(),
			CollectionName: r.collection,
		},
	}

	fail := func(code string, err error) *models.RetrievalResult {
		r.logger.Error().Err(err).Str("code", code).Str("query", query).Msg("search failed")
		result.Error = &models.RetrievalError{Code: code, Message: err.Error()}
		result.Metrics.TotalTimeMs = msSince(start)
		return result
	}

	if strings.TrimSpace(query) == "" {
		return fail(CodeInvalidQuery, ErrEmptyQuery)
	}
	if topK < minTopK || topK > maxTopK {
		return fail(CodeInvalidTopK, ErrTopKOutOfRange)
	}
	if threshold < 0 || threshold > 1 {
		return fail(CodeInvalidThreshold, ErrThresholdRange)
	}

	embedStart := time.Now()
	var vectors [][]float32
	res := retry.Do(ctx, r.policy, transientQueryError, func(ctx context.Context) error {
		var err error
		vectors, err = r.embedder.EmbedBatch(ctx, []string{query}, embedders.InputTypeQuery)
		return err
	})
	if res.Err != nil {
		return fail(CodeEmbeddingFailed, res.Err)
	}
	result.Metrics.EmbeddingTimeMs = msSince(embedStart)

	searchStart := time.Now()
	points, err := r.vectors.Search(ctx, vectors[0], topK)
	if err != nil {
		return fail(CodeSearchFailed, err)
	}
	result.Metrics.SearchTimeMs = msSince(searchStart)

	rank := 0
	for _, point := range points {
		if point.Score < threshold {
			continue
		}
		if missing := missingPayloadField(point.Payload); missing != "" {
			return fail(CodeMetadataIntegrity,
				fmt.Errorf("%w: point %s missing %s", ErrIncompletePayload, point.ID, missing))
		}
		rank++
		result.Results = append(result.Results, models.RetrievedChunk{
			ChunkID:         point.Payload.ContentHash,
			ChunkText:       point.Payload.ChunkText,
			SimilarityScore: point.Score,
			Rank:            rank,
			Metadata:        point.Payload,
		})
	}
	result.TotalResults = len(result.Results)
	result.Metrics.TotalTimeMs = msSince(start)

	r.logger.Info().
		Str("query", query).
		Int("results", result.TotalResults).
		Int("requested_top_k", topK).
		Float64("total_ms", result.Metrics.TotalTimeMs).
		Msg("search complete")

	return result
}

// missingPayloadField names the first required payload field that is absent.
// section_headers may legitimately be empty; chunk_index zero is valid.
func missingPayloadField(p models.Payload) string {
	switch {
	case p.ChunkText == "":
		return "chunk_text"
	case p.SourceURL == "":
		return "source_url"
	case p.PageTitle == "":
		return "page_title"
	case p.ContentHash == "":
		return "content_hash"
	}
	return ""
}

// transientQueryError treats provider rate limits and transport failures as
// retryable; validation errors are not.
func transientQueryError(err error) bool {
	switch {
	case errors.Is(err, embedders.ErrNoTexts),
		errors.Is(err, embedders.ErrInvalidInputType),
		errors.Is(err, embedders.ErrBatchTooLarge),
		errors.Is(err, embedders.ErrCountMismatch),
		errors.Is(err, embedders.ErrNonFiniteVector):
		return false
	}
	return true
}

func msSince(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000
}

// ValidationReport summarizes metadata integrity across a result set.
type ValidationReport struct {
	TotalResults   int      `json:"total_results"`
	ValidResults   int      `json:"valid_results"`
	InvalidResults int      `json:"invalid_results"`
	Issues         []string `json:"issues,omitempty"`
}

// ValidateMetadata checks every result for required payload fields. Used by
// the search CLI to audit what ingestion wrote.
func ValidateMetadata(results []models.RetrievedChunk) *ValidationReport {
	report := &ValidationReport{TotalResults: len(results)}
	for i, res := range results {
		if missing := missingPayloadField(res.Metadata); missing != "" {
			report.InvalidResults++
			report.Issues = append(report.Issues,
				fmt.Sprintf("result %d: empty %s", i, missing))
			continue
		}
		report.ValidResults++
	}
	return report
}
