package models

import (
	"time"

	"github.com/google/uuid"
)

// Page is one fetched URL's extracted content. Pages are immutable once
// extracted and are not persisted beyond the run.
type Page struct {
	URL            string    `json:"url"`
	Title          string    `json:"title"`
	ExtractedText  string    `json:"extracted_text"`
	SectionHeaders []string  `json:"section_headers"`
	StatusCode     int       `json:"status_code"`
	FetchedAt      time.Time `json:"fetched_at"`
}

// Chunk is a bounded segment of a Page's text. ID is the SHA-256 hex digest
// of Text alone, so identical text from any source collapses to one id.
type Chunk struct {
	ID             string    `json:"chunk_id"`
	Text           string    `json:"text"`
	TokenCount     int       `json:"token_count"`
	SourceURL      string    `json:"source_url"`
	PageTitle      string    `json:"page_title"`
	SectionHeaders []string  `json:"section_headers"`
	ChunkIndex     int       `json:"chunk_index"`
	CreatedAt      time.Time `json:"created_at"`
}

// Embedding is the numeric vector produced for a Chunk.
type Embedding struct {
	ChunkID   string    `json:"chunk_id"`
	Vector    []float32 `json:"vector"`
	Model     string    `json:"model"`
	CreatedAt time.Time `json:"created_at"`
}

// FailedChunk records a chunk that could not be embedded or stored.
type FailedChunk struct {
	ChunkID string `json:"chunk_id"`
	Error   string `json:"error"`
}

// Payload carries all chunk metadata stored alongside a vector, plus the
// denormalized content hash for audit.
type Payload struct {
	SourceURL      string    `json:"source_url"`
	PageTitle      string    `json:"page_title"`
	SectionHeaders []string  `json:"section_headers"`
	ChunkText      string    `json:"chunk_text"`
	ContentHash    string    `json:"content_hash"`
	ChunkIndex     int       `json:"chunk_index"`
	TokenCount     int       `json:"token_count"`
	CreatedAt      time.Time `json:"created_at"`
}

// StoredPoint is the durable unit written to the vector store. Upserting a
// point whose ID already exists replaces its vector and payload.
type StoredPoint struct {
	ID      uuid.UUID `json:"id"`
	Vector  []float32 `json:"vector"`
	Payload Payload   `json:"payload"`
}

// ScoredPoint is a stored point returned from a similarity search.
type ScoredPoint struct {
	ID      uuid.UUID `json:"id"`
	Score   float64   `json:"score"`
	Payload Payload   `json:"payload"`
}

// UpsertResult summarizes a batch write to the vector store. FailedIDs
// holds the content hashes of points that did not persist, so callers can
// leave those chunks unmarked in the checkpoint and retry them on resume.
type UpsertResult struct {
	InsertedCount int      `json:"inserted_count"`
	Errors        []string `json:"errors,omitempty"`
	FailedIDs     []string `json:"failed_ids,omitempty"`
}

// VerificationResult compares the store's point count against the expected
// count within a relative tolerance.
type VerificationResult struct {
	ExpectedCount int64   `json:"expected_count"`
	ActualCount   int64   `json:"actual_count"`
	CountMatch    bool    `json:"count_match"`
	Tolerance     float64 `json:"tolerance"`
	SampleChecks  int     `json:"sample_checks"`
	SampleErrors  []string `json:"sample_errors,omitempty"`
}

// RetrievedChunk is one ranked search result with its full stored payload.
type RetrievedChunk struct {
	ChunkID         string  `json:"chunk_id"`
	ChunkText       string  `json:"chunk_text"`
	SimilarityScore float64 `json:"similarity_score"`
	Rank            int     `json:"rank"`
	Metadata        Payload `json:"metadata"`
}

// RetrievalMetrics captures per-phase timings for a search.
type RetrievalMetrics struct {
	EmbeddingTimeMs float64 `json:"query_embedding_time_ms"`
	SearchTimeMs    float64 `json:"vector_search_time_ms"`
	TotalTimeMs     float64 `json:"total_execution_time_ms"`
	EmbeddingModel  string  `json:"embedding_model"`
	CollectionName  string  `json:"collection_name"`
}

// RetrievalError distinguishes client-caused from service-caused failures.
type RetrievalError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// RetrievalResult is the structured response of a search. A provider or
// store failure is surfaced in Error rather than raised to the caller.
type RetrievalResult struct {
	Query         string           `json:"query"`
	Results       []RetrievedChunk `json:"results"`
	TotalResults  int              `json:"total_results"`
	RequestedTopK int              `json:"requested_top_k"`
	Metrics       RetrievalMetrics `json:"execution_metrics"`
	Error         *RetrievalError  `json:"error,omitempty"`
}

// Stage names the pipeline stage an error originated from.
type Stage string

const (
	StageInit      Stage = "init"
	StageCrawling  Stage = "crawling"
	StageChunking  Stage = "chunking"
	StageFiltering Stage = "filtering"
	StageEmbedding Stage = "embedding"
	StageInsertion Stage = "insertion"
	StageVerifying Stage = "verifying"
)

// StageError is one structured entry in the run's error list.
type StageError struct {
	Stage      Stage     `json:"stage"`
	Identifier string    `json:"identifier"`
	Message    string    `json:"message"`
	Timestamp  time.Time `json:"timestamp"`
}

// RunStatus is the terminal status of an ingestion run.
type RunStatus string

const (
	RunSuccess RunStatus = "success"
	RunPartial RunStatus = "partial_success"
	RunFailed  RunStatus = "failed"
)

// ChunkSizeStats validates produced chunk sizes against the target tolerance.
type ChunkSizeStats struct {
	TotalChunks     int     `json:"total_chunks"`
	AvgTokens       float64 `json:"avg_tokens"`
	MinTokens       int     `json:"min_tokens"`
	MaxTokens       int     `json:"max_tokens"`
	TargetSize      int     `json:"target_size"`
	WithinTolerance bool    `json:"within_tolerance"`
}

// Report is the final run summary and the single source of truth for what
// succeeded or failed in a run.
type Report struct {
	RunID                string              `json:"run_id"`
	Status               RunStatus           `json:"status"`
	URLsCrawled          int                 `json:"urls_crawled"`
	URLsFailed           int                 `json:"urls_failed"`
	ChunksCreated        int                 `json:"total_chunks_created"`
	NewChunks            int                 `json:"new_chunks"`
	EmbeddingsGenerated  int                 `json:"total_embeddings_generated"`
	PointsInserted       int                 `json:"total_points_inserted"`
	InsertionSuccessRate float64             `json:"insertion_success_rate"`
	StageTimings         map[Stage]float64   `json:"stage_timings_seconds"`
	DurationSeconds      float64             `json:"total_duration_seconds"`
	ChunkSizes           ChunkSizeStats      `json:"chunk_sizes"`
	Verification         *VerificationResult `json:"verification,omitempty"`
	Errors               []StageError        `json:"errors"`
}

// CheckpointStats accumulates run statistics persisted with the checkpoint.
type CheckpointStats struct {
	TotalChunksProcessed   int     `json:"total_chunks_processed"`
	TotalEmbeddingsCreated int     `json:"total_embeddings_created"`
	TotalPointsInserted    int     `json:"total_points_inserted"`
	FailedChunks           int     `json:"failed_chunks"`
	DurationSeconds        float64 `json:"duration_seconds"`
}

// CheckpointData is the persisted shape of a checkpoint file.
type CheckpointData struct {
	LastUpdated     time.Time       `json:"last_updated"`
	ProcessedHashes []string        `json:"processed_hashes"`
	Stats           CheckpointStats `json:"stats"`
}
