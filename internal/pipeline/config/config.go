package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultModel          = "embed-english-v3.0"
	defaultDimension      = 1024
	defaultBatchSize      = 96
	defaultMaxRetries     = 3
	defaultRequestTimeout = 60 * time.Second
	defaultCollection     = "textbook_embeddings"
	defaultChunkSize      = 512
	defaultChunkOverlap   = 50
	defaultCheckpoint     = "ingestion_checkpoint.json"
	defaultTopK           = 5

	maxBatchSize  = 96
	maxRetriesCap = 10
	minChunkSize  = 50
	maxChunkSize  = 8191
	maxTopK       = 100
)

var (
	ErrMissingAPIKey     = errors.New("COHERE_API_KEY is required")
	ErrMissingDatabase   = errors.New("DATABASE_URL is required")
	ErrMissingBaseURL    = errors.New("base URL is required")
	ErrBatchSizeRange    = fmt.Errorf("batch size must be between 1 and %d", maxBatchSize)
	ErrMaxRetriesRange   = fmt.Errorf("max retries must be between 0 and %d", maxRetriesCap)
	ErrChunkSizeRange    = fmt.Errorf("chunk size must be between %d and %d", minChunkSize, maxChunkSize)
	ErrChunkOverlapRange = errors.New("chunk overlap must be between 0 and chunk size - 1")
	ErrTopKRange         = fmt.Errorf("top_k must be between 1 and %d", maxTopK)
	ErrThresholdRange    = errors.New("similarity threshold must be between 0.0 and 1.0")
)

// Config is the immutable pipeline configuration, loaded once from the
// environment and validated before any work begins. CLI flags may override
// individual fields before Validate is called.
type Config struct {
	CohereAPIKey   string
	CohereModel    string
	Dimension      int
	BatchSize      int
	MaxRetries     int
	RequestTimeout time.Duration

	DatabaseURL    string
	CollectionName string

	ChunkSize    int
	ChunkOverlap int

	CheckpointFile string
	BaseURL        string

	TopK                int
	SimilarityThreshold float64
}

// Load builds a Config from environment variables with documented defaults.
func Load() *Config {
	return &Config{
		CohereAPIKey:        os.Getenv("COHERE_API_KEY"),
		CohereModel:         getStringEnv("COHERE_MODEL", defaultModel),
		Dimension:           getIntEnv("EMBEDDING_DIMENSION", defaultDimension),
		BatchSize:           getIntEnv("BATCH_SIZE", defaultBatchSize),
		MaxRetries:          getIntEnv("MAX_RETRIES", defaultMaxRetries),
		RequestTimeout:      time.Duration(getIntEnv("REQUEST_TIMEOUT", int(defaultRequestTimeout.Seconds()))) * time.Second,
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		CollectionName:      getStringEnv("COLLECTION_NAME", defaultCollection),
		ChunkSize:           getIntEnv("CHUNK_SIZE", defaultChunkSize),
		ChunkOverlap:        getIntEnv("CHUNK_OVERLAP", defaultChunkOverlap),
		CheckpointFile:      getStringEnv("CHECKPOINT_FILE", defaultCheckpoint),
		BaseURL:             os.Getenv("BASE_URL"),
		TopK:                getIntEnv("TOP_K", defaultTopK),
		SimilarityThreshold: getFloatEnv("SIMILARITY_THRESHOLD", 0),
	}
}

// Validate rejects malformed or out-of-range configuration before any work
// begins. requireIngest additionally enforces the fields only an ingestion
// run needs (base URL).
func (c *Config) Validate(requireIngest bool) error {
	if c.CohereAPIKey == "" {
		return ErrMissingAPIKey
	}
	if c.DatabaseURL == "" {
		return ErrMissingDatabase
	}
	if requireIngest && strings.TrimSpace(c.BaseURL) == "" {
		return ErrMissingBaseURL
	}
	if c.BatchSize < 1 || c.BatchSize > maxBatchSize {
		return ErrBatchSizeRange
	}
	if c.MaxRetries < 0 || c.MaxRetries > maxRetriesCap {
		return ErrMaxRetriesRange
	}
	if c.ChunkSize < minChunkSize || c.ChunkSize > maxChunkSize {
		return ErrChunkSizeRange
	}
	if c.ChunkOverlap < 0 || c.ChunkOverlap >= c.ChunkSize {
		return ErrChunkOverlapRange
	}
	if c.TopK < 1 || c.TopK > maxTopK {
		return ErrTopKRange
	}
	if c.SimilarityThreshold < 0 || c.SimilarityThreshold > 1 {
		return ErrThresholdRange
	}
	return nil
}

func getStringEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	if n, err := strconv.Atoi(v); err == nil {
		return n
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return f
	}
	return defaultValue
}
