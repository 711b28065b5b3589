// Package store persists embedding points in Postgres with the pgvector
// extension. The point id is the deterministic UUID derived from the chunk's
// content hash, so upserting the same text twice replaces the existing row.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"time"

	"github.com/text-anchor/anchor-go/internal/pipeline/hasher"
	"github.com/text-anchor/anchor-go/internal/pipeline/models"
	"github.com/text-anchor/anchor-go/pkg/util"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	"github.com/rs/zerolog"
)

const (
	// Relative tolerance for count verification.
	countTolerance = 0.01
	// Rows sampled for payload integrity checks during Verify.
	sampleProbeCount = 5
)

var (
	ErrInvalidCollectionName = errors.New("collection name must be a lowercase identifier")
	ErrDimensionMismatch     = errors.New("collection vector dimension does not match embedder")
	ErrCollectionNotReady    = errors.New("collection has not been initialized")
)

var collectionNamePattern = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

// PGVectorStore implements the vector store on a pgxpool connection. The
// collection name doubles as the table name, so it is validated as a strict
// SQL identifier before ever being interpolated into a statement.
type PGVectorStore struct {
	pool       *pgxpool.Pool
	collection string
	dimension  int
	logger     zerolog.Logger
}

// NewPGVectorStore creates a store bound to one collection table.
func NewPGVectorStore(pool *pgxpool.Pool, collection string) (*PGVectorStore, error) {
	if !collectionNamePattern.MatchString(collection) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidCollectionName, collection)
	}
	return &PGVectorStore{
		pool:       pool,
		collection: collection,
		logger:     util.NewLogger(util.LevelFromEnv()),
	}, nil
}

// EnsureCollection creates the extension, table, and indexes if missing, then
// validates the stored vector dimension. A mismatch means the collection was
// built for a different embedding model and is fatal to the run.
func (s *PGVectorStore) EnsureCollection(ctx context.Context, dimension int) error {
	if dimension <= 0 {
		return fmt.Errorf("%w: dimension %d", ErrDimensionMismatch, dimension)
	}

	if _, err := s.pool.Exec(ctx, `CREATE EXTENSION IF NOT EXISTS vector`); err != nil {
		s.logger.Error().Err(err).Msg("failed to create vector extension")
		return fmt.Errorf("create extension: %w", err)
	}

	createTable := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id uuid PRIMARY KEY,
		embedding vector(%d) NOT NULL,
		chunk_text text NOT NULL,
		source_url text NOT NULL,
		page_title text NOT NULL,
		section_headers jsonb NOT NULL DEFAULT '[]',
		content_hash text NOT NULL,
		chunk_index integer NOT NULL,
		token_count integer NOT NULL,
		created_at timestamptz NOT NULL DEFAULT now()
	)`, s.collection, dimension)
	if _, err := s.pool.Exec(ctx, createTable); err != nil {
		s.logger.Error().Err(err).Str("collection", s.collection).Msg("failed to create collection table")
		return fmt.Errorf("create collection: %w", err)
	}

	indexes := []string{
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_content_hash_idx ON %s (content_hash)`,
			s.collection, s.collection),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_source_url_idx ON %s (source_url)`,
			s.collection, s.collection),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_embedding_idx ON %s
			USING hnsw (embedding vector_cosine_ops)`,
			s.collection, s.collection),
	}
	for _, stmt := range indexes {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			s.logger.Error().Err(err).Str("collection", s.collection).Msg("failed to create index")
			return fmt.Errorf("create index: %w", err)
		}
	}

	// atttypmod holds the declared dimension for vector columns.
	var stored int
	err := s.pool.QueryRow(ctx,
		`SELECT atttypmod FROM pg_attribute
		 WHERE attrelid = $1::regclass AND attname = 'embedding'`,
		s.collection,
	).Scan(&stored)
	if err != nil {
		s.logger.Error().Err(err).Str("collection", s.collection).Msg("failed to read collection dimension")
		return fmt.Errorf("read dimension: %w", err)
	}
	if stored != dimension {
		s.logger.Error().
			Int("collection_dimension", stored).
			Int("embedder_dimension", dimension).
			Str("collection", s.collection).
			Msg("vector dimension mismatch")
		return fmt.Errorf("%w: collection has %d, embedder produces %d",
			ErrDimensionMismatch, stored, dimension)
	}

	s.dimension = dimension
	s.logger.Info().Str("collection", s.collection).Int("dimension", dimension).Msg("collection ready")
	return nil
}

// BuildPoints pairs chunks with their embeddings into stored points. The
// point UUID comes from the chunk's content hash; chunks without a matching
// embedding are skipped.
func BuildPoints(chunks []*models.Chunk, embeddings []*models.Embedding) ([]models.StoredPoint, error) {
	byChunk := make(map[string][]float32, len(embeddings))
	for _, emb := range embeddings {
		byChunk[emb.ChunkID] = emb.Vector
	}

	points := make([]models.StoredPoint, 0, len(chunks))
	for _, chunk := range chunks {
		vector, ok := byChunk[chunk.ID]
		if !ok {
			continue
		}
		id, err := hasher.PointID(chunk.ID)
		if err != nil {
			return nil, fmt.Errorf("point id for chunk %s: %w", chunk.ID, err)
		}
		points = append(points, models.StoredPoint{
			ID:     id,
			Vector: vector,
			Payload: models.Payload{
				SourceURL:      chunk.SourceURL,
				PageTitle:      chunk.PageTitle,
				SectionHeaders: chunk.SectionHeaders,
				ChunkText:      chunk.Text,
				ContentHash:    chunk.ID,
				ChunkIndex:     chunk.ChunkIndex,
				TokenCount:     chunk.TokenCount,
				CreatedAt:      chunk.CreatedAt,
			},
		})
	}
	return points, nil
}

// Upsert writes points with replace semantics. A point id that already
// exists gets its vector and payload overwritten. Points go out as one
// pgx.Batch first; pgx batches run in an implied transaction, so a single
// bad row rolls back the whole batch, and in that case every row is retried
// on its own so one failure cannot poison its neighbours. Row-level
// failures are collected per point rather than aborting.
func (s *PGVectorStore) Upsert(ctx context.Context, points []models.StoredPoint) (*models.UpsertResult, error) {
	if s.dimension == 0 {
		return nil, ErrCollectionNotReady
	}
	result := &models.UpsertResult{}
	if len(points) == 0 {
		return result, nil
	}

	stmt := fmt.Sprintf(`INSERT INTO %s
		(id, embedding, chunk_text, source_url, page_title, section_headers,
		 content_hash, chunk_index, token_count, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			embedding = EXCLUDED.embedding,
			chunk_text = EXCLUDED.chunk_text,
			source_url = EXCLUDED.source_url,
			page_title = EXCLUDED.page_title,
			section_headers = EXCLUDED.section_headers,
			content_hash = EXCLUDED.content_hash,
			chunk_index = EXCLUDED.chunk_index,
			token_count = EXCLUDED.token_count,
			created_at = EXCLUDED.created_at`, s.collection)

	queued := make([]models.StoredPoint, 0, len(points))
	argSets := make([][]any, 0, len(points))
	for _, point := range points {
		headers, err := json.Marshal(point.Payload.SectionHeaders)
		if err != nil {
			result.Errors = append(result.Errors,
				fmt.Sprintf("point %s: marshal section headers: %v", point.ID, err))
			result.FailedIDs = append(result.FailedIDs, point.Payload.ContentHash)
			continue
		}
		queued = append(queued, point)
		argSets = append(argSets, []any{
			point.ID,
			pgvector.NewVector(point.Vector),
			point.Payload.ChunkText,
			point.Payload.SourceURL,
			point.Payload.PageTitle,
			headers,
			point.Payload.ContentHash,
			point.Payload.ChunkIndex,
			point.Payload.TokenCount,
			point.Payload.CreatedAt,
		})
	}

	if s.execBatch(ctx, stmt, argSets) {
		result.InsertedCount += len(queued)
	} else {
		// The implied transaction rolled back every row in the batch.
		for i, args := range argSets {
			if _, err := s.pool.Exec(ctx, stmt, args...); err != nil {
				s.logger.Error().Err(err).Str("point_id", queued[i].ID.String()).Msg("failed to upsert point")
				result.Errors = append(result.Errors,
					fmt.Sprintf("point %s: %v", queued[i].ID, err))
				result.FailedIDs = append(result.FailedIDs, queued[i].Payload.ContentHash)
				continue
			}
			result.InsertedCount++
		}
	}

	s.logger.Info().
		Int("inserted", result.InsertedCount).
		Int("failed", len(result.Errors)).
		Str("collection", s.collection).
		Msg("upsert batch complete")
	return result, nil
}

// execBatch sends all rows as one pgx.Batch and reports whether every row
// succeeded. Any failure aborts the batch's implied transaction, so the
// caller must retry the rows individually.
func (s *PGVectorStore) execBatch(ctx context.Context, stmt string, argSets [][]any) bool {
	if len(argSets) == 0 {
		return true
	}

	batch := &pgx.Batch{}
	for _, args := range argSets {
		batch.Queue(stmt, args...)
	}

	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()

	for i := 0; i < batch.Len(); i++ {
		if _, err := results.Exec(); err != nil {
			s.logger.Warn().Err(err).Msg("batch upsert aborted, retrying rows individually")
			return false
		}
	}
	return true
}

// Count returns the number of points in the collection.
func (s *PGVectorStore) Count(ctx context.Context) (int64, error) {
	var count int64
	stmt := fmt.Sprintf(`SELECT count(*) FROM %s`, s.collection)
	if err := s.pool.QueryRow(ctx, stmt).Scan(&count); err != nil {
		s.logger.Error().Err(err).Str("collection", s.collection).Msg("failed to count points")
		return 0, fmt.Errorf("count points: %w", err)
	}
	return count, nil
}

// Search returns the topK nearest points by cosine similarity, most similar
// first. Similarity is 1 minus the cosine distance, so 1.0 is identical.
func (s *PGVectorStore) Search(ctx context.Context, vector []float32, topK int) ([]models.ScoredPoint, error) {
	stmt := fmt.Sprintf(`SELECT id, 1 - (embedding <=> $1) AS similarity,
			chunk_text, source_url, page_title, section_headers,
			content_hash, chunk_index, token_count, created_at
		FROM %s
		ORDER BY embedding <=> $1
		LIMIT $2`, s.collection)

	rows, err := s.pool.Query(ctx, stmt, pgvector.NewVector(vector), topK)
	if err != nil {
		s.logger.Error().Err(err).Str("collection", s.collection).Msg("similarity search failed")
		return nil, fmt.Errorf("similarity search: %w", err)
	}
	defer rows.Close()

	var points []models.ScoredPoint
	for rows.Next() {
		var (
			point   models.ScoredPoint
			headers []byte
		)
		if err := rows.Scan(
			&point.ID, &point.Score,
			&point.Payload.ChunkText, &point.Payload.SourceURL, &point.Payload.PageTitle,
			&headers, &point.Payload.ContentHash, &point.Payload.ChunkIndex,
			&point.Payload.TokenCount, &point.Payload.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan search result: %w", err)
		}
		if err := json.Unmarshal(headers, &point.Payload.SectionHeaders); err != nil {
			return nil, fmt.Errorf("decode section headers: %w", err)
		}
		points = append(points, point)
	}
	return points, rows.Err()
}

// Verify compares the collection's point count against the expected count
// within a relative tolerance and probes a sample of rows for payload
// integrity. Verification failures are reported, never raised.
func (s *PGVectorStore) Verify(ctx context.Context, expectedCount int64) (*models.VerificationResult, error) {
	actual, err := s.Count(ctx)
	if err != nil {
		return nil, err
	}

	result := &models.VerificationResult{
		ExpectedCount: expectedCount,
		ActualCount:   actual,
		CountMatch:    withinTolerance(expectedCount, actual, countTolerance),
		Tolerance:     countTolerance,
	}

	stmt := fmt.Sprintf(`SELECT id, chunk_text, source_url, page_title, content_hash
		FROM %s ORDER BY random() LIMIT $1`, s.collection)
	rows, err := s.pool.Query(ctx, stmt, sampleProbeCount)
	if err != nil {
		s.logger.Error().Err(err).Str("collection", s.collection).Msg("sample probe query failed")
		return nil, fmt.Errorf("sample probe: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id                                           string
			chunkText, sourceURL, pageTitle, contentHash string
		)
		if err := rows.Scan(&id, &chunkText, &sourceURL, &pageTitle, &contentHash); err != nil {
			return nil, fmt.Errorf("scan sample row: %w", err)
		}
		result.SampleChecks++
		if msg := probePoint(id, chunkText, sourceURL, pageTitle, contentHash); msg != "" {
			result.SampleErrors = append(result.SampleErrors, msg)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	s.logger.Info().
		Int64("expected", expectedCount).
		Int64("actual", actual).
		Bool("count_match", result.CountMatch).
		Int("sample_checks", result.SampleChecks).
		Int("sample_errors", len(result.SampleErrors)).
		Msg("verification complete")
	return result, nil
}

// withinTolerance reports whether actual is within the relative tolerance of
// expected. Zero expected requires zero actual.
func withinTolerance(expected, actual int64, tolerance float64) bool {
	if expected == 0 {
		return actual == 0
	}
	diff := math.Abs(float64(actual - expected))
	return diff/float64(expected) <= tolerance
}

// probePoint checks one stored row's payload integrity: required fields
// present, content hash matching the stored text, and the point id derived
// from that hash. Returns an empty string when the row is consistent.
func probePoint(id, chunkText, sourceURL, pageTitle, contentHash string) string {
	switch {
	case chunkText == "":
		return fmt.Sprintf("point %s: empty chunk_text", id)
	case sourceURL == "":
		return fmt.Sprintf("point %s: empty source_url", id)
	case pageTitle == "":
		return fmt.Sprintf("point %s: empty page_title", id)
	}
	if hasher.Hash(chunkText) != contentHash {
		return fmt.Sprintf("point %s: content_hash does not match chunk_text", id)
	}
	derived, err := hasher.PointID(contentHash)
	if err != nil {
		return fmt.Sprintf("point %s: invalid content_hash: %v", id, err)
	}
	if derived.String() != id {
		return fmt.Sprintf("point %s: id not derived from content_hash", id)
	}
	return ""
}

// Stats summarizes the collection for the collections CLI.
type Stats struct {
	Collection  string    `json:"collection"`
	PointsCount int64     `json:"points_count"`
	Dimension   int       `json:"dimension"`
	CheckedAt   time.Time `json:"checked_at"`
}

// CollectionStats returns the live point count and declared dimension.
func (s *PGVectorStore) CollectionStats(ctx context.Context) (*Stats, error) {
	count, err := s.Count(ctx)
	if err != nil {
		return nil, err
	}

	var dimension int
	err = s.pool.QueryRow(ctx,
		`SELECT atttypmod FROM pg_attribute
		 WHERE attrelid = $1::regclass AND attname = 'embedding'`,
		s.collection,
	).Scan(&dimension)
	if err != nil {
		return nil, fmt.Errorf("read dimension: %w", err)
	}

	return &Stats{
		Collection:  s.collection,
		PointsCount: count,
		Dimension:   dimension,
		CheckedAt:   time.Now().UTC(),
	}, nil
}
