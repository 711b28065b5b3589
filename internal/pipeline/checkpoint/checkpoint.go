// Package checkpoint persists the set of already-processed chunk hashes so
// an interrupted ingestion run resumes where it left off. Reprocessing is
// idempotent, so a corrupt or unreadable checkpoint degrades to an empty one
// instead of refusing to start.
package checkpoint

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/text-anchor/anchor-go/internal/pipeline/models"
	"github.com/text-anchor/anchor-go/pkg/util"
)

// Store is a file-backed checkpoint. All methods are safe for concurrent
// use; flushes are serialized behind a single mutex.
type Store struct {
	path      string
	mu        sync.Mutex
	processed map[string]struct{}
	stats     models.CheckpointStats
	logger    zerolog.Logger
}

// NewStore creates a checkpoint store backed by the given JSON file. The
// file is not read until Load is called.
func NewStore(path string) *Store {
	return &Store{
		path:      path,
		processed: make(map[string]struct{}),
		logger:    util.NewLogger(util.LevelFromEnv()),
	}
}

// Load reads the persisted checkpoint, or returns an empty one if the file
// is missing or unreadable. Corruption is logged and treated as absence.
func (s *Store) Load() (*models.CheckpointData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn().Err(err).Str("path", s.path).Msg("checkpoint unreadable, starting fresh")
		}
		return s.snapshotLocked(), nil
	}

	var data models.CheckpointData
	if err := json.Unmarshal(raw, &data); err != nil {
		// Oldest files are a bare JSON array of hashes with no stats.
		var hashes []string
		if arrErr := json.Unmarshal(raw, &hashes); arrErr != nil {
			s.logger.Warn().Err(err).Str("path", s.path).Msg("checkpoint corrupt, starting fresh")
			return s.snapshotLocked(), nil
		}
		data.ProcessedHashes = hashes
	}

	s.processed = make(map[string]struct{}, len(data.ProcessedHashes))
	for _, h := range data.ProcessedHashes {
		s.processed[h] = struct{}{}
	}
	s.stats = data.Stats

	s.logger.Info().
		Int("processed_hashes", len(s.processed)).
		Str("path", s.path).
		Msg("loaded checkpoint")
	return s.snapshotLocked(), nil
}

// IsProcessed reports whether the chunk hash has already been embedded and
// stored by this run lineage.
func (s *Store) IsProcessed(chunkID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.processed[chunkID]
	return ok
}

// MarkProcessed records the chunk hash in memory. Call Flush to persist.
func (s *Store) MarkProcessed(chunkID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processed[chunkID] = struct{}{}
}

// AddStats accumulates run statistics into the checkpoint.
func (s *Store) AddStats(delta models.CheckpointStats) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.TotalChunksProcessed += delta.TotalChunksProcessed
	s.stats.TotalEmbeddingsCreated += delta.TotalEmbeddingsCreated
	s.stats.TotalPointsInserted += delta.TotalPointsInserted
	s.stats.FailedChunks += delta.FailedChunks
	s.stats.DurationSeconds += delta.DurationSeconds
}

// Flush durably persists the current state. It writes to a temp file and
// renames so a crash mid-write never leaves a truncated checkpoint.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data := s.snapshotLocked()
	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".checkpoint-*")
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to create checkpoint temp file")
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		s.logger.Error().Err(err).Str("path", s.path).Msg("failed to persist checkpoint")
		return err
	}

	s.logger.Debug().Int("processed_hashes", len(s.processed)).Msg("checkpoint flushed")
	return nil
}

// Clear resets the checkpoint to empty and removes the file, for an
// explicit fresh run.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.processed = make(map[string]struct{})
	s.stats = models.CheckpointStats{}

	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	s.logger.Info().Str("path", s.path).Msg("checkpoint cleared")
	return nil
}

func (s *Store) snapshotLocked() *models.CheckpointData {
	hashes := make([]string, 0, len(s.processed))
	for h := range s.processed {
		hashes = append(hashes, h)
	}
	sort.Strings(hashes)

	return &models.CheckpointData{
		LastUpdated:     time.Now().UTC(),
		ProcessedHashes: hashes,
		Stats:           s.stats,
	}
}
