// Package services sequences the ingestion stages and owns error
// aggregation and the final run report.
package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/text-anchor/anchor-go/internal/pipeline/chunkers"
	"github.com/text-anchor/anchor-go/internal/pipeline/config"
	"github.com/text-anchor/anchor-go/internal/pipeline/interfaces"
	"github.com/text-anchor/anchor-go/internal/pipeline/models"
	"github.com/text-anchor/anchor-go/internal/store"
	"github.com/text-anchor/anchor-go/pkg/util"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Runs with an insertion success rate below this are reported as failed
// rather than partial.
const failedRunThreshold = 0.5

// Orchestrator drives one ingestion run through its stages: crawl, chunk,
// filter against the checkpoint, embed, upsert, verify, report. Page and
// batch failures accumulate in the report; only configuration and collection
// schema problems during init abort the run.
type Orchestrator struct {
	cfg        *config.Config
	crawler    interfaces.Crawler
	chunker    interfaces.Chunker
	batcher    interfaces.Batcher
	checkpoint interfaces.CheckpointStore
	vectors    interfaces.VectorStore
	dimension  int
	logger     zerolog.Logger
}

// NewOrchestrator wires the pipeline components together. dimension is the
// embedder's output dimension, checked against the collection at init.
func NewOrchestrator(
	cfg *config.Config,
	crawler interfaces.Crawler,
	chunker interfaces.Chunker,
	batcher interfaces.Batcher,
	checkpoint interfaces.CheckpointStore,
	vectors interfaces.VectorStore,
	dimension int,
) *Orchestrator {
	return &Orchestrator{
		cfg:        cfg,
		crawler:    crawler,
		chunker:    chunker,
		batcher:    batcher,
		checkpoint: checkpoint,
		vectors:    vectors,
		dimension:  dimension,
		logger:     util.NewLogger(util.LevelFromEnv()),
	}
}

// RunOptions controls a single ingestion run.
type RunOptions struct {
	// FreshRun clears the checkpoint before starting, reprocessing all
	// content. Safe because upserts replace by id.
	FreshRun bool
}

// Run executes the full pipeline and always returns a report. A non-nil
// error means the run halted before completing its stages; the report's
// error list explains partial failures on a nil error.
func (o *Orchestrator) Run(ctx context.Context, opts RunOptions) (*models.Report, error) {
	start := time.Now()
	report := &models.Report{
		RunID:        uuid.New().String(),
		Status:       models.RunSuccess,
		StageTimings: make(map[models.Stage]float64),
	}

	fail := func(stage models.Stage, err error) (*models.Report, error) {
		o.addError(report, stage, "", err)
		report.Status = models.RunFailed
		report.DurationSeconds = time.Since(start).Seconds()
		return report, err
	}

	// INIT: everything here is fatal. Proceeding against a differently
	// shaped collection would corrupt it.
	stageStart := time.Now()
	if err := o.cfg.Validate(true); err != nil {
		o.logger.Error().Err(err).Msg("configuration invalid")
		return fail(models.StageInit, err)
	}
	if opts.FreshRun {
		if err := o.checkpoint.Clear(); err != nil {
			o.logger.Error().Err(err).Msg("failed to clear checkpoint")
			return fail(models.StageInit, err)
		}
		o.logger.Info().Msg("checkpoint cleared for fresh run")
	}
	if _, err := o.checkpoint.Load(); err != nil {
		return fail(models.StageInit, err)
	}
	if err := o.vectors.EnsureCollection(ctx, o.dimension); err != nil {
		o.logger.Error().Err(err).Msg("collection init failed")
		return fail(models.StageInit, err)
	}
	baseline, err := o.vectors.Count(ctx)
	if err != nil {
		return fail(models.StageInit, err)
	}
	report.StageTimings[models.StageInit] = time.Since(stageStart).Seconds()

	// CRAWLING: page-level failures are recorded, never fatal.
	stageStart = time.Now()
	crawl, err := o.crawler.Crawl(ctx, o.cfg.BaseURL)
	if err != nil {
		o.logger.Error().Err(err).Str("base_url", o.cfg.BaseURL).Msg("crawl failed")
		return fail(models.StageCrawling, err)
	}
	report.URLsCrawled = len(crawl.Pages)
	report.URLsFailed = len(crawl.FailedURLs)
	report.Errors = append(report.Errors, crawl.FailedURLs...)
	report.StageTimings[models.StageCrawling] = time.Since(stageStart).Seconds()

	// CHUNKING: a page that fails to chunk is skipped, not fatal.
	stageStart = time.Now()
	var allChunks []*models.Chunk
	for _, page := range crawl.Pages {
		chunks, err := o.chunker.ChunkPage(page, o.cfg.ChunkSize, o.cfg.ChunkOverlap)
		if err != nil {
			o.logger.Error().Err(err).Str("url", page.URL).Msg("chunking failed for page")
			o.addError(report, models.StageChunking, page.URL, err)
			continue
		}
		allChunks = append(allChunks, chunks...)
	}
	report.ChunksCreated = len(allChunks)
	report.ChunkSizes = chunkers.SizeStats(allChunks, o.cfg.ChunkSize)
	report.StageTimings[models.StageChunking] = time.Since(stageStart).Seconds()

	// FILTERING: identical text collapses to one chunk id, within the run
	// and across runs via the checkpoint.
	stageStart = time.Now()
	seen := make(map[string]struct{}, len(allChunks))
	var newChunks []*models.Chunk
	for _, chunk := range allChunks {
		if _, dup := seen[chunk.ID]; dup {
			continue
		}
		seen[chunk.ID] = struct{}{}
		if o.checkpoint.IsProcessed(chunk.ID) {
			continue
		}
		newChunks = append(newChunks, chunk)
	}
	report.NewChunks = len(newChunks)
	report.StageTimings[models.StageFiltering] = time.Since(stageStart).Seconds()
	o.logger.Info().
		Int("total_chunks", len(allChunks)).
		Int("new_chunks", len(newChunks)).
		Msg("filtered processed chunks")

	// EMBEDDING and INSERTION: each successful batch is upserted, marked in
	// the checkpoint, and flushed before the next batch starts, so a crash
	// loses at most one batch of work.
	stageStart = time.Now()
	var insertStart time.Time
	var insertSeconds float64

	embeddings, failedChunks, err := o.batcher.EmbedChunks(ctx, newChunks,
		func(batch interfaces.BatchResult) error {
			insertStart = time.Now()
			defer func() { insertSeconds += time.Since(insertStart).Seconds() }()

			points, err := store.BuildPoints(batch.Chunks, batch.Embeddings)
			if err != nil {
				o.addError(report, models.StageInsertion, "", err)
				return nil
			}
			result, err := o.vectors.Upsert(ctx, points)
			if err != nil {
				o.logger.Error().Err(err).Msg("batch upsert failed")
				o.addError(report, models.StageInsertion, "", err)
				return nil
			}
			for _, msg := range result.Errors {
				o.addError(report, models.StageInsertion, "", errors.New(msg))
			}
			report.PointsInserted += result.InsertedCount

			if len(result.Errors) > 0 && len(result.FailedIDs) == 0 {
				// Failures the store could not attribute to rows: leave
				// the whole batch unmarked so a resume retries it.
				return nil
			}

			// Only chunks whose rows persisted go into the checkpoint;
			// failed rows stay unmarked so a resume retries them.
			notStored := make(map[string]struct{}, len(result.FailedIDs))
			for _, id := range result.FailedIDs {
				notStored[id] = struct{}{}
			}
			marked := 0
			for _, chunk := range batch.Chunks {
				if _, failed := notStored[chunk.ID]; failed {
					continue
				}
				o.checkpoint.MarkProcessed(chunk.ID)
				marked++
			}
			o.checkpoint.AddStats(models.CheckpointStats{
				TotalChunksProcessed:   marked,
				TotalEmbeddingsCreated: len(batch.Embeddings),
				TotalPointsInserted:    result.InsertedCount,
				FailedChunks:           len(result.FailedIDs),
			})
			if err := o.checkpoint.Flush(); err != nil {
				o.logger.Error().Err(err).Msg("checkpoint flush failed")
				o.addError(report, models.StageInsertion, "", err)
			}
			return nil
		})
	if err != nil {
		return fail(models.StageEmbedding, err)
	}
	report.EmbeddingsGenerated = len(embeddings)
	for _, fc := range failedChunks {
		o.addError(report, models.StageEmbedding, fc.ChunkID, errors.New(fc.Error))
	}
	report.StageTimings[models.StageEmbedding] = time.Since(stageStart).Seconds() - insertSeconds
	report.StageTimings[models.StageInsertion] = insertSeconds

	if len(newChunks) > 0 {
		report.InsertionSuccessRate = float64(report.PointsInserted) / float64(len(newChunks))
	} else {
		report.InsertionSuccessRate = 1.0
	}

	// VERIFYING: discrepancies are reported, never fatal.
	stageStart = time.Now()
	verification, err := o.vectors.Verify(ctx, baseline+int64(report.PointsInserted))
	if err != nil {
		o.logger.Error().Err(err).Msg("verification failed")
		o.addError(report, models.StageVerifying, "", err)
	} else {
		report.Verification = verification
		if !verification.CountMatch {
			o.addError(report, models.StageVerifying, "",
				fmt.Errorf("point count %d outside tolerance of expected %d",
					verification.ActualCount, verification.ExpectedCount))
		}
		for _, msg := range verification.SampleErrors {
			o.addError(report, models.StageVerifying, "", errors.New(msg))
		}
	}
	report.StageTimings[models.StageVerifying] = time.Since(stageStart).Seconds()

	// REPORTING.
	o.checkpoint.AddStats(models.CheckpointStats{DurationSeconds: time.Since(start).Seconds()})
	if err := o.checkpoint.Flush(); err != nil {
		o.logger.Error().Err(err).Msg("final checkpoint flush failed")
		o.addError(report, models.StageInsertion, "", err)
	}

	report.DurationSeconds = time.Since(start).Seconds()
	report.Status = o.runStatus(report)

	o.logger.Info().
		Str("run_id", report.RunID).
		Str("status", string(report.Status)).
		Int("urls_crawled", report.URLsCrawled).
		Int("chunks_created", report.ChunksCreated).
		Int("new_chunks", report.NewChunks).
		Int("points_inserted", report.PointsInserted).
		Int("errors", len(report.Errors)).
		Float64("duration_seconds", report.DurationSeconds).
		Msg("ingestion complete")

	return report, nil
}

func (o *Orchestrator) addError(report *models.Report, stage models.Stage, identifier string, err error) {
	report.Errors = append(report.Errors, models.StageError{
		Stage:      stage,
		Identifier: identifier,
		Message:    err.Error(),
		Timestamp:  time.Now().UTC(),
	})
}

// runStatus grades the finished run. Crawling nothing or losing most
// insertions is a failure; any accumulated error downgrades success to
// partial.
func (o *Orchestrator) runStatus(report *models.Report) models.RunStatus {
	if report.URLsCrawled == 0 {
		return models.RunFailed
	}
	if report.NewChunks > 0 && report.InsertionSuccessRate < failedRunThreshold {
		return models.RunFailed
	}
	if len(report.Errors) > 0 {
		return models.RunPartial
	}
	return models.RunSuccess
}
