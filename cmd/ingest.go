package cmd

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/text-anchor/anchor-go/internal/pipeline/checkpoint"
	"github.com/text-anchor/anchor-go/internal/pipeline/chunkers"
	"github.com/text-anchor/anchor-go/internal/pipeline/config"
	"github.com/text-anchor/anchor-go/internal/pipeline/crawler"
	"github.com/text-anchor/anchor-go/internal/pipeline/embedders"
	"github.com/text-anchor/anchor-go/internal/pipeline/retry"
	"github.com/text-anchor/anchor-go/internal/pipeline/services"
	"github.com/text-anchor/anchor-go/internal/store"
	"github.com/text-anchor/anchor-go/pkg/db"
	"github.com/text-anchor/anchor-go/pkg/util"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	ingestBaseURL    string
	ingestCollection string
	ingestChunkSize  int
	ingestOverlap    int
	ingestBatchSize  int
	ingestRetries    int
	ingestMaxPages   int
	ingestFresh      bool
	ingestTimeout    time.Duration
)

// ingestCmd represents the ingest command.
var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Crawl a documentation site and index its content",
	Long: `Crawl a documentation site, chunk and embed its text, and upsert the
vectors into the Postgres collection. Runs are idempotent: already-processed
chunks are skipped via the checkpoint file, and re-inserted points replace
themselves by content-derived id.

Examples:
  # Ingest a site into the default collection
  anchor-go ingest --base-url "https://docs.example.com"

  # Re-ingest from scratch, ignoring the checkpoint
  anchor-go ingest --base-url "https://docs.example.com" --fresh

  # Ingest with custom chunking
  anchor-go ingest --base-url "https://docs.example.com" --chunk-size 1024 --overlap 100`,
	Run: runIngest,
}

func init() {
	rootCmd.AddCommand(ingestCmd)

	ingestCmd.Flags().StringVarP(&ingestBaseURL, "base-url", "u", "", "Base URL of the site to crawl")
	ingestCmd.Flags().StringVarP(&ingestCollection, "collection", "c", "", "Target collection name")
	ingestCmd.Flags().IntVar(&ingestChunkSize, "chunk-size", 0, "Maximum tokens per chunk")
	ingestCmd.Flags().IntVar(&ingestOverlap, "overlap", -1, "Token overlap between adjacent chunks")
	ingestCmd.Flags().IntVarP(&ingestBatchSize, "batch-size", "b", 0, "Chunks per embedding request")
	ingestCmd.Flags().IntVarP(&ingestRetries, "retries", "r", 0, "Retry attempts per embedding batch")
	ingestCmd.Flags().IntVar(&ingestMaxPages, "max-pages", 0, "Maximum pages to crawl")
	ingestCmd.Flags().BoolVar(&ingestFresh, "fresh", false, "Clear the checkpoint before starting")
	ingestCmd.Flags().DurationVar(&ingestTimeout, "timeout", 30*time.Minute, "Timeout for the entire run")
}

func runIngest(_ *cobra.Command, _ []string) {
	logger := util.NewLogger(util.LevelFromEnv())

	cfg := config.Load()
	applyIngestOverrides(cfg)

	ctx, cancel := context.WithTimeout(context.Background(), ingestTimeout)
	defer cancel()

	pool, err := db.Connect(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()

	vectors, err := store.NewPGVectorStore(pool, cfg.CollectionName)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid collection name")
	}

	embedder, err := embedders.NewCohereEmbedder(cfg.CohereModel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create embedder")
	}
	embedder.SetTimeout(cfg.RequestTimeout)

	chunker, err := chunkers.NewTokenChunker()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create chunker")
	}

	site := crawler.NewSiteCrawler()
	if ingestMaxPages > 0 {
		site.SetMaxPages(ingestMaxPages)
	}

	checkpoints := checkpoint.NewStore(cfg.CheckpointFile)
	policy := retry.DefaultPolicy(cfg.MaxRetries + 1)
	batcher := embedders.NewBatcher(embedder, checkpoints, cfg.BatchSize, policy)

	orchestrator := services.NewOrchestrator(
		cfg, site, chunker, batcher, checkpoints, vectors, embedder.GetDimension(),
	)

	report, runErr := orchestrator.Run(ctx, services.RunOptions{FreshRun: ingestFresh})
	printJSON(logger, report)
	if runErr != nil {
		logger.Fatal().Err(runErr).Msg("ingestion failed")
	}
}

// applyIngestOverrides lets flags win over environment configuration. Zero
// values mean the flag was not set.
func applyIngestOverrides(cfg *config.Config) {
	if ingestBaseURL != "" {
		cfg.BaseURL = ingestBaseURL
	}
	if ingestCollection != "" {
		cfg.CollectionName = ingestCollection
	}
	if ingestChunkSize > 0 {
		cfg.ChunkSize = ingestChunkSize
	}
	if ingestOverlap >= 0 {
		cfg.ChunkOverlap = ingestOverlap
	}
	if ingestBatchSize > 0 {
		cfg.BatchSize = ingestBatchSize
	}
	if ingestRetries > 0 {
		cfg.MaxRetries = ingestRetries
	}
}

func printJSON(logger zerolog.Logger, v any) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		logger.Error().Err(err).Msg("failed to render output")
		return
	}
	_, _ = os.Stdout.Write(append(out, '\n'))
}
