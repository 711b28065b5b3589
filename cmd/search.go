package cmd

import (
	"context"
	"time"

	"github.com/text-anchor/anchor-go/internal/pipeline/config"
	"github.com/text-anchor/anchor-go/internal/pipeline/embedders"
	"github.com/text-anchor/anchor-go/internal/pipeline/retriever"
	"github.com/text-anchor/anchor-go/internal/pipeline/retry"
	"github.com/text-anchor/anchor-go/internal/store"
	"github.com/text-anchor/anchor-go/pkg/db"
	"github.com/text-anchor/anchor-go/pkg/util"

	"github.com/spf13/cobra"
)

var (
	searchQuery      string
	searchCollection string
	searchTopK       int
	searchThreshold  float64
	searchValidate   bool
	searchTimeout    time.Duration
)

// searchCmd represents the search command.
var searchCmd = &cobra.Command{
	Use:   "search",
	Short: "Search the indexed content by semantic similarity",
	Long: `Embed a query and return the most similar indexed chunks, ranked by
cosine similarity.

Examples:
  # Top 5 results for a question
  anchor-go search --query "how do anchors resolve?"

  # More results above a similarity floor
  anchor-go search --query "chunk overlap" --top-k 10 --threshold 0.6

  # Audit result metadata completeness
  anchor-go search --query "setup" --validate`,
	Run: runSearch,
}

func init() {
	rootCmd.AddCommand(searchCmd)

	searchCmd.Flags().StringVarP(&searchQuery, "query", "q", "", "Query text (required)")
	searchCmd.Flags().StringVarP(&searchCollection, "collection", "c", "", "Collection to search")
	searchCmd.Flags().IntVarP(&searchTopK, "top-k", "k", 0, "Number of results to return")
	searchCmd.Flags().Float64VarP(&searchThreshold, "threshold", "t", 0, "Minimum similarity score (0.0 to 1.0)")
	searchCmd.Flags().BoolVar(&searchValidate, "validate", false, "Report metadata completeness of the results")
	searchCmd.Flags().DurationVar(&searchTimeout, "timeout", time.Minute, "Timeout for the search")

	if err := searchCmd.MarkFlagRequired("query"); err != nil {
		return
	}
}

func runSearch(_ *cobra.Command, _ []string) {
	logger := util.NewLogger(util.LevelFromEnv())

	cfg := config.Load()
	if searchCollection != "" {
		cfg.CollectionName = searchCollection
	}
	topK := cfg.TopK
	if searchTopK > 0 {
		topK = searchTopK
	}
	threshold := cfg.SimilarityThreshold
	if searchThreshold > 0 {
		threshold = searchThreshold
	}

	ctx, cancel := context.WithTimeout(context.Background(), searchTimeout)
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

	r := retriever.NewRetriever(embedder, vectors, cfg.CollectionName, retry.DefaultPolicy(cfg.MaxRetries+1))
	result := r.Search(ctx, searchQuery, topK, threshold)
	printJSON(logger, result)

	if searchValidate {
		printJSON(logger, retriever.ValidateMetadata(result.Results))
	}
}
