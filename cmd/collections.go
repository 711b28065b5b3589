package cmd

import (
	"context"
	"time"

	"github.com/text-anchor/anchor-go/internal/pipeline/config"
	"github.com/text-anchor/anchor-go/internal/store"
	"github.com/text-anchor/anchor-go/pkg/db"
	"github.com/text-anchor/anchor-go/pkg/util"

	"github.com/spf13/cobra"
)

var (
	collectionName      string
	collectionDimension int
)

// collectionsCmd groups collection management subcommands.
var collectionsCmd = &cobra.Command{
	Use:   "collections",
	Short: "Manage vector collections",
	Long:  `Create collections and inspect their point counts and dimensions.`,
}

var collectionsInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the collection and its indexes if they do not exist",
	Run:   runCollectionsInit,
}

var collectionsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show point count and dimension for the collection",
	Run:   runCollectionsStats,
}

func init() {
	rootCmd.AddCommand(collectionsCmd)
	collectionsCmd.AddCommand(collectionsInitCmd)
	collectionsCmd.AddCommand(collectionsStatsCmd)

	collectionsCmd.PersistentFlags().
		StringVarP(&collectionName, "collection", "c", "", "Collection name")
	collectionsInitCmd.Flags().
		IntVarP(&collectionDimension, "dimension", "d", 0, "Embedding dimension for a new collection")
}

func collectionStore(ctx context.Context, cfg *config.Config) *store.PGVectorStore {
	logger := util.NewLogger(util.LevelFromEnv())

	pool, err := db.Connect(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}

	vectors, err := store.NewPGVectorStore(pool, cfg.CollectionName)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid collection name")
	}
	return vectors
}

func runCollectionsInit(_ *cobra.Command, _ []string) {
	logger := util.NewLogger(util.LevelFromEnv())

	cfg := config.Load()
	if collectionName != "" {
		cfg.CollectionName = collectionName
	}
	dimension := cfg.Dimension
	if collectionDimension > 0 {
		dimension = collectionDimension
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	vectors := collectionStore(ctx, cfg)
	if err := vectors.EnsureCollection(ctx, dimension); err != nil {
		logger.Fatal().Err(err).Msg("failed to create collection")
	}

	logger.Info().
		Str("collection", cfg.CollectionName).
		Int("dimension", dimension).
		Msg("collection ready")
}

func runCollectionsStats(_ *cobra.Command, _ []string) {
	logger := util.NewLogger(util.LevelFromEnv())

	cfg := config.Load()
	if collectionName != "" {
		cfg.CollectionName = collectionName
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	vectors := collectionStore(ctx, cfg)
	stats, err := vectors.CollectionStats(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to read collection stats")
	}

	printJSON(logger, stats)
}
