package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/text-anchor/anchor-go/internal/httpapi"
	"github.com/text-anchor/anchor-go/internal/pipeline/config"
	"github.com/text-anchor/anchor-go/internal/pipeline/embedders"
	"github.com/text-anchor/anchor-go/internal/pipeline/retriever"
	"github.com/text-anchor/anchor-go/internal/pipeline/retry"
	"github.com/text-anchor/anchor-go/internal/store"
	"github.com/text-anchor/anchor-go/pkg/db"
	"github.com/text-anchor/anchor-go/pkg/util"

	"github.com/spf13/cobra"
)

const serveShutdownGrace = 10 * time.Second

var serveAddr string

// serveCmd represents the serve command.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the retrieval-augmented chat API",
	Long: `Start the HTTP server exposing POST /chat for grounded question
answering over the indexed content, and GET /healthz for liveness checks.

Examples:
  anchor-go serve
  anchor-go serve --addr ":9090"`,
	Run: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVarP(&serveAddr, "addr", "a", ":8080", "Address to listen on")
}

func runServe(_ *cobra.Command, _ []string) {
	logger := util.NewLogger(util.LevelFromEnv())

	cfg := config.Load()
	if err := cfg.Validate(false); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, cancel := context.WithCancel(context.Background())
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

	completer, err := httpapi.NewCompletionClient()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create completion client")
	}

	searcher := retriever.NewRetriever(embedder, vectors, cfg.CollectionName, retry.DefaultPolicy(cfg.MaxRetries+1))
	server := httpapi.NewServer(serveAddr, searcher, completer)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), serveShutdownGrace)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("graceful shutdown failed")
		}
	}
}
