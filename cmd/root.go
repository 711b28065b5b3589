package cmd

import (
	"github.com/text-anchor/anchor-go/pkg/util"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "anchor-go",
	Short: "A CLI tool for ingesting and searching documentation embeddings",
	Long: `anchor-go crawls a documentation site, chunks and embeds its content,
stores the vectors in Postgres, and serves retrieval-augmented search and chat.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		logger := util.NewLogger(zerolog.ErrorLevel)
		logger.Fatal().Err(err).Msg("command failed")
	}
}

func init() {
	cobra.OnInitialize(initConfig)
}

func initConfig() {
	if err := godotenv.Load(); err != nil {
		logger := util.NewLogger(zerolog.ErrorLevel)
		logger.Warn().Msg("no .env file found, using process environment")
	}
}
