package db

import (
	"context"
	"errors"
	"os"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
	"github.com/rs/zerolog"

	"github.com/text-anchor/anchor-go/pkg/util"
)

var ErrDatabaseURLRequired = errors.New("DATABASE_URL environment variable is required")

// Connect opens a pgx connection pool against the configured Postgres
// instance and registers pgvector types on every connection.
func Connect(ctx context.Context) (*pgxpool.Pool, error) {
	logger := util.NewLogger(zerolog.ErrorLevel)

	dbURL := os.Getenv("DATABASE_URL")
	if strings.EqualFold(dbURL, "") {
		logger.Error().Msg("DATABASE_URL env variable not set")
		return nil, ErrDatabaseURLRequired
	}

	cfg, err := pgxpool.ParseConfig(dbURL)
	if err != nil {
		logger.Err(err).Msg("invalid DATABASE_URL")
		return nil, err
	}

	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		logger.Err(err).Msg("failed to create connection pool")
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		logger.Err(err).Msg("failed to ping database")
		pool.Close()
		return nil, err
	}

	return pool, nil
}
