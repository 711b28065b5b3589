package chunkers

import (
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/tiktoken-go/tokenizer"

	"github.com/text-anchor/anchor-go/internal/pipeline/hasher"
	"github.com/text-anchor/anchor-go/internal/pipeline/models"
	"github.com/text-anchor/anchor-go/pkg/util"
)

var (
	ErrInvalidTargetTokens = errors.New("targetTokens must be positive")
	ErrInvalidOverlap      = errors.New("overlapTokens must be between 0 and targetTokens")
)

const (
	// minChunkTokens is the floor below which a segment is dropped; empty or
	// near-empty chunks must never reach the embedder.
	minChunkTokens = 10

	// toleranceDivisor derives the ±10% window from the target size.
	toleranceDivisor = 10
)

// boundarySeparators are tried in priority order when cutting a chunk:
// paragraph break, line break, sentence end, word boundary. A raw token cut
// is the last resort.
var boundarySeparators = []string{"\n\n", "\n", ". ", " "}

// TokenChunker splits page text into overlapping token windows using the
// same cl100k_base tokenizer the embedding model expects, so the size
// tolerance is measured in the model's own units.
type TokenChunker struct {
	encoding tokenizer.Codec
	logger   zerolog.Logger
}

// NewTokenChunker creates a token-based chunker.
func NewTokenChunker() (*TokenChunker, error) {
	logger := util.NewLogger(util.LevelFromEnv())

	encoding, err := tokenizer.Get(tokenizer.Cl100kBase)
	if err != nil {
		logger.Error().Err(err).Msg("failed to get tokenizer")
		return nil, err
	}

	return &TokenChunker{
		encoding: encoding,
		logger:   logger,
	}, nil
}

// ChunkPage splits a page's extracted text into chunks of roughly
// targetTokens tokens, each overlapping the previous by overlapTokens.
// Every chunk inherits the page's metadata and receives its 0-based index.
// Chunking is deterministic: the same page and parameters always produce
// byte-identical chunks, which is what makes hash-based deduplication
// meaningful across runs.
func (t *TokenChunker) ChunkPage(page *models.Page, targetTokens, overlapTokens int) ([]*models.Chunk, error) {
	if targetTokens <= 0 {
		t.logger.Warn().Msg("targetTokens must be positive")
		return nil, ErrInvalidTargetTokens
	}
	if overlapTokens < 0 || overlapTokens >= targetTokens {
		t.logger.Warn().Msg("overlapTokens must be between 0 and targetTokens")
		return nil, ErrInvalidOverlap
	}

	tokens, _, err := t.encoding.Encode(page.ExtractedText)
	if err != nil {
		t.logger.Err(err).Str("url", page.URL).Msg("failed to tokenize page text")
		return nil, err
	}
	totalTokens := len(tokens)

	var chunks []*models.Chunk
	emit := func(text string, tokenCount int) {
		chunks = append(chunks, t.newChunk(page, text, tokenCount, len(chunks)))
	}

	// Whole page fits in one chunk.
	if totalTokens <= targetTokens {
		if totalTokens < minChunkTokens || strings.TrimSpace(page.ExtractedText) == "" {
			t.logger.Warn().
				Str("url", page.URL).
				Int("token_count", totalTokens).
				Msg("dropping page below minimum chunk size")
			return nil, nil
		}
		emit(page.ExtractedText, totalTokens)
		return chunks, nil
	}

	minTokens := targetTokens - targetTokens/toleranceDivisor

	for i := 0; i < totalTokens; {
		end := i + targetTokens
		if end >= totalTokens {
			// Final window: take the remainder as-is, no boundary search.
			text, decodeErr := t.encoding.Decode(tokens[i:totalTokens])
			if decodeErr != nil {
				return nil, decodeErr
			}
			remaining := totalTokens - i
			if remaining < minChunkTokens || strings.TrimSpace(text) == "" {
				t.logger.Warn().
					Str("url", page.URL).
					Int("token_count", remaining).
					Msg("dropping trailing segment below minimum chunk size")
				break
			}
			emit(text, remaining)
			break
		}

		window, decodeErr := t.encoding.Decode(tokens[i:end])
		if decodeErr != nil {
			return nil, decodeErr
		}

		text, tokenCount, cutErr := t.cutAtBoundary(window, minTokens)
		if cutErr != nil {
			return nil, cutErr
		}
		emit(text, tokenCount)

		step := tokenCount - overlapTokens
		if step < 1 {
			step = tokenCount
		}
		i += step
	}

	t.logger.Info().
		Str("url", page.URL).
		Int("chunks", len(chunks)).
		Int("target_tokens", targetTokens).
		Msg("chunked page")
	return chunks, nil
}

// cutAtBoundary shortens a decoded token window to end on the best natural
// boundary that still keeps the chunk within the lower size tolerance. When
// no boundary qualifies the raw window is kept.
func (t *TokenChunker) cutAtBoundary(window string, minTokens int) (string, int, error) {
	for _, sep := range boundarySeparators {
		pos := strings.LastIndex(window, sep)
		if pos <= 0 {
			continue
		}
		prefix := window[:pos+len(sep)]
		n, err := t.CountTokens(prefix)
		if err != nil {
			return "", 0, err
		}
		if n >= minTokens {
			return prefix, n, nil
		}
	}

	n, err := t.CountTokens(window)
	if err != nil {
		return "", 0, err
	}
	return window, n, nil
}

// CountTokens returns the number of cl100k_base tokens in the given text.
func (t *TokenChunker) CountTokens(text string) (int, error) {
	tokens, _, err := t.encoding.Encode(text)
	if err != nil {
		t.logger.Err(err).Msg("failed to tokenize text")
		return 0, err
	}
	return len(tokens), nil
}

func (t *TokenChunker) newChunk(page *models.Page, text string, tokenCount, index int) *models.Chunk {
	headers := make([]string, len(page.SectionHeaders))
	copy(headers, page.SectionHeaders)

	return &models.Chunk{
		ID:             hasher.Hash(text),
		Text:           text,
		TokenCount:     tokenCount,
		SourceURL:      page.URL,
		PageTitle:      page.Title,
		SectionHeaders: headers,
		ChunkIndex:     index,
		CreatedAt:      time.Now().UTC(),
	}
}

// SizeStats summarizes produced chunk sizes against the ±10% tolerance
// window around targetTokens. Report-only; out-of-tolerance chunks are not
// rejected here.
func SizeStats(chunks []*models.Chunk, targetTokens int) models.ChunkSizeStats {
	stats := models.ChunkSizeStats{
		TotalChunks:     len(chunks),
		TargetSize:      targetTokens,
		WithinTolerance: true,
	}
	if len(chunks) == 0 {
		return stats
	}

	low := targetTokens - targetTokens/toleranceDivisor
	high := targetTokens + targetTokens/toleranceDivisor

	total := 0
	stats.MinTokens = chunks[0].TokenCount
	for _, c := range chunks {
		total += c.TokenCount
		if c.TokenCount < stats.MinTokens {
			stats.MinTokens = c.TokenCount
		}
		if c.TokenCount > stats.MaxTokens {
			stats.MaxTokens = c.TokenCount
		}
		if c.TokenCount < low || c.TokenCount > high {
			stats.WithinTolerance = false
		}
	}
	stats.AvgTokens = float64(total) / float64(len(chunks))
	return stats
}
