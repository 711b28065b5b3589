package embedders

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/text-anchor/anchor-go/pkg/util"
)

const (
	defaultTimeout = 60 * time.Second

	// providerMaxBatch is Cohere's hard limit on texts per embed request.
	providerMaxBatch = 96

	// InputTypeDocument and InputTypeQuery must match between ingestion and
	// retrieval or relevance silently degrades.
	InputTypeDocument = "search_document"
	InputTypeQuery    = "search_query"
)

// CohereEmbedder implements embedding using Cohere's v2 embed API.
type CohereEmbedder struct {
	apiKey     string
	model      string
	dimension  int
	httpClient *http.Client
	apiURL     string
	logger     zerolog.Logger
}

// cohereEmbedRequest is the request structure for the Cohere v2 embed API.
type cohereEmbedRequest struct {
	Model          string   `json:"model"`
	Texts          []string `json:"texts"`
	InputType      string   `json:"input_type"`
	EmbeddingTypes []string `json:"embedding_types"`
	Truncate       string   `json:"truncate"`
}

// cohereEmbedResponse is the response structure from the Cohere v2 embed API.
type cohereEmbedResponse struct {
	ID         string `json:"id"`
	Embeddings struct {
		Float [][]float32 `json:"float"`
	} `json:"embeddings"`
	Meta struct {
		BilledUnits struct {
			InputTokens int `json:"input_tokens"`
		} `json:"billed_units"`
	} `json:"meta"`
}

// NewCohereEmbedder creates a new Cohere embedder for the given model.
func NewCohereEmbedder(model string) (*CohereEmbedder, error) {
	return NewCohereEmbedderWithClient(model, nil, "")
}

// NewCohereEmbedderWithClient creates a Cohere embedder with a custom HTTP
// client and API URL, used by tests to point at a fake server.
func NewCohereEmbedderWithClient(model string, httpClient *http.Client, apiURL string) (*CohereEmbedder, error) {
	logger := util.NewLogger(util.LevelFromEnv())

	apiKey := os.Getenv("COHERE_API_KEY")
	if strings.EqualFold(apiKey, "") {
		logger.Error().Msg("COHERE_API_KEY env variable not set")
		return nil, ErrAPIKeyNotSet
	}

	var dimension int
	switch model {
	case "embed-english-v3.0", "embed-multilingual-v3.0":
		dimension = 1024
	case "embed-english-light-v3.0", "embed-multilingual-light-v3.0":
		dimension = 384
	default:
		logger.Error().Str("model", model).Err(ErrUnsupportedModel).Msg("unsupported embedding model")
		return nil, ErrUnsupportedModel
	}

	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	if apiURL == "" {
		apiURL = "https://api.cohere.com/v2/embed"
	}

	return &CohereEmbedder{
		apiKey:     apiKey,
		model:      model,
		dimension:  dimension,
		httpClient: httpClient,
		apiURL:     apiURL,
		logger:     logger,
	}, nil
}

// EmbedBatch embeds up to GetMaxBatchSize texts in one provider call. A 429
// response is returned as ErrRateLimited so callers can retry with backoff.
func (c *CohereEmbedder) EmbedBatch(ctx context.Context, texts []string, inputType string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, ErrNoTexts
	}
	if len(texts) > providerMaxBatch {
		return nil, fmt.Errorf("%w: %d texts, limit %d", ErrBatchTooLarge, len(texts), providerMaxBatch)
	}
	if inputType != InputTypeDocument && inputType != InputTypeQuery {
		return nil, ErrInvalidInputType
	}

	request := cohereEmbedRequest{
		Model:          c.model,
		Texts:          texts,
		InputType:      inputType,
		EmbeddingTypes: []string{"float"},
		Truncate:       "END",
	}
	requestBody, err := json.Marshal(request)
	if err != nil {
		c.logger.Err(err).Msg("failed to marshal embed request")
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, bytes.NewBuffer(requestBody))
	if err != nil {
		c.logger.Err(err).Msg("failed to create embed request")
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.apiKey))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Err(err).Msg("embed request failed")
		return nil, err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			c.logger.Error().Err(err).Msg("failed to close response body")
		}
	}()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		c.logger.Warn().Msg("embedding provider rate limit hit")
		return nil, ErrRateLimited
	case resp.StatusCode != http.StatusOK:
		c.logger.Error().Int("status_code", resp.StatusCode).Msg("embed request rejected")
		return nil, fmt.Errorf("%w: status %d", ErrAPIRequestFailed, resp.StatusCode)
	}

	var response cohereEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		c.logger.Err(err).Msg("failed to decode embed response")
		return nil, err
	}

	vectors := response.Embeddings.Float
	if len(vectors) == 0 {
		return nil, ErrNoEmbeddingData
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrCountMismatch, len(vectors), len(texts))
	}
	for _, v := range vectors {
		if err := validateVector(v, c.dimension); err != nil {
			return nil, err
		}
	}

	c.logger.Debug().
		Str("model", c.model).
		Int("texts", len(texts)).
		Int("tokens_billed", response.Meta.BilledUnits.InputTokens).
		Msg("generated embeddings")
	return vectors, nil
}

// GetModelName returns the name of the embedding model.
func (c *CohereEmbedder) GetModelName() string {
	return c.model
}

// GetDimension returns the dimension of the embedding vectors.
func (c *CohereEmbedder) GetDimension() int {
	return c.dimension
}

// GetMaxBatchSize returns the provider's hard batch limit.
func (c *CohereEmbedder) GetMaxBatchSize() int {
	return providerMaxBatch
}

// SetTimeout sets the per-request HTTP timeout.
func (c *CohereEmbedder) SetTimeout(timeout time.Duration) {
	c.httpClient.Timeout = timeout
}

// validateVector enforces the embedding model contract: fixed length and
// every value finite.
func validateVector(v []float32, dimension int) error {
	if len(v) != dimension {
		return fmt.Errorf("%w: got %d dimensions, want %d", ErrNoEmbeddingData, len(v), dimension)
	}
	for _, f := range v {
		if math.IsNaN(float64(f)) || math.IsInf(float64(f), 0) {
			return ErrNonFiniteVector
		}
	}
	return nil
}
