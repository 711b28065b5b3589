package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/text-anchor/anchor-go/internal/pipeline/models"
	"github.com/text-anchor/anchor-go/pkg/util"

	"github.com/rs/zerolog"
)

const (
	defaultCompletionURL     = "https://api.openai.com/v1/chat/completions"
	defaultCompletionModel   = "gpt-4o-mini"
	defaultCompletionTimeout = 60
)

var (
	ErrCompletionKeyNotSet   = errors.New("OPENAI_API_KEY environment variable not set")
	ErrCompletionRateLimited = errors.New("completion API rate limit exceeded")
	ErrCompletionFailed      = errors.New("completion API request failed")
	ErrNoCompletionChoices   = errors.New("no choices in completion response")
)

// groundingInstructions constrains the model to the retrieved content only.
const groundingInstructions = `You are an expert assistant answering questions about indexed documentation.
Answer ONLY based on the provided context chunks. Do not use external knowledge.
If the context does not address the question, respond that the indexed content does not cover this topic.
Cite sources using the format [Source: {source_url} - {page_title}].
Keep responses concise and focused on the question.`

// Completer generates a grounded answer from a question and its retrieved
// context.
type Completer interface {
	Complete(ctx context.Context, query string, chunks []models.RetrievedChunk) (string, error)
}

// CompletionClient calls an OpenAI-compatible chat completions endpoint.
type CompletionClient struct {
	apiKey string
	model  string
	apiURL string
	client *http.Client
	logger zerolog.Logger
}

// NewCompletionClient creates a client from the environment.
func NewCompletionClient() (*CompletionClient, error) {
	return NewCompletionClientWithClient(
		&http.Client{Timeout: defaultCompletionTimeout * time.Second},
		defaultCompletionURL,
	)
}

// NewCompletionClientWithClient allows injecting the HTTP client and API
// URL, used by tests.
func NewCompletionClientWithClient(httpClient *http.Client, apiURL string) (*CompletionClient, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		return nil, ErrCompletionKeyNotSet
	}

	model := os.Getenv("OPENAI_MODEL")
	if model == "" {
		model = defaultCompletionModel
	}

	return &CompletionClient{
		apiKey: apiKey,
		model:  model,
		apiURL: apiURL,
		client: httpClient,
		logger: util.NewLogger(util.LevelFromEnv()),
	}, nil
}

type completionMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type completionRequest struct {
	Model    string              `json:"model"`
	Messages []completionMessage `json:"messages"`
}

type completionResponse struct {
	Choices []struct {
		Message completionMessage `json:"message"`
	} `json:"choices"`
}

// Complete asks the model for an answer grounded in the retrieved chunks.
func (c *CompletionClient) Complete(
	ctx context.Context,
	query string,
	chunks []models.RetrievedChunk,
) (string, error) {
	reqBody := completionRequest{
		Model: c.model,
		Messages: []completionMessage{
			{Role: "system", Content: groundingInstructions},
			{Role: "user", Content: formatPrompt(query, chunks)},
		},
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		c.logger.Error().Err(err).Msg("failed to marshal completion request")
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, bytes.NewBuffer(payload))
	if err != nil {
		c.logger.Error().Err(err).Msg("failed to create completion request")
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Error().Err(err).Msg("completion request failed")
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		c.logger.Warn().Msg("completion API rate limited")
		return "", ErrCompletionRateLimited
	}
	if resp.StatusCode != http.StatusOK {
		c.logger.Error().Int("status_code", resp.StatusCode).Msg("unexpected completion status code")
		return "", fmt.Errorf("%w: status %d", ErrCompletionFailed, resp.StatusCode)
	}

	var completion completionResponse
	if err := json.NewDecoder(resp.Body).Decode(&completion); err != nil {
		c.logger.Error().Err(err).Msg("failed to decode completion response")
		return "", err
	}
	if len(completion.Choices) == 0 {
		return "", ErrNoCompletionChoices
	}

	return completion.Choices[0].Message.Content, nil
}

// formatPrompt lays out the retrieved chunks with their provenance so the
// model can cite sources.
func formatPrompt(query string, chunks []models.RetrievedChunk) string {
	var b strings.Builder

	b.WriteString("CONTEXT:\n")
	if len(chunks) == 0 {
		b.WriteString("(no relevant content found)\n")
	}
	for i, chunk := range chunks {
		sections := "General"
		if len(chunk.Metadata.SectionHeaders) > 0 {
			sections = strings.Join(chunk.Metadata.SectionHeaders, " > ")
		}
		fmt.Fprintf(&b, "[Chunk %d] (Similarity: %.2f)\nSource: %s - %s\nSections: %s\nText: %s\n\n",
			i+1, chunk.SimilarityScore,
			chunk.Metadata.SourceURL, chunk.Metadata.PageTitle,
			sections, chunk.ChunkText)
	}

	b.WriteString("QUESTION: ")
	b.WriteString(query)
	b.WriteString("\n\nAnswer based only on the context above.")
	return b.String()
}
