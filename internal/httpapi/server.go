// Package httpapi exposes retrieval-augmented chat over HTTP: the query is
// embedded, matched against the vector store, and the hits ground an LLM
// completion.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/text-anchor/anchor-go/internal/pipeline/models"
	"github.com/text-anchor/anchor-go/internal/pipeline/retriever"
	"github.com/text-anchor/anchor-go/pkg/util"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
)

const (
	defaultChatTopK = 5
	requestTimeout  = 60 * time.Second
)

// Searcher is the retrieval operation the chat handler depends on.
type Searcher interface {
	Search(ctx context.Context, query string, topK int, threshold float64) *models.RetrievalResult
}

// Server wraps the HTTP server and its handlers.
type Server struct {
	httpServer *http.Server
	logger     zerolog.Logger
}

// NewServer builds and wires all routes.
func NewServer(addr string, searcher Searcher, completer Completer) *Server {
	logger := util.NewLogger(util.LevelFromEnv())
	h := &chatHandler{searcher: searcher, completer: completer, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(requestTimeout))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/healthz", h.health)
	r.Post("/chat", h.chat)

	return &Server{
		httpServer: &http.Server{Addr: addr, Handler: r},
		logger:     logger,
	}
}

// Start runs the HTTP server until it is shut down.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.httpServer.Addr).Msg("http server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("shutting down http server")
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

type chatHandler struct {
	searcher  Searcher
	completer Completer
	logger    zerolog.Logger
}

// ChatRequest is the body of POST /chat.
type ChatRequest struct {
	Message string `json:"message"`
	TopK    int    `json:"top_k,omitempty"`
}

// ChatResponse carries the grounded answer, the chunks that grounded it, and
// the timing breakdown.
type ChatResponse struct {
	Query           string                  `json:"query"`
	Answer          string                  `json:"answer,omitempty"`
	RetrievedChunks []models.RetrievedChunk `json:"retrieved_chunks"`
	Metrics         *chatMetrics            `json:"timing_metrics,omitempty"`
	Error           *models.RetrievalError  `json:"error,omitempty"`
}

type chatMetrics struct {
	RetrievalTimeMs  float64 `json:"retrieval_time_ms"`
	GenerationTimeMs float64 `json:"generation_time_ms"`
	TotalTimeMs      float64 `json:"total_time_ms"`
}

func (h *chatHandler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "healthy",
		"service":   "anchor-go",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// chat retrieves context for the question and generates a grounded answer.
// Caller mistakes map to 400; provider and store failures map to 502 without
// leaking internals.
func (h *chatHandler) chat(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, req.Message, "INVALID_REQUEST", "request body must be valid JSON")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		h.writeError(w, http.StatusBadRequest, req.Message, retriever.CodeInvalidQuery, "message cannot be empty")
		return
	}
	if req.TopK == 0 {
		req.TopK = defaultChatTopK
	}

	retrievalStart := time.Now()
	result := h.searcher.Search(r.Context(), req.Message, req.TopK, 0)
	retrievalMs := msSince(retrievalStart)

	if result.Error != nil {
		status := http.StatusBadGateway
		switch result.Error.Code {
		case retriever.CodeInvalidQuery, retriever.CodeInvalidTopK, retriever.CodeInvalidThreshold:
			status = http.StatusBadRequest
		}
		h.logger.Error().
			Str("code", result.Error.Code).
			Str("message", result.Error.Message).
			Msg("retrieval failed for chat request")
		h.writeError(w, status, req.Message, result.Error.Code, result.Error.Message)
		return
	}

	generationStart := time.Now()
	answer, err := h.completer.Complete(r.Context(), req.Message, result.Results)
	generationMs := msSince(generationStart)
	if err != nil {
		h.logger.Error().Err(err).Msg("completion failed for chat request")
		if errors.Is(err, ErrCompletionRateLimited) {
			h.writeError(w, http.StatusTooManyRequests, req.Message, "RATE_LIMITED",
				"answer generation is rate limited, please retry shortly")
			return
		}
		h.writeError(w, http.StatusBadGateway, req.Message, "GENERATION_FAILED",
			"answer generation failed, please retry")
		return
	}

	h.logger.Info().
		Int("chunks", len(result.Results)).
		Float64("retrieval_ms", retrievalMs).
		Float64("generation_ms", generationMs).
		Msg("chat request served")

	writeJSON(w, http.StatusOK, ChatResponse{
		Query:           req.Message,
		Answer:          answer,
		RetrievedChunks: result.Results,
		Metrics: &chatMetrics{
			RetrievalTimeMs:  retrievalMs,
			GenerationTimeMs: generationMs,
			TotalTimeMs:      msSince(start),
		},
	})
}

func (h *chatHandler) writeError(w http.ResponseWriter, status int, query, code, message string) {
	writeJSON(w, status, ChatResponse{
		Query:           query,
		RetrievedChunks: []models.RetrievedChunk{},
		Error:           &models.RetrievalError{Code: code, Message: message},
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func msSince(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000
}
