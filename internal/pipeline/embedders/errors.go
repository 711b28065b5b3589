package embedders

import "errors"

var (
	ErrAPIKeyNotSet     = errors.New("API key not set")
	ErrUnsupportedModel = errors.New("unsupported model")
	ErrNoTexts          = errors.New("no texts to embed")
	ErrRateLimited      = errors.New("embedding provider rate limited the request")
	ErrAPIRequestFailed = errors.New("embedding API request failed")
	ErrNoEmbeddingData  = errors.New("no embedding data in response")
	ErrCountMismatch    = errors.New("embedding count does not match input count")
	ErrInvalidInputType = errors.New("input type must be search_document or search_query")
	ErrNonFiniteVector  = errors.New("embedding contains NaN or Inf values")
	ErrBatchTooLarge    = errors.New("batch exceeds provider limit")
)
