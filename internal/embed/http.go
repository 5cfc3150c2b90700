package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/opensource-finance/harrier/internal/domain"
)

// HTTPEmbedder calls an external embedding service over HTTP.
// The service contract is POST {"text": "..."} returning
// {"embedding": [...]} with exactly Dimension() floats.
type HTTPEmbedder struct {
	endpoint string
	dim      int
	client   *http.Client
}

// NewHTTPEmbedder creates an embedder for the configured endpoint.
func NewHTTPEmbedder(cfg domain.EmbeddingConfig) (*HTTPEmbedder, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("embedding endpoint is required")
	}

	dim := cfg.Dimension
	if dim <= 0 {
		dim = DefaultDimension
	}

	timeout := time.Duration(cfg.Timeout) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	return &HTTPEmbedder{
		endpoint: cfg.Endpoint,
		dim:      dim,
		client:   &http.Client{Timeout: timeout},
	}, nil
}

type embedRequest struct {
	Text string `json:"text"`
}

type embedResponse struct {
	Embedding []float64 `json:"embedding"`
}

// Embed requests an embedding and L2-normalizes it. Callers treat any
// error as "zero-fill the semantic segment".
func (e *HTTPEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	body, err := json.Marshal(embedRequest{Text: text})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embedding service returned status %d", resp.StatusCode)
	}

	var out embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode embedding: %w", err)
	}

	if len(out.Embedding) != e.dim {
		return nil, fmt.Errorf("embedding dimension mismatch: got %d, want %d", len(out.Embedding), e.dim)
	}

	return normalize(out.Embedding), nil
}

// Dimension returns the fixed output width.
func (e *HTTPEmbedder) Dimension() int { return e.dim }

// normalize scales the vector to unit L2 norm. Zero vectors pass
// through unchanged.
func normalize(vec []float64) []float64 {
	var sum float64
	for _, v := range vec {
		sum += v * v
	}
	if sum == 0 {
		return vec
	}

	norm := math.Sqrt(sum)
	for i := range vec {
		vec[i] /= norm
	}
	return vec
}
