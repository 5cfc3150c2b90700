// Package embed provides sentence-embedding providers behind the
// domain.Embedder interface.
package embed

import (
	"context"
	"fmt"

	"github.com/opensource-finance/harrier/internal/domain"
)

// DefaultDimension matches the MiniLM-class models the scoring agents
// were built against.
const DefaultDimension = 384

// New creates an embedder based on configuration.
// For Community tier: returns NoOp (zero semantic segments).
// For Pro tier: returns an HTTP client for an embedding service.
func New(cfg domain.EmbeddingConfig) (domain.Embedder, error) {
	switch cfg.Provider {
	case "", "noop":
		return NewNoOp(cfg.Dimension), nil

	case "http":
		return NewHTTPEmbedder(cfg)

	default:
		return nil, fmt.Errorf("unsupported embedding provider: %s", cfg.Provider)
	}
}

// NoOp is an embedder that always returns the zero vector. Clustering
// then runs on the keyword and agent segments alone, which keeps the
// Community tier dependency-free.
type NoOp struct {
	dim int
}

// NewNoOp creates a zero-vector embedder of the given dimension.
func NewNoOp(dim int) *NoOp {
	if dim <= 0 {
		dim = DefaultDimension
	}
	return &NoOp{dim: dim}
}

// Embed returns a zero vector of the configured dimension.
func (n *NoOp) Embed(_ context.Context, _ string) ([]float64, error) {
	return make([]float64, n.dim), nil
}

// Dimension returns the fixed output width.
func (n *NoOp) Dimension() int { return n.dim }
