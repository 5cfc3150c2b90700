package domain

import "context"

// Embedder produces sentence embeddings for the semantic segment of a
// feature vector. Implementations must be safe for concurrent use.
type Embedder interface {
	// Embed returns an L2-normalized vector of Dimension() width for
	// the given text. An error means the semantic segment should be
	// zero-filled; it never fails event ingestion.
	Embed(ctx context.Context, text string) ([]float64, error)

	// Dimension returns the fixed output width.
	Dimension() int
}
