// Package embeddings defines the Provider interface for text embedding
// backends used by the RAG index manager.
//
// Embeddings must be deterministic: the same text embedded twice by the same
// provider yields the same vector, so that persisted indices remain valid
// across restarts.
package embeddings

import "context"

// Provider is the abstraction over any embedding model backend.
// Implementations must be safe for concurrent use.
type Provider interface {
	// Embed converts one text into its embedding vector.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch converts a batch of texts into embedding vectors, preserving
	// input order. Implementations should batch upstream API calls where the
	// backend supports it; a loop over Embed is an acceptable fallback.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the fixed dimensionality of the vectors this
	// provider produces.
	Dimensions() int
}
