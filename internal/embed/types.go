// Package embed generates dense vector embeddings for chunk and query
// text. The remote embedder talks to the configured provider; the static
// embedder is a deterministic hash-based fallback for offline mode and
// tests. All embedders return unit-length vectors so cosine similarity
// reduces to a dot product.
package embed

import (
	"context"
	"math"
)

const (
	// DefaultBatchSize is the number of texts per provider request.
	DefaultBatchSize = 32

	// MaxBatchSize bounds a single request to keep payloads reasonable.
	MaxBatchSize = 256

	// StaticDimensions is the dimension of the hash-based embedder.
	StaticDimensions = 256

	// DefaultEmbedCacheSize is the LRU capacity for query embeddings.
	DefaultEmbedCacheSize = 1000
)

// Embedder generates vector embeddings for text.
type Embedder interface {
	// Embed generates the embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts, preserving order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the embedding dimension.
	Dimensions() int

	// ModelName returns the model identifier.
	ModelName() string

	// Available reports whether the embedder is ready to serve.
	Available(ctx context.Context) bool

	// Close releases resources.
	Close() error
}

// normalizeVector scales a vector to unit length. Zero vectors pass
// through unchanged.
func normalizeVector(v []float32) []float32 {
	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}

	magnitude := math.Sqrt(sumSquares)
	if magnitude == 0 {
		return v
	}

	normalized := make([]float32, len(v))
	for i, val := range v {
		normalized[i] = float32(float64(val) / magnitude)
	}
	return normalized
}

// CosineSimilarity computes the dot product of two unit vectors. Length
// mismatch yields zero rather than panicking.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot
}
