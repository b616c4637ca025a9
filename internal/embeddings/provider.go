// Package embeddings defines the Provider interface used to vectorize tool
// descriptions and find queries.
//
// The capability index ranks tools by cosine similarity between query vectors
// and tool-description vectors, so all vectors feeding one index must come from
// the same provider. The index records the provider's ModelID and discards
// cached vectors when the model changes.
//
// Implementations must be safe for concurrent use.
package embeddings

import (
	"context"
	"math"
	"os"
	"strings"

	"github.com/toolmux/toolmux/internal/common"
)

// Provider is the abstraction over any text-embedding backend.
//
// All vectors returned by a single Provider instance share the same
// dimensionality (returned by Dimensions). Vectors from different providers or
// models must never be compared against each other.
type Provider interface {
	// Embed computes the embedding vector for a single text string. Returns a
	// float32 slice of length Dimensions() or an error if the request fails or
	// ctx is cancelled.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch computes embedding vectors for a slice of texts in a single
	// provider call. The returned slice has the same length as texts and the
	// i-th element corresponds to texts[i]. On error the entire result is nil;
	// partial results are not returned.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the fixed length of every vector produced by this
	// provider.
	Dimensions() int

	// ModelID returns the model identifier recorded alongside the index so
	// cached vectors can be invalidated on model change.
	ModelID() string
}

// Cosine returns the cosine similarity of two vectors. Vectors of differing
// length or zero magnitude yield 0 rather than an error, so unrankable entries
// simply sort last.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// SelectModelID resolves the embedding model to use: the TOOLMUX_EMBED_MODEL
// environment variable wins, otherwise OpenAI's small model is used when an
// API key is present, otherwise the bundled offline hash model.
func SelectModelID() string {
	if model := os.Getenv(common.EnvEmbedModel); model != "" {
		return strings.TrimSpace(model)
	}
	if os.Getenv("OPENAI_API_KEY") != "" {
		return "text-embedding-3-small"
	}
	return "hashembed-v1-384"
}
