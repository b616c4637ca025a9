// Package hashembed provides a deterministic, dependency-free embedding
// provider based on feature hashing.
//
// It tokenizes text into lowercase word unigrams and bigrams, hashes each
// token into a fixed 384-dimensional space and L2-normalizes the result.
// Quality is far below a learned model, but it needs no network or API key,
// which makes it the bundled fallback when no OpenAI key is configured and
// the deterministic backend of choice for tests.
package hashembed

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"

	"github.com/toolmux/toolmux/internal/embeddings"
)

// ModelID identifies this provider's vector space. Vectors from different
// model IDs are never compared.
const ModelID = "hashembed-v1-384"

const dimensions = 384

// Ensure Provider implements the embeddings.Provider interface.
var _ embeddings.Provider = (*Provider)(nil)

// Provider is the feature-hashing embedding provider. The zero value is ready
// to use and safe for concurrent use.
type Provider struct{}

// New returns a hashing provider.
func New() *Provider {
	return &Provider{}
}

// Embed implements embeddings.Provider.
func (p *Provider) Embed(_ context.Context, text string) ([]float32, error) {
	return embed(text), nil
}

// EmbedBatch implements embeddings.Provider.
func (p *Provider) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	result := make([][]float32, len(texts))
	for i, text := range texts {
		result[i] = embed(text)
	}
	return result, nil
}

// Dimensions implements embeddings.Provider.
func (p *Provider) Dimensions() int {
	return dimensions
}

// ModelID implements embeddings.Provider.
func (p *Provider) ModelID() string {
	return ModelID
}

func embed(text string) []float32 {
	tokens := tokenize(text)
	vec := make([]float32, dimensions)
	if len(tokens) == 0 {
		return vec
	}

	add := func(token string, weight float32) {
		h := fnv.New64a()
		h.Write([]byte(token))
		sum := h.Sum64()
		idx := int(sum % dimensions)
		// The next hash bit decides the sign, which keeps colliding tokens
		// from always reinforcing each other.
		sign := float32(1)
		if (sum>>63)&1 == 1 {
			sign = -1
		}
		vec[idx] += sign * weight
	}

	for _, token := range tokens {
		add(token, 1)
	}
	// Bigrams carry phrase-level signal at half weight.
	for i := 0; i+1 < len(tokens); i++ {
		add(tokens[i]+" "+tokens[i+1], 0.5)
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= scale
		}
	}
	return vec
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}
