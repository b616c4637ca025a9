package hashembed

import (
	"context"
	"testing"

	"gotest.tools/assert"

	"github.com/toolmux/toolmux/internal/embeddings"
)

func TestEmbed_DeterministicAndNormalized(t *testing.T) {
	p := New()

	v1, err := p.Embed(context.Background(), "read a file from disk")
	assert.NilError(t, err)
	v2, err := p.Embed(context.Background(), "read a file from disk")
	assert.NilError(t, err)

	assert.Equal(t, len(v1), p.Dimensions())
	assert.DeepEqual(t, v1, v2)

	// Unit length within float tolerance.
	sim := embeddings.Cosine(v1, v1)
	assert.Assert(t, sim > 0.999 && sim < 1.001)
}

func TestEmbed_SimilarTextScoresHigherThanUnrelated(t *testing.T) {
	p := New()
	ctx := context.Background()

	query, err := p.Embed(ctx, "read file contents")
	assert.NilError(t, err)
	related, err := p.Embed(ctx, "read the contents of a file at a given path")
	assert.NilError(t, err)
	unrelated, err := p.Embed(ctx, "create a linear issue ticket for the sprint")
	assert.NilError(t, err)

	assert.Assert(t, embeddings.Cosine(query, related) > embeddings.Cosine(query, unrelated))
}

func TestEmbedBatch_MatchesSingleEmbed(t *testing.T) {
	p := New()
	ctx := context.Background()

	texts := []string{"list directory", "delete branch", ""}
	batch, err := p.EmbedBatch(ctx, texts)
	assert.NilError(t, err)
	assert.Equal(t, len(batch), len(texts))

	for i, text := range texts {
		single, err := p.Embed(ctx, text)
		assert.NilError(t, err)
		assert.DeepEqual(t, batch[i], single)
	}
}

func TestEmbed_EmptyTextYieldsZeroVector(t *testing.T) {
	p := New()

	v, err := p.Embed(context.Background(), "   ")
	assert.NilError(t, err)
	assert.Equal(t, len(v), p.Dimensions())

	// Zero vectors never rank: similarity against anything is 0.
	other, err := p.Embed(context.Background(), "anything")
	assert.NilError(t, err)
	assert.Equal(t, embeddings.Cosine(v, other), 0.0)
}

func TestCosine_MismatchedLengths(t *testing.T) {
	assert.Equal(t, embeddings.Cosine([]float32{1, 0}, []float32{1, 0, 0}), 0.0)
	assert.Equal(t, embeddings.Cosine(nil, nil), 0.0)
}
