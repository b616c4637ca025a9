package cli

import (
	"os"
	"strings"
	"time"

	"github.com/toolmux/toolmux/internal/common"
	"github.com/toolmux/toolmux/internal/embeddings"
	"github.com/toolmux/toolmux/internal/embeddings/hashembed"
	"github.com/toolmux/toolmux/internal/embeddings/openai"
)

// newProvider builds the embedding provider for this invocation.
//
// TOOLMUX_EMBED_MODEL picks the model explicitly ("openai:<model>" or
// "hashembed-v1-384"); otherwise OpenAI's small model is used when an API key
// is present, falling back to the bundled offline hash model.
func newProvider() (embeddings.Provider, error) {
	modelID := embeddings.SelectModelID()
	if modelID == hashembed.ModelID {
		return hashembed.New(), nil
	}

	model := strings.TrimPrefix(modelID, "openai:")
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		return nil, common.Fatalf("embedding model %q requires OPENAI_API_KEY to be set", modelID)
	}
	opts := []openai.Option{openai.WithTimeout(30 * time.Second)}
	if base := os.Getenv("OPENAI_BASE_URL"); base != "" {
		opts = append(opts, openai.WithBaseURL(base))
	}
	return openai.New(apiKey, model, opts...)
}
