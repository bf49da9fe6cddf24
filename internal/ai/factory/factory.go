// Package factory builds the configured analysis capabilities. It is called
// once per process at startup.
package factory

import (
	"fmt"

	"github.com/kiranshivaraju/contentradar/internal/ai/mock"
	"github.com/kiranshivaraju/contentradar/internal/ai/openai"
	"github.com/kiranshivaraju/contentradar/internal/config"
	"github.com/kiranshivaraju/contentradar/pkg/models"
)

// NewProvider constructs the AnalysisProvider named by cfg.Provider.
func NewProvider(cfg config.AIConfig) (models.AnalysisProvider, error) {
	switch cfg.Provider {
	case "mock":
		return mock.NewMockProvider(), nil
	case "openai":
		return openai.NewProvider(cfg.OpenAI, cfg.InferenceTimeout), nil
	default:
		return nil, fmt.Errorf("unknown AI provider %q: must be one of mock, openai", cfg.Provider)
	}
}

// NewEmbedder returns nil when no embedding credential is configured, which
// disables the pipeline's embedding stage.
func NewEmbedder(cfg config.AIConfig) models.Embedder {
	if !cfg.Embedding.Enabled() {
		return nil
	}
	return openai.NewEmbedder(cfg.Embedding, cfg.InferenceTimeout)
}
