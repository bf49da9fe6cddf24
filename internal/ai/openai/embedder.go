package openai

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/kiranshivaraju/contentradar/internal/ai"
	"github.com/kiranshivaraju/contentradar/internal/config"
	"github.com/kiranshivaraju/contentradar/pkg/models"
)

// Embedder implements models.Embedder against an OpenAI-compatible
// embeddings endpoint.
type Embedder struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
}

func NewEmbedder(cfg config.EmbeddingConfig, timeout time.Duration) *Embedder {
	return &Embedder{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		client:  &http.Client{Timeout: timeout},
	}
}

func (e *Embedder) Embed(ctx context.Context, text string) (models.Embedding, error) {
	var resp embeddingResponse
	err := postJSON(ctx, e.client, e.baseURL+"/embeddings", e.apiKey,
		embeddingRequest{Model: e.model, Input: text}, &resp)
	if err != nil {
		return models.Embedding{}, err
	}
	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return models.Embedding{}, fmt.Errorf("%w: empty embedding", ai.ErrInvalidResponse)
	}

	model := resp.Model
	if model == "" {
		model = e.model
	}
	return models.Embedding{Model: model, Vector: resp.Data[0].Embedding}, nil
}

type embeddingRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embeddingResponse struct {
	Model string `json:"model"`
	Data  []struct {
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
}

var _ models.Embedder = (*Embedder)(nil)
