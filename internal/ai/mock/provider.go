package mock

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"path"

	"github.com/kiranshivaraju/contentradar/internal/ai"
	"github.com/kiranshivaraju/contentradar/pkg/models"
)

// MockProvider satisfies models.AnalysisProvider for local runs and tests.
type MockProvider struct {
	Name_       string
	AnalyzeFunc func(ctx context.Context, in models.AnalysisInput) (models.AnalysisOutput, error)
}

func (m *MockProvider) Name() string { return m.Name_ }

func (m *MockProvider) Analyze(ctx context.Context, in models.AnalysisInput) (models.AnalysisOutput, error) {
	if m.AnalyzeFunc != nil {
		return m.AnalyzeFunc(ctx, in)
	}
	return models.AnalysisOutput{}, nil
}

// NewMockProvider returns a MockProvider whose output is derived from the input,
// so repeated calls with the same input agree.
func NewMockProvider() *MockProvider {
	return &MockProvider{
		Name_: "mock",
		AnalyzeFunc: func(_ context.Context, in models.AnalysisInput) (models.AnalysisOutput, error) {
			out := models.AnalysisOutput{
				Summary: fmt.Sprintf("Mock %s analysis of %s (%s)", in.Kind, path.Base(in.SourcePath), in.Mode),
				Labels:  []string{"mock", in.Kind},
				OCR:     []string{},
				ASR:     []string{},
				Meta:    map[string]any{"provider": "mock", "model": "mock-v1"},
			}
			if in.Kind == models.MediaKindVideo {
				out.Shots = []models.ShotSpan{
					{StartMS: 0, EndMS: 5000, Score: 0.5},
					{StartMS: 5000, EndMS: 10000, Score: 0.5},
				}
				out.ASR = []string{"mock transcript"}
			} else {
				out.Shots = []models.ShotSpan{}
			}
			return out, nil
		},
	}
}

// NewFailingProvider returns a MockProvider that always returns the given error.
func NewFailingProvider(err error) *MockProvider {
	return &MockProvider{
		Name_: "mock-failing",
		AnalyzeFunc: func(_ context.Context, _ models.AnalysisInput) (models.AnalysisOutput, error) {
			return models.AnalysisOutput{}, err
		},
	}
}

// NewTimeoutProvider returns a MockProvider that blocks until context is cancelled.
func NewTimeoutProvider() *MockProvider {
	return &MockProvider{
		Name_: "mock-timeout",
		AnalyzeFunc: func(ctx context.Context, _ models.AnalysisInput) (models.AnalysisOutput, error) {
			<-ctx.Done()
			return models.AnalysisOutput{}, ai.ErrInferenceTimeout
		},
	}
}

// Embedder satisfies models.Embedder.
type Embedder struct {
	EmbedFunc func(ctx context.Context, text string) (models.Embedding, error)
}

func (e *Embedder) Embed(ctx context.Context, text string) (models.Embedding, error) {
	if e.EmbedFunc != nil {
		return e.EmbedFunc(ctx, text)
	}
	return models.Embedding{}, nil
}

// NewEmbedder returns an Embedder producing a small unit vector seeded by the text.
func NewEmbedder(dim int) *Embedder {
	return &Embedder{
		EmbedFunc: func(_ context.Context, text string) (models.Embedding, error) {
			h := fnv.New64a()
			h.Write([]byte(text))
			seed := h.Sum64()

			vec := make([]float64, dim)
			var norm float64
			for i := range vec {
				seed = seed*6364136223846793005 + 1442695040888963407
				vec[i] = float64(seed>>11)/float64(1<<53)*2 - 1
				norm += vec[i] * vec[i]
			}
			norm = math.Sqrt(norm)
			if norm > 0 {
				for i := range vec {
					vec[i] /= norm
				}
			}
			return models.Embedding{Model: "mock-embed-v1", Vector: vec}, nil
		},
	}
}

// Compile-time checks.
var (
	_ models.AnalysisProvider = (*MockProvider)(nil)
	_ models.Embedder         = (*Embedder)(nil)
)
