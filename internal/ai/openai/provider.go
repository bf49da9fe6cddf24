package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kiranshivaraju/contentradar/internal/ai"
	"github.com/kiranshivaraju/contentradar/internal/config"
	"github.com/kiranshivaraju/contentradar/pkg/models"
)

const systemPrompt = `You analyze social media content. Reply with a single JSON object with keys:
"summary" (string), "shots" (array of {"start_ms","end_ms","score"}), "labels" (array of strings),
"ocr" (array of on-screen text strings), "asr" (array of spoken phrases). Use empty arrays when unknown.`

// Provider implements models.AnalysisProvider against an OpenAI-compatible
// chat completions endpoint.
type Provider struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
}

func NewProvider(cfg config.OpenAIConfig, timeout time.Duration) *Provider {
	return &Provider{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		client:  &http.Client{Timeout: timeout},
	}
}

func (p *Provider) Name() string { return "openai" }

func (p *Provider) Analyze(ctx context.Context, in models.AnalysisInput) (models.AnalysisOutput, error) {
	body := chatRequest{
		Model:          p.model,
		ResponseFormat: &responseFormat{Type: "json_object"},
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userContent(in)},
		},
	}

	var resp chatResponse
	if err := postJSON(ctx, p.client, p.baseURL+"/chat/completions", p.apiKey, body, &resp); err != nil {
		return models.AnalysisOutput{}, err
	}
	if len(resp.Choices) == 0 {
		return models.AnalysisOutput{}, fmt.Errorf("%w: no choices", ai.ErrInvalidResponse)
	}

	out, err := parseOutput(resp.Choices[0].Message.Content)
	if err != nil {
		return models.AnalysisOutput{}, err
	}
	out.Meta["provider"] = p.Name()
	out.Meta["model"] = p.model
	return out, nil
}

// userContent attaches the asset as an image part when the model can fetch it.
func userContent(in models.AnalysisInput) any {
	text := fmt.Sprintf("Analyze this %s (mode: %s). Source: %s", in.Kind, in.Mode, describeSource(in.SourcePath))
	if in.Hint != "" {
		text += "\n\n" + in.Hint
	}
	if in.Kind != models.MediaKindImage || !fetchable(in.SourcePath) {
		return text
	}
	return []contentPart{
		{Type: "text", Text: text},
		{Type: "image_url", ImageURL: &imageURL{URL: in.SourcePath}},
	}
}

func fetchable(src string) bool {
	return strings.HasPrefix(src, "https://") || strings.HasPrefix(src, "http://") || strings.HasPrefix(src, "data:image/")
}

// describeSource keeps data: payloads out of the prompt text; the bytes travel
// once, in the image part.
func describeSource(src string) string {
	rest, ok := strings.CutPrefix(src, "data:")
	if !ok {
		return src
	}
	meta, payload, _ := strings.Cut(rest, ",")
	mime, _, _ := strings.Cut(meta, ";")
	if mime == "" {
		mime = "text/plain"
	}
	n := len(payload)
	if strings.HasSuffix(meta, ";base64") {
		n = len(payload)*3/4 - (len(payload) - len(strings.TrimRight(payload, "=")))
	}
	return fmt.Sprintf("inline %s, %d bytes", mime, n)
}

// parseOutput validates the model's JSON and fills nil collections.
func parseOutput(content string) (models.AnalysisOutput, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")

	var out models.AnalysisOutput
	if err := json.Unmarshal([]byte(content), &out); err != nil {
		return models.AnalysisOutput{}, fmt.Errorf("%w: %v", ai.ErrInvalidResponse, err)
	}
	if strings.TrimSpace(out.Summary) == "" {
		return models.AnalysisOutput{}, fmt.Errorf("%w: empty summary", ai.ErrInvalidResponse)
	}
	for _, s := range out.Shots {
		if s.StartMS < 0 || s.EndMS < s.StartMS {
			return models.AnalysisOutput{}, fmt.Errorf("%w: bad shot span %d-%d", ai.ErrInvalidResponse, s.StartMS, s.EndMS)
		}
	}
	if out.Shots == nil {
		out.Shots = []models.ShotSpan{}
	}
	if out.Labels == nil {
		out.Labels = []string{}
	}
	if out.OCR == nil {
		out.OCR = []string{}
	}
	if out.ASR == nil {
		out.ASR = []string{}
	}
	if out.Meta == nil {
		out.Meta = map[string]any{}
	}
	return out, nil
}

// postJSON sends body and decodes a 200 response into out.
func postJSON(ctx context.Context, client *http.Client, url, apiKey string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := client.Do(req)
	if err != nil {
		return ai.ClassifyTransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: status %d: %s", ai.ClassifyStatus(resp.StatusCode), resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decoding response: %v", ai.ErrInvalidResponse, err)
	}
	return nil
}

// --- wire types ---

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

var _ models.AnalysisProvider = (*Provider)(nil)
