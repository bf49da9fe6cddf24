// Package models contains shared data models used across the content radar codebase.
package models

import "context"

// AnalysisProvider is the capability every vision/LLM integration implements.
// Pipeline and admission code only ever depend on this interface.
type AnalysisProvider interface {
	// Analyze describes a single media asset.
	Analyze(ctx context.Context, in AnalysisInput) (AnalysisOutput, error)
	// Name returns the provider identifier (e.g., "mock", "openai").
	Name() string
}

// AnalysisInput is the input to a provider call.
type AnalysisInput struct {
	SourcePath string `json:"source_path"`
	Kind       string `json:"kind"`
	Mode       string `json:"mode"`
	Hint       string `json:"hint,omitempty"`
}

// AnalysisOutput is the normalized provider response.
type AnalysisOutput struct {
	Summary string         `json:"summary"`
	Shots   []ShotSpan     `json:"shots"`
	Labels  []string       `json:"labels"`
	OCR     []string       `json:"ocr"`
	ASR     []string       `json:"asr"`
	Meta    map[string]any `json:"meta"`
}

// Embedder turns text into a vector. A nil Embedder means the capability is
// not configured.
type Embedder interface {
	Embed(ctx context.Context, text string) (Embedding, error)
}

// Embedding is an embedder response.
type Embedding struct {
	Model  string
	Vector []float64
}
