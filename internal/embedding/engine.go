// Package embedding generates dense vectors for retrieval, classification
// and the semantic cache. Two backends are supported: Google GenAI (cloud)
// and Ollama (local). Optional decorators add an LRU cache keyed by content
// hash and a circuit breaker in front of the upstream.
package embedding

import (
	"context"
	"fmt"
	"math"
)

// Engine generates vector embeddings for text.
type Engine interface {
	// Embed generates the embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts in order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the embedding width.
	Dimensions() int

	// Name identifies the backend for logs.
	Name() string
}

// Config selects and parameterizes the backend.
type Config struct {
	Provider string `yaml:"provider"` // "genai" or "ollama"

	OllamaEndpoint string `yaml:"ollama_endpoint"`
	OllamaModel    string `yaml:"ollama_model"`

	GenAIAPIKey string `yaml:"genai_api_key"`
	GenAIModel  string `yaml:"genai_model"`
	TaskType    string `yaml:"task_type"`

	// CacheSize > 0 wraps the engine in an LRU cache.
	CacheSize int `yaml:"cache_size"`
	// Breaker wraps the engine in a circuit breaker.
	Breaker bool `yaml:"breaker"`
}

// DefaultConfig targets a local Ollama instance.
func DefaultConfig() Config {
	return Config{
		Provider:       "ollama",
		OllamaEndpoint: "http://localhost:11434",
		OllamaModel:    "embeddinggemma",
		GenAIModel:     "gemini-embedding-001",
		TaskType:       "SEMANTIC_SIMILARITY",
		CacheSize:      2048,
		Breaker:        true,
	}
}

// NewEngine builds the configured backend with its decorators applied.
func NewEngine(cfg Config) (Engine, error) {
	var (
		engine Engine
		err    error
	)
	switch cfg.Provider {
	case "ollama":
		engine, err = NewOllamaEngine(cfg.OllamaEndpoint, cfg.OllamaModel)
	case "genai":
		engine, err = NewGenAIEngine(cfg.GenAIAPIKey, cfg.GenAIModel, cfg.TaskType)
	default:
		return nil, fmt.Errorf("unsupported embedding provider %q (use ollama or genai)", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}
	if cfg.Breaker {
		engine = WithBreaker(engine)
	}
	if cfg.CacheSize > 0 {
		engine, err = WithCache(engine, cfg.CacheSize)
		if err != nil {
			return nil, err
		}
	}
	return engine, nil
}

// CosineSimilarity returns the cosine of the angle between two vectors:
// 1 identical, 0 orthogonal. Mismatched dimensions are an error.
func CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("vector dimension mismatch: %d != %d", len(a), len(b))
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0, nil
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb)), nil
}
