// Package llm is the text-generation client used by answer generation,
// dialog analysis, query aggregation/expansion/translation, the ML guardrail
// scanners and the cross-encoder reranker. Backends: Google GenAI and
// Ollama, both behind one interface with optional circuit breaking.
package llm

import (
	"context"
	"fmt"
)

// Request is one generation call.
type Request struct {
	System      string  // system prompt, may be empty
	Prompt      string  // user content
	Temperature float32 // 0 disables sampling noise where the backend allows
	MaxTokens   int     // 0 means backend default
}

// Response is a completed generation.
type Response struct {
	Text string
}

// Token is one streamed fragment. Err terminates the stream when non-nil.
type Token struct {
	Text string
	Err  error
}

// Client generates text. Stream returns a channel closed at end-of-stream;
// cancelling ctx cancels the upstream call and closes the channel.
type Client interface {
	Generate(ctx context.Context, req Request) (Response, error)
	Stream(ctx context.Context, req Request) (<-chan Token, error)
	Name() string
}

// Config selects and parameterizes the backend.
type Config struct {
	Provider string `yaml:"provider"` // "genai" or "ollama"

	GenAIAPIKey string `yaml:"genai_api_key"`
	GenAIModel  string `yaml:"genai_model"`

	OllamaEndpoint string `yaml:"ollama_endpoint"`
	OllamaModel    string `yaml:"ollama_model"`

	// Breaker wraps the client in a circuit breaker.
	Breaker bool `yaml:"breaker"`
}

// DefaultConfig targets a local Ollama instance.
func DefaultConfig() Config {
	return Config{
		Provider:       "ollama",
		OllamaEndpoint: "http://localhost:11434",
		OllamaModel:    "llama3.1",
		GenAIModel:     "gemini-2.0-flash",
		Breaker:        true,
	}
}

// NewClient builds the configured backend.
func NewClient(cfg Config) (Client, error) {
	var (
		client Client
		err    error
	)
	switch cfg.Provider {
	case "genai":
		client, err = NewGenAIClient(cfg.GenAIAPIKey, cfg.GenAIModel)
	case "ollama":
		client, err = NewOllamaClient(cfg.OllamaEndpoint, cfg.OllamaModel)
	default:
		return nil, fmt.Errorf("unsupported llm provider %q (use genai or ollama)", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}
	if cfg.Breaker {
		client = WithBreaker(client)
	}
	return client, nil
}
