package llm

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

// GenAIClient generates text through Google's Gemini API.
type GenAIClient struct {
	client *genai.Client
	model  string
}

// NewGenAIClient creates a GenAI generation client.
func NewGenAIClient(apiKey, model string) (*GenAIClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("genai API key is required")
	}
	if model == "" {
		model = "gemini-2.0-flash"
	}
	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &GenAIClient{client: client, model: model}, nil
}

func (c *GenAIClient) config(req Request) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{}
	if req.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	cfg.Temperature = genai.Ptr(req.Temperature)
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}
	return cfg
}

// Generate runs one completion.
func (c *GenAIClient) Generate(ctx context.Context, req Request) (Response, error) {
	resp, err := c.client.Models.GenerateContent(ctx, c.model,
		genai.Text(req.Prompt), c.config(req))
	if err != nil {
		return Response{}, fmt.Errorf("genai generate: %w", err)
	}
	return Response{Text: resp.Text()}, nil
}

// Stream runs a completion and forwards chunks as they arrive.
func (c *GenAIClient) Stream(ctx context.Context, req Request) (<-chan Token, error) {
	out := make(chan Token)
	go func() {
		defer close(out)
		for resp, err := range c.client.Models.GenerateContentStream(ctx, c.model,
			genai.Text(req.Prompt), c.config(req)) {
			if err != nil {
				select {
				case out <- Token{Err: fmt.Errorf("genai stream: %w", err)}:
				case <-ctx.Done():
				}
				return
			}
			select {
			case out <- Token{Text: resp.Text()}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Name identifies the backend.
func (c *GenAIClient) Name() string { return fmt.Sprintf("genai:%s", c.model) }
