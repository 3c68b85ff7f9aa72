package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// OllamaClient generates text against a local Ollama server.
type OllamaClient struct {
	endpoint string
	model    string
	client   *http.Client
}

// NewOllamaClient creates an Ollama generation client. The HTTP client has
// no overall timeout: streams are bounded by the request context.
func NewOllamaClient(endpoint, model string) (*OllamaClient, error) {
	if endpoint == "" {
		endpoint = "http://localhost:11434"
	}
	if model == "" {
		model = "llama3.1"
	}
	return &OllamaClient{
		endpoint: endpoint,
		model:    model,
		client:   &http.Client{Timeout: 0},
	}, nil
}

type ollamaGenerateRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	System  string         `json:"system,omitempty"`
	Stream  bool           `json:"stream"`
	Options map[string]any `json:"options,omitempty"`
}

type ollamaGenerateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

func (c *OllamaClient) do(ctx context.Context, req Request, stream bool) (*http.Response, error) {
	opts := map[string]any{"temperature": req.Temperature}
	if req.MaxTokens > 0 {
		opts["num_predict"] = req.MaxTokens
	}
	body, err := json.Marshal(ollamaGenerateRequest{
		Model:   c.model,
		Prompt:  req.Prompt,
		System:  req.System,
		Stream:  stream,
		Options: opts,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal generate request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build generate request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("ollama request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("ollama returned %d: %s", resp.StatusCode, string(b))
	}
	return resp, nil
}

// Generate runs one completion.
func (c *OllamaClient) Generate(ctx context.Context, req Request) (Response, error) {
	// A 60s floor keeps a hung non-streaming call from outliving the turn.
	genCtx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		genCtx, cancel = context.WithTimeout(ctx, 60*time.Second)
		defer cancel()
	}
	resp, err := c.do(genCtx, req, false)
	if err != nil {
		return Response{}, err
	}
	defer resp.Body.Close()

	var result ollamaGenerateResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return Response{}, fmt.Errorf("decode generate response: %w", err)
	}
	return Response{Text: strings.TrimSpace(result.Response)}, nil
}

// Stream runs a completion and forwards Ollama's JSON-lines chunks.
func (c *OllamaClient) Stream(ctx context.Context, req Request) (<-chan Token, error) {
	resp, err := c.do(ctx, req, true)
	if err != nil {
		return nil, err
	}

	out := make(chan Token)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			var chunk ollamaGenerateResponse
			if err := json.Unmarshal(scanner.Bytes(), &chunk); err != nil {
				select {
				case out <- Token{Err: fmt.Errorf("decode stream chunk: %w", err)}:
				case <-ctx.Done():
				}
				return
			}
			if chunk.Response != "" {
				select {
				case out <- Token{Text: chunk.Response}:
				case <-ctx.Done():
					return
				}
			}
			if chunk.Done {
				return
			}
		}
		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			select {
			case out <- Token{Err: fmt.Errorf("read stream: %w", err)}:
			case <-ctx.Done():
			}
		}
	}()
	return out, nil
}

// Name identifies the backend.
func (c *OllamaClient) Name() string { return fmt.Sprintf("ollama:%s", c.model) }
