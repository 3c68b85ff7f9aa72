package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ollamaStub(t *testing.T, chunks []string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/generate", r.URL.Path)
		var req ollamaGenerateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		enc := json.NewEncoder(w)
		if !req.Stream {
			full := ""
			for _, c := range chunks {
				full += c
			}
			require.NoError(t, enc.Encode(ollamaGenerateResponse{Response: full, Done: true}))
			return
		}
		fl, _ := w.(http.Flusher)
		for _, c := range chunks {
			require.NoError(t, enc.Encode(ollamaGenerateResponse{Response: c}))
			if fl != nil {
				fl.Flush()
			}
		}
		require.NoError(t, enc.Encode(ollamaGenerateResponse{Done: true}))
	}))
}

func TestOllamaGenerate(t *testing.T) {
	srv := ollamaStub(t, []string{"Hello", " world"})
	defer srv.Close()

	c, err := NewOllamaClient(srv.URL, "test-model")
	require.NoError(t, err)

	resp, err := c.Generate(context.Background(), Request{Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "Hello world", resp.Text)
}

func TestOllamaStreamDeliversChunksInOrder(t *testing.T) {
	srv := ollamaStub(t, []string{"a", "b", "c"})
	defer srv.Close()

	c, err := NewOllamaClient(srv.URL, "test-model")
	require.NoError(t, err)

	ch, err := c.Stream(context.Background(), Request{Prompt: "hi"})
	require.NoError(t, err)

	var got []string
	for tok := range ch {
		require.NoError(t, tok.Err)
		got = append(got, tok.Text)
	}
	assert.Equal(t, []string{"a", "b", "c"}, got)
}

func TestOllamaStreamCancellation(t *testing.T) {
	srv := ollamaStub(t, []string{"a", "b", "c"})
	defer srv.Close()

	c, err := NewOllamaClient(srv.URL, "test-model")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := c.Stream(ctx, Request{Prompt: "hi"})
	require.NoError(t, err)

	<-ch
	cancel()
	for range ch {
		// drain until the producer notices the cancellation
	}
}

func TestOllamaGenerateUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	c, err := NewOllamaClient(srv.URL, "missing")
	require.NoError(t, err)

	_, err = c.Generate(context.Background(), Request{Prompt: "hi"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}
