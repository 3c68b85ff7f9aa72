package retrieval

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"answercore/internal/embedding"
	"answercore/internal/llm"
	"answercore/internal/runstate"
)

// Reranker rescores (query, document) pairs. Scores replace the fused
// scores entirely; the stage reorders by them.
type Reranker interface {
	Rerank(ctx context.Context, query string, docs []runstate.ScoredDoc) ([]float64, error)
}

// CosineReranker rescores by embedding similarity. Cheaper than the model
// reranker and the fallback when no generation backend is configured.
type CosineReranker struct {
	Embedder embedding.Engine
}

func (r CosineReranker) Rerank(ctx context.Context, query string, docs []runstate.ScoredDoc) ([]float64, error) {
	if len(docs) == 0 {
		return nil, nil
	}
	queryVec, err := r.Embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed rerank query: %w", err)
	}
	texts := make([]string, len(docs))
	for i, d := range docs {
		texts[i] = d.Content
	}
	docVecs, err := r.Embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embed rerank candidates: %w", err)
	}
	scores := make([]float64, len(docs))
	for i, v := range docVecs {
		sim, err := embedding.CosineSimilarity(queryVec, v)
		if err != nil {
			return nil, err
		}
		scores[i] = sim
	}
	return scores, nil
}

const rerankPrompt = `Rate how well this document answers the question. Reply with a single number between 0.00 and 1.00, nothing else.

Question: %s

Document:
%s`

// LLMReranker cross-scores each pair with a generation call. The semaphore
// bounds concurrent model calls so a wide candidate list cannot starve the
// rest of the process.
type LLMReranker struct {
	Client  llm.Client
	Workers int64
}

func (r LLMReranker) Rerank(ctx context.Context, query string, docs []runstate.ScoredDoc) ([]float64, error) {
	if len(docs) == 0 {
		return nil, nil
	}
	workers := r.Workers
	if workers <= 0 {
		workers = 4
	}
	sem := semaphore.NewWeighted(workers)
	scores := make([]float64, len(docs))

	g, gctx := errgroup.WithContext(ctx)
	for i, doc := range docs {
		if err := sem.Acquire(gctx, 1); err != nil {
			return nil, err
		}
		g.Go(func() error {
			defer sem.Release(1)
			resp, err := r.Client.Generate(gctx, llm.Request{
				Prompt:      fmt.Sprintf(rerankPrompt, query, doc.Content),
				Temperature: 0,
				MaxTokens:   8,
			})
			if err != nil {
				return fmt.Errorf("rerank candidate %d: %w", doc.ID, err)
			}
			scores[i] = parseScore(resp.Text)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return scores, nil
}

// parseScore extracts the first float in the reply and clamps it to [0,1].
// Models occasionally decorate the number despite instructions.
func parseScore(text string) float64 {
	for _, field := range strings.FieldsFunc(text, func(r rune) bool {
		return !('0' <= r && r <= '9') && r != '.'
	}) {
		v, err := strconv.ParseFloat(field, 64)
		if err != nil {
			continue
		}
		if v < 0 {
			return 0
		}
		if v > 1 {
			return 1
		}
		return v
	}
	return 0
}
