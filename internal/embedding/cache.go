package embedding

import (
	"context"
	"crypto/sha256"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// CachedEngine memoizes embeddings in an LRU keyed by the SHA-256 of the
// text. Classification re-embeds the same labels and the cache check stage
// re-embeds the same questions, so the hit rate is high in steady state.
type CachedEngine struct {
	inner Engine
	cache *lru.Cache[[32]byte, []float32]
}

// WithCache wraps inner in an LRU of the given size.
func WithCache(inner Engine, size int) (*CachedEngine, error) {
	cache, err := lru.New[[32]byte, []float32](size)
	if err != nil {
		return nil, fmt.Errorf("create embedding cache: %w", err)
	}
	return &CachedEngine{inner: inner, cache: cache}, nil
}

func (e *CachedEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	key := sha256.Sum256([]byte(text))
	if v, ok := e.cache.Get(key); ok {
		return v, nil
	}
	v, err := e.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	e.cache.Add(key, v)
	return v, nil
}

func (e *CachedEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var (
		missTexts []string
		missIdx   []int
	)
	for i, text := range texts {
		key := sha256.Sum256([]byte(text))
		if v, ok := e.cache.Get(key); ok {
			out[i] = v
			continue
		}
		missTexts = append(missTexts, text)
		missIdx = append(missIdx, i)
	}
	if len(missTexts) == 0 {
		return out, nil
	}
	fresh, err := e.inner.EmbedBatch(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	for j, i := range missIdx {
		out[i] = fresh[j]
		e.cache.Add(sha256.Sum256([]byte(missTexts[j])), fresh[j])
	}
	return out, nil
}

func (e *CachedEngine) Dimensions() int { return e.inner.Dimensions() }
func (e *CachedEngine) Name() string    { return e.inner.Name() + "+lru" }
