// Package classify assigns a category and an intent to each query by
// cosine similarity against embeddings of the current taxonomy labels. The
// label embeddings are rebuilt on every taxonomy reload under a read-mostly
// lock; classification degrades to fallback labels with zero confidence
// when the embedder is unavailable.
package classify

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"answercore/internal/embedding"
	"answercore/internal/taxonomy"
)

// FallbackCategory labels a query nothing matched or a degraded decision.
const FallbackCategory = "General"

// Decision is one classified axis with its confidence.
type Decision struct {
	Label      string
	Confidence float64
}

// Result pairs the two axes of one classification call.
type Result struct {
	Category Decision
	Intent   Decision
	Fallback bool
}

type labelEmbedding struct {
	label  string
	vector []float32
}

// Classifier holds label embeddings for the current taxonomy. Construct
// once, subscribe to the registry, share across requests.
type Classifier struct {
	embedder embedding.Engine
	logger   *zap.Logger

	mu         sync.RWMutex
	categories []labelEmbedding
	intents    []labelEmbedding
}

// New builds an empty classifier and subscribes it to registry reloads.
func New(embedder embedding.Engine, registry *taxonomy.Registry, logger *zap.Logger) *Classifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Classifier{embedder: embedder, logger: logger}
	registry.Subscribe(c.onReload)
	return c
}

// onReload re-embeds every label from its enrichment text. Runs inside the
// registry's write lock so classification never sees a half-updated pair of
// snapshot and embeddings.
func (c *Classifier) onReload(ctx context.Context, snap taxonomy.Snapshot) error {
	categories, err := c.embedLabels(ctx, snap.Categories, snap.Enrichment)
	if err != nil {
		return fmt.Errorf("embed category labels: %w", err)
	}
	intents, err := c.embedLabels(ctx, snap.Intents, snap.Enrichment)
	if err != nil {
		return fmt.Errorf("embed intent labels: %w", err)
	}

	c.mu.Lock()
	c.categories = categories
	c.intents = intents
	c.mu.Unlock()

	c.logger.Info("label embeddings rebuilt",
		zap.Int("categories", len(categories)),
		zap.Int("intents", len(intents)))
	return nil
}

func (c *Classifier) embedLabels(ctx context.Context, labels []string, enrichment map[string]string) ([]labelEmbedding, error) {
	if len(labels) == 0 {
		return nil, nil
	}
	texts := make([]string, len(labels))
	for i, label := range labels {
		if text, ok := enrichment[label]; ok && text != "" {
			texts[i] = text
		} else {
			texts[i] = label
		}
	}
	vectors, err := c.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, err
	}
	out := make([]labelEmbedding, len(labels))
	for i := range labels {
		out[i] = labelEmbedding{label: labels[i], vector: vectors[i]}
	}
	return out, nil
}

// LabelCounts reports how many label embeddings are live per axis.
func (c *Classifier) LabelCounts() (categories, intents int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.categories), len(c.intents)
}

// Classify embeds the query once and picks the top label per axis. An
// embedder failure degrades to fallback labels with zero confidence rather
// than failing the stage.
func (c *Classifier) Classify(ctx context.Context, query string) Result {
	fallback := Result{
		Category: Decision{Label: FallbackCategory},
		Intent:   Decision{Label: "unknown"},
		Fallback: true,
	}

	c.mu.RLock()
	categories := c.categories
	intents := c.intents
	c.mu.RUnlock()
	if len(categories) == 0 && len(intents) == 0 {
		return fallback
	}

	queryVec, err := c.embedder.Embed(ctx, query)
	if err != nil {
		c.logger.Warn("query embedding failed, using fallback labels", zap.Error(err))
		return fallback
	}

	result := fallback
	result.Fallback = false
	if d, ok := best(queryVec, categories); ok {
		result.Category = d
	}
	if d, ok := best(queryVec, intents); ok {
		result.Intent = d
	}
	return result
}

func best(query []float32, labels []labelEmbedding) (Decision, bool) {
	var (
		top   Decision
		found bool
	)
	for _, le := range labels {
		sim, err := embedding.CosineSimilarity(query, le.vector)
		if err != nil {
			continue
		}
		if !found || sim > top.Confidence {
			top = Decision{Label: le.label, Confidence: sim}
			found = true
		}
	}
	return top, found
}
