package classify

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"answercore/internal/runstate"
	"answercore/internal/taxonomy"
)

// axisEmbedder maps known phrases to fixed unit vectors so cosine ranking
// is exact in tests.
type axisEmbedder struct {
	axes map[string][]float32
	err  error
}

func (m *axisEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if m.err != nil {
		return nil, m.err
	}
	for phrase, vec := range m.axes {
		if strings.Contains(strings.ToLower(text), phrase) {
			return vec, nil
		}
	}
	return []float32{0, 0, 0, 1}, nil
}

func (m *axisEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := m.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (m *axisEmbedder) Dimensions() int { return 4 }
func (m *axisEmbedder) Name() string    { return "axis" }

type staticSource struct{ pairs map[string][]string }

func (s staticSource) DistinctTaxonomy(context.Context) (map[string][]string, error) {
	return s.pairs, nil
}

func newTestClassifier(t *testing.T, emb *axisEmbedder) (*Classifier, *taxonomy.Registry) {
	t.Helper()
	registry := taxonomy.New(staticSource{pairs: map[string][]string{
		"Shipping":       {"delivery_time"},
		"Account Access": {"password_reset"},
	}}, nil, nil)
	c := New(emb, registry, nil)
	require.NoError(t, registry.Reload(context.Background()))
	return c, registry
}

func shippingEmbedder() *axisEmbedder {
	return &axisEmbedder{axes: map[string][]float32{
		"shipping":       {1, 0, 0, 0},
		"delivery":       {0.9, 0.1, 0, 0},
		"account access": {0, 1, 0, 0},
		"password":       {0, 0.9, 0.1, 0},
	}}
}

func TestClassifyPicksTopLabels(t *testing.T) {
	c, _ := newTestClassifier(t, shippingEmbedder())

	res := c.Classify(context.Background(), "when will my delivery arrive")
	assert.Equal(t, "Shipping", res.Category.Label)
	assert.Equal(t, "delivery_time", res.Intent.Label)
	assert.Greater(t, res.Category.Confidence, 0.8)
	assert.False(t, res.Fallback)
}

func TestClassifyDegradesOnEmbedderFailure(t *testing.T) {
	emb := shippingEmbedder()
	c, _ := newTestClassifier(t, emb)

	emb.err = errors.New("embedder down")
	res := c.Classify(context.Background(), "anything")
	assert.True(t, res.Fallback)
	assert.Equal(t, FallbackCategory, res.Category.Label)
	assert.Zero(t, res.Category.Confidence)
}

func TestLabelCountsTrackRegistry(t *testing.T) {
	c, registry := newTestClassifier(t, shippingEmbedder())

	cats, intents := c.LabelCounts()
	snap := registry.Current()
	assert.Equal(t, len(snap.Categories), cats)
	assert.Equal(t, len(snap.Intents), intents)
}

func TestEasyStageMatchesLabelText(t *testing.T) {
	_, registry := newTestClassifier(t, shippingEmbedder())
	st := EasyStage{Registry: registry}

	s := runstate.New("A question about shipping costs", "u", "sess", "web")
	u, err := st.Execute(context.Background(), s)
	require.NoError(t, err)
	require.NotNil(t, u.Category)
	assert.Equal(t, "Shipping", *u.Category)
	assert.Equal(t, easyMatchConfidence, *u.CategoryConfidence)

	s2 := runstate.New("completely unrelated", "u", "sess", "web")
	u2, err := st.Execute(context.Background(), s2)
	require.NoError(t, err)
	assert.Nil(t, u2.Category)
}

func TestSemanticStageKeepsEasyDecision(t *testing.T) {
	c, _ := newTestClassifier(t, shippingEmbedder())
	st := SemanticStage{Classifier: c}

	s := runstate.New("password reset help", "u", "sess", "web")
	s.Category = "Account Access"
	s.CategoryConfidence = easyMatchConfidence

	u, err := st.Execute(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, "Account Access", *u.Category)
	assert.Equal(t, easyMatchConfidence, *u.CategoryConfidence)
	require.NotNil(t, u.Intent)
	assert.Equal(t, "password_reset", *u.Intent)
}

func TestFilterStageThreshold(t *testing.T) {
	st := FilterStage{HighThreshold: 0.75}

	s := runstate.New("q", "u", "sess", "web")
	s.Category = "Shipping"
	s.CategoryConfidence = 0.9
	u, err := st.Execute(context.Background(), s)
	require.NoError(t, err)
	assert.True(t, *u.FilterUsed)
	assert.False(t, *u.FallbackTriggered)

	s.CategoryConfidence = 0.5
	u, err = st.Execute(context.Background(), s)
	require.NoError(t, err)
	assert.False(t, *u.FilterUsed)
	assert.True(t, *u.FallbackTriggered)

	s.Category = FallbackCategory
	s.CategoryConfidence = 0.99
	u, err = st.Execute(context.Background(), s)
	require.NoError(t, err)
	assert.False(t, *u.FilterUsed, "fallback label never drives a filter")
}
