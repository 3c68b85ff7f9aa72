package embedding

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockEngine struct {
	EmbedFunc func(ctx context.Context, text string) ([]float32, error)
	calls     int
}

func (m *mockEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	m.calls++
	return m.EmbedFunc(ctx, text)
}

func (m *mockEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
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

func (m *mockEngine) Dimensions() int { return 4 }
func (m *mockEngine) Name() string    { return "mock" }

func TestCosineSimilarity(t *testing.T) {
	sim, err := CosineSimilarity([]float32{1, 0, 0}, []float32{1, 0, 0})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, sim, 1e-9)

	sim, err = CosineSimilarity([]float32{1, 0, 0}, []float32{0, 1, 0})
	require.NoError(t, err)
	assert.InDelta(t, 0.0, sim, 1e-9)

	_, err = CosineSimilarity([]float32{1}, []float32{1, 2})
	require.Error(t, err)
}

func TestCachedEngineMemoizes(t *testing.T) {
	mock := &mockEngine{EmbedFunc: func(_ context.Context, text string) ([]float32, error) {
		return []float32{float32(len(text)), 0, 0, 0}, nil
	}}
	cached, err := WithCache(mock, 8)
	require.NoError(t, err)

	ctx := context.Background()
	first, err := cached.Embed(ctx, "hello")
	require.NoError(t, err)
	second, err := cached.Embed(ctx, "hello")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, mock.calls, "second call served from cache")
}

func TestCachedEngineBatchMixedHits(t *testing.T) {
	mock := &mockEngine{EmbedFunc: func(_ context.Context, text string) ([]float32, error) {
		return []float32{float32(len(text)), 1, 0, 0}, nil
	}}
	cached, err := WithCache(mock, 8)
	require.NoError(t, err)

	ctx := context.Background()
	_, err = cached.Embed(ctx, "warm")
	require.NoError(t, err)
	mock.calls = 0

	out, err := cached.EmbedBatch(ctx, []string{"warm", "cold"})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, 1, mock.calls, "only the miss hits the backend")
	assert.EqualValues(t, 4, out[0][0])
	assert.EqualValues(t, 4, out[1][0])
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	boom := errors.New("upstream down")
	mock := &mockEngine{EmbedFunc: func(context.Context, string) ([]float32, error) {
		return nil, boom
	}}
	br := WithBreaker(mock)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := br.Embed(ctx, "x")
		require.ErrorIs(t, err, boom)
	}

	_, err := br.Embed(ctx, "x")
	require.Error(t, err)
	assert.NotErrorIs(t, err, boom, "open breaker fails fast without calling upstream")
	assert.Equal(t, 5, mock.calls)
}
