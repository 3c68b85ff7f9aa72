package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"answercore/internal/runstate"
)

func newTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return New(rdb, time.Minute, 0.9, 64, zaptest.NewLogger(t)), mr
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "where is my order", Normalize("  Where   is my ORDER??! "))
	assert.Equal(t, Key("Where is my order?", "u1", "en", ""), Key("where is my order", "u1", "en", ""))
	assert.NotEqual(t, Key("q", "u1", "en", ""), Key("q", "u2", "en", ""), "scope isolates users")
}

func TestExactHitAndMiss(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()
	key := Key("where is my order", "u1", "en", "")

	entry, reason, err := c.Lookup(ctx, key, "u1", nil)
	require.NoError(t, err)
	assert.Nil(t, entry)
	assert.Equal(t, ReasonMiss, reason)

	require.NoError(t, c.Store(ctx, key, "u1", Entry{Question: "where is my order", Answer: "Tomorrow."}))

	entry, reason, err = c.Lookup(ctx, key, "u1", nil)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "Tomorrow.", entry.Answer)
	assert.Equal(t, ReasonExactMatch, reason)
}

func TestSemanticMatchWithinScope(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	stored := Key("where is my order", "u1", "en", "")
	require.NoError(t, c.Store(ctx, stored, "u1", Entry{
		Answer:    "Tomorrow.",
		Embedding: []float32{1, 0, 0, 0},
	}))

	// Different wording, near-identical embedding.
	probe := Key("when does my order arrive", "u1", "en", "")
	entry, reason, err := c.Lookup(ctx, probe, "u1", []float32{0.99, 0.1, 0, 0})
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, ReasonSemanticMatch, reason)

	// Same embedding, different scope: no match.
	entry, reason, err = c.Lookup(ctx, probe, "u2", []float32{0.99, 0.1, 0, 0})
	require.NoError(t, err)
	assert.Nil(t, entry)
	assert.Equal(t, ReasonMiss, reason)
}

func TestSemanticBelowThresholdMisses(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Store(ctx, Key("a", "u1", "en", ""), "u1", Entry{
		Answer:    "x",
		Embedding: []float32{1, 0, 0, 0},
	}))

	entry, reason, err := c.Lookup(ctx, Key("b", "u1", "en", ""), "u1", []float32{0, 1, 0, 0})
	require.NoError(t, err)
	assert.Nil(t, entry)
	assert.Equal(t, ReasonMiss, reason)
}

func TestRedisDownDegradesToMiss(t *testing.T) {
	c, mr := newTestCache(t)
	mr.Close()

	entry, reason, err := c.Lookup(context.Background(), "k", "u1", nil)
	require.NoError(t, err)
	assert.Nil(t, entry)
	assert.Equal(t, ReasonMiss, reason)
}

func TestEntryExpires(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()
	key := Key("q", "u1", "en", "")

	require.NoError(t, c.Store(ctx, key, "u1", Entry{Answer: "x"}))
	mr.FastForward(2 * time.Minute)

	entry, _, err := c.Lookup(ctx, key, "u1", nil)
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestCheckStagePublishesEmbeddingOnMiss(t *testing.T) {
	c, _ := newTestCache(t)
	st := CheckStage{Cache: c, Embedder: unitEmbedder{}, Logger: zaptest.NewLogger(t)}
	s := runstate.New("where is my order", "u1", "sess", "web")

	u, err := st.Execute(context.Background(), s)
	require.NoError(t, err)
	assert.False(t, *u.CacheHit)
	assert.Equal(t, ReasonMiss, *u.CacheReason)
	assert.NotEmpty(t, *u.CacheKey)
	assert.NotNil(t, u.QuestionEmbedding)
	assert.Nil(t, u.Answer)
}

func TestStoreThenCheckRoundTrip(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	s := runstate.New("where is my order", "u1", "sess", "web")
	s.CacheKey = Key(s.Question, "u1", "", "")
	s.Answer = "Ships tomorrow."
	s.Action = runstate.ActionAutoReply
	s.Confidence = 0.92
	s.BestDocMetadata = &runstate.DocMetadata{Category: "Shipping"}

	_, err := (StoreStage{Cache: c}).Execute(ctx, s)
	require.NoError(t, err)

	probe := runstate.New("where is my order", "u1", "sess2", "web")
	u, err := (CheckStage{Cache: c}).Execute(ctx, probe)
	require.NoError(t, err)
	require.True(t, *u.CacheHit)
	assert.Equal(t, "Ships tomorrow.", *u.Answer)
	assert.Equal(t, ReasonExactMatch, *u.CacheReason)
	assert.InDelta(t, 0.92, *u.Confidence, 1e-9)
	require.NotNil(t, u.BestDocMetadata)
	assert.Equal(t, "Shipping", u.BestDocMetadata.Category)
}

func TestStoreStageSkipsUncacheableTurns(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	s := runstate.New("q", "u1", "sess", "web")
	s.CacheKey = "k"
	s.Answer = "handing off"
	s.Action = runstate.ActionHandoff

	_, err := (StoreStage{Cache: c}).Execute(ctx, s)
	require.NoError(t, err)
	assert.Empty(t, mr.Keys(), "handoff turns are not cached")

	s.Action = runstate.ActionAutoReply
	s.GuardrailsBlocked = true
	_, err = (StoreStage{Cache: c}).Execute(ctx, s)
	require.NoError(t, err)
	assert.Empty(t, mr.Keys(), "blocked turns are not cached")
}

type unitEmbedder struct{}

func (unitEmbedder) Embed(context.Context, string) ([]float32, error) {
	return []float32{1, 0, 0, 0}, nil
}

func (u unitEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i], _ = u.Embed(ctx, texts[i])
	}
	return out, nil
}

func (unitEmbedder) Dimensions() int { return 4 }
func (unitEmbedder) Name() string    { return "unit" }
