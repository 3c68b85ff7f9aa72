package ingest

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"answercore/internal/events"
	"answercore/internal/runstate"
	"answercore/internal/store"
)

type hashEmbedder struct {
	err error
}

func (h hashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if h.err != nil {
		return nil, h.err
	}
	vec := make([]float32, 4)
	for i, b := range []byte(text) {
		vec[i%4] += float32(b) / 255
	}
	return vec, nil
}

func (h hashEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if h.err != nil {
		return nil, h.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i], _ = h.Embed(ctx, t)
	}
	return out, nil
}

func (hashEmbedder) Dimensions() int { return 4 }
func (hashEmbedder) Name() string    { return "hash" }

func newDraftStore(t *testing.T) (*DraftStore, redis.UniversalClient) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewDraftStore(rdb, time.Hour), rdb
}

func sampleChunks() []Chunk {
	return []Chunk{
		{Question: "Where is my order?", Answer: "Check the tracking link.", Metadata: runstate.DocMetadata{Category: "Shipping"}},
		{Question: "How do I reset my password?", Answer: "Use the forgot-password form.", Metadata: runstate.DocMetadata{Category: "Account"}},
	}
}

func TestDraftCRUD(t *testing.T) {
	ds, _ := newDraftStore(t)
	ctx := context.Background()

	draft, err := ds.Create(ctx, "faq.json", sampleChunks())
	require.NoError(t, err)
	require.Len(t, draft.Chunks, 2)
	assert.NotEmpty(t, draft.Chunks[0].ChunkID)

	got, err := ds.Get(ctx, draft.DraftID)
	require.NoError(t, err)
	assert.Equal(t, "faq.json", got.Filename)

	got, err = ds.AddChunks(ctx, draft.DraftID, []Chunk{{Question: "q3", Answer: "a3"}})
	require.NoError(t, err)
	assert.Len(t, got.Chunks, 3)

	edited := got.Chunks[0]
	edited.Answer = "Updated answer."
	got, err = ds.UpdateChunk(ctx, draft.DraftID, edited)
	require.NoError(t, err)
	assert.Equal(t, "Updated answer.", got.Chunks[0].Answer)

	got, err = ds.UpdateMetadataBatch(ctx, draft.DraftID,
		[]string{got.Chunks[0].ChunkID, got.Chunks[1].ChunkID},
		runstate.DocMetadata{Category: "Billing", Intent: "invoice"})
	require.NoError(t, err)
	assert.Equal(t, "Billing", got.Chunks[0].Metadata.Category)
	assert.Equal(t, "Billing", got.Chunks[1].Metadata.Category)

	got, err = ds.DeleteChunk(ctx, draft.DraftID, got.Chunks[2].ChunkID)
	require.NoError(t, err)
	assert.Len(t, got.Chunks, 2)

	require.NoError(t, ds.Delete(ctx, draft.DraftID))
	_, err = ds.Get(ctx, draft.DraftID)
	assert.ErrorIs(t, err, ErrDraftNotFound)
}

func TestDraftSearchAndList(t *testing.T) {
	ds, _ := newDraftStore(t)
	ctx := context.Background()

	_, err := ds.Create(ctx, "shipping-faq.csv", sampleChunks())
	require.NoError(t, err)
	second, err := ds.Create(ctx, "billing-faq.csv", sampleChunks())
	require.NoError(t, err)

	all, err := ds.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	found, err := ds.Search(ctx, "billing")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, second.DraftID, found[0].DraftID)

	found, err = ds.Search(ctx, second.DraftID[:8])
	require.NoError(t, err)
	require.Len(t, found, 1)
}

func TestDraftExpires(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	ds := NewDraftStore(rdb, time.Minute)
	ctx := context.Background()

	draft, err := ds.Create(ctx, "f.json", sampleChunks())
	require.NoError(t, err)
	mr.FastForward(2 * time.Minute)

	_, err = ds.Get(ctx, draft.DraftID)
	assert.ErrorIs(t, err, ErrDraftNotFound)

	all, err := ds.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, all, "expired drafts drop out of the index")
}

type recorder struct {
	events []events.Event
}

func (r *recorder) Emit(_ context.Context, ev events.Event) { r.events = append(r.events, ev) }

func newCommitter(t *testing.T, emb hashEmbedder) (*Committer, *store.Store, *recorder) {
	t.Helper()
	ds, rdb := newDraftStore(t)
	st, err := store.Open(":memory:", 4, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	rec := &recorder{}
	return &Committer{
		Drafts:   ds,
		Store:    st,
		Embedder: emb,
		Locker:   rdb,
		Events:   rec,
		Logger:   zaptest.NewLogger(t),
	}, st, rec
}

func TestCommitIndexesAndDeletesDraft(t *testing.T) {
	c, st, rec := newCommitter(t, hashEmbedder{})
	ctx := context.Background()

	draft, err := c.Drafts.Create(ctx, "faq.json", sampleChunks())
	require.NoError(t, err)

	result, err := c.Commit(ctx, draft.DraftID)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Indexed)
	assert.Zero(t, result.Failed)

	count, err := st.CountDocuments(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, count)

	_, err = c.Drafts.Get(ctx, draft.DraftID)
	assert.ErrorIs(t, err, ErrDraftNotFound, "commit deletes the draft on full success")

	require.Len(t, rec.events, 2)
	assert.Equal(t, events.TypeDocumentIndexed, rec.events[0].Type)
}

func TestCommitSkipsDuplicates(t *testing.T) {
	c, _, _ := newCommitter(t, hashEmbedder{})
	ctx := context.Background()

	first, err := c.Drafts.Create(ctx, "a.json", sampleChunks())
	require.NoError(t, err)
	_, err = c.Commit(ctx, first.DraftID)
	require.NoError(t, err)

	second, err := c.Drafts.Create(ctx, "b.json", sampleChunks())
	require.NoError(t, err)
	result, err := c.Commit(ctx, second.DraftID)
	require.NoError(t, err)
	assert.Zero(t, result.Indexed)
	assert.Equal(t, 2, result.Skipped)
	for _, item := range result.Items {
		assert.Equal(t, StatusSkipped, item.Status)
	}
}

func TestCommitPartialFailureKeepsDraft(t *testing.T) {
	c, _, rec := newCommitter(t, hashEmbedder{err: errors.New("embedder down")})
	ctx := context.Background()

	draft, err := c.Drafts.Create(ctx, "faq.json", sampleChunks())
	require.NoError(t, err)

	result, err := c.Commit(ctx, draft.DraftID)
	assert.ErrorIs(t, err, ErrPartialFailure)
	require.NotNil(t, result)
	assert.Equal(t, 2, result.Failed)

	_, err = c.Drafts.Get(ctx, draft.DraftID)
	require.NoError(t, err, "failed commit keeps the draft staged")
	require.Len(t, rec.events, 2)
	assert.Equal(t, events.TypeDocumentFailed, rec.events[0].Type)
}

func TestCommitLockRejectsConcurrent(t *testing.T) {
	c, _, _ := newCommitter(t, hashEmbedder{})
	ctx := context.Background()

	draft, err := c.Drafts.Create(ctx, "faq.json", sampleChunks())
	require.NoError(t, err)

	locked, err := c.Locker.SetNX(ctx, commitLockPrefix+draft.DraftID, "1", time.Minute).Result()
	require.NoError(t, err)
	require.True(t, locked)

	_, err = c.Commit(ctx, draft.DraftID)
	assert.ErrorIs(t, err, ErrDraftCommitting)
}

func TestCommitValidatesChunks(t *testing.T) {
	c, _, _ := newCommitter(t, hashEmbedder{})
	ctx := context.Background()

	draft, err := c.Drafts.Create(ctx, "bad.json", []Chunk{{Question: "q only"}})
	require.NoError(t, err)

	_, err = c.Commit(ctx, draft.DraftID)
	assert.Error(t, err)
}

func TestParseJSONUpload(t *testing.T) {
	chunks, err := ParseUpload("faq.json", strings.NewReader(`[
		{"question":"q1","answer":"a1","metadata":{"category":"Shipping"}},
		{"question":"q2","answer":"a2"}
	]`))
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, "Shipping", chunks[0].Metadata.Category)
}

func TestParseCSVUpload(t *testing.T) {
	chunks, err := ParseUpload("faq.csv", strings.NewReader(
		"question,answer,category\nq1,a1,Shipping\nq2,a2,Billing\n"))
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, "Billing", chunks[1].Metadata.Category)

	_, err = ParseUpload("faq.csv", strings.NewReader("question,nope\nq1,a1\n"))
	assert.Error(t, err)

	_, err = ParseUpload("faq.txt", strings.NewReader("x"))
	assert.Error(t, err)
}

func TestContentFormat(t *testing.T) {
	assert.Equal(t, "Question: q\nAnswer: a", Content(Chunk{Question: "q", Answer: "a"}))
}
