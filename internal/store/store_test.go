package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"answercore/internal/runstate"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:", 4, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestInsertDocumentDeduplicates(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id1, err := s.InsertDocument(ctx, "Question: A\nAnswer: B", runstate.DocMetadata{Category: "Shipping"})
	require.NoError(t, err)
	require.Positive(t, id1)

	id2, err := s.InsertDocument(ctx, "Question: A\nAnswer: B", runstate.DocMetadata{Category: "Other"})
	require.ErrorIs(t, err, ErrDuplicateContent)
	assert.Equal(t, id1, id2, "duplicate reports the existing id")

	n, err := s.CountDocuments(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestInsertDocumentRejectsEmptyContent(t *testing.T) {
	s := openTestStore(t)
	_, err := s.InsertDocument(context.Background(), "   ", runstate.DocMetadata{})
	require.Error(t, err)
}

func TestVectorSearchOrdersBySimilarity(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	docs := []struct {
		content string
		emb     []float32
		cat     string
	}{
		{"shipping to germany", []float32{1, 0, 0, 0}, "Shipping"},
		{"password reset", []float32{0, 1, 0, 0}, "Account Access"},
		{"shipping rates", []float32{0.9, 0.1, 0, 0}, "Shipping"},
	}
	for _, d := range docs {
		id, err := s.InsertDocument(ctx, d.content, runstate.DocMetadata{Category: d.cat})
		require.NoError(t, err)
		require.NoError(t, s.UpsertVector(ctx, id, d.emb, d.cat, "", ""))
	}

	got, err := s.VectorSearch(ctx, []float32{1, 0, 0, 0}, 2, "")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "shipping to germany", got[0].Content)
	assert.InDelta(t, 1.0, got[0].Score, 1e-6)
	assert.Equal(t, "shipping rates", got[1].Content)
	assert.Greater(t, got[0].Score, got[1].Score)
}

func TestVectorSearchCategoryFilter(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id1, err := s.InsertDocument(ctx, "shipping faq", runstate.DocMetadata{Category: "Shipping"})
	require.NoError(t, err)
	require.NoError(t, s.UpsertVector(ctx, id1, []float32{1, 0, 0, 0}, "Shipping", "", ""))
	id2, err := s.InsertDocument(ctx, "account faq", runstate.DocMetadata{Category: "Account"})
	require.NoError(t, err)
	require.NoError(t, s.UpsertVector(ctx, id2, []float32{1, 0, 0, 0}, "Account", "", ""))

	got, err := s.VectorSearch(ctx, []float32{1, 0, 0, 0}, 10, "Account")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, id2, got[0].ID)
}

func TestVectorSearchDimensionMismatch(t *testing.T) {
	s := openTestStore(t)
	_, err := s.VectorSearch(context.Background(), []float32{1, 0}, 5, "")
	require.Error(t, err)
}

func TestLexicalSearchFindsTerms(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.InsertDocument(ctx, "Question: How do I reset my password?\nAnswer: Use the forgot password link.", runstate.DocMetadata{Category: "Account Access"})
	require.NoError(t, err)
	_, err = s.InsertDocument(ctx, "Question: Do you ship to Germany?\nAnswer: Yes, worldwide.", runstate.DocMetadata{Category: "Shipping"})
	require.NoError(t, err)

	got, err := s.LexicalSearch(ctx, "reset password", 5, "en", "")
	require.NoError(t, err)
	require.NotEmpty(t, got)
	assert.Contains(t, got[0].Content, "password")
}

func TestLexicalSearchEmptyQuery(t *testing.T) {
	s := openTestStore(t)
	got, err := s.LexicalSearch(context.Background(), "   ", 5, "en", "")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestMessagesOldestFirst(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertSession(ctx, Session{SessionID: "sess-1", UserID: "u1"}))
	base := time.Now()
	for i, content := range []string{"first", "second", "third"} {
		require.NoError(t, s.AppendMessage(ctx, "sess-1", "u1", runstate.Message{
			Role:      runstate.RoleUser,
			Content:   content,
			Timestamp: base.Add(time.Duration(i) * time.Millisecond),
		}))
	}

	got, err := s.RecentMessages(ctx, "sess-1", 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "second", got[0].Content)
	assert.Equal(t, "third", got[1].Content)
	assert.True(t, got[0].Timestamp.Before(got[1].Timestamp))
}

func TestResolveIdentityIsStable(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first, err := s.ResolveIdentity(ctx, "telegram", "12345", "user-a")
	require.NoError(t, err)
	assert.Equal(t, "user-a", first)

	again, err := s.ResolveIdentity(ctx, "telegram", "12345", "user-b")
	require.NoError(t, err)
	assert.Equal(t, "user-a", again, "existing identity wins over the proposed id")
}

func TestDeliveryRowsAppendOnly(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateWebhook(ctx, Webhook{ID: "wh-1", URL: "https://example.com/hook", Secret: "s", Active: true}))

	d1 := Delivery{ID: "del-1", WebhookID: "wh-1", EventID: "ev-1", EventType: "chat.escalated", Payload: "{}", Attempt: 1}
	require.NoError(t, s.CreateDelivery(ctx, d1))
	require.NoError(t, s.FinishDelivery(ctx, "del-1", DeliveryFailed, 500, 12, "upstream said 500"))

	// Terminal rows are immutable.
	err := s.FinishDelivery(ctx, "del-1", DeliveryDelivered, 200, 5, "")
	require.Error(t, err)

	max, err := s.MaxAttempt(ctx, "wh-1", "ev-1")
	require.NoError(t, err)
	assert.Equal(t, 1, max)

	d2 := Delivery{ID: "del-2", WebhookID: "wh-1", EventID: "ev-1", EventType: "chat.escalated", Payload: "{}", Attempt: max + 1}
	require.NoError(t, s.CreateDelivery(ctx, d2))

	history, err := s.ListDeliveries(ctx, "wh-1", 10, 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	attempts := []int{history[0].Attempt, history[1].Attempt}
	assert.ElementsMatch(t, []int{1, 2}, attempts)
}

func TestDistinctTaxonomy(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	seed := []struct{ content, cat, intent string }{
		{"doc a", "Shipping", "delivery_time"},
		{"doc b", "Shipping", "customs"},
		{"doc c", "Account Access", "password_reset"},
		{"doc d", "", "ignored"},
	}
	for _, d := range seed {
		_, err := s.InsertDocument(ctx, d.content, runstate.DocMetadata{Category: d.cat, Intent: d.intent})
		require.NoError(t, err)
	}

	tax, err := s.DistinctTaxonomy(ctx)
	require.NoError(t, err)
	require.Len(t, tax, 2)
	assert.ElementsMatch(t, []string{"delivery_time", "customs"}, tax["Shipping"])
	assert.Equal(t, []string{"password_reset"}, tax["Account Access"])
}

func TestEscalationUpsert(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertEscalation(ctx, Escalation{SessionID: "sess-9", Reason: "low_confidence"}))
	require.NoError(t, s.UpsertEscalation(ctx, Escalation{SessionID: "sess-9", Reason: "user_requested"}))

	got, err := s.GetEscalation(ctx, "sess-9")
	require.NoError(t, err)
	assert.Equal(t, "user_requested", got.Reason)
	assert.Equal(t, "open", got.Status)
}
