package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"answercore/internal/app"
	"answercore/internal/cache"
	"answercore/internal/classify"
	"answercore/internal/config"
	"answercore/internal/dialog"
	"answercore/internal/ingest"
	"answercore/internal/llm"
	"answercore/internal/metrics"
	"answercore/internal/pipeline"
	"answercore/internal/runstate"
	"answercore/internal/session"
	"answercore/internal/store"
	"answercore/internal/taxonomy"
	"answercore/internal/webhook"
)

type wordEmbedder struct{}

var wordAxes = []string{"password", "reset", "invoice", "refund"}

func (wordEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, len(wordAxes))
	for _, w := range strings.Fields(strings.ToLower(text)) {
		for i, axis := range wordAxes {
			if strings.Contains(w, axis) {
				vec[i]++
			}
		}
	}
	return vec, nil
}

func (e wordEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i], _ = e.Embed(ctx, t)
	}
	return out, nil
}

func (wordEmbedder) Dimensions() int { return len(wordAxes) }
func (wordEmbedder) Name() string    { return "word" }

type fixedLLM struct{ reply string }

func (f fixedLLM) Generate(_ context.Context, req llm.Request) (llm.Response, error) {
	if strings.Contains(req.Prompt, "Customer:") {
		return llm.Response{Text: f.reply}, nil
	}
	return llm.Response{}, nil
}

func (f fixedLLM) Stream(ctx context.Context, req llm.Request) (<-chan llm.Token, error) {
	resp, _ := f.Generate(ctx, req)
	ch := make(chan llm.Token, 16)
	go func() {
		defer close(ch)
		for _, part := range strings.SplitAfter(resp.Text, " ") {
			if part != "" {
				ch <- llm.Token{Text: part}
			}
		}
	}()
	return ch, nil
}

func (fixedLLM) Name() string { return "fixed" }

func newTestServer(t *testing.T) (*Server, *app.App) {
	t.Helper()
	logger := zaptest.NewLogger(t)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	st, err := store.Open(":memory:", len(wordAxes), logger)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cfg := config.Default()
	cfg.Webhooks.IncomingSecret = "incoming-secret"
	emb := wordEmbedder{}
	client := fixedLLM{reply: "Use the reset link on the login page."}

	registry := taxonomy.New(st, nil, logger)
	require.NoError(t, registry.Reload(context.Background()))

	validator := &webhook.URLValidator{AllowPrivate: true}
	dispatcher := webhook.NewDispatcher(st, validator, logger)
	t.Cleanup(dispatcher.Wait)

	sessions := session.NewManager(st, rdb, cfg.Session.HistoryLimit, cfg.Session.HotTTL.Std(), logger)
	engine, err := pipeline.New(pipeline.DefaultConfig(), app.StageRegistry(app.Components{
		Sessions:   sessions,
		Cache:      cache.New(rdb, cfg.Cache.TTL.Std(), cfg.Cache.SemanticThreshold, cfg.Cache.ScanLimit, logger),
		Machine:    dialog.NewMachine(nil, logger),
		Classifier: classify.New(emb, registry, logger),
		Taxonomy:   registry,
		Searcher:   st,
		Embedder:   emb,
		LLM:        client,
	}, cfg, logger), pipeline.Options{Logger: logger, Sink: dispatcher})
	require.NoError(t, err)

	drafts := ingest.NewDraftStore(rdb, time.Hour)
	a := &app.App{
		Config:     cfg,
		Logger:     logger,
		Metrics:    metrics.New(),
		Store:      st,
		Redis:      rdb,
		Embedder:   emb,
		LLM:        client,
		Sessions:   sessions,
		Drafts:     drafts,
		Validator:  validator,
		Dispatcher: dispatcher,
		Engine:     engine,
		Committer: &ingest.Committer{
			Drafts:   drafts,
			Store:    st,
			Embedder: emb,
			Locker:   rdb,
			Events:   dispatcher,
			Logger:   logger,
		},
	}
	return New(a), a
}

func seedDoc(t *testing.T, a *app.App, content, category string) {
	t.Helper()
	ctx := context.Background()
	id, err := a.Store.InsertDocument(ctx, content, runstate.DocMetadata{Category: category})
	require.NoError(t, err)
	vec, err := wordEmbedder{}.Embed(ctx, content)
	require.NoError(t, err)
	require.NoError(t, a.Store.UpsertVector(ctx, id, vec, category, "", ""))
}

func doJSON(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set(echoContentType, "application/json")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

const echoContentType = "Content-Type"

func decodeData(t *testing.T, rec *httptest.ResponseRecorder, out any) map[string]any {
	t.Helper()
	var env struct {
		Data json.RawMessage `json:"data"`
		Meta map[string]any  `json:"meta"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	if out != nil {
		require.NoError(t, json.Unmarshal(env.Data, out))
	}
	return env.Meta
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var env struct {
		Error map[string]any `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	require.NotNil(t, env.Error)
	return env.Error
}

func TestChatCompletions(t *testing.T) {
	s, a := newTestServer(t)
	seedDoc(t, a, "Question: How do I reset my password?\nAnswer: Use the forgot-password link.", "Account Access")

	rec := doJSON(t, s, http.MethodPost, "/chat/completions", map[string]any{
		"question": "How do I reset my password?",
		"user_id":  "u1",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var data chatData
	m := decodeData(t, rec, &data)
	assert.NotEmpty(t, data.Answer)
	assert.NotEmpty(t, data.QueryID)
	assert.NotEmpty(t, data.Sources)
	assert.Equal(t, "auto_reply", data.PipelineMetadata.Action)
	assert.NotEmpty(t, data.PipelineMetadata.Stages)
	assert.NotEmpty(t, m["trace_id"])
}

func TestChatCompletionsValidation(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/chat/completions", map[string]any{"user_id": "u1"})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	e := decodeError(t, rec)
	assert.Equal(t, "VALIDATION_ERROR", e["code"])
	assert.NotEmpty(t, e["trace_id"])
}

func TestChatStreamEmitsTokensAndFinalFrame(t *testing.T) {
	s, a := newTestServer(t)
	seedDoc(t, a, "Question: How do I reset my password?\nAnswer: Use the forgot-password link.", "Account Access")

	rec := doJSON(t, s, http.MethodPost, "/chat/stream", map[string]any{
		"question": "How do I reset my password?",
		"user_id":  "u1",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get(echoContentType), "text/event-stream")

	var tokens []string
	var final chatData
	sawDone := false
	scanner := bufio.NewScanner(rec.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == "[DONE]" {
			sawDone = true
			continue
		}
		var frame struct {
			Token     string    `json:"token"`
			FinalData *chatData `json:"final_data"`
			Error     string    `json:"error"`
		}
		require.NoError(t, json.Unmarshal([]byte(payload), &frame))
		require.Empty(t, frame.Error)
		if frame.Token != "" {
			tokens = append(tokens, frame.Token)
		}
		if frame.FinalData != nil {
			final = *frame.FinalData
		}
	}
	require.NoError(t, scanner.Err())
	assert.True(t, sawDone)
	assert.Greater(t, len(tokens), 1)
	assert.Equal(t, final.Answer, strings.TrimSpace(strings.Join(tokens, "")))
}

func TestChatEscalateRecordsRow(t *testing.T) {
	s, a := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/chat/escalate", map[string]any{
		"session_id": "sess-1",
		"reason":     "angry_customer",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	esc, err := a.Store.GetEscalation(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "angry_customer", esc.Reason)
	assert.Equal(t, "open", esc.Status)
}

func TestDraftLifecycle(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/ingestion/staging_draft", map[string]any{
		"filename": "faq.json",
		"chunks": []map[string]any{
			{"question": "How do refunds work?", "answer": "Refunds post within 5 days.",
				"metadata": map[string]any{"category": "Billing"}},
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var draft ingest.Draft
	decodeData(t, rec, &draft)
	require.NotEmpty(t, draft.DraftID)
	require.Len(t, draft.Chunks, 1)

	rec = doJSON(t, s, http.MethodGet, "/ingestion/staging_draft", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listed []ingest.Draft
	m := decodeData(t, rec, &listed)
	assert.Len(t, listed, 1)
	require.NotNil(t, m["pagination"])

	rec = doJSON(t, s, http.MethodPost, "/ingestion/staging_draft/"+draft.DraftID+"/chunks", map[string]any{
		"chunks": []map[string]any{
			{"question": "Where is my invoice?", "answer": "Invoices are in your account area."},
		},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	decodeData(t, rec, &draft)
	require.Len(t, draft.Chunks, 2)

	chunkID := draft.Chunks[0].ChunkID
	rec = doJSON(t, s, http.MethodPatch,
		"/ingestion/staging_draft/"+draft.DraftID+"/chunks/"+chunkID, map[string]any{
			"question": "How do refunds work exactly?",
			"answer":   "Refunds post within 5 business days.",
		})
	require.Equal(t, http.StatusOK, rec.Code)
	decodeData(t, rec, &draft)
	assert.Equal(t, "How do refunds work exactly?", draft.Chunks[0].Question)

	rec = doJSON(t, s, http.MethodPatch,
		"/ingestion/staging_draft/"+draft.DraftID+"/metadata", map[string]any{
			"metadata": map[string]any{"category": "Billing", "intent": "refund_status"},
		})
	require.Equal(t, http.StatusOK, rec.Code)
	decodeData(t, rec, &draft)
	assert.Equal(t, "refund_status", draft.Chunks[1].Metadata.Intent)

	rec = doJSON(t, s, http.MethodDelete,
		"/ingestion/staging_draft/"+draft.DraftID+"/chunks/"+draft.Chunks[1].ChunkID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeData(t, rec, &draft)
	require.Len(t, draft.Chunks, 1)

	rec = doJSON(t, s, http.MethodPost, "/ingestion/commit", map[string]any{"draft_id": draft.DraftID})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var result ingest.CommitResult
	decodeData(t, rec, &result)
	assert.Equal(t, 1, result.Indexed)

	rec = doJSON(t, s, http.MethodGet, "/ingestion/staging_draft/"+draft.DraftID, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", decodeError(t, rec)["code"])
}

func TestUploadMultipart(t *testing.T) {
	s, _ := newTestServer(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "faq.json")
	require.NoError(t, err)
	_, err = fw.Write([]byte(`[{"question":"Do you offer refunds?","answer":"Yes, within 30 days."}]`))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/ingestion/upload", &buf)
	req.Header.Set(echoContentType, mw.FormDataContentType())
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var draft ingest.Draft
	decodeData(t, rec, &draft)
	assert.Equal(t, "faq.json", draft.Filename)
	require.Len(t, draft.Chunks, 1)
}

func TestWebhookCRUD(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/webhooks", map[string]any{
		"name":   "crm",
		"url":    "https://crm.example.com/hooks",
		"events": []string{"chat.escalated"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created struct {
		webhookResponse
		Secret string `json:"secret"`
	}
	decodeData(t, rec, &created)
	require.NotEmpty(t, created.ID)
	assert.NotEmpty(t, created.Secret, "generated secret is returned once")
	assert.True(t, created.Active)

	rec = doJSON(t, s, http.MethodGet, "/webhooks/"+created.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), created.Secret)

	rec = doJSON(t, s, http.MethodPatch, "/webhooks/"+created.ID, map[string]any{"active": false})
	require.Equal(t, http.StatusOK, rec.Code)
	var updated webhookResponse
	decodeData(t, rec, &updated)
	assert.False(t, updated.Active)

	rec = doJSON(t, s, http.MethodGet, "/webhooks?active=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var hooks []webhookResponse
	decodeData(t, rec, &hooks)
	assert.Empty(t, hooks)

	rec = doJSON(t, s, http.MethodGet, "/webhooks/"+created.ID+"/deliveries", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, s, http.MethodDelete, "/webhooks/"+created.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = doJSON(t, s, http.MethodGet, "/webhooks/"+created.ID, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWebhookCreateRejectsForbiddenURL(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/webhooks", map[string]any{
		"name": "bad",
		"url":  "http://localhost/hook",
	})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "VALIDATION_ERROR", decodeError(t, rec)["code"])
}

func TestIncomingWebhookVerifiesSignature(t *testing.T) {
	s, _ := newTestServer(t)
	body := []byte(`{"ticket":"T-1"}`)
	ts := strconv.FormatInt(time.Now().Unix(), 10)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/incoming/message", bytes.NewReader(body))
	req.Header.Set(webhook.HeaderTimestamp, ts)
	req.Header.Set(webhook.HeaderSignature, webhook.Sign("incoming-secret", ts, body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	req = httptest.NewRequest(http.MethodPost, "/webhooks/incoming/message", bytes.NewReader(body))
	req.Header.Set(webhook.HeaderTimestamp, ts)
	req.Header.Set(webhook.HeaderSignature, "sha256=deadbeef")
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "UNAUTHORIZED", decodeError(t, rec)["code"])
}

func TestDeliveryRetryUnknownID(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doJSON(t, s, http.MethodPost, "/webhooks/deliveries/nope/retry", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthz(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doJSON(t, s, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}
