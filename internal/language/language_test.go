package language

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"answercore/internal/llm"
	"answercore/internal/runstate"
)

type mockLLM struct {
	GenerateFunc func(ctx context.Context, req llm.Request) (llm.Response, error)
}

func (m *mockLLM) Generate(ctx context.Context, req llm.Request) (llm.Response, error) {
	return m.GenerateFunc(ctx, req)
}

func (m *mockLLM) Stream(context.Context, llm.Request) (<-chan llm.Token, error) {
	ch := make(chan llm.Token)
	close(ch)
	return ch, nil
}

func (m *mockLLM) Name() string { return "mock" }

func TestDetect(t *testing.T) {
	tests := []struct {
		text string
		lang string
	}{
		{"How do I reset my password?", LangEnglish},
		{"Как сбросить пароль?", LangRussian},
		{"Доставка в Germany", LangRussian},
		{"12345 !!!", LangEnglish},
		{"", LangEnglish},
	}
	for _, tc := range tests {
		got := Detect(tc.text)
		assert.Equal(t, tc.lang, got.Language, "text %q", tc.text)
	}

	confident := Detect("Как сбросить пароль")
	assert.Greater(t, confident.Confidence, 0.9)
	empty := Detect("")
	assert.Zero(t, empty.Confidence)
}

func TestExtractEntities(t *testing.T) {
	got := ExtractEntities("My email is jane@example.com and order #124456 is late")
	require.NotNil(t, got)
	assert.Equal(t, []string{"jane@example.com"}, got["email"])
	assert.Equal(t, []string{"124456"}, got["order_number"])

	assert.Nil(t, ExtractEntities("no entities here"))
}

func TestWindowAggregatorJoinsPriorTurns(t *testing.T) {
	history := []runstate.Message{
		{Role: runstate.RoleUser, Content: "I ordered a lamp"},
		{Role: runstate.RoleAssistant, Content: "Order received"},
		{Role: runstate.RoleUser, Content: "It arrived broken"},
		{Role: runstate.RoleAssistant, Content: "Sorry to hear"},
	}
	agg, err := WindowAggregator{Window: 2}.Aggregate(context.Background(), "Can I get a refund?", history)
	require.NoError(t, err)
	assert.Equal(t, "I ordered a lamp It arrived broken Can I get a refund?", agg.Query)
}

func TestWindowAggregatorPassthroughWithoutHistory(t *testing.T) {
	agg, err := WindowAggregator{}.Aggregate(context.Background(), "plain question", nil)
	require.NoError(t, err)
	assert.Equal(t, "plain question", agg.Query)
}

func TestLLMAggregatorFallsBackOnError(t *testing.T) {
	client := &mockLLM{GenerateFunc: func(context.Context, llm.Request) (llm.Response, error) {
		return llm.Response{}, assert.AnError
	}}
	agg, err := LLMAggregator{Client: client}.Aggregate(context.Background(), "original", nil)
	require.NoError(t, err)
	assert.Equal(t, "original", agg.Query)
}

func TestTranslatorSkipsCorpusLanguage(t *testing.T) {
	tr := Translator{Client: &mockLLM{GenerateFunc: func(context.Context, llm.Request) (llm.Response, error) {
		t.Fatal("no model call expected")
		return llm.Response{}, nil
	}}}
	out, err := tr.Translate(context.Background(), "already english", LangEnglish)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestTranslationStageDegradesOnFailure(t *testing.T) {
	st := TranslationStage{Translator: Translator{Client: &mockLLM{
		GenerateFunc: func(context.Context, llm.Request) (llm.Response, error) {
			return llm.Response{}, assert.AnError
		},
	}}}
	s := runstate.New("Как сбросить пароль?", "u", "s", "web")
	s.DetectedLanguage = LangRussian

	u, err := st.Execute(context.Background(), s)
	require.NoError(t, err)
	assert.Nil(t, u.TranslatedQuery)
}

func TestDetectionStageUsesAggregatedQuery(t *testing.T) {
	s := runstate.New("hi", "u", "s", "web")
	s.AggregatedQuery = "Как сбросить пароль?"

	u, err := DetectionStage{}.Execute(context.Background(), s)
	require.NoError(t, err)
	require.NotNil(t, u.DetectedLanguage)
	assert.Equal(t, LangRussian, *u.DetectedLanguage)
}
