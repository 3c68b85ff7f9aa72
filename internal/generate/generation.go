package generate

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"answercore/internal/llm"
	"answercore/internal/pipeline"
	"answercore/internal/runstate"
)

// TokenSink receives generated tokens as they arrive. A sink attached to
// the request context switches the generation stage to streaming.
type TokenSink func(token string)

type tokenSinkKey struct{}

// WithTokenSink attaches a streaming consumer to the request context.
func WithTokenSink(ctx context.Context, sink TokenSink) context.Context {
	return context.WithValue(ctx, tokenSinkKey{}, sink)
}

// SinkFrom extracts the streaming consumer, if any.
func SinkFrom(ctx context.Context) TokenSink {
	sink, _ := ctx.Value(tokenSinkKey{}).(TokenSink)
	return sink
}

// GenerationStage produces the final answer. With a token sink on the
// context it streams and accumulates; otherwise one blocking call.
// Generation failure is fatal for the request.
type GenerationStage struct {
	Client      llm.Client
	Temperature float32
	MaxTokens   int
	// HistoryTurns bounds how many prior messages enter the user prompt.
	HistoryTurns int
	Logger       *zap.Logger
}

func (GenerationStage) Name() string { return pipeline.StageGeneration }

func (GenerationStage) Contract() pipeline.Contract {
	return pipeline.Contract{
		Required:   pipeline.FieldList{runstate.FieldQuestion, runstate.FieldSystemPrompt},
		Optional:   pipeline.FieldList{runstate.FieldConversationHistory},
		Guaranteed: pipeline.FieldList{runstate.FieldAnswer},
	}
}

func (st GenerationStage) Execute(ctx context.Context, s *runstate.RunState) (runstate.Update, error) {
	req := llm.Request{
		System:      s.SystemPrompt,
		Prompt:      st.userPrompt(s),
		Temperature: st.Temperature,
		MaxTokens:   st.MaxTokens,
	}

	sink := SinkFrom(ctx)
	if sink == nil {
		resp, err := st.Client.Generate(ctx, req)
		if err != nil {
			return runstate.Update{}, fmt.Errorf("generate answer: %w", err)
		}
		return runstate.Update{Answer: runstate.Ptr(strings.TrimSpace(resp.Text))}, nil
	}

	tokens, err := st.Client.Stream(ctx, req)
	if err != nil {
		return runstate.Update{}, fmt.Errorf("open answer stream: %w", err)
	}
	var b strings.Builder
	for tok := range tokens {
		if tok.Err != nil {
			return runstate.Update{}, fmt.Errorf("answer stream: %w", tok.Err)
		}
		b.WriteString(tok.Text)
		sink(tok.Text)
	}
	return runstate.Update{Answer: runstate.Ptr(strings.TrimSpace(b.String()))}, nil
}

func (st GenerationStage) userPrompt(s *runstate.RunState) string {
	turns := st.HistoryTurns
	if turns <= 0 {
		turns = 6
	}
	history := s.ConversationHistory
	if len(history) > turns {
		history = history[len(history)-turns:]
	}

	var b strings.Builder
	for _, m := range history {
		switch m.Role {
		case runstate.RoleUser:
			fmt.Fprintf(&b, "Customer: %s\n", m.Content)
		case runstate.RoleAssistant:
			fmt.Fprintf(&b, "Assistant: %s\n", m.Content)
		}
	}
	fmt.Fprintf(&b, "Customer: %s", s.Question)
	return b.String()
}

var _ pipeline.Stage = GenerationStage{}
