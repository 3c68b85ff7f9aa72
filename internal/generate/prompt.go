// Package generate builds the per-turn system prompt from the dialog
// behavior record and produces the final answer through the LLM client,
// optionally streaming tokens to a downstream consumer.
package generate

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"answercore/internal/dialog"
	"answercore/internal/language"
	"answercore/internal/pipeline"
	"answercore/internal/runstate"
)

const basePersona = `You are a customer support assistant. Answer using only the provided knowledge base excerpts. If the excerpts do not contain the answer, say so honestly and suggest contacting support. Keep answers short and concrete.`

var languageInstruction = map[string]string{
	language.LangRussian: "Answer in Russian.",
	language.LangEnglish: "Answer in English.",
}

// PromptRoutingStage assembles the system prompt: persona, the tone and
// hint attached to the current dialog state, the response language, and the
// retrieved excerpts.
type PromptRoutingStage struct {
	Machine *dialog.Machine
	// MaxDocs caps how many retrieved documents enter the prompt.
	MaxDocs int
}

func (PromptRoutingStage) Name() string { return pipeline.StagePromptRouting }

func (PromptRoutingStage) Contract() pipeline.Contract {
	return pipeline.Contract{
		Required: pipeline.FieldList{runstate.FieldQuestion},
		Optional: pipeline.FieldList{
			runstate.FieldDocs, runstate.FieldDialogState, runstate.FieldDetectedLanguage,
			runstate.FieldSentiment, runstate.FieldCategory, runstate.FieldIntent,
			runstate.FieldExtractedEntities,
		},
		Guaranteed: pipeline.FieldList{runstate.FieldSystemPrompt},
	}
}

func (st PromptRoutingStage) Execute(_ context.Context, s *runstate.RunState) (runstate.Update, error) {
	var b strings.Builder
	b.WriteString(basePersona)

	if st.Machine != nil {
		behavior := st.Machine.Behavior(s.DialogState)
		if behavior.Tone != "" {
			fmt.Fprintf(&b, "\n\nTone: %s.", behavior.Tone)
		}
		if behavior.PromptHint != "" {
			b.WriteString("\n")
			b.WriteString(behavior.PromptHint)
		}
	}
	if instr, ok := languageInstruction[s.DetectedLanguage]; ok {
		b.WriteString("\n")
		b.WriteString(instr)
	}
	if s.Sentiment != nil && s.Sentiment.Label == runstate.SentimentNegative {
		b.WriteString("\nThe customer is frustrated. Acknowledge that before answering.")
	}
	if s.Category != "" {
		fmt.Fprintf(&b, "\nTopic: %s", s.Category)
		if s.Intent != "" {
			fmt.Fprintf(&b, " / %s", s.Intent)
		}
		b.WriteString(".")
	}
	if entities := flattenEntities(s.ExtractedEntities); entities != "" {
		fmt.Fprintf(&b, "\nKnown details from this conversation: %s.", entities)
	}

	docs := s.Docs
	max := st.MaxDocs
	if max <= 0 {
		max = 3
	}
	if len(docs) > max {
		docs = docs[:max]
	}
	if len(docs) > 0 {
		b.WriteString("\n\nKnowledge base excerpts:")
		for i, d := range docs {
			fmt.Fprintf(&b, "\n[%d] %s", i+1, d.Content)
		}
	} else {
		b.WriteString("\n\nNo knowledge base excerpts matched this question.")
	}

	return runstate.Update{SystemPrompt: runstate.Ptr(b.String())}, nil
}

func flattenEntities(entities map[string][]string) string {
	if len(entities) == 0 {
		return ""
	}
	parts := make([]string, 0, len(entities))
	for kind, vals := range entities {
		if len(vals) > 0 {
			parts = append(parts, kind+"="+strings.Join(vals, ","))
		}
	}
	if len(parts) == 0 {
		return ""
	}
	// Deterministic prompt text keeps the result cache stable.
	sort.Strings(parts)
	return strings.Join(parts, "; ")
}

var _ pipeline.Stage = PromptRoutingStage{}
