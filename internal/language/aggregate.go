package language

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"answercore/internal/llm"
	"answercore/internal/runstate"
)

// Aggregation is a standalone query condensed from the conversation plus
// the entities carried forward from prior turns.
type Aggregation struct {
	Query    string
	Entities map[string][]string
}

// Aggregator condenses the latest question and the conversation history
// into one retrievable query. Two interchangeable implementations exist: a
// lightweight window concatenation and an LLM rewrite.
type Aggregator interface {
	Aggregate(ctx context.Context, question string, history []runstate.Message) (Aggregation, error)
}

var entityPatterns = map[string]*regexp.Regexp{
	"email":        regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`),
	"order_number": regexp.MustCompile(`(?i)(?:order|заказ)[\s#:№]*([0-9]{4,})`),
	"phone":        regexp.MustCompile(`\+?[0-9][0-9\-\s()]{7,}[0-9]`),
}

// ExtractEntities pulls the recognized entity kinds out of one text.
func ExtractEntities(text string) map[string][]string {
	out := make(map[string][]string)
	for kind, re := range entityPatterns {
		for _, m := range re.FindAllStringSubmatch(text, -1) {
			v := m[0]
			if len(m) > 1 && m[1] != "" {
				v = m[1]
			}
			out[kind] = append(out[kind], strings.TrimSpace(v))
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// WindowAggregator joins the last Window user turns with the question. When
// the question is already self-contained (no history) it passes through
// untouched.
type WindowAggregator struct {
	Window int
}

// Aggregate implements Aggregator without any model call.
func (a WindowAggregator) Aggregate(_ context.Context, question string, history []runstate.Message) (Aggregation, error) {
	window := a.Window
	if window <= 0 {
		window = 2
	}

	var prior []string
	for i := len(history) - 1; i >= 0 && len(prior) < window; i-- {
		if history[i].Role == runstate.RoleUser && history[i].Content != question {
			prior = append([]string{history[i].Content}, prior...)
		}
	}

	query := question
	if len(prior) > 0 {
		query = strings.Join(append(prior, question), " ")
	}

	entities := ExtractEntities(query)
	return Aggregation{Query: query, Entities: entities}, nil
}

// LLMAggregator asks the model to rewrite the question as a standalone
// query using the conversation for referent resolution.
type LLMAggregator struct {
	Client llm.Client
}

const aggregateSystem = `You rewrite the user's latest message as one standalone search query.
Resolve pronouns and references using the conversation. Keep the original language.
Reply with the rewritten query only, no explanations.`

// Aggregate implements Aggregator via one generation call. On model failure
// the raw question is returned so retrieval still runs.
func (a LLMAggregator) Aggregate(ctx context.Context, question string, history []runstate.Message) (Aggregation, error) {
	var b strings.Builder
	for _, m := range history {
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
	}
	fmt.Fprintf(&b, "user: %s\n", question)

	resp, err := a.Client.Generate(ctx, llm.Request{
		System:      aggregateSystem,
		Prompt:      b.String(),
		Temperature: 0,
		MaxTokens:   256,
	})
	if err != nil {
		return Aggregation{Query: question, Entities: ExtractEntities(question)}, nil
	}
	query := strings.TrimSpace(resp.Text)
	if query == "" {
		query = question
	}
	return Aggregation{Query: query, Entities: ExtractEntities(query)}, nil
}
