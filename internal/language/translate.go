package language

import (
	"context"
	"strings"

	"answercore/internal/llm"
)

// Translator rewrites a query into the corpus language ahead of vector
// search. The lexical leg keeps the original text against the
// language-appropriate FTS index.
type Translator struct {
	Client llm.Client
	Target string // corpus language, default "en"
}

const translateSystem = `Translate the user's text to %s.
Reply with the translation only, keeping product names and identifiers unchanged.`

// Translate returns the query in the target language, or "" when no
// translation is needed or the model call fails.
func (t Translator) Translate(ctx context.Context, query, detected string) (string, error) {
	target := t.Target
	if target == "" {
		target = LangEnglish
	}
	if detected == "" || detected == target {
		return "", nil
	}
	name := "English"
	if target == LangRussian {
		name = "Russian"
	}
	resp, err := t.Client.Generate(ctx, llm.Request{
		System:      strings.Replace(translateSystem, "%s", name, 1),
		Prompt:      query,
		Temperature: 0,
		MaxTokens:   256,
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Text), nil
}
