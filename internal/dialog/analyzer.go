// Package dialog derives conversational signals from the latest turn,
// evaluates the declarative state-machine rules over them, and turns the
// resulting state into a terminal routing decision.
package dialog

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"answercore/internal/llm"
	"answercore/internal/runstate"
)

// Analyzer produces the five dialog signals plus a sentiment record for the
// latest user turn. Implementations must be safe for concurrent use.
type Analyzer interface {
	Analyze(ctx context.Context, question string, history []runstate.Message) (runstate.DialogAnalysis, runstate.Sentiment, error)
}

var (
	gratitudePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(thank(s| you)?|thx|appreciate(d)?|that (helped|worked)|perfect)\b`),
		regexp.MustCompile(`(?i)(спасибо|благодарю|помогло|сработало|отлично)`),
	}
	escalationPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(human|real person|live (agent|person)|agent|operator|manager|supervisor|escalate)\b`),
		regexp.MustCompile(`(?i)\bspeak (to|with) (someone|a person)\b`),
		regexp.MustCompile(`(?i)(оператор|живо(й|го) человек|менеджер|руководител|позовите человека|соедините с)`),
	}
	frustrationPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(useless|ridiculous|terrible|awful|worst|angry|furious|frustrat\w*|fed up|waste of time)\b`),
		regexp.MustCompile(`(?i)\b(still (not working|broken)|doesn'?t work|nothing works)\b`),
		regexp.MustCompile(`(?i)(ужас\w*|бесит|достало|надоело|не работает|ничего не помогает|сколько можно|отвратительн)`),
	}
	questionWords = map[string]bool{
		"what": true, "how": true, "why": true, "when": true, "where": true,
		"which": true, "who": true, "can": true, "could": true, "would": true,
		"do": true, "does": true, "did": true, "is": true, "are": true, "will": true,
		"что": true, "как": true, "почему": true, "когда": true, "где": true,
		"какой": true, "какая": true, "какие": true, "можно": true, "кто": true,
	}
)

// RegexAnalyzer is the rule-based implementation: pattern tables for Russian
// and English plus a duplicate check against the session history.
type RegexAnalyzer struct{}

func (RegexAnalyzer) Analyze(_ context.Context, question string, history []runstate.Message) (runstate.DialogAnalysis, runstate.Sentiment, error) {
	a := runstate.DialogAnalysis{
		IsGratitude:         matchAny(gratitudePatterns, question),
		EscalationRequested: matchAny(escalationPatterns, question),
		IsQuestion:          looksLikeQuestion(question),
		FrustrationDetected: matchAny(frustrationPatterns, question),
		RepeatedQuestion:    isRepeated(question, history),
	}
	return a, sentimentOf(a), nil
}

func matchAny(patterns []*regexp.Regexp, text string) bool {
	for _, p := range patterns {
		if p.MatchString(text) {
			return true
		}
	}
	return false
}

func looksLikeQuestion(text string) bool {
	trimmed := strings.TrimSpace(text)
	if strings.HasSuffix(trimmed, "?") {
		return true
	}
	fields := strings.Fields(strings.ToLower(trimmed))
	return len(fields) > 0 && questionWords[fields[0]]
}

// isRepeated compares the normalized question against prior user turns.
func isRepeated(question string, history []runstate.Message) bool {
	norm := normalize(question)
	if norm == "" {
		return false
	}
	for _, m := range history {
		if m.Role == runstate.RoleUser && normalize(m.Content) == norm {
			return true
		}
	}
	return false
}

func normalize(text string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(text) {
		switch {
		case 'a' <= r && r <= 'z', '0' <= r && r <= '9', r >= 'а' && r <= 'я', r == 'ё':
			b.WriteRune(r)
		case r == ' ' || r == '\t' || r == '\n':
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

func sentimentOf(a runstate.DialogAnalysis) runstate.Sentiment {
	switch {
	case a.FrustrationDetected:
		return runstate.Sentiment{Label: runstate.SentimentNegative, Score: 0.85}
	case a.IsGratitude:
		return runstate.Sentiment{Label: runstate.SentimentPositive, Score: 0.85}
	default:
		return runstate.Sentiment{Label: runstate.SentimentNeutral, Score: 0.6}
	}
}

const analysisPrompt = `Analyze the latest customer support message and reply with JSON only:
{"is_gratitude":bool,"escalation_requested":bool,"is_question":bool,"frustration_detected":bool,"repeated_question":bool,"sentiment":"positive|neutral|negative"}

Previous user messages:
%s

Latest message: %s`

// LLMAnalyzer asks the model for the signals as structured JSON. Malformed
// replies and transport errors degrade to the regex analyzer so a turn is
// never lost to analysis.
type LLMAnalyzer struct {
	Client   llm.Client
	Fallback RegexAnalyzer
	Logger   *zap.Logger
}

func (a LLMAnalyzer) Analyze(ctx context.Context, question string, history []runstate.Message) (runstate.DialogAnalysis, runstate.Sentiment, error) {
	var prior strings.Builder
	for _, m := range history {
		if m.Role == runstate.RoleUser {
			prior.WriteString("- " + m.Content + "\n")
		}
	}
	resp, err := a.Client.Generate(ctx, llm.Request{
		Prompt:      fmt.Sprintf(analysisPrompt, prior.String(), question),
		Temperature: 0,
		MaxTokens:   128,
	})
	if err != nil {
		if a.Logger != nil {
			a.Logger.Warn("dialog analysis model call failed, using patterns", zap.Error(err))
		}
		return a.Fallback.Analyze(ctx, question, history)
	}

	var parsed struct {
		runstate.DialogAnalysis
		Sentiment string `json:"sentiment"`
	}
	raw := extractJSON(resp.Text)
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		if a.Logger != nil {
			a.Logger.Warn("dialog analysis reply unparsable, using patterns", zap.String("reply", resp.Text))
		}
		return a.Fallback.Analyze(ctx, question, history)
	}

	sentiment := runstate.Sentiment{Label: parsed.Sentiment, Score: 0.8}
	switch parsed.Sentiment {
	case runstate.SentimentPositive, runstate.SentimentNeutral, runstate.SentimentNegative:
	default:
		sentiment = sentimentOf(parsed.DialogAnalysis)
	}
	return parsed.DialogAnalysis, sentiment, nil
}

// extractJSON pulls the outermost object out of a reply that may carry
// markdown fences or prose around it.
func extractJSON(text string) string {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		return text[start : end+1]
	}
	return text
}
