package guardrails

import (
	"context"
	"regexp"
	"strings"

	"answercore/internal/runstate"
)

var leakagePatterns = []struct {
	re          *regexp.Regexp
	replacement string
}{
	{regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`), "[email]"},
	{regexp.MustCompile(`\+?\d[\d\s().-]{8,}\d`), "[phone]"},
	{regexp.MustCompile(`\b(?:\d[ -]?){13,19}\b`), "[card]"},
	{regexp.MustCompile(`(?i)\b(api[_-]?key|secret|token|password)\s*[:=]\s*\S+`), "[credential]"},
}

// DataLeakageScanner finds personal or credential data in the answer and
// offers a redacted replacement for sanitize mode.
type DataLeakageScanner struct{}

func (DataLeakageScanner) Name() string { return ScannerDataLeakage }

func (DataLeakageScanner) Scan(_ context.Context, text string, _ *runstate.RunState) (Result, error) {
	sanitized := text
	triggered := false
	for _, p := range leakagePatterns {
		if p.re.MatchString(sanitized) {
			triggered = true
			sanitized = p.re.ReplaceAllString(sanitized, p.replacement)
		}
	}
	if !triggered {
		return Result{}, nil
	}
	return Result{Triggered: true, Risk: 0.8, Sanitized: sanitized}, nil
}

// RelevanceScanner flags answers sharing almost no vocabulary with the
// question. A crude overlap test, meant as a tripwire rather than a judge.
type RelevanceScanner struct {
	MinOverlap float64
}

func (RelevanceScanner) Name() string { return ScannerRelevance }

func (sc RelevanceScanner) Scan(_ context.Context, text string, s *runstate.RunState) (Result, error) {
	min := sc.MinOverlap
	if min <= 0 {
		min = 0.05
	}
	qTokens := contentTokens(s.Question)
	aTokens := contentTokens(text)
	if len(qTokens) == 0 || len(aTokens) == 0 {
		return Result{}, nil
	}
	shared := 0
	for tok := range qTokens {
		if aTokens[tok] {
			shared++
		}
	}
	if float64(shared)/float64(len(qTokens)) < min {
		return Result{Triggered: true, Risk: 0.4}, nil
	}
	return Result{}, nil
}

func contentTokens(text string) map[string]bool {
	out := make(map[string]bool)
	for _, f := range strings.Fields(strings.ToLower(text)) {
		f = strings.Trim(f, ".,!?:;\"'()")
		if len([]rune(f)) > 3 {
			out[f] = true
		}
	}
	return out
}

var hallucinationIndicators = []string{
	"as an ai", "as a language model", "i cannot verify", "i don't have access to real-time",
	"my training data", "i made that up", "как языковая модель", "как ии",
	"у меня нет доступа к актуальн",
}

// HallucinationScanner flags stock model disclaimers that signal the answer
// came from the model's own weights rather than the retrieved documents.
type HallucinationScanner struct{}

func (HallucinationScanner) Name() string { return ScannerHallucination }

func (HallucinationScanner) Scan(_ context.Context, text string, _ *runstate.RunState) (Result, error) {
	lower := strings.ToLower(text)
	for _, ind := range hallucinationIndicators {
		if strings.Contains(lower, ind) {
			return Result{Triggered: true, Risk: 0.5}, nil
		}
	}
	return Result{}, nil
}

var refusalIndicators = []string{
	"i can't help with", "i cannot help with", "i won't assist", "i'm unable to help",
	"я не могу помочь", "не могу ответить на этот вопрос",
}

// RefusalScanner flags answers that are refusals, so operators can see when
// the model declines questions the knowledge base should cover.
type RefusalScanner struct{}

func (RefusalScanner) Name() string { return ScannerRefusal }

func (RefusalScanner) Scan(_ context.Context, text string, _ *runstate.RunState) (Result, error) {
	lower := strings.ToLower(text)
	for _, ind := range refusalIndicators {
		if strings.Contains(lower, ind) {
			return Result{Triggered: true, Risk: 0.3}, nil
		}
	}
	return Result{}, nil
}
