// Package guardrails runs scanner chains over the user question and the
// generated answer. A chain aggregates a risk score (max across scanners)
// and the set of triggered scanner names, then applies its mode: block,
// log, or sanitize.
package guardrails

import (
	"context"

	"go.uber.org/zap"

	"answercore/internal/runstate"
)

// Mode controls what a triggered chain does.
type Mode string

const (
	ModeBlock    Mode = "block"
	ModeLog      Mode = "log"
	ModeSanitize Mode = "sanitize"
)

// Result is one scanner's verdict on a text.
type Result struct {
	Triggered bool
	Risk      float64
	// Sanitized carries replacement text when the scanner can strip the
	// offending spans. Empty means the scanner cannot sanitize.
	Sanitized string
}

// Scanner inspects a text in the context of the current run.
type Scanner interface {
	Name() string
	Scan(ctx context.Context, text string, s *runstate.RunState) (Result, error)
}

// Scanner names. The critical ones force a block even in log mode.
const (
	ScannerRegex           = "regex"
	ScannerTokenLength     = "token_length"
	ScannerLanguage        = "language"
	ScannerSecrets         = "secrets"
	ScannerPromptInjection = "prompt_injection"
	ScannerToxicity        = "toxicity"
	ScannerBanTopics       = "ban_topics"
	ScannerDataLeakage     = "data_leakage"
	ScannerRelevance       = "relevance"
	ScannerHallucination   = "hallucination"
	ScannerRefusal         = "refusal"
)

var criticalScanners = map[string]bool{
	ScannerPromptInjection: true,
	ScannerSecrets:         true,
}

// safetyScanners mark the run as a safety violation when triggered, which
// the state machine turns into SAFETY_VIOLATION.
var safetyScanners = map[string]bool{
	ScannerToxicity:  true,
	ScannerBanTopics: true,
}

// Verdict is the aggregated outcome of one chain run.
type Verdict struct {
	Blocked   bool
	Warned    bool
	Sanitized bool
	Safety    bool
	Risk      float64
	Triggered []string
	// Text is the input, possibly with sanitized spans replaced.
	Text string
}

// Chain is an ordered scanner list with a mode.
type Chain struct {
	Mode     Mode
	Scanners []Scanner
	Logger   *zap.Logger
}

// Run scans text with every scanner. A scanner error is logged and skipped
// so an unavailable ML backend never takes the pipeline down with it.
func (c Chain) Run(ctx context.Context, text string, s *runstate.RunState) Verdict {
	v := Verdict{Text: text}
	for _, scanner := range c.Scanners {
		res, err := scanner.Scan(ctx, v.Text, s)
		if err != nil {
			if c.Logger != nil {
				c.Logger.Warn("scanner unavailable, skipping", zap.String("scanner", scanner.Name()), zap.Error(err))
			}
			continue
		}
		if !res.Triggered {
			continue
		}
		v.Triggered = append(v.Triggered, scanner.Name())
		if res.Risk > v.Risk {
			v.Risk = res.Risk
		}
		if safetyScanners[scanner.Name()] {
			v.Safety = true
		}

		switch {
		case c.Mode == ModeBlock:
			v.Blocked = true
		case criticalScanners[scanner.Name()]:
			// Critical kinds block regardless of mode.
			v.Blocked = true
		case c.Mode == ModeSanitize && res.Sanitized != "":
			v.Text = res.Sanitized
			v.Sanitized = true
		default:
			v.Warned = true
		}
	}
	return v
}

var rejectionMessages = map[string]string{
	"ru": "Извините, я не могу обработать это сообщение. Пожалуйста, переформулируйте вопрос.",
	"en": "Sorry, I can't process this message. Please rephrase your question.",
}

// RejectionMessage returns the safe substitute answer in the detected
// language, falling back to English.
func RejectionMessage(language string) string {
	if msg, ok := rejectionMessages[language]; ok {
		return msg
	}
	return rejectionMessages["en"]
}
