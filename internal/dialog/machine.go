package dialog

import (
	"sync"

	"go.uber.org/zap"

	"answercore/internal/runstate"
)

// Outcome is one state-machine decision.
type Outcome struct {
	State                runstate.DialogState
	AttemptCount         int
	ActionRecommendation string
	EscalationReason     string
	Tone                 string
	PromptHint           string
	MatchedRule          string
}

// Machine evaluates the compiled rule set over a run-state. The rule set is
// swappable at runtime; evaluation holds a read lock only.
type Machine struct {
	mu     sync.RWMutex
	rules  *RuleSet
	logger *zap.Logger
}

// NewMachine wraps a compiled rule set. A nil set falls back to the
// built-in rules.
func NewMachine(rules *RuleSet, logger *zap.Logger) *Machine {
	if rules == nil {
		rules = DefaultRules()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Machine{rules: rules, logger: logger}
}

// Swap atomically replaces the rule set. Used by the file watcher.
func (m *Machine) Swap(rules *RuleSet) {
	m.mu.Lock()
	m.rules = rules
	m.mu.Unlock()
}

// Rules returns the current compiled set.
func (m *Machine) Rules() *RuleSet {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rules
}

// Behavior resolves the behavior record for a state under the current set.
func (m *Machine) Behavior(state runstate.DialogState) Behavior {
	return m.Rules().Behavior(state)
}

// MaxAttempts exposes the configured escalation boundary.
func (m *Machine) MaxAttempts() int {
	return m.Rules().Defaults.MaxAttempts
}

// Evaluate runs one transition. Order: guardrail block, safety violation,
// forced escalation, derived fields, static rules by ascending priority,
// dynamic rules, empathy override. The first satisfied static rule wins.
func (m *Machine) Evaluate(s *runstate.RunState) Outcome {
	rules := m.Rules()

	analysis := runstate.DialogAnalysis{}
	if s.DialogAnalysis != nil {
		analysis = *s.DialogAnalysis
	}

	threshold := rules.Defaults.ConfidenceThreshold
	if s.BestDocMetadata != nil && s.BestDocMetadata.ConfidenceThreshold > 0 {
		threshold = s.BestDocMetadata.ConfidenceThreshold
	}
	confidenceBelow := s.Confidence < threshold
	requiresHandoff := false
	for _, d := range s.Docs {
		if d.Metadata.RequiresHandoff {
			requiresHandoff = true
			break
		}
	}

	out := Outcome{AttemptCount: s.AttemptCount}
	switch {
	case s.GuardrailsBlocked:
		out.State = runstate.StateBlocked
		out.MatchedRule = "guardrails_blocked"
	case s.SafetyViolation:
		out.State = runstate.StateSafetyViolation
		out.MatchedRule = "safety_violation"
	case s.EscalationDecision:
		if analysis.EscalationRequested || s.EscalationRequested {
			out.State = runstate.StateEscalationRequested
		} else {
			out.State = runstate.StateEscalationNeeded
		}
		out.MatchedRule = "forced_escalation"
	default:
		ctx := conditionContext(s, analysis, confidenceBelow, requiresHandoff)
		out = m.walkRules(rules, s, ctx, out)
	}

	// Empathy override: a frustrated user who still has attempts left gets
	// acknowledgment instead of another plain answer.
	if (out.State == runstate.StateAnswerProvided || out.State == runstate.StateInitial) &&
		s.Sentiment != nil && s.Sentiment.Label == runstate.SentimentNegative &&
		out.AttemptCount < rules.Defaults.MaxAttempts-1 {
		out.State = runstate.StateEmpathyMode
		out.MatchedRule = "empathy_override"
	}

	behavior := rules.Behavior(out.State)
	out.ActionRecommendation = behavior.Action
	if out.ActionRecommendation == "" {
		out.ActionRecommendation = BehaviorAnswer
	}
	out.Tone = behavior.Tone
	out.PromptHint = behavior.PromptHint
	if behavior.Action == BehaviorHandoff || out.State.IsEscalation() {
		out.EscalationReason = behavior.EscalationReason
		if out.EscalationReason == "" {
			out.EscalationReason = deriveReason(s, analysis, confidenceBelow)
		}
	}

	m.logger.Debug("dialog transition",
		zap.String("from", string(s.DialogState)),
		zap.String("to", string(out.State)),
		zap.String("rule", out.MatchedRule),
		zap.Int("attempts", out.AttemptCount))
	return out
}

func (m *Machine) walkRules(rules *RuleSet, s *runstate.RunState, ctx map[string]any, out Outcome) Outcome {
	for _, r := range rules.Static {
		if !guardsHold(r, out.AttemptCount) || !r.Condition.Eval(ctx) {
			continue
		}
		return applyRule(m.logger, r, out)
	}
	for _, r := range rules.Dynamic {
		if r.CurrentState != s.DialogState {
			continue
		}
		if !guardsHold(r, out.AttemptCount) || !r.Condition.Eval(ctx) {
			continue
		}
		return applyRule(m.logger, r, out)
	}
	// No rule matched: stay in a non-terminal shape of the current state.
	out.State = s.DialogState
	if out.State == "" {
		out.State = rules.Defaults.InitialState
	}
	out.MatchedRule = "no_match"
	return out
}

func guardsHold(r Rule, attempts int) bool {
	if r.RequiresAttemptsLessThan != nil && attempts >= *r.RequiresAttemptsLessThan {
		return false
	}
	if r.RequiresAttemptsGTE != nil && attempts < *r.RequiresAttemptsGTE {
		return false
	}
	return true
}

func applyRule(logger *zap.Logger, r Rule, out Outcome) Outcome {
	out.State = r.TargetState
	out.MatchedRule = r.Name
	for _, a := range r.Actions {
		switch a {
		case ActionResetAttempts:
			out.AttemptCount = 0
		case ActionIncrementAttempts:
			out.AttemptCount++
		case ActionLog:
			logger.Info("dialog rule matched", zap.String("rule", r.Name), zap.String("target", string(r.TargetState)))
		}
	}
	if r.PostCondition != nil && out.AttemptCount > r.PostCondition.IfAttemptsExceed {
		out.State = r.PostCondition.OverrideState
		out.MatchedRule = r.Name + "/post_condition"
	}
	return out
}

// conditionContext flattens the fields rules may test into one namespace.
func conditionContext(s *runstate.RunState, a runstate.DialogAnalysis, confidenceBelow, requiresHandoff bool) map[string]any {
	sentiment := runstate.SentimentNeutral
	if s.Sentiment != nil {
		sentiment = s.Sentiment.Label
	}
	return map[string]any{
		"is_gratitude":               a.IsGratitude,
		"escalation_requested":       a.EscalationRequested || s.EscalationRequested,
		"is_question":                a.IsQuestion,
		"frustration_detected":       a.FrustrationDetected,
		"repeated_question":          a.RepeatedQuestion,
		"confidence_below_threshold": confidenceBelow,
		"requires_handoff":           requiresHandoff,
		"safety_violation":           s.SafetyViolation,
		"guardrails_blocked":         s.GuardrailsBlocked,
		"pending_clarification":      s.PendingClarification,
		"cache_hit":                  s.CacheHit,
		"filter_used":                s.FilterUsed,
		"fallback_triggered":         s.FallbackTriggered,
		"sentiment":                  sentiment,
		"dialog_state":               string(s.DialogState),
		"category":                   s.Category,
		"intent":                     s.Intent,
		"detected_language":          s.DetectedLanguage,
		"channel":                    s.Channel,
		"attempt_count":              s.AttemptCount,
		"confidence":                 s.Confidence,
		"category_confidence":        s.CategoryConfidence,
		"guardrails_risk_score":      s.GuardrailsRiskScore,
	}
}

// deriveReason is the fallback chain when the behavior record carries no
// explicit reason.
func deriveReason(s *runstate.RunState, a runstate.DialogAnalysis, confidenceBelow bool) string {
	switch {
	case s.SafetyViolation:
		return ReasonSafetyViolation
	case a.EscalationRequested || s.EscalationRequested:
		return ReasonUserRequested
	case confidenceBelow:
		return ReasonLowConfidence
	default:
		return ReasonStateMachineDecision
	}
}
