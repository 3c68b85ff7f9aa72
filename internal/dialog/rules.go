package dialog

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"answercore/internal/runstate"
)

// Condition operators.
const (
	OpEquals    = "equals"
	OpNotEquals = "not_equals"
	OpGT        = "gt"
	OpLT        = "lt"
	OpGTE       = "gte"
	OpLTE       = "lte"
	OpIn        = "in"
	OpNotIn     = "not_in"
	OpExists    = "exists"
)

// Rule actions.
const (
	ActionResetAttempts     = "reset_attempt_count"
	ActionIncrementAttempts = "increment_attempts"
	ActionLog               = "log"
)

// Escalation reasons, ordered by precedence.
const (
	ReasonSafetyViolation      = "safety_violation"
	ReasonUserRequested        = "user_requested"
	ReasonLowConfidence        = "low_confidence"
	ReasonStateMachineDecision = "state_machine_decision"
)

// maxAttemptsPlaceholder in a condition value resolves to
// defaults.max_attempts_before_escalation at compile time.
const maxAttemptsPlaceholder = "$max_attempts"

// Condition is one field test. Value is ignored for the exists operator,
// which holds when the field carries a non-zero value.
type Condition struct {
	Field    string
	Operator string
	Value    any
}

// PostCondition overrides the target state when the attempt count, after
// the rule's actions ran, exceeds the boundary.
type PostCondition struct {
	IfAttemptsExceed int
	OverrideState    runstate.DialogState
}

// Rule is one compiled transition. Static rules match in ascending priority;
// dynamic rules additionally pin the current state.
type Rule struct {
	Name                     string
	Priority                 int
	Condition                Condition
	RequiresAttemptsLessThan *int
	RequiresAttemptsGTE      *int
	CurrentState             runstate.DialogState
	TargetState              runstate.DialogState
	Actions                  []string
	PostCondition            *PostCondition
}

// Behavior is the per-state record driving prompt construction and routing.
type Behavior struct {
	Tone             string
	Action           string
	PromptHint       string
	EscalationReason string
}

// Defaults are the file-level knobs.
type Defaults struct {
	InitialState        runstate.DialogState
	MaxAttempts         int
	ConfidenceThreshold float64
}

// RuleSet is a compiled, immutable rules file. The machine swaps whole sets
// on reload.
type RuleSet struct {
	Defaults  Defaults
	Static    []Rule
	Dynamic   []Rule
	Behaviors map[runstate.DialogState]Behavior
}

// Behavior returns the record for a state, or a zero Behavior when the file
// omits it.
func (rs *RuleSet) Behavior(state runstate.DialogState) Behavior {
	return rs.Behaviors[state]
}

// ----- YAML schema -----

type rulesFile struct {
	Defaults struct {
		InitialState        string  `yaml:"initial_state"`
		MaxAttempts         int     `yaml:"max_attempts_before_escalation"`
		ConfidenceThreshold float64 `yaml:"confidence_threshold"`
	} `yaml:"defaults"`
	Rules          []ruleYAML              `yaml:"rules"`
	DynamicRules   []ruleYAML              `yaml:"dynamic_rules"`
	StateBehaviors map[string]behaviorYAML `yaml:"state_behaviors"`
}

type ruleYAML struct {
	Name      string `yaml:"name"`
	Priority  int    `yaml:"priority"`
	Condition struct {
		Field    string `yaml:"field"`
		Operator string `yaml:"operator"`
		Value    any    `yaml:"value"`
	} `yaml:"condition"`
	RequiresAttemptsLessThan *int     `yaml:"requires_attempts_less_than"`
	RequiresAttemptsGTE      *int     `yaml:"requires_attempts_gte"`
	CurrentState             string   `yaml:"current_state"`
	TargetState              string   `yaml:"target_state"`
	Actions                  []string `yaml:"actions"`
	PostCondition            *struct {
		IfAttemptsExceed int    `yaml:"if_attempts_exceed"`
		OverrideState    string `yaml:"override_state"`
	} `yaml:"post_condition"`
}

type behaviorYAML struct {
	Tone             string `yaml:"tone"`
	Action           string `yaml:"action"`
	PromptHint       string `yaml:"prompt_hint"`
	EscalationReason string `yaml:"escalation_reason"`
}

var validOperators = map[string]bool{
	OpEquals: true, OpNotEquals: true, OpGT: true, OpLT: true,
	OpGTE: true, OpLTE: true, OpIn: true, OpNotIn: true, OpExists: true,
}

var validActions = map[string]bool{
	ActionResetAttempts: true, ActionIncrementAttempts: true, ActionLog: true,
}

// ParseRules compiles a rules document. Compilation rejects unknown states,
// operators and actions so a broken file can never reach evaluation.
func ParseRules(data []byte) (*RuleSet, error) {
	var f rulesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse rules: %w", err)
	}

	rs := &RuleSet{
		Defaults: Defaults{
			InitialState:        runstate.StateInitial,
			MaxAttempts:         3,
			ConfidenceThreshold: 0.5,
		},
		Behaviors: make(map[runstate.DialogState]Behavior, len(f.StateBehaviors)),
	}
	if f.Defaults.InitialState != "" {
		st, err := runstate.ParseDialogState(f.Defaults.InitialState)
		if err != nil {
			return nil, fmt.Errorf("defaults: %w", err)
		}
		rs.Defaults.InitialState = st
	}
	if f.Defaults.MaxAttempts > 0 {
		rs.Defaults.MaxAttempts = f.Defaults.MaxAttempts
	}
	if f.Defaults.ConfidenceThreshold > 0 {
		rs.Defaults.ConfidenceThreshold = f.Defaults.ConfidenceThreshold
	}

	var err error
	if rs.Static, err = compileRules(f.Rules, rs.Defaults, false); err != nil {
		return nil, err
	}
	if rs.Dynamic, err = compileRules(f.DynamicRules, rs.Defaults, true); err != nil {
		return nil, err
	}
	sort.SliceStable(rs.Static, func(i, j int) bool { return rs.Static[i].Priority < rs.Static[j].Priority })

	for name, b := range f.StateBehaviors {
		st, err := runstate.ParseDialogState(name)
		if err != nil {
			return nil, fmt.Errorf("state_behaviors: %w", err)
		}
		rs.Behaviors[st] = Behavior(b)
	}
	return rs, nil
}

// LoadRules reads and compiles a rules file from disk.
func LoadRules(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}
	return ParseRules(data)
}

func compileRules(in []ruleYAML, defaults Defaults, dynamic bool) ([]Rule, error) {
	out := make([]Rule, 0, len(in))
	for i, r := range in {
		name := r.Name
		if name == "" {
			name = fmt.Sprintf("rule_%d", i)
		}
		if r.Condition.Field == "" {
			return nil, fmt.Errorf("rule %s: condition field is required", name)
		}
		if !validOperators[r.Condition.Operator] {
			return nil, fmt.Errorf("rule %s: unknown operator %q", name, r.Condition.Operator)
		}
		target, err := runstate.ParseDialogState(r.TargetState)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", name, err)
		}
		for _, a := range r.Actions {
			if !validActions[a] {
				return nil, fmt.Errorf("rule %s: unknown action %q", name, a)
			}
		}
		compiled := Rule{
			Name:                     name,
			Priority:                 r.Priority,
			RequiresAttemptsLessThan: r.RequiresAttemptsLessThan,
			RequiresAttemptsGTE:      r.RequiresAttemptsGTE,
			TargetState:              target,
			Actions:                  r.Actions,
			Condition: Condition{
				Field:    r.Condition.Field,
				Operator: r.Condition.Operator,
				Value:    resolvePlaceholder(r.Condition.Value, defaults),
			},
		}
		if r.CurrentState != "" {
			st, err := runstate.ParseDialogState(r.CurrentState)
			if err != nil {
				return nil, fmt.Errorf("rule %s: %w", name, err)
			}
			compiled.CurrentState = st
		} else if dynamic {
			return nil, fmt.Errorf("dynamic rule %s: current_state is required", name)
		}
		if r.PostCondition != nil {
			override, err := runstate.ParseDialogState(r.PostCondition.OverrideState)
			if err != nil {
				return nil, fmt.Errorf("rule %s post_condition: %w", name, err)
			}
			compiled.PostCondition = &PostCondition{
				IfAttemptsExceed: r.PostCondition.IfAttemptsExceed,
				OverrideState:    override,
			}
		}
		out = append(out, compiled)
	}
	return out, nil
}

func resolvePlaceholder(v any, defaults Defaults) any {
	if s, ok := v.(string); ok && s == maxAttemptsPlaceholder {
		return defaults.MaxAttempts
	}
	return v
}

// ----- condition evaluation -----

// Eval tests the condition against an evaluation context of named values.
func (c Condition) Eval(ctx map[string]any) bool {
	v, ok := ctx[c.Field]
	switch c.Operator {
	case OpExists:
		return ok && !isZeroValue(v)
	case OpEquals:
		return ok && looseEqual(v, c.Value)
	case OpNotEquals:
		return !ok || !looseEqual(v, c.Value)
	case OpGT, OpLT, OpGTE, OpLTE:
		a, aok := toFloat(v)
		b, bok := toFloat(c.Value)
		if !ok || !aok || !bok {
			return false
		}
		switch c.Operator {
		case OpGT:
			return a > b
		case OpLT:
			return a < b
		case OpGTE:
			return a >= b
		default:
			return a <= b
		}
	case OpIn:
		return ok && inList(v, c.Value)
	case OpNotIn:
		return !ok || !inList(v, c.Value)
	}
	return false
}

func isZeroValue(v any) bool {
	switch t := v.(type) {
	case bool:
		return !t
	case string:
		return t == ""
	case nil:
		return true
	}
	if f, ok := toFloat(v); ok {
		return f == 0
	}
	return false
}

// looseEqual compares across the types YAML and the run-state actually
// produce: bools, strings, and any numeric pair.
func looseEqual(a, b any) bool {
	if ab, ok := a.(bool); ok {
		bb, ok := b.(bool)
		return ok && ab == bb
	}
	if af, aok := toFloat(a); aok {
		bf, bok := toFloat(b)
		return bok && af == bf
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case float64:
		return t, true
	case float32:
		return float64(t), true
	}
	return 0, false
}

func inList(v, list any) bool {
	items, ok := list.([]any)
	if !ok {
		return false
	}
	for _, item := range items {
		if looseEqual(v, item) {
			return true
		}
	}
	return false
}

// DefaultRules is the built-in rule set, used when no rules file is
// configured. It goes through the same compiler as a file from disk.
func DefaultRules() *RuleSet {
	rs, err := ParseRules([]byte(defaultRulesYAML))
	if err != nil {
		panic("built-in rules failed to compile: " + err.Error())
	}
	return rs
}

const defaultRulesYAML = `
defaults:
  initial_state: INITIAL
  max_attempts_before_escalation: 3
  confidence_threshold: 0.5

rules:
  - name: explicit_escalation
    priority: 10
    condition: {field: escalation_requested, operator: equals, value: true}
    target_state: ESCALATION_REQUESTED
    actions: [log]

  - name: gratitude_resolves
    priority: 20
    condition: {field: is_gratitude, operator: equals, value: true}
    target_state: RESOLVED
    actions: [reset_attempt_count]

  - name: repeated_question_stuck
    priority: 30
    condition: {field: repeated_question, operator: equals, value: true}
    requires_attempts_gte: 2
    target_state: STUCK_LOOP
    actions: [log]

  - name: document_demands_handoff
    priority: 40
    condition: {field: requires_handoff, operator: equals, value: true}
    target_state: ESCALATION_NEEDED

  - name: low_confidence
    priority: 50
    condition: {field: confidence_below_threshold, operator: equals, value: true}
    target_state: LOW_CONFIDENCE
    actions: [increment_attempts]
    post_condition: {if_attempts_exceed: 3, override_state: ESCALATION_NEEDED}

  - name: question_answered
    priority: 100
    condition: {field: is_question, operator: exists}
    requires_attempts_less_than: 3
    target_state: ANSWER_PROVIDED
    actions: [increment_attempts]

dynamic_rules:
  - name: attempts_exhausted
    current_state: ANSWER_PROVIDED
    condition: {field: attempt_count, operator: gte, value: $max_attempts}
    target_state: ESCALATION_NEEDED

state_behaviors:
  INITIAL:
    tone: friendly
    action: answer
    prompt_hint: Greet the customer briefly and answer directly.
  ANSWER_PROVIDED:
    tone: helpful
    action: answer
    prompt_hint: Answer concisely using only the provided documents.
  AWAITING_CLARIFICATION:
    tone: curious
    action: clarify
    prompt_hint: Ask the clarifying question and nothing else.
  RESOLVED:
    tone: warm
    action: answer
    prompt_hint: Acknowledge the thanks and close politely.
  ESCALATION_NEEDED:
    tone: professional
    action: handoff
    escalation_reason: state_machine_decision
  ESCALATION_REQUESTED:
    tone: professional
    action: handoff
    escalation_reason: user_requested
  SAFETY_VIOLATION:
    tone: neutral
    action: handoff
    escalation_reason: safety_violation
  EMPATHY_MODE:
    tone: empathetic
    action: answer
    prompt_hint: Acknowledge the frustration before answering.
  BLOCKED:
    tone: neutral
    action: block
  LOW_CONFIDENCE:
    tone: careful
    action: handoff
    escalation_reason: low_confidence
  STUCK_LOOP:
    tone: professional
    action: handoff
    escalation_reason: state_machine_decision
`

// Behavior actions used by routing and prompt construction.
const (
	BehaviorAnswer  = "answer"
	BehaviorClarify = "clarify"
	BehaviorHandoff = "handoff"
	BehaviorBlock   = "block"
)
