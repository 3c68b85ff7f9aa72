// Package pipeline compiles the declarative stage configuration into an
// executable plan and threads a shared run-state through it, honoring
// per-stage input/output contracts and the conditional edges between
// stages.
package pipeline

import (
	"context"

	"answercore/internal/runstate"
)

// Canonical stage names. The configuration enables stages by these names;
// unknown names fail compilation.
const (
	StageSessionStarter         = "session_starter"
	StageInputGuardrails        = "input_guardrails"
	StageCheckCache             = "check_cache"
	StageDialogAnalysis         = "dialog_analysis"
	StageAggregation            = "aggregation"
	StageLanguageDetection      = "language_detection"
	StageQueryTranslation       = "query_translation"
	StageEasyClassification     = "easy_classification"
	StageClassification         = "classification"
	StageMetadataFiltering      = "metadata_filtering"
	StageQueryExpansion         = "query_expansion"
	StageVectorSearch           = "vector_search"
	StageLexicalSearch          = "lexical_search"
	StageFusion                 = "fusion"
	StageRerank                 = "rerank"
	StageStateMachine           = "state_machine"
	StageRouting                = "routing"
	StagePromptRouting          = "prompt_routing"
	StageGeneration             = "generation"
	StageClarificationQuestions = "clarification_questions"
	StageOutputGuardrails       = "output_guardrails"
	StageArchiveSession         = "archive_session"
	StageStoreInCache           = "store_in_cache"
)

// canonicalOrder is the full stage sequence. The state machine sits between
// rerank and routing; the "early" entries reachable from guardrail blocks
// and fast escalation are jumps, not positions. clarification_questions is
// a bypass stage: sequential flow steps over it, only edges enter it.
var canonicalOrder = []string{
	StageSessionStarter,
	StageInputGuardrails,
	StageCheckCache,
	StageDialogAnalysis,
	StageAggregation,
	StageLanguageDetection,
	StageQueryTranslation,
	StageEasyClassification,
	StageClassification,
	StageMetadataFiltering,
	StageQueryExpansion,
	StageVectorSearch,
	StageLexicalSearch,
	StageFusion,
	StageRerank,
	StageStateMachine,
	StageRouting,
	StagePromptRouting,
	StageGeneration,
	StageClarificationQuestions,
	StageOutputGuardrails,
	StageArchiveSession,
	StageStoreInCache,
}

// bypassStages are entered only through a conditional edge.
var bypassStages = map[string]bool{
	StageClarificationQuestions: true,
}

// FieldList is a contract side: the named run-state fields.
type FieldList []runstate.Field

// Contract declares what a stage reads and writes. The engine projects the
// run-state to Required+Optional before Execute and fails the stage with a
// ContractError when a Required field is absent.
type Contract struct {
	Required    FieldList
	Optional    FieldList
	Guaranteed  FieldList
	Conditional FieldList
}

// inputSet returns the declared readable fields.
func (c Contract) inputSet() map[runstate.Field]bool {
	m := make(map[runstate.Field]bool, len(c.Required)+len(c.Optional))
	for _, f := range c.Required {
		m[f] = true
	}
	for _, f := range c.Optional {
		m[f] = true
	}
	return m
}

// Stage is one unit of pipeline work. Execute receives a projection of the
// run-state restricted to the stage's declared inputs and returns a partial
// update merged back under the field reducers.
type Stage interface {
	Name() string
	Contract() Contract
	Execute(ctx context.Context, state *runstate.RunState) (runstate.Update, error)
}

// Func adapts a function to a Stage. Used heavily by tests.
type Func struct {
	StageName     string
	StageContract Contract
	Fn            func(ctx context.Context, state *runstate.RunState) (runstate.Update, error)
}

func (f Func) Name() string       { return f.StageName }
func (f Func) Contract() Contract { return f.StageContract }

func (f Func) Execute(ctx context.Context, state *runstate.RunState) (runstate.Update, error) {
	return f.Fn(ctx, state)
}

var _ Stage = Func{}
