package guardrails

import (
	"context"

	"answercore/internal/language"
	"answercore/internal/pipeline"
	"answercore/internal/runstate"
)

// InputStage scans the user question before anything else touches it. A
// block substitutes the localized rejection as the final answer; the
// conditional edge then routes through the state machine to BLOCKED.
type InputStage struct {
	Chain Chain
}

func (InputStage) Name() string { return pipeline.StageInputGuardrails }

func (InputStage) Contract() pipeline.Contract {
	return pipeline.Contract{
		Required: pipeline.FieldList{runstate.FieldQuestion},
		Optional: pipeline.FieldList{runstate.FieldDetectedLanguage},
		Guaranteed: pipeline.FieldList{
			runstate.FieldGuardrailsPassed, runstate.FieldGuardrailsBlocked,
			runstate.FieldGuardrailsRiskScore,
		},
		Conditional: pipeline.FieldList{
			runstate.FieldGuardrailsWarning, runstate.FieldGuardrailsSanitized,
			runstate.FieldGuardrailsTriggered, runstate.FieldSafetyViolation,
			runstate.FieldAnswer, runstate.FieldAction, runstate.FieldQuestion,
		},
	}
}

func (st InputStage) Execute(ctx context.Context, s *runstate.RunState) (runstate.Update, error) {
	v := st.Chain.Run(ctx, s.Question, s)

	u := runstate.Update{
		GuardrailsPassed:    runstate.Ptr(!v.Blocked),
		GuardrailsBlocked:   runstate.Ptr(v.Blocked),
		GuardrailsRiskScore: runstate.Ptr(v.Risk),
		GuardrailsTriggered: v.Triggered,
	}
	if v.Safety {
		u.SafetyViolation = runstate.Ptr(true)
	}
	if v.Blocked {
		lang := s.DetectedLanguage
		if lang == "" {
			lang = language.Detect(s.Question).Language
		}
		u.Answer = runstate.Ptr(RejectionMessage(lang))
		u.Action = runstate.Ptr(runstate.ActionAutoReply)
		return u, nil
	}
	if v.Warned {
		u.GuardrailsWarning = runstate.Ptr(true)
	}
	if v.Sanitized {
		u.GuardrailsSanitized = runstate.Ptr(true)
		u.Question = runstate.Ptr(v.Text)
	}
	return u, nil
}

// OutputStage scans the generated answer. Blocking replaces the answer with
// the rejection message; sanitizing replaces the redacted spans in place.
type OutputStage struct {
	Chain Chain
}

func (OutputStage) Name() string { return pipeline.StageOutputGuardrails }

func (OutputStage) Contract() pipeline.Contract {
	return pipeline.Contract{
		Required: pipeline.FieldList{runstate.FieldAnswer},
		Optional: pipeline.FieldList{runstate.FieldQuestion, runstate.FieldDetectedLanguage},
		Guaranteed: pipeline.FieldList{
			runstate.FieldGuardrailsRiskScore,
		},
		Conditional: pipeline.FieldList{
			runstate.FieldGuardrailsWarning, runstate.FieldGuardrailsSanitized,
			runstate.FieldGuardrailsTriggered, runstate.FieldAnswer,
		},
	}
}

func (st OutputStage) Execute(ctx context.Context, s *runstate.RunState) (runstate.Update, error) {
	if s.Answer == "" {
		return runstate.Update{}, nil
	}
	v := st.Chain.Run(ctx, s.Answer, s)

	u := runstate.Update{
		GuardrailsRiskScore: runstate.Ptr(maxFloat(s.GuardrailsRiskScore, v.Risk)),
		GuardrailsTriggered: v.Triggered,
	}
	switch {
	case v.Blocked:
		u.Answer = runstate.Ptr(RejectionMessage(s.DetectedLanguage))
		u.GuardrailsSanitized = runstate.Ptr(true)
	case v.Sanitized:
		u.Answer = runstate.Ptr(v.Text)
		u.GuardrailsSanitized = runstate.Ptr(true)
	case v.Warned:
		u.GuardrailsWarning = runstate.Ptr(true)
	}
	return u, nil
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

var (
	_ pipeline.Stage = InputStage{}
	_ pipeline.Stage = OutputStage{}
)
