package dialog

import (
	"context"

	"go.uber.org/zap"

	"answercore/internal/pipeline"
	"answercore/internal/runstate"
)

// AnalysisStage derives the dialog signals and sentiment for the turn. A
// failing analyzer degrades to empty signals so the turn proceeds.
type AnalysisStage struct {
	Analyzer Analyzer
	Logger   *zap.Logger
}

func (AnalysisStage) Name() string { return pipeline.StageDialogAnalysis }

func (AnalysisStage) Contract() pipeline.Contract {
	return pipeline.Contract{
		Required: pipeline.FieldList{runstate.FieldQuestion},
		Optional: pipeline.FieldList{
			runstate.FieldConversationHistory, runstate.FieldEscalationRequested,
			runstate.FieldSafetyViolation,
		},
		Guaranteed:  pipeline.FieldList{runstate.FieldDialogAnalysis, runstate.FieldSentiment},
		Conditional: pipeline.FieldList{runstate.FieldEscalationRequested, runstate.FieldEscalationDecision},
	}
}

func (st AnalysisStage) Execute(ctx context.Context, s *runstate.RunState) (runstate.Update, error) {
	analysis, sentiment, err := st.Analyzer.Analyze(ctx, s.Question, s.ConversationHistory)
	if err != nil {
		if st.Logger != nil {
			st.Logger.Warn("dialog analysis failed, continuing without signals", zap.Error(err))
		}
		analysis = runstate.DialogAnalysis{}
		sentiment = runstate.Sentiment{Label: runstate.SentimentNeutral, Score: 0}
	}

	u := runstate.Update{
		DialogAnalysis: &analysis,
		Sentiment:      &sentiment,
	}
	// The fast-escalation edge and the forced-escalation branch of the
	// machine both read these flags.
	if analysis.EscalationRequested || s.EscalationRequested {
		u.EscalationRequested = runstate.Ptr(true)
		u.EscalationDecision = runstate.Ptr(true)
	}
	return u, nil
}

// StateMachineStage runs one transition of the dialog automaton and records
// the decision fields downstream stages route and prompt on.
type StateMachineStage struct {
	Machine *Machine
}

func (StateMachineStage) Name() string { return pipeline.StageStateMachine }

func (StateMachineStage) Contract() pipeline.Contract {
	return pipeline.Contract{
		Required: pipeline.FieldList{runstate.FieldDialogState},
		Optional: pipeline.FieldList{
			runstate.FieldDialogAnalysis, runstate.FieldSentiment,
			runstate.FieldAttemptCount, runstate.FieldConfidence,
			runstate.FieldDocs, runstate.FieldBestDocMetadata,
			runstate.FieldSafetyViolation, runstate.FieldEscalationRequested,
			runstate.FieldEscalationDecision, runstate.FieldGuardrailsBlocked,
			runstate.FieldPendingClarification, runstate.FieldCacheHit,
			runstate.FieldCategory, runstate.FieldIntent,
			runstate.FieldCategoryConfidence, runstate.FieldFilterUsed,
			runstate.FieldFallbackTriggered, runstate.FieldDetectedLanguage,
			runstate.FieldChannel, runstate.FieldGuardrailsRiskScore,
		},
		Guaranteed: pipeline.FieldList{
			runstate.FieldDialogState, runstate.FieldAttemptCount,
			runstate.FieldActionRecommendation,
		},
		Conditional: pipeline.FieldList{runstate.FieldEscalationReason, runstate.FieldEscalationDecision},
	}
}

func (st StateMachineStage) Execute(_ context.Context, s *runstate.RunState) (runstate.Update, error) {
	out := st.Machine.Evaluate(s)

	u := runstate.Update{
		DialogState:          runstate.Ptr(out.State),
		AttemptCount:         runstate.Ptr(out.AttemptCount),
		ActionRecommendation: runstate.Ptr(out.ActionRecommendation),
	}
	if out.EscalationReason != "" {
		u.EscalationReason = runstate.Ptr(out.EscalationReason)
	}
	if out.State.IsEscalation() {
		u.EscalationDecision = runstate.Ptr(true)
	}
	return u, nil
}

var escalationMessages = map[string]string{
	"ru": "Я передаю ваш вопрос специалисту поддержки. Он свяжется с вами в ближайшее время.",
	"en": "I'm transferring your question to a support specialist. They will get back to you shortly.",
}

// RoutingStage turns the recommendation into the terminal action. Handoff
// recommendations and the always-escalate blacklists route to a human;
// everything else auto-replies.
type RoutingStage struct {
	EscalateCategories []string
	EscalateIntents    []string
	Logger             *zap.Logger
}

func (RoutingStage) Name() string { return pipeline.StageRouting }

func (RoutingStage) Contract() pipeline.Contract {
	return pipeline.Contract{
		Required: pipeline.FieldList{runstate.FieldDialogState, runstate.FieldActionRecommendation},
		Optional: pipeline.FieldList{
			runstate.FieldCategory, runstate.FieldIntent,
			runstate.FieldDetectedLanguage, runstate.FieldEscalationReason,
		},
		Guaranteed:  pipeline.FieldList{runstate.FieldAction},
		Conditional: pipeline.FieldList{runstate.FieldEscalationMessage, runstate.FieldEscalationDecision, runstate.FieldEscalationReason},
	}
}

func (st RoutingStage) Execute(_ context.Context, s *runstate.RunState) (runstate.Update, error) {
	handoff := s.ActionRecommendation == BehaviorHandoff
	blacklisted := contains(st.EscalateCategories, s.Category) || contains(st.EscalateIntents, s.Intent)

	if !handoff && !blacklisted {
		return runstate.Update{Action: runstate.Ptr(runstate.ActionAutoReply)}, nil
	}

	msg := escalationMessages[s.DetectedLanguage]
	if msg == "" {
		msg = escalationMessages["en"]
	}
	u := runstate.Update{
		Action:             runstate.Ptr(runstate.ActionHandoff),
		EscalationDecision: runstate.Ptr(true),
		EscalationMessage:  runstate.Ptr(msg),
	}
	if blacklisted && s.EscalationReason == "" {
		u.EscalationReason = runstate.Ptr(ReasonStateMachineDecision)
	}
	if st.Logger != nil {
		st.Logger.Info("routing to handoff",
			zap.String("state", string(s.DialogState)),
			zap.Bool("blacklisted", blacklisted))
	}
	return u, nil
}

func contains(list []string, v string) bool {
	if v == "" {
		return false
	}
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// ClarificationStage replaces generation when the best document carries
// clarifying questions. It asks the first question not yet asked in this
// session and parks the dialog in AWAITING_CLARIFICATION.
type ClarificationStage struct{}

func (ClarificationStage) Name() string { return pipeline.StageClarificationQuestions }

func (ClarificationStage) Contract() pipeline.Contract {
	return pipeline.Contract{
		Required: pipeline.FieldList{runstate.FieldQuestion},
		Optional: pipeline.FieldList{
			runstate.FieldBestDocMetadata, runstate.FieldClarifyingQuestions,
			runstate.FieldConversationHistory,
		},
		Guaranteed: pipeline.FieldList{
			runstate.FieldAnswer, runstate.FieldPendingClarification,
			runstate.FieldDialogState, runstate.FieldActionRecommendation,
		},
		Conditional: pipeline.FieldList{runstate.FieldClarifyingQuestions},
	}
}

func (ClarificationStage) Execute(_ context.Context, s *runstate.RunState) (runstate.Update, error) {
	questions := s.ClarifyingQuestions
	if len(questions) == 0 && s.BestDocMetadata != nil {
		questions = s.BestDocMetadata.ClarifyingQuestions
	}

	asked := make(map[string]bool)
	for _, m := range s.ConversationHistory {
		if m.Role == runstate.RoleAssistant {
			asked[normalize(m.Content)] = true
		}
	}
	next := ""
	for _, q := range questions {
		if !asked[normalize(q)] {
			next = q
			break
		}
	}
	if next == "" && len(questions) > 0 {
		next = questions[0]
	}

	return runstate.Update{
		Answer:               runstate.Ptr(next),
		PendingClarification: runstate.Ptr(true),
		DialogState:          runstate.Ptr(runstate.StateAwaitingClarification),
		ActionRecommendation: runstate.Ptr(BehaviorClarify),
		ClarifyingQuestions:  questions,
	}, nil
}

var (
	_ pipeline.Stage = AnalysisStage{}
	_ pipeline.Stage = StateMachineStage{}
	_ pipeline.Stage = RoutingStage{}
	_ pipeline.Stage = ClarificationStage{}
)
