package pipeline

import "answercore/internal/runstate"

// nextEdge evaluates the conditional edges attached after a stage against
// the freshly merged state. It returns the jump target, or "" for the
// sequential successor. First match wins; every target lies forward of its
// source in the canonical order.
func nextEdge(stage string, s *runstate.RunState) string {
	switch stage {
	case StageInputGuardrails:
		// A block answers the turn with the rejection message; the state
		// machine still owes the BLOCKED transition.
		if s.GuardrailsBlocked {
			return StageStateMachine
		}
		// Active clarification with questions left to ask: answer the turn
		// with the next clarifying question, skipping retrieval.
		if s.PendingClarification && len(s.ClarifyingQuestions) > 0 {
			return StageClarificationQuestions
		}

	case StageCheckCache:
		// A hit already populated the answer; refresh the cache entry and end.
		if s.CacheHit {
			return StageStoreInCache
		}

	case StageDialogAnalysis:
		// Fast escalate: no retrieval when the turn already decided the outcome.
		if s.SafetyViolation {
			return StageStateMachine
		}
		if s.DialogAnalysis != nil && s.DialogAnalysis.EscalationRequested {
			return StageStateMachine
		}

	case StageRouting:
		if s.GuardrailsBlocked {
			return StageArchiveSession
		}
		if s.Action != runstate.ActionAutoReply {
			return StageArchiveSession
		}
		if s.DialogState == runstate.StateAwaitingClarification {
			return StageClarificationQuestions
		}
		if s.BestDocMetadata != nil && len(s.BestDocMetadata.ClarifyingQuestions) > 0 {
			return StageClarificationQuestions
		}
	}
	return ""
}
