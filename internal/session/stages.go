package session

import (
	"context"

	"go.uber.org/zap"

	"answercore/internal/pipeline"
	"answercore/internal/runstate"
)

// StarterStage restores the conversation context. History failures are
// fatal (the turn cannot be answered safely without its context); hot-state
// failures already degrade inside the manager.
type StarterStage struct {
	Manager *Manager
}

func (StarterStage) Name() string { return pipeline.StageSessionStarter }

func (StarterStage) Contract() pipeline.Contract {
	return pipeline.Contract{
		Required:   pipeline.FieldList{runstate.FieldSessionID, runstate.FieldUserID},
		Optional:   pipeline.FieldList{runstate.FieldChannel},
		Guaranteed: pipeline.FieldList{runstate.FieldConversationHistory, runstate.FieldAttemptCount},
		Conditional: pipeline.FieldList{
			runstate.FieldExtractedEntities,
		},
	}
}

func (st StarterStage) Execute(ctx context.Context, s *runstate.RunState) (runstate.Update, error) {
	tc, err := st.Manager.StartTurn(ctx, s.SessionID, s.UserID, s.Channel)
	if err != nil {
		return runstate.Update{}, err
	}
	u := runstate.Update{
		AppendHistory:     tc.Messages,
		AttemptCount:      runstate.Ptr(tc.AttemptCount),
		ExtractedEntities: tc.Entities,
	}
	if u.AppendHistory == nil {
		u.AppendHistory = []runstate.Message{}
	}
	return u, nil
}

// ArchiveStage persists the finished turn. Archiving is the last durable
// write of the request; its failure fails the stage so the caller sees it.
type ArchiveStage struct {
	Manager *Manager
	Logger  *zap.Logger
}

func (ArchiveStage) Name() string { return pipeline.StageArchiveSession }

func (ArchiveStage) Contract() pipeline.Contract {
	return pipeline.Contract{
		Required: pipeline.FieldList{runstate.FieldSessionID, runstate.FieldUserID, runstate.FieldQuestion},
		Optional: pipeline.FieldList{
			runstate.FieldChannel, runstate.FieldAnswer, runstate.FieldEscalationMessage,
			runstate.FieldDialogState, runstate.FieldAction, runstate.FieldAttemptCount,
			runstate.FieldExtractedEntities, runstate.FieldCategory,
			runstate.FieldEscalationReason,
		},
	}
}

func (st ArchiveStage) Execute(ctx context.Context, s *runstate.RunState) (runstate.Update, error) {
	if err := st.Manager.ArchiveTurn(ctx, s); err != nil {
		if st.Logger != nil {
			st.Logger.Error("archive failed", zap.String("session", s.SessionID), zap.Error(err))
		}
		return runstate.Update{}, err
	}
	return runstate.Update{}, nil
}

var (
	_ pipeline.Stage = StarterStage{}
	_ pipeline.Stage = ArchiveStage{}
)
