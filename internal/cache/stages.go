package cache

import (
	"context"

	"go.uber.org/zap"

	"answercore/internal/embedding"
	"answercore/internal/pipeline"
	"answercore/internal/runstate"
)

func scopeOf(s *runstate.RunState) string {
	if s.UserID != "" {
		return s.UserID
	}
	return s.Channel
}

// CheckStage looks the question up before retrieval runs. A hit populates
// the answer fields and the conditional edge skips straight to write-back.
// The question embedding computed for the semantic pass is published so the
// vector leg and the store stage reuse it.
type CheckStage struct {
	Cache    *Cache
	Embedder embedding.Engine // nil disables the semantic pass
	Logger   *zap.Logger
}

func (CheckStage) Name() string { return pipeline.StageCheckCache }

func (CheckStage) Contract() pipeline.Contract {
	return pipeline.Contract{
		Required: pipeline.FieldList{runstate.FieldQuestion},
		Optional: pipeline.FieldList{
			runstate.FieldUserID, runstate.FieldChannel,
			runstate.FieldDetectedLanguage, runstate.FieldCategory,
		},
		Guaranteed: pipeline.FieldList{runstate.FieldCacheHit, runstate.FieldCacheKey, runstate.FieldCacheReason},
		Conditional: pipeline.FieldList{
			runstate.FieldAnswer, runstate.FieldConfidence,
			runstate.FieldBestDocMetadata, runstate.FieldQuestionEmbedding,
		},
	}
}

func (st CheckStage) Execute(ctx context.Context, s *runstate.RunState) (runstate.Update, error) {
	scope := scopeOf(s)
	key := Key(s.Question, scope, s.DetectedLanguage, s.Category)

	var vec []float32
	if st.Embedder != nil {
		v, err := st.Embedder.Embed(ctx, s.Question)
		if err != nil {
			if st.Logger != nil {
				st.Logger.Warn("question embedding failed, exact cache only", zap.Error(err))
			}
		} else {
			vec = v
		}
	}

	entry, reason, err := st.Cache.Lookup(ctx, key, scope, vec)
	if err != nil {
		return runstate.Update{}, err
	}

	u := runstate.Update{
		CacheKey:          runstate.Ptr(key),
		CacheReason:       runstate.Ptr(reason),
		CacheHit:          runstate.Ptr(entry != nil),
		QuestionEmbedding: vec,
	}
	if entry != nil {
		u.Answer = runstate.Ptr(entry.Answer)
		u.Confidence = runstate.Ptr(entry.Confidence)
		u.BestDocMetadata = entry.Metadata
	}
	return u, nil
}

// StoreStage writes the generated answer back. Hits only refresh the TTL;
// blocked, escalated, and clarification turns are never cached.
type StoreStage struct {
	Cache *Cache
}

func (StoreStage) Name() string { return pipeline.StageStoreInCache }

func (StoreStage) Contract() pipeline.Contract {
	return pipeline.Contract{
		Required: pipeline.FieldList{runstate.FieldQuestion},
		// CacheKey is optional: the blocked path reaches this stage without
		// the cache check having run.
		Optional: pipeline.FieldList{
			runstate.FieldCacheKey,
			runstate.FieldUserID, runstate.FieldChannel, runstate.FieldAnswer,
			runstate.FieldAction, runstate.FieldConfidence, runstate.FieldCacheHit,
			runstate.FieldBestDocMetadata, runstate.FieldQuestionEmbedding,
			runstate.FieldDetectedLanguage, runstate.FieldGuardrailsBlocked,
			runstate.FieldPendingClarification,
		},
	}
}

func (st StoreStage) Execute(ctx context.Context, s *runstate.RunState) (runstate.Update, error) {
	if s.CacheKey == "" {
		return runstate.Update{}, nil
	}
	if s.CacheHit {
		st.Cache.Refresh(ctx, s.CacheKey)
		return runstate.Update{}, nil
	}
	if s.Answer == "" || s.Action != runstate.ActionAutoReply ||
		s.GuardrailsBlocked || s.PendingClarification {
		return runstate.Update{}, nil
	}

	// Best effort: a failed write is already logged by the cache.
	_ = st.Cache.Store(ctx, s.CacheKey, scopeOf(s), Entry{
		Question:   s.Question,
		Answer:     s.Answer,
		Confidence: s.Confidence,
		Metadata:   s.BestDocMetadata,
		Embedding:  s.QuestionEmbedding,
		Language:   s.DetectedLanguage,
	})
	return runstate.Update{}, nil
}

var (
	_ pipeline.Stage = CheckStage{}
	_ pipeline.Stage = StoreStage{}
)
