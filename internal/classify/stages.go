package classify

import (
	"context"
	"strings"

	"answercore/internal/pipeline"
	"answercore/internal/runstate"
	"answercore/internal/taxonomy"
)

// easyMatchConfidence is assigned when a taxonomy label appears verbatim in
// the query. High enough to clear any filter threshold.
const easyMatchConfidence = 0.95

// EasyStage is the cheap pre-classifier: a case-insensitive substring match
// of taxonomy labels against the query. A hit lets the semantic stage skip
// its embedding call.
type EasyStage struct {
	Registry *taxonomy.Registry
}

func (EasyStage) Name() string { return pipeline.StageEasyClassification }

func (EasyStage) Contract() pipeline.Contract {
	return pipeline.Contract{
		Required:    pipeline.FieldList{runstate.FieldQuestion},
		Optional:    pipeline.FieldList{runstate.FieldAggregatedQuery},
		Conditional: pipeline.FieldList{runstate.FieldCategory, runstate.FieldCategoryConfidence, runstate.FieldIntent, runstate.FieldIntentConfidence},
	}
}

func (st EasyStage) Execute(_ context.Context, s *runstate.RunState) (runstate.Update, error) {
	query := strings.ToLower(s.EffectiveQuery())
	snap := st.Registry.Current()

	var u runstate.Update
	for _, category := range snap.Categories {
		if strings.Contains(query, strings.ToLower(category)) {
			u.Category = runstate.Ptr(category)
			u.CategoryConfidence = runstate.Ptr(easyMatchConfidence)
			break
		}
	}
	for _, intent := range snap.Intents {
		if strings.Contains(query, strings.ToLower(strings.ReplaceAll(intent, "_", " "))) {
			u.Intent = runstate.Ptr(intent)
			u.IntentConfidence = runstate.Ptr(easyMatchConfidence)
			break
		}
	}
	return u, nil
}

// SemanticStage runs the embedding classifier for whichever axes the easy
// stage left unresolved.
type SemanticStage struct {
	Classifier *Classifier
}

func (SemanticStage) Name() string { return pipeline.StageClassification }

func (SemanticStage) Contract() pipeline.Contract {
	return pipeline.Contract{
		Required:   pipeline.FieldList{runstate.FieldQuestion},
		Optional:   pipeline.FieldList{runstate.FieldAggregatedQuery, runstate.FieldTranslatedQuery, runstate.FieldCategory, runstate.FieldCategoryConfidence, runstate.FieldIntent, runstate.FieldIntentConfidence},
		Guaranteed: pipeline.FieldList{runstate.FieldCategory, runstate.FieldIntent, runstate.FieldCategoryConfidence, runstate.FieldIntentConfidence},
	}
}

func (st SemanticStage) Execute(ctx context.Context, s *runstate.RunState) (runstate.Update, error) {
	if s.Category != "" && s.CategoryConfidence >= easyMatchConfidence &&
		s.Intent != "" && s.IntentConfidence >= easyMatchConfidence {
		// Keep the easy decision; restating it keeps the output contract.
		return runstate.Update{
			Category:           runstate.Ptr(s.Category),
			Intent:             runstate.Ptr(s.Intent),
			CategoryConfidence: runstate.Ptr(s.CategoryConfidence),
			IntentConfidence:   runstate.Ptr(s.IntentConfidence),
		}, nil
	}

	res := st.Classifier.Classify(ctx, s.EffectiveQuery())
	u := runstate.Update{
		Category:           runstate.Ptr(res.Category.Label),
		CategoryConfidence: runstate.Ptr(res.Category.Confidence),
		Intent:             runstate.Ptr(res.Intent.Label),
		IntentConfidence:   runstate.Ptr(res.Intent.Confidence),
	}
	// An easy hit on one axis survives a weaker semantic opinion.
	if s.CategoryConfidence >= easyMatchConfidence {
		u.Category = runstate.Ptr(s.Category)
		u.CategoryConfidence = runstate.Ptr(s.CategoryConfidence)
	}
	if s.IntentConfidence >= easyMatchConfidence {
		u.Intent = runstate.Ptr(s.Intent)
		u.IntentConfidence = runstate.Ptr(s.IntentConfidence)
	}
	return u, nil
}

// FilterStage decides whether retrieval is restricted to the classified
// category: filter when confidence clears HighThreshold, else search
// unfiltered and record the fallback.
type FilterStage struct {
	HighThreshold float64
}

func (FilterStage) Name() string { return pipeline.StageMetadataFiltering }

func (FilterStage) Contract() pipeline.Contract {
	return pipeline.Contract{
		Required:   pipeline.FieldList{runstate.FieldCategory, runstate.FieldCategoryConfidence},
		Guaranteed: pipeline.FieldList{runstate.FieldFilterUsed, runstate.FieldFallbackTriggered},
	}
}

func (st FilterStage) Execute(_ context.Context, s *runstate.RunState) (runstate.Update, error) {
	threshold := st.HighThreshold
	if threshold <= 0 {
		threshold = 0.75
	}
	use := s.Category != "" && s.Category != FallbackCategory && s.CategoryConfidence >= threshold
	return runstate.Update{
		FilterUsed:        runstate.Ptr(use),
		FallbackTriggered: runstate.Ptr(!use),
	}, nil
}

var (
	_ pipeline.Stage = EasyStage{}
	_ pipeline.Stage = SemanticStage{}
	_ pipeline.Stage = FilterStage{}
)
