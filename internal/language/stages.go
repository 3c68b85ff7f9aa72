package language

import (
	"context"

	"go.uber.org/zap"

	"answercore/internal/pipeline"
	"answercore/internal/runstate"
)

// DetectionStage sets detected_language and language_confidence from script
// analysis of the aggregated (else raw) query.
type DetectionStage struct{}

func (DetectionStage) Name() string { return pipeline.StageLanguageDetection }

func (DetectionStage) Contract() pipeline.Contract {
	return pipeline.Contract{
		Required:   pipeline.FieldList{runstate.FieldQuestion},
		Optional:   pipeline.FieldList{runstate.FieldAggregatedQuery},
		Guaranteed: pipeline.FieldList{runstate.FieldDetectedLanguage, runstate.FieldLanguageConfidence},
	}
}

func (DetectionStage) Execute(_ context.Context, s *runstate.RunState) (runstate.Update, error) {
	text := s.AggregatedQuery
	if text == "" {
		text = s.Question
	}
	d := Detect(text)
	return runstate.Update{
		DetectedLanguage:   runstate.Ptr(d.Language),
		LanguageConfidence: runstate.Ptr(d.Confidence),
	}, nil
}

// AggregationStage condenses the conversation into one standalone query and
// carries recognized entities forward.
type AggregationStage struct {
	Aggregator Aggregator
}

func (AggregationStage) Name() string { return pipeline.StageAggregation }

func (AggregationStage) Contract() pipeline.Contract {
	return pipeline.Contract{
		Required:    pipeline.FieldList{runstate.FieldQuestion},
		Optional:    pipeline.FieldList{runstate.FieldConversationHistory, runstate.FieldExtractedEntities},
		Guaranteed:  pipeline.FieldList{runstate.FieldAggregatedQuery},
		Conditional: pipeline.FieldList{runstate.FieldExtractedEntities},
	}
}

func (st AggregationStage) Execute(ctx context.Context, s *runstate.RunState) (runstate.Update, error) {
	agg, err := st.Aggregator.Aggregate(ctx, s.Question, s.ConversationHistory)
	if err != nil {
		return runstate.Update{}, err
	}
	return runstate.Update{
		AggregatedQuery:   runstate.Ptr(agg.Query),
		ExtractedEntities: agg.Entities,
	}, nil
}

// TranslationStage rewrites non-corpus-language queries for the vector leg.
// Translation failure degrades to the untranslated query.
type TranslationStage struct {
	Translator Translator
	Logger     *zap.Logger
}

func (TranslationStage) Name() string { return pipeline.StageQueryTranslation }

func (TranslationStage) Contract() pipeline.Contract {
	return pipeline.Contract{
		Required:    pipeline.FieldList{runstate.FieldQuestion, runstate.FieldDetectedLanguage},
		Optional:    pipeline.FieldList{runstate.FieldAggregatedQuery},
		Conditional: pipeline.FieldList{runstate.FieldTranslatedQuery},
	}
}

func (st TranslationStage) Execute(ctx context.Context, s *runstate.RunState) (runstate.Update, error) {
	query := s.AggregatedQuery
	if query == "" {
		query = s.Question
	}
	translated, err := st.Translator.Translate(ctx, query, s.DetectedLanguage)
	if err != nil {
		if st.Logger != nil {
			st.Logger.Warn("query translation failed, searching untranslated", zap.Error(err))
		}
		return runstate.Update{}, nil
	}
	if translated == "" {
		return runstate.Update{}, nil
	}
	return runstate.Update{TranslatedQuery: runstate.Ptr(translated)}, nil
}

var (
	_ pipeline.Stage = DetectionStage{}
	_ pipeline.Stage = AggregationStage{}
	_ pipeline.Stage = TranslationStage{}
)
