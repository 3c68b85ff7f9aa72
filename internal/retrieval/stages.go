package retrieval

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"answercore/internal/embedding"
	"answercore/internal/llm"
	"answercore/internal/pipeline"
	"answercore/internal/runstate"
	"answercore/internal/store"
)

// Searcher is the store surface retrieval needs; *store.Store implements it.
type Searcher interface {
	VectorSearch(ctx context.Context, query []float32, topK int, category string) ([]store.ScoredDocument, error)
	LexicalSearch(ctx context.Context, query string, topK int, language, category string) ([]store.ScoredDocument, error)
}

func toScoredDocs(in []store.ScoredDocument) []runstate.ScoredDoc {
	out := make([]runstate.ScoredDoc, len(in))
	for i, d := range in {
		out[i] = runstate.ScoredDoc{ID: d.ID, Content: d.Content, Score: d.Score, Metadata: d.Metadata}
	}
	return out
}

const expansionPrompt = `Write %d alternative phrasings of this customer support question, one per line.
Keep the original language and meaning. Reply with the phrasings only.

Question: %s`

// ExpansionStage asks the model for up to MaxQueries paraphrases of the
// query. Both search legs then run every expansion in parallel. Model
// failure degrades to no expansions.
type ExpansionStage struct {
	Client     llm.Client
	MaxQueries int
	Logger     *zap.Logger
}

func (ExpansionStage) Name() string { return pipeline.StageQueryExpansion }

func (ExpansionStage) Contract() pipeline.Contract {
	return pipeline.Contract{
		Required:    pipeline.FieldList{runstate.FieldQuestion},
		Optional:    pipeline.FieldList{runstate.FieldAggregatedQuery, runstate.FieldTranslatedQuery},
		Conditional: pipeline.FieldList{runstate.FieldQueries},
	}
}

func (st ExpansionStage) Execute(ctx context.Context, s *runstate.RunState) (runstate.Update, error) {
	max := st.MaxQueries
	if max <= 0 {
		max = 3
	}
	resp, err := st.Client.Generate(ctx, llm.Request{
		Prompt:      fmt.Sprintf(expansionPrompt, max, s.EffectiveQuery()),
		Temperature: 0.7,
		MaxTokens:   256,
	})
	if err != nil {
		if st.Logger != nil {
			st.Logger.Warn("query expansion failed, searching the original only", zap.Error(err))
		}
		return runstate.Update{}, nil
	}

	var queries []string
	for _, line := range strings.Split(resp.Text, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(line, "-*0123456789. "))
		if line != "" && line != s.EffectiveQuery() {
			queries = append(queries, line)
		}
		if len(queries) == max {
			break
		}
	}
	return runstate.Update{Queries: queries}, nil
}

// VectorStage embeds the effective query (and any expansions) and searches
// the vector index, honoring the metadata filter decision. An unavailable
// store degrades to an empty leg via the engine's degradation policy.
type VectorStage struct {
	Searcher Searcher
	Embedder embedding.Engine
	TopK     int
	Decay    float64
}

func (VectorStage) Name() string { return pipeline.StageVectorSearch }

func (VectorStage) Contract() pipeline.Contract {
	return pipeline.Contract{
		Required: pipeline.FieldList{runstate.FieldQuestion},
		Optional: pipeline.FieldList{
			runstate.FieldAggregatedQuery, runstate.FieldTranslatedQuery, runstate.FieldQueries,
			runstate.FieldCategory, runstate.FieldFilterUsed, runstate.FieldQuestionEmbedding,
		},
		Guaranteed:  pipeline.FieldList{runstate.FieldVectorResults},
		Conditional: pipeline.FieldList{runstate.FieldQuestionEmbedding},
	}
}

func (st VectorStage) Execute(ctx context.Context, s *runstate.RunState) (runstate.Update, error) {
	topK := st.TopK
	if topK <= 0 {
		topK = 10
	}
	category := ""
	if s.FilterUsed {
		category = s.Category
	}

	queries := append([]string{s.EffectiveQuery()}, s.Queries...)
	legs := make([][]runstate.ScoredDoc, len(queries))
	var primaryEmbedding []float32

	g, gctx := errgroup.WithContext(ctx)
	for i, q := range queries {
		g.Go(func() error {
			var vec []float32
			// The primary leg reuses the cache stage's question embedding
			// when it embedded the same text.
			if i == 0 && s.QuestionEmbedding != nil && q == s.Question {
				vec = s.QuestionEmbedding
			} else {
				var err error
				vec, err = st.Embedder.Embed(gctx, q)
				if err != nil {
					return fmt.Errorf("embed query %q: %w", q, err)
				}
			}
			if i == 0 {
				primaryEmbedding = vec
			}
			res, err := st.Searcher.VectorSearch(gctx, vec, topK, category)
			if err != nil {
				return fmt.Errorf("vector search: %w", err)
			}
			legs[i] = toScoredDocs(res)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return runstate.Update{}, err
	}

	results := unionDecayed(legs, st.Decay)
	if len(results) > topK {
		results = results[:topK]
	}
	u := runstate.Update{VectorResults: results}
	if s.QuestionEmbedding == nil && s.EffectiveQuery() == s.Question {
		u.QuestionEmbedding = primaryEmbedding
	}
	return u, nil
}

// LexicalStage runs full-text search in the detected language over the
// original-language query; translation only feeds the vector leg.
type LexicalStage struct {
	Searcher Searcher
	TopK     int
	Decay    float64
}

func (LexicalStage) Name() string { return pipeline.StageLexicalSearch }

func (LexicalStage) Contract() pipeline.Contract {
	return pipeline.Contract{
		Required: pipeline.FieldList{runstate.FieldQuestion},
		Optional: pipeline.FieldList{
			runstate.FieldAggregatedQuery, runstate.FieldQueries,
			runstate.FieldDetectedLanguage, runstate.FieldCategory, runstate.FieldFilterUsed,
		},
		Guaranteed: pipeline.FieldList{runstate.FieldLexicalResults},
	}
}

func (st LexicalStage) Execute(ctx context.Context, s *runstate.RunState) (runstate.Update, error) {
	topK := st.TopK
	if topK <= 0 {
		topK = 10
	}
	category := ""
	if s.FilterUsed {
		category = s.Category
	}
	query := s.AggregatedQuery
	if query == "" {
		query = s.Question
	}

	queries := append([]string{query}, s.Queries...)
	legs := make([][]runstate.ScoredDoc, len(queries))

	g, gctx := errgroup.WithContext(ctx)
	for i, q := range queries {
		g.Go(func() error {
			res, err := st.Searcher.LexicalSearch(gctx, q, topK, s.DetectedLanguage, category)
			if err != nil {
				return fmt.Errorf("lexical search: %w", err)
			}
			legs[i] = toScoredDocs(res)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return runstate.Update{}, err
	}

	results := unionDecayed(legs, st.Decay)
	if len(results) > topK {
		results = results[:topK]
	}
	return runstate.Update{LexicalResults: results}, nil
}

// FusionStage joins the two legs by reciprocal-rank fusion. Both legs must
// have completed; the engine guarantees the join.
type FusionStage struct {
	RRFK int
	TopK int
}

func (FusionStage) Name() string { return pipeline.StageFusion }

func (FusionStage) Contract() pipeline.Contract {
	return pipeline.Contract{
		Required:   pipeline.FieldList{runstate.FieldVectorResults, runstate.FieldLexicalResults},
		Guaranteed: pipeline.FieldList{runstate.FieldDocs},
	}
}

func (st FusionStage) Execute(_ context.Context, s *runstate.RunState) (runstate.Update, error) {
	topK := st.TopK
	if topK <= 0 {
		topK = 10
	}
	fused := FuseRRF(s.VectorResults, s.LexicalResults, st.RRFK, topK)
	if fused == nil {
		fused = []runstate.ScoredDoc{}
	}
	return runstate.Update{Docs: fused}, nil
}

// RerankStage rescores the fused candidates, reorders them, and derives
// confidence and the best document's metadata. Empty candidates yield
// confidence 0 and no metadata.
type RerankStage struct {
	Reranker Reranker
	Logger   *zap.Logger
}

func (RerankStage) Name() string { return pipeline.StageRerank }

func (RerankStage) Contract() pipeline.Contract {
	return pipeline.Contract{
		Required:    pipeline.FieldList{runstate.FieldQuestion, runstate.FieldDocs},
		Optional:    pipeline.FieldList{runstate.FieldAggregatedQuery, runstate.FieldTranslatedQuery},
		Guaranteed:  pipeline.FieldList{runstate.FieldDocs, runstate.FieldRerankScores, runstate.FieldConfidence},
		Conditional: pipeline.FieldList{runstate.FieldBestDocMetadata},
	}
}

func (st RerankStage) Execute(ctx context.Context, s *runstate.RunState) (runstate.Update, error) {
	if len(s.Docs) == 0 {
		return runstate.Update{
			Docs:         []runstate.ScoredDoc{},
			RerankScores: []float64{},
			Confidence:   runstate.Ptr(0.0),
		}, nil
	}

	scores, err := st.Reranker.Rerank(ctx, s.EffectiveQuery(), s.Docs)
	if err != nil {
		// Keep the fused ordering; fused scores stand in for rerank scores.
		if st.Logger != nil {
			st.Logger.Warn("rerank failed, keeping fused order", zap.Error(err))
		}
		scores = make([]float64, len(s.Docs))
		for i, d := range s.Docs {
			scores[i] = d.Score
		}
	}

	docs, ordered := reorder(s.Docs, scores)
	best := docs[0].Metadata
	return runstate.Update{
		Docs:            docs,
		RerankScores:    ordered,
		Confidence:      runstate.Ptr(ordered[0]),
		BestDocMetadata: &best,
	}, nil
}

// reorder sorts docs by score descending (stable, id tiebreak) and returns
// the aligned score list.
func reorder(docs []runstate.ScoredDoc, scores []float64) ([]runstate.ScoredDoc, []float64) {
	idx := make([]int, len(docs))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		i, j := idx[a], idx[b]
		if scores[i] != scores[j] {
			return scores[i] > scores[j]
		}
		return docs[i].ID < docs[j].ID
	})

	outDocs := make([]runstate.ScoredDoc, len(docs))
	outScores := make([]float64, len(docs))
	for i, j := range idx {
		outDocs[i] = docs[j]
		outDocs[i].Score = scores[j]
		outScores[i] = scores[j]
	}
	return outDocs, outScores
}

var (
	_ pipeline.Stage = ExpansionStage{}
	_ pipeline.Stage = VectorStage{}
	_ pipeline.Stage = LexicalStage{}
	_ pipeline.Stage = FusionStage{}
	_ pipeline.Stage = RerankStage{}
)
