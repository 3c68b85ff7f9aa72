package app

import (
	"go.uber.org/zap"

	"answercore/internal/cache"
	"answercore/internal/classify"
	"answercore/internal/config"
	"answercore/internal/dialog"
	"answercore/internal/embedding"
	"answercore/internal/generate"
	"answercore/internal/guardrails"
	"answercore/internal/language"
	"answercore/internal/llm"
	"answercore/internal/pipeline"
	"answercore/internal/retrieval"
	"answercore/internal/session"
	"answercore/internal/taxonomy"
)

// Components are the injectable backends of the stage registry. Production
// wiring passes the real ones; scenario tests pass fakes.
type Components struct {
	Sessions   *session.Manager
	Cache      *cache.Cache
	Machine    *dialog.Machine
	Classifier *classify.Classifier
	Taxonomy   *taxonomy.Registry
	Searcher   retrieval.Searcher
	Embedder   embedding.Engine
	LLM        llm.Client
}

// StageRegistry builds every canonical stage from the components and the
// configuration knobs. The pipeline config then decides which are enabled.
func StageRegistry(c Components, cfg config.Config, logger *zap.Logger) map[string]pipeline.Stage {
	if logger == nil {
		logger = zap.NewNop()
	}

	var analyzer dialog.Analyzer = dialog.RegexAnalyzer{}
	if cfg.Dialog.Analyzer == "llm" {
		analyzer = dialog.LLMAnalyzer{Client: c.LLM, Logger: logger.Named("dialog")}
	}
	var aggregator language.Aggregator = language.WindowAggregator{}
	if cfg.Dialog.Aggregator == "llm" {
		aggregator = language.LLMAggregator{Client: c.LLM}
	}
	var reranker retrieval.Reranker = retrieval.CosineReranker{Embedder: c.Embedder}
	if cfg.Retrieval.Reranker == "llm" {
		reranker = retrieval.LLMReranker{Client: c.LLM, Workers: int64(cfg.Retrieval.RerankWorkers)}
	}

	inputChain := guardrails.Chain{
		Mode:   guardrails.Mode(cfg.Guardrails.InputMode),
		Logger: logger.Named("guardrails"),
		Scanners: []guardrails.Scanner{
			guardrails.TokenLengthScanner{MaxTokens: cfg.Guardrails.MaxTokens},
			guardrails.LanguageScanner{Allowed: cfg.Guardrails.AllowedLanguages},
			guardrails.SecretsScanner{},
			guardrails.PromptInjectionScanner{Client: mlClient(c, cfg)},
			guardrails.ToxicityScanner{Client: mlClient(c, cfg)},
			guardrails.BanTopicsScanner{Client: mlClient(c, cfg), Topics: cfg.Guardrails.BanTopics},
		},
	}
	outputChain := guardrails.Chain{
		Mode:   guardrails.Mode(cfg.Guardrails.OutputMode),
		Logger: logger.Named("guardrails"),
		Scanners: []guardrails.Scanner{
			guardrails.DataLeakageScanner{},
			guardrails.RelevanceScanner{},
			guardrails.HallucinationScanner{},
			guardrails.RefusalScanner{},
		},
	}

	var cacheEmbedder embedding.Engine
	if cfg.Cache.Enabled {
		cacheEmbedder = c.Embedder
	}

	reg := map[string]pipeline.Stage{
		pipeline.StageSessionStarter:  session.StarterStage{Manager: c.Sessions},
		pipeline.StageInputGuardrails: guardrails.InputStage{Chain: inputChain},
		pipeline.StageCheckCache: cache.CheckStage{
			Cache:    c.Cache,
			Embedder: cacheEmbedder,
			Logger:   logger.Named("cache"),
		},
		pipeline.StageDialogAnalysis: dialog.AnalysisStage{
			Analyzer: analyzer,
			Logger:   logger.Named("dialog"),
		},
		pipeline.StageAggregation:       language.AggregationStage{Aggregator: aggregator},
		pipeline.StageLanguageDetection: language.DetectionStage{},
		pipeline.StageQueryTranslation: language.TranslationStage{
			Translator: language.Translator{Client: c.LLM},
			Logger:     logger.Named("language"),
		},
		pipeline.StageEasyClassification: classify.EasyStage{Registry: c.Taxonomy},
		pipeline.StageClassification:     classify.SemanticStage{Classifier: c.Classifier},
		pipeline.StageMetadataFiltering:  classify.FilterStage{HighThreshold: cfg.Classify.HighConfidence},
		pipeline.StageQueryExpansion: retrieval.ExpansionStage{
			Client:     c.LLM,
			MaxQueries: cfg.Retrieval.ExpansionQueries,
			Logger:     logger.Named("retrieval"),
		},
		pipeline.StageVectorSearch: retrieval.VectorStage{
			Searcher: c.Searcher,
			Embedder: c.Embedder,
			TopK:     cfg.Retrieval.TopK,
			Decay:    cfg.Retrieval.ExpansionDecay,
		},
		pipeline.StageLexicalSearch: retrieval.LexicalStage{
			Searcher: c.Searcher,
			TopK:     cfg.Retrieval.TopK,
			Decay:    cfg.Retrieval.ExpansionDecay,
		},
		pipeline.StageFusion: retrieval.FusionStage{RRFK: cfg.Retrieval.RRFK, TopK: cfg.Retrieval.TopK},
		pipeline.StageRerank: retrieval.RerankStage{
			Reranker: reranker,
			Logger:   logger.Named("retrieval"),
		},
		pipeline.StageStateMachine: dialog.StateMachineStage{Machine: c.Machine},
		pipeline.StageRouting: dialog.RoutingStage{
			EscalateCategories: cfg.Dialog.EscalateCategories,
			EscalateIntents:    cfg.Dialog.EscalateIntents,
			Logger:             logger.Named("dialog"),
		},
		pipeline.StagePromptRouting: generate.PromptRoutingStage{Machine: c.Machine},
		pipeline.StageGeneration: generate.GenerationStage{
			Client: c.LLM,
			Logger: logger.Named("generate"),
		},
		pipeline.StageClarificationQuestions: dialog.ClarificationStage{},
		pipeline.StageOutputGuardrails:       guardrails.OutputStage{Chain: outputChain},
		pipeline.StageArchiveSession: session.ArchiveStage{
			Manager: c.Sessions,
			Logger:  logger.Named("session"),
		},
		pipeline.StageStoreInCache: cache.StoreStage{Cache: c.Cache},
	}
	return reg
}

// mlClient gates the LLM-backed scanners: nil disables them.
func mlClient(c Components, cfg config.Config) llm.Client {
	if cfg.Guardrails.MLScanners {
		return c.LLM
	}
	return nil
}
