// Package app wires the configured components into a runnable engine and
// exposes the chat entrypoint the HTTP layer and the CLI share.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"answercore/internal/cache"
	"answercore/internal/classify"
	"answercore/internal/config"
	"answercore/internal/dialog"
	"answercore/internal/embedding"
	"answercore/internal/ingest"
	"answercore/internal/llm"
	"answercore/internal/metrics"
	"answercore/internal/pipeline"
	"answercore/internal/runstate"
	"answercore/internal/session"
	"answercore/internal/store"
	"answercore/internal/taxonomy"
	"answercore/internal/webhook"
)

// App owns every long-lived component of the service.
type App struct {
	Config  config.Config
	Logger  *zap.Logger
	Metrics *metrics.Metrics

	Store      *store.Store
	Redis      redis.UniversalClient
	Embedder   embedding.Engine
	LLM        llm.Client
	Machine    *dialog.Machine
	Taxonomy   *taxonomy.Registry
	Classifier *classify.Classifier
	Cache      *cache.Cache
	Sessions   *session.Manager
	Drafts     *ingest.DraftStore
	Committer  *ingest.Committer
	Validator  *webhook.URLValidator
	Dispatcher *webhook.Dispatcher
	Engine     *pipeline.Engine

	watcher *dialog.Watcher
}

// New builds the production wiring from the configuration.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{Config: cfg, Logger: logger, Metrics: metrics.New()}

	st, err := store.Open(cfg.Database.Path, cfg.Database.Dimensions, logger.Named("store"))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a.Store = st

	a.Redis = redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	if a.Embedder, err = embedding.NewEngine(cfg.Embedding); err != nil {
		a.Close()
		return nil, fmt.Errorf("embedding engine: %w", err)
	}
	if a.LLM, err = llm.NewClient(cfg.LLM); err != nil {
		a.Close()
		return nil, fmt.Errorf("llm client: %w", err)
	}

	rules := dialog.DefaultRules()
	if cfg.Dialog.RulesPath != "" {
		if rules, err = dialog.LoadRules(cfg.Dialog.RulesPath); err != nil {
			a.Close()
			return nil, fmt.Errorf("load dialog rules: %w", err)
		}
	}
	a.Machine = dialog.NewMachine(rules, logger.Named("dialog"))
	if cfg.Dialog.RulesPath != "" && cfg.Dialog.WatchRules {
		if a.watcher, err = dialog.WatchRules(cfg.Dialog.RulesPath, a.Machine, logger.Named("dialog")); err != nil {
			a.Close()
			return nil, fmt.Errorf("watch dialog rules: %w", err)
		}
	}

	a.Taxonomy = taxonomy.New(st, nil, logger.Named("taxonomy"))
	a.Classifier = classify.New(a.Embedder, a.Taxonomy, logger.Named("classify"))
	if err := a.Taxonomy.Reload(ctx); err != nil {
		// An empty corpus is a normal first boot.
		logger.Warn("taxonomy load failed at startup", zap.Error(err))
	}

	a.Cache = cache.New(a.Redis, cfg.Cache.TTL.Std(), cfg.Cache.SemanticThreshold, cfg.Cache.ScanLimit, logger.Named("cache"))
	a.Sessions = session.NewManager(st, a.Redis, cfg.Session.HistoryLimit, cfg.Session.HotTTL.Std(), logger.Named("session"))
	a.Drafts = ingest.NewDraftStore(a.Redis, cfg.Ingest.DraftTTL.Std())

	a.Validator = &webhook.URLValidator{
		ExtraBlocked: cfg.Webhooks.BlockedHosts,
		AllowPrivate: cfg.Webhooks.AllowPrivate,
	}
	a.Dispatcher = webhook.NewDispatcher(st, a.Validator, logger.Named("webhook"))

	a.Committer = &ingest.Committer{
		Drafts:    a.Drafts,
		Store:     st,
		Embedder:  a.Embedder,
		Locker:    a.Redis,
		Events:    a.Dispatcher,
		BatchSize: cfg.Ingest.BatchSize,
		Logger:    logger.Named("ingest"),
	}

	pipeCfg := pipeline.DefaultConfig()
	if cfg.Pipeline.Path != "" {
		if pipeCfg, err = pipeline.LoadConfig(cfg.Pipeline.Path); err != nil {
			a.Close()
			return nil, err
		}
	}
	registry := StageRegistry(Components{
		Sessions:   a.Sessions,
		Cache:      a.Cache,
		Machine:    a.Machine,
		Classifier: a.Classifier,
		Taxonomy:   a.Taxonomy,
		Searcher:   st,
		Embedder:   a.Embedder,
		LLM:        a.LLM,
	}, cfg, logger)
	a.Engine, err = pipeline.New(pipeCfg, registry, pipeline.Options{
		Logger:              logger.Named("pipeline"),
		Sink:                a.Dispatcher,
		Observer:            a.Metrics.ObserveStage,
		DefaultStageTimeout: cfg.Pipeline.StageTimeout.Std(),
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// Close releases everything New opened. Safe on a partially built App.
func (a *App) Close() {
	if a.watcher != nil {
		_ = a.watcher.Close()
	}
	if a.Dispatcher != nil {
		a.Dispatcher.Wait()
	}
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	if a.Store != nil {
		_ = a.Store.Close()
	}
}

// Healthz pings the hard dependencies.
func (a *App) Healthz(ctx context.Context) error {
	if err := a.Store.Ping(ctx); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	if err := a.Redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	return nil
}

// ChatRequest is one conversational turn as the transport hands it over.
type ChatRequest struct {
	Question     string
	SessionID    string
	UserID       string
	Channel      string
	History      []runstate.Message
	UserMetadata map[string]string
}

// Answer runs one turn through the pipeline. The request's session and user
// ids are defaulted and identity-resolved before the run.
func (a *App) Answer(ctx context.Context, req ChatRequest) (*pipeline.Result, error) {
	state, err := a.seed(ctx, req)
	if err != nil {
		return nil, err
	}
	return a.Engine.Run(ctx, state)
}

func (a *App) seed(ctx context.Context, req ChatRequest) (*runstate.RunState, error) {
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	channel := req.Channel
	if channel == "" {
		channel = "api"
	}

	userID := req.UserID
	if it, iv := req.UserMetadata["identity_type"], req.UserMetadata["identity_value"]; it != "" && iv != "" {
		resolved, err := a.Sessions.ResolveIdentity(ctx, it, iv, userID)
		if err != nil {
			a.Logger.Warn("identity resolution failed",
				zap.String("identity_type", it),
				zap.Error(err))
		} else {
			userID = resolved
		}
	}
	if userID == "" {
		userID = "anon-" + sessionID
	}

	state := runstate.New(req.Question, userID, sessionID, channel)
	now := time.Now()
	for i, m := range req.History {
		if m.ID == "" {
			m.ID = uuid.NewString()
		}
		if m.Timestamp.IsZero() {
			m.Timestamp = now.Add(time.Duration(i-len(req.History)) * time.Second)
		}
		state.ConversationHistory = append(state.ConversationHistory, m)
	}
	return state, nil
}
