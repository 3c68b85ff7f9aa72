// Package config loads the service configuration: defaults, then the YAML
// file, then ANSWERD_* environment overrides, then struct validation.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"answercore/internal/embedding"
	"answercore/internal/llm"
)

// Duration is a time.Duration that unmarshals from YAML strings like "90s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the whole service configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Embedding  embedding.Config `yaml:"embedding"`
	LLM        llm.Config       `yaml:"llm"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	Dialog     DialogConfig     `yaml:"dialog"`
	Retrieval  RetrievalConfig  `yaml:"retrieval"`
	Classify   ClassifyConfig   `yaml:"classify"`
	Cache      CacheConfig      `yaml:"cache"`
	Session    SessionConfig    `yaml:"session"`
	Ingest     IngestConfig     `yaml:"ingest"`
	Guardrails GuardrailsConfig `yaml:"guardrails"`
	Webhooks   WebhooksConfig   `yaml:"webhooks"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type ServerConfig struct {
	Addr        string   `yaml:"addr" validate:"required"`
	BodyLimit   string   `yaml:"body_limit"`
	CORSOrigins []string `yaml:"cors_origins"`
	// RateLimit is requests per second per client IP; 0 disables limiting.
	RateLimit float64  `yaml:"rate_limit" validate:"gte=0"`
	RateBurst int      `yaml:"rate_burst" validate:"gte=0"`
	Timeout   Duration `yaml:"timeout"`
}

type DatabaseConfig struct {
	Path string `yaml:"path" validate:"required"`
	// Dimensions must match the embedding backend's output width.
	Dimensions int `yaml:"dimensions" validate:"gt=0"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr" validate:"required"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db" validate:"gte=0"`
}

type PipelineConfig struct {
	// Path to the stage list document; empty uses the built-in full order.
	Path         string   `yaml:"path"`
	StageTimeout Duration `yaml:"stage_timeout"`
}

type DialogConfig struct {
	// RulesPath points at rules.yaml; empty uses the built-in rule set.
	RulesPath string `yaml:"rules_path"`
	// WatchRules reloads the rules file on change.
	WatchRules bool `yaml:"watch_rules"`
	// Analyzer selects the signal extractor.
	Analyzer string `yaml:"analyzer" validate:"oneof=regex llm"`
	// Aggregator selects the multi-turn query condenser.
	Aggregator string `yaml:"aggregator" validate:"oneof=window llm"`
	// EscalateCategories and EscalateIntents always hand off.
	EscalateCategories []string `yaml:"escalate_categories"`
	EscalateIntents    []string `yaml:"escalate_intents"`
}

type RetrievalConfig struct {
	TopK             int     `yaml:"top_k" validate:"gt=0"`
	RRFK             int     `yaml:"rrf_k" validate:"gt=0"`
	ExpansionQueries int     `yaml:"expansion_queries" validate:"gte=0"`
	ExpansionDecay   float64 `yaml:"expansion_decay" validate:"gte=0,lte=1"`
	Reranker         string  `yaml:"reranker" validate:"oneof=cosine llm"`
	RerankWorkers    int     `yaml:"rerank_workers" validate:"gt=0"`
}

type ClassifyConfig struct {
	// HighConfidence gates the category metadata filter.
	HighConfidence   float64 `yaml:"high_confidence" validate:"gte=0,lte=1"`
	FallbackCategory string  `yaml:"fallback_category"`
}

type CacheConfig struct {
	Enabled           bool     `yaml:"enabled"`
	TTL               Duration `yaml:"ttl"`
	SemanticThreshold float64  `yaml:"semantic_threshold" validate:"gte=0,lte=1"`
	ScanLimit         int      `yaml:"scan_limit" validate:"gt=0"`
}

type SessionConfig struct {
	HistoryLimit int      `yaml:"history_limit" validate:"gt=0"`
	HotTTL       Duration `yaml:"hot_ttl"`
}

type IngestConfig struct {
	DraftTTL  Duration `yaml:"draft_ttl"`
	BatchSize int      `yaml:"batch_size" validate:"gt=0"`
}

type GuardrailsConfig struct {
	InputMode  string `yaml:"input_mode" validate:"oneof=block log sanitize"`
	OutputMode string `yaml:"output_mode" validate:"oneof=block log sanitize"`
	MaxTokens  int    `yaml:"max_tokens" validate:"gt=0"`
	// AllowedLanguages empty means any.
	AllowedLanguages []string `yaml:"allowed_languages"`
	BanTopics        []string `yaml:"ban_topics"`
	// MLScanners enables the LLM-backed injection/toxicity/topic checks.
	MLScanners bool `yaml:"ml_scanners"`
}

type WebhooksConfig struct {
	// AllowPrivate admits private destination ranges; for on-prem installs.
	AllowPrivate bool     `yaml:"allow_private"`
	BlockedHosts []string `yaml:"blocked_hosts"`
	// IncomingSecret verifies inbound webhook signatures.
	IncomingSecret string `yaml:"incoming_secret"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=json console"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:      ":8080",
			BodyLimit: "2M",
			RateLimit: 20,
			RateBurst: 40,
			Timeout:   Duration(90 * time.Second),
		},
		Database:  DatabaseConfig{Path: "answercore.db", Dimensions: 768},
		Redis:     RedisConfig{Addr: "localhost:6379"},
		Embedding: embedding.DefaultConfig(),
		LLM:       llm.DefaultConfig(),
		Pipeline:  PipelineConfig{StageTimeout: Duration(30 * time.Second)},
		Dialog: DialogConfig{
			Analyzer:   "regex",
			Aggregator: "window",
		},
		Retrieval: RetrievalConfig{
			TopK:             10,
			RRFK:             60,
			ExpansionQueries: 0,
			ExpansionDecay:   0.8,
			Reranker:         "cosine",
			RerankWorkers:    4,
		},
		Classify: ClassifyConfig{HighConfidence: 0.75, FallbackCategory: "General"},
		Cache: CacheConfig{
			Enabled:           true,
			TTL:               Duration(time.Hour),
			SemanticThreshold: 0.95,
			ScanLimit:         64,
		},
		Session: SessionConfig{HistoryLimit: 20, HotTTL: Duration(2 * time.Hour)},
		Ingest:  IngestConfig{DraftTTL: Duration(24 * time.Hour), BatchSize: 32},
		Guardrails: GuardrailsConfig{
			InputMode:  "block",
			OutputMode: "sanitize",
			MaxTokens:  512,
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
	}
}

// Load reads path over the defaults. A missing file is not an error when
// path is empty; a named file must exist.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the struct tags and the cross-field constraints.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			f := verrs[0]
			return fmt.Errorf("config: field %s fails %q", f.Namespace(), f.Tag())
		}
		return fmt.Errorf("config: %w", err)
	}
	if c.LLM.Provider == "genai" && c.LLM.GenAIAPIKey == "" {
		return errors.New("config: llm.genai_api_key is required for the genai provider")
	}
	if c.Embedding.Provider == "genai" && c.Embedding.GenAIAPIKey == "" {
		return errors.New("config: embedding.genai_api_key is required for the genai provider")
	}
	return nil
}
