// Package logging owns the process-wide zap logger and the per-subsystem
// category loggers derived from it. Components never construct their own
// root logger; they receive a named child via Named or through their
// constructor.
package logging

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category names a subsystem for log routing and filtering.
type Category string

const (
	CategoryBoot       Category = "boot"
	CategoryPipeline   Category = "pipeline"
	CategoryRetrieval  Category = "retrieval"
	CategoryClassify   Category = "classify"
	CategoryDialog     Category = "dialog"
	CategoryGuardrails Category = "guardrails"
	CategorySession    Category = "session"
	CategoryCache      Category = "cache"
	CategoryIngest     Category = "ingest"
	CategoryWebhook    Category = "webhook"
	CategoryTaxonomy   Category = "taxonomy"
	CategoryStore      Category = "store"
	CategoryEmbedding  Category = "embedding"
	CategoryLLM        Category = "llm"
	CategoryServer     Category = "server"
)

var (
	mu   sync.RWMutex
	root = zap.NewNop()
)

// Init builds the root logger. format is "json" (production encoder) or
// "console" (development encoder). level is any zapcore level name; empty
// means info.
func Init(level, format string) error {
	lvl := zapcore.InfoLevel
	if level != "" {
		parsed, err := zapcore.ParseLevel(level)
		if err != nil {
			return fmt.Errorf("parse log level %q: %w", level, err)
		}
		lvl = parsed
	}

	var cfg zap.Config
	switch format {
	case "", "json":
		cfg = zap.NewProductionConfig()
	case "console":
		cfg = zap.NewDevelopmentConfig()
	default:
		return fmt.Errorf("unknown log format %q (use json or console)", format)
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build()
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}

	mu.Lock()
	root = logger
	mu.Unlock()
	return nil
}

// L returns the root logger. Before Init it is a no-op logger, so packages
// may log unconditionally.
func L() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return root
}

// Named returns a child logger for the given category.
func Named(c Category) *zap.Logger {
	return L().Named(string(c))
}

// Sync flushes buffered entries. Safe to call at shutdown even if Init was
// never called.
func Sync() {
	_ = L().Sync()
}

// SetForTesting swaps the root logger and returns a restore func. Tests use
// zaptest or observer cores through this hook.
func SetForTesting(l *zap.Logger) func() {
	mu.Lock()
	prev := root
	root = l
	mu.Unlock()
	return func() {
		mu.Lock()
		root = prev
		mu.Unlock()
	}
}
