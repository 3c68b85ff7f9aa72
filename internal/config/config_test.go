package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, time.Hour, cfg.Cache.TTL.Std())
	assert.Equal(t, "regex", cfg.Dialog.Analyzer)
}

func TestLoadMissingNamedFileFails(t *testing.T) {
	_, err := Load("/does/not/exist.yaml")
	assert.Error(t, err)
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: ":9090"
cache:
  ttl: 30m
  semantic_threshold: 0.9
retrieval:
  top_k: 5
  reranker: llm
guardrails:
  input_mode: log
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, 30*time.Minute, cfg.Cache.TTL.Std())
	assert.Equal(t, 0.9, cfg.Cache.SemanticThreshold)
	assert.Equal(t, 5, cfg.Retrieval.TopK)
	assert.Equal(t, "llm", cfg.Retrieval.Reranker)
	assert.Equal(t, "log", cfg.Guardrails.InputMode)
	// Untouched sections keep their defaults.
	assert.Equal(t, 32, cfg.Ingest.BatchSize)
	assert.Equal(t, 20, cfg.Session.HistoryLimit)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"bad reranker":   "retrieval:\n  reranker: bm25\n",
		"bad mode":       "guardrails:\n  input_mode: quarantine\n",
		"bad log level":  "logging:\n  level: loud\n",
		"zero top_k":     "retrieval:\n  top_k: 0\n",
		"bad threshold":  "cache:\n  semantic_threshold: 1.5\n",
		"bad duration":   "cache:\n  ttl: soon\n",
		"empty db path":  "database:\n  path: \"\"\n",
		"bad dimensions": "database:\n  dimensions: -4\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestGenAIProvidersRequireKeys(t *testing.T) {
	cfg := Default()
	cfg.LLM.Provider = "genai"
	cfg.LLM.GenAIAPIKey = ""
	assert.ErrorContains(t, cfg.Validate(), "genai_api_key")

	cfg = Default()
	cfg.Embedding.Provider = "genai"
	cfg.Embedding.GenAIAPIKey = ""
	assert.ErrorContains(t, cfg.Validate(), "genai_api_key")
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("ANSWERD_SERVER_ADDR", ":7070")
	t.Setenv("ANSWERD_REDIS_ADDR", "redis.internal:6379")
	t.Setenv("ANSWERD_REDIS_PASSWORD", "hunter2")
	t.Setenv("ANSWERD_CACHE_ENABLED", "false")
	t.Setenv("ANSWERD_CACHE_TTL", "15m")
	t.Setenv("ANSWERD_LOG_LEVEL", "debug")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.Server.Addr)
	assert.Equal(t, "redis.internal:6379", cfg.Redis.Addr)
	assert.Equal(t, "hunter2", cfg.Redis.Password)
	assert.False(t, cfg.Cache.Enabled)
	assert.Equal(t, 15*time.Minute, cfg.Cache.TTL.Std())
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestEnvOverridesBeatTheFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  addr: \":9090\"\n"), 0o644))
	t.Setenv("ANSWERD_SERVER_ADDR", ":6060")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":6060", cfg.Server.Addr)
}

func TestEnvOverrideStillValidated(t *testing.T) {
	t.Setenv("ANSWERD_LOG_LEVEL", "shouting")
	_, err := Load("")
	assert.Error(t, err)
}
