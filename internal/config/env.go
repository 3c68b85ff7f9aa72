package config

import (
	"os"
	"strconv"
	"time"
)

// Environment overrides. Secrets and deploy-specific endpoints are the
// usual candidates; everything else belongs in the file.
func applyEnv(c *Config) {
	setString := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	setFloat := func(key string, dst *float64) {
		if v, ok := os.LookupEnv(key); ok {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				*dst = f
			}
		}
	}
	setInt := func(key string, dst *int) {
		if v, ok := os.LookupEnv(key); ok {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setBool := func(key string, dst *bool) {
		if v, ok := os.LookupEnv(key); ok {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}
	setDuration := func(key string, dst *Duration) {
		if v, ok := os.LookupEnv(key); ok {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = Duration(d)
			}
		}
	}

	setString("ANSWERD_SERVER_ADDR", &c.Server.Addr)
	setFloat("ANSWERD_SERVER_RATE_LIMIT", &c.Server.RateLimit)

	setString("ANSWERD_DB_PATH", &c.Database.Path)
	setInt("ANSWERD_DB_DIMENSIONS", &c.Database.Dimensions)

	setString("ANSWERD_REDIS_ADDR", &c.Redis.Addr)
	setString("ANSWERD_REDIS_PASSWORD", &c.Redis.Password)
	setInt("ANSWERD_REDIS_DB", &c.Redis.DB)

	setString("ANSWERD_LLM_PROVIDER", &c.LLM.Provider)
	setString("ANSWERD_LLM_GENAI_API_KEY", &c.LLM.GenAIAPIKey)
	setString("ANSWERD_LLM_GENAI_MODEL", &c.LLM.GenAIModel)
	setString("ANSWERD_LLM_OLLAMA_ENDPOINT", &c.LLM.OllamaEndpoint)
	setString("ANSWERD_LLM_OLLAMA_MODEL", &c.LLM.OllamaModel)

	setString("ANSWERD_EMBEDDING_PROVIDER", &c.Embedding.Provider)
	setString("ANSWERD_EMBEDDING_GENAI_API_KEY", &c.Embedding.GenAIAPIKey)
	setString("ANSWERD_EMBEDDING_OLLAMA_ENDPOINT", &c.Embedding.OllamaEndpoint)
	setString("ANSWERD_EMBEDDING_OLLAMA_MODEL", &c.Embedding.OllamaModel)

	setBool("ANSWERD_CACHE_ENABLED", &c.Cache.Enabled)
	setDuration("ANSWERD_CACHE_TTL", &c.Cache.TTL)

	setBool("ANSWERD_WEBHOOKS_ALLOW_PRIVATE", &c.Webhooks.AllowPrivate)
	setString("ANSWERD_WEBHOOKS_INCOMING_SECRET", &c.Webhooks.IncomingSecret)

	setString("ANSWERD_LOG_LEVEL", &c.Logging.Level)
	setString("ANSWERD_LOG_FORMAT", &c.Logging.Format)
}
