// Package cache is the Redis-backed answer cache. Lookups try an exact
// fingerprint match first, then a semantic pass over the scope's recent
// entries using the question embedding.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"answercore/internal/embedding"
	"answercore/internal/runstate"
)

// Lookup reasons recorded on the run-state.
const (
	ReasonExactMatch    = "exact_match"
	ReasonSemanticMatch = "semantic_match"
	ReasonMiss          = "miss"
)

const (
	keyPrefix   = "cache:entry:"
	scopePrefix = "cache:scope:"
)

// Entry is one cached answer.
type Entry struct {
	Question   string                `json:"question"`
	Answer     string                `json:"answer"`
	Confidence float64               `json:"confidence"`
	Metadata   *runstate.DocMetadata `json:"metadata,omitempty"`
	Embedding  []float32             `json:"embedding,omitempty"`
	Language   string                `json:"language,omitempty"`
	CreatedAt  time.Time             `json:"created_at"`
}

// Cache wraps the Redis client with TTL and semantic-match policy.
type Cache struct {
	rdb       redis.UniversalClient
	ttl       time.Duration
	threshold float64
	scanLimit int
	logger    *zap.Logger
}

// New builds a cache. threshold is the cosine floor for semantic matches;
// scanLimit bounds how many scope entries one lookup may compare.
func New(rdb redis.UniversalClient, ttl time.Duration, threshold float64, scanLimit int, logger *zap.Logger) *Cache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if threshold <= 0 {
		threshold = 0.95
	}
	if scanLimit <= 0 {
		scanLimit = 64
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{rdb: rdb, ttl: ttl, threshold: threshold, scanLimit: scanLimit, logger: logger}
}

// Normalize flattens a question for fingerprinting: lower case, collapsed
// whitespace, trailing punctuation stripped.
func Normalize(question string) string {
	q := strings.ToLower(strings.TrimSpace(question))
	q = strings.TrimRight(q, "?!. ")
	return strings.Join(strings.Fields(q), " ")
}

// Key fingerprints a lookup. Scope is the user id (falling back to channel)
// so users never see each other's cached answers.
func Key(question, scope, language, category string) string {
	h := sha256.Sum256([]byte(Normalize(question) + "\x00" + scope + "\x00" + language + "\x00" + category))
	return hex.EncodeToString(h[:])
}

// Lookup returns the cached entry and the match reason. A Redis failure
// degrades to a miss. vec may be nil, which skips the semantic pass.
func (c *Cache) Lookup(ctx context.Context, key, scope string, vec []float32) (*Entry, string, error) {
	raw, err := c.rdb.Get(ctx, keyPrefix+key).Bytes()
	switch {
	case err == nil:
		var e Entry
		if jsonErr := json.Unmarshal(raw, &e); jsonErr == nil {
			c.rdb.Expire(ctx, keyPrefix+key, c.ttl)
			return &e, ReasonExactMatch, nil
		}
	case !errors.Is(err, redis.Nil):
		c.logger.Warn("cache lookup failed, treating as miss", zap.Error(err))
		return nil, ReasonMiss, nil
	}

	if vec == nil {
		return nil, ReasonMiss, nil
	}
	return c.semanticLookup(ctx, scope, vec)
}

func (c *Cache) semanticLookup(ctx context.Context, scope string, query []float32) (*Entry, string, error) {
	keys, err := c.rdb.SMembers(ctx, scopePrefix+scope).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("cache scope scan failed, treating as miss", zap.Error(err))
		}
		return nil, ReasonMiss, nil
	}
	if len(keys) > c.scanLimit {
		keys = keys[:c.scanLimit]
	}

	var best *Entry
	bestScore := c.threshold
	for _, k := range keys {
		raw, err := c.rdb.Get(ctx, keyPrefix+k).Bytes()
		if errors.Is(err, redis.Nil) {
			// Entry expired out from under the scope set.
			c.rdb.SRem(ctx, scopePrefix+scope, k)
			continue
		}
		if err != nil {
			continue
		}
		var e Entry
		if json.Unmarshal(raw, &e) != nil || len(e.Embedding) == 0 {
			continue
		}
		sim, err := embedding.CosineSimilarity(query, e.Embedding)
		if err != nil {
			continue
		}
		if sim >= bestScore {
			bestScore = sim
			entry := e
			best = &entry
		}
	}
	if best == nil {
		return nil, ReasonMiss, nil
	}
	return best, ReasonSemanticMatch, nil
}

// Store writes an entry under the fingerprint and indexes it in the scope
// set. Failures are logged; a broken cache never fails the turn.
func (c *Cache) Store(ctx context.Context, key, scope string, e Entry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}
	pipe := c.rdb.TxPipeline()
	pipe.Set(ctx, keyPrefix+key, raw, c.ttl)
	pipe.SAdd(ctx, scopePrefix+scope, key)
	pipe.Expire(ctx, scopePrefix+scope, c.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		c.logger.Warn("cache store failed", zap.Error(err))
		return err
	}
	return nil
}

// Refresh extends the TTL of a hit entry.
func (c *Cache) Refresh(ctx context.Context, key string) {
	c.rdb.Expire(ctx, keyPrefix+key, c.ttl)
}
