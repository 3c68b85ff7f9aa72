// Package taxonomy maintains the in-memory projection of document metadata:
// the category set, the intent set, and the category→intents map. The
// registry is process-global, rebuilt on Reload, and read under a
// read-mostly lock; the semantic classifier subscribes to reloads to
// refresh its label embeddings.
package taxonomy

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Source provides the distinct (category, intent) pairs currently stored.
// The SQLite store implements it.
type Source interface {
	DistinctTaxonomy(ctx context.Context) (map[string][]string, error)
}

// Snapshot is one immutable view of the taxonomy.
type Snapshot struct {
	Categories        []string
	Intents           []string
	CategoryToIntents map[string][]string
	Enrichment        map[string]string
	LoadedAt          time.Time
}

// Subscriber is notified after each successful reload while the registry
// write lock is still held, so no request observes a half-updated pairing
// of registry and subscriber state.
type Subscriber func(ctx context.Context, snap Snapshot) error

// Registry is the process singleton. Construct once at startup and share.
type Registry struct {
	source Source
	logger *zap.Logger

	// enrichment carries short human-readable text per label used for
	// label embeddings; configured descriptions win over the generated
	// fallback.
	enrichment map[string]string

	mu          sync.RWMutex
	snap        Snapshot
	subscribers []Subscriber
}

// New builds an empty registry; call Reload before serving.
func New(source Source, enrichment map[string]string, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if enrichment == nil {
		enrichment = map[string]string{}
	}
	return &Registry{source: source, logger: logger, enrichment: enrichment}
}

// Subscribe registers a reload callback. Callbacks run in registration
// order inside Reload.
func (r *Registry) Subscribe(s Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subscribers = append(r.subscribers, s)
}

// Reload queries the source, rebuilds the snapshot, swaps it in, and
// notifies subscribers. Idempotent and safe to call at runtime; a failing
// source or subscriber leaves the previous snapshot in place.
func (r *Registry) Reload(ctx context.Context) error {
	pairs, err := r.source.DistinctTaxonomy(ctx)
	if err != nil {
		return fmt.Errorf("load taxonomy: %w", err)
	}

	snap := Snapshot{
		CategoryToIntents: make(map[string][]string, len(pairs)),
		Enrichment:        make(map[string]string),
		LoadedAt:          time.Now(),
	}
	intentSet := make(map[string]bool)
	for category, intents := range pairs {
		snap.Categories = append(snap.Categories, category)
		sorted := append([]string(nil), intents...)
		sort.Strings(sorted)
		snap.CategoryToIntents[category] = sorted
		for _, intent := range sorted {
			intentSet[intent] = true
		}
	}
	sort.Strings(snap.Categories)
	for intent := range intentSet {
		snap.Intents = append(snap.Intents, intent)
	}
	sort.Strings(snap.Intents)

	for _, label := range append(append([]string(nil), snap.Categories...), snap.Intents...) {
		if text, ok := r.enrichment[label]; ok {
			snap.Enrichment[label] = text
		} else {
			snap.Enrichment[label] = fmt.Sprintf("Customer support topic: %s", label)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, sub := range r.subscribers {
		if err := sub(ctx, snap); err != nil {
			return fmt.Errorf("taxonomy subscriber: %w", err)
		}
	}
	r.snap = snap
	r.logger.Info("taxonomy reloaded",
		zap.Int("categories", len(snap.Categories)),
		zap.Int("intents", len(snap.Intents)))
	return nil
}

// Current returns the live snapshot.
func (r *Registry) Current() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snap
}

// HasCategory reports membership in the current category set.
func (r *Registry) HasCategory(category string) bool {
	snap := r.Current()
	i := sort.SearchStrings(snap.Categories, category)
	return i < len(snap.Categories) && snap.Categories[i] == category
}
