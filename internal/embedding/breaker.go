package embedding

import (
	"context"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerEngine trips after consecutive upstream failures so a dead
// embedding service fails fast instead of stacking timeouts under load.
type BreakerEngine struct {
	inner Engine
	cb    *gobreaker.CircuitBreaker
}

// WithBreaker wraps inner in a circuit breaker: open after 5 consecutive
// failures, half-open probe after 30s.
func WithBreaker(inner Engine) *BreakerEngine {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "embedding:" + inner.Name(),
		Timeout: 30 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 5
		},
	})
	return &BreakerEngine{inner: inner, cb: cb}
}

func (e *BreakerEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	v, err := e.cb.Execute(func() (any, error) {
		return e.inner.Embed(ctx, text)
	})
	if err != nil {
		return nil, err
	}
	return v.([]float32), nil
}

func (e *BreakerEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	v, err := e.cb.Execute(func() (any, error) {
		return e.inner.EmbedBatch(ctx, texts)
	})
	if err != nil {
		return nil, err
	}
	return v.([][]float32), nil
}

func (e *BreakerEngine) Dimensions() int { return e.inner.Dimensions() }
func (e *BreakerEngine) Name() string    { return e.inner.Name() + "+breaker" }
