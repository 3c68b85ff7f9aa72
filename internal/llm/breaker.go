package llm

import (
	"context"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerClient fails fast once the upstream model endpoint is down.
type BreakerClient struct {
	inner Client
	cb    *gobreaker.CircuitBreaker
}

// WithBreaker wraps inner: open after 5 consecutive failures, half-open
// probe after 30s. Streams count only their setup call; mid-stream errors
// are the consumer's to observe.
func WithBreaker(inner Client) *BreakerClient {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "llm:" + inner.Name(),
		Timeout: 30 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 5
		},
	})
	return &BreakerClient{inner: inner, cb: cb}
}

func (c *BreakerClient) Generate(ctx context.Context, req Request) (Response, error) {
	v, err := c.cb.Execute(func() (any, error) {
		return c.inner.Generate(ctx, req)
	})
	if err != nil {
		return Response{}, err
	}
	return v.(Response), nil
}

func (c *BreakerClient) Stream(ctx context.Context, req Request) (<-chan Token, error) {
	v, err := c.cb.Execute(func() (any, error) {
		return c.inner.Stream(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	return v.(<-chan Token), nil
}

func (c *BreakerClient) Name() string { return c.inner.Name() }
