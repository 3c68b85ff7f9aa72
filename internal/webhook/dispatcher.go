package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"answercore/internal/events"
	"answercore/internal/store"
)

// Dispatcher fans emitted events out to every active matching webhook. It
// implements events.Sink; Emit never blocks on the network.
type Dispatcher struct {
	store     *store.Store
	validator *URLValidator
	client    *http.Client
	logger    *zap.Logger
	wg        sync.WaitGroup
}

// NewDispatcher builds a dispatcher with the outbound HTTP budget: 5s
// dial, 5s TLS, 10s response header, 30s overall, no redirects.
func NewDispatcher(st *store.Store, validator *URLValidator, logger *zap.Logger) *Dispatcher {
	if validator == nil {
		validator = &URLValidator{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		store:     st,
		validator: validator,
		logger:    logger,
		client: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				DialContext:           (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
				TLSHandshakeTimeout:   5 * time.Second,
				ResponseHeaderTimeout: 10 * time.Second,
				IdleConnTimeout:       5 * time.Second,
				MaxIdleConnsPerHost:   4,
			},
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// Emit delivers the event to every subscribed webhook in the background.
func (d *Dispatcher) Emit(ctx context.Context, ev events.Event) {
	hooks, err := d.store.ListWebhooks(ctx, true)
	if err != nil {
		d.logger.Error("webhook fan-out failed to list subscriptions", zap.Error(err))
		return
	}
	for i := range hooks {
		wh := hooks[i]
		if !wh.SubscribesTo(ev.Type) {
			continue
		}
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			// Detach from the request context: the caller's request must
			// not cancel an in-flight delivery.
			dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 35*time.Second)
			defer cancel()
			if _, err := d.deliver(dctx, &wh, ev, 1); err != nil {
				d.logger.Warn("webhook delivery failed",
					zap.String("webhook_id", wh.ID),
					zap.String("event_id", ev.ID),
					zap.Error(err))
			}
		}()
	}
}

// Wait blocks until in-flight deliveries finish. Called on shutdown and by
// tests.
func (d *Dispatcher) Wait() { d.wg.Wait() }

// Deliver sends one event to one webhook synchronously. Used by the retry
// endpoint and the operator test ping.
func (d *Dispatcher) Deliver(ctx context.Context, webhookID string, ev events.Event) (*store.Delivery, error) {
	wh, err := d.store.GetWebhook(ctx, webhookID)
	if err != nil {
		return nil, err
	}
	return d.deliver(ctx, wh, ev, 1)
}

// Retry re-sends a finished delivery as a fresh row: attempt max+1, same
// event id. Queued deliveries cannot be retried.
func (d *Dispatcher) Retry(ctx context.Context, deliveryID string) (*store.Delivery, error) {
	prev, err := d.store.GetDelivery(ctx, deliveryID)
	if err != nil {
		return nil, err
	}
	if prev.Status == store.DeliveryQueued {
		return nil, fmt.Errorf("webhook: delivery %s is still in flight", deliveryID)
	}
	wh, err := d.store.GetWebhook(ctx, prev.WebhookID)
	if err != nil {
		return nil, err
	}
	maxAttempt, err := d.store.MaxAttempt(ctx, prev.WebhookID, prev.EventID)
	if err != nil {
		return nil, err
	}

	var ev events.Event
	if err := json.Unmarshal([]byte(prev.Payload), &ev); err != nil {
		return nil, fmt.Errorf("webhook: decode stored payload: %w", err)
	}
	return d.deliver(ctx, wh, ev, maxAttempt+1)
}

func (d *Dispatcher) deliver(ctx context.Context, wh *store.Webhook, ev events.Event, attempt int) (*store.Delivery, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("webhook: encode event: %w", err)
	}

	delivery := store.Delivery{
		ID:        uuid.NewString(),
		WebhookID: wh.ID,
		EventID:   ev.ID,
		EventType: ev.Type,
		Payload:   string(body),
		Status:    store.DeliveryQueued,
		Attempt:   attempt,
	}
	// The queued row lands before the attempt so a crash mid-send still
	// leaves a trace.
	if err := d.store.CreateDelivery(ctx, delivery); err != nil {
		return nil, err
	}

	status, httpStatus, elapsed, sendErr := d.send(ctx, wh, ev.Type, body)
	errMsg := ""
	if sendErr != nil {
		errMsg = sendErr.Error()
	}
	// The terminal update must land even when the send context expired.
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := d.store.FinishDelivery(fctx, delivery.ID, status, httpStatus, elapsed.Milliseconds(), errMsg); err != nil {
		return nil, err
	}
	return d.store.GetDelivery(fctx, delivery.ID)
}

func (d *Dispatcher) send(ctx context.Context, wh *store.Webhook, eventType string, body []byte) (status string, httpStatus int, elapsed time.Duration, err error) {
	// The destination is screened again at send time: the subscription may
	// have been edited, or DNS may resolve differently now.
	if err := d.validator.Validate(wh.URL); err != nil {
		return store.DeliveryFailed, 0, 0, err
	}

	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, wh.URL, bytes.NewReader(body))
	if err != nil {
		return store.DeliveryFailed, 0, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderWebhookID, wh.ID)
	req.Header.Set(HeaderEvent, eventType)
	req.Header.Set(HeaderTimestamp, timestamp)
	req.Header.Set(HeaderSignature, Sign(wh.Secret, timestamp, body))

	start := time.Now()
	resp, err := d.client.Do(req)
	elapsed = time.Since(start)
	if err != nil {
		return store.DeliveryFailed, 0, elapsed, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return store.DeliveryDelivered, resp.StatusCode, elapsed, nil
	}
	return store.DeliveryFailed, resp.StatusCode, elapsed, errors.New("endpoint returned " + resp.Status)
}
