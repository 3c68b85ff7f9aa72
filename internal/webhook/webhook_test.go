package webhook

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"answercore/internal/events"
	"answercore/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestSignAndVerify(t *testing.T) {
	body := []byte(`{"event_id":"e1"}`)
	sig := Sign("topsecret", "1700000000", body)
	assert.True(t, len(sig) > len("sha256="))
	assert.Equal(t, "sha256=", sig[:7])

	assert.True(t, Verify("topsecret", "1700000000", body, sig))
	assert.False(t, Verify("topsecret", "1700000001", body, sig), "timestamp is part of the signed material")
	assert.False(t, Verify("othersecret", "1700000000", body, sig))
	assert.False(t, Verify("topsecret", "1700000000", []byte(`{"event_id":"e2"}`), sig))
	assert.False(t, Verify("topsecret", "1700000000", body, ""))
}

func TestURLValidator(t *testing.T) {
	v := &URLValidator{
		ExtraBlocked: []string{"internal.example.com"},
		lookupIP: func(host string) ([]net.IP, error) {
			switch host {
			case "good.example.com":
				return []net.IP{net.ParseIP("93.184.216.34")}, nil
			case "rebind.example.com":
				return []net.IP{net.ParseIP("93.184.216.34"), net.ParseIP("10.0.0.5")}, nil
			case "metadata.example.com":
				return []net.IP{net.ParseIP("169.254.169.254")}, nil
			default:
				return nil, errors.New("no such host")
			}
		},
	}

	cases := []struct {
		name string
		url  string
		ok   bool
	}{
		{"public host", "https://good.example.com/hook", true},
		{"ftp scheme", "ftp://good.example.com/hook", false},
		{"localhost", "http://localhost:8080/hook", false},
		{"unicode localhost", "http://ⓛocalhost/hook", false},
		{"gcp metadata host", "http://metadata.google.internal/computeMetadata", false},
		{"metadata ip literal", "http://169.254.169.254/latest/meta-data", false},
		{"loopback literal", "http://127.0.0.1:9000/hook", false},
		{"private literal", "http://192.168.1.10/hook", false},
		{"unspecified literal", "http://0.0.0.0/hook", false},
		{"ipv6 loopback", "http://[::1]/hook", false},
		{"one bad resolved address", "https://rebind.example.com/hook", false},
		{"resolves to metadata", "https://metadata.example.com/hook", false},
		{"extra blocklist entry", "https://internal.example.com/hook", false},
		{"unresolvable", "https://nowhere.example.com/hook", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := v.Validate(tc.url)
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestURLValidatorAllowPrivate(t *testing.T) {
	v := &URLValidator{AllowPrivate: true}
	assert.NoError(t, v.Validate("http://127.0.0.1:9000/hook"))
	assert.NoError(t, v.Validate("http://192.168.1.10/hook"))
	assert.Error(t, v.Validate("http://169.254.169.254/hook"), "metadata stays blocked even for private deployments")
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *store.Store) {
	t.Helper()
	st, err := store.Open(":memory:", 4, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	d := NewDispatcher(st, &URLValidator{AllowPrivate: true}, zaptest.NewLogger(t))
	t.Cleanup(d.Wait)
	return d, st
}

func registerWebhook(t *testing.T, st *store.Store, url, secret string, eventTypes ...string) store.Webhook {
	t.Helper()
	wh := store.Webhook{
		ID:     uuid.NewString(),
		Name:   "test endpoint",
		URL:    url,
		Events: eventTypes,
		Secret: secret,
		Active: true,
	}
	require.NoError(t, st.CreateWebhook(context.Background(), wh))
	return wh
}

func TestDeliverSignsAndRecords(t *testing.T) {
	var gotSig, gotTS, gotEvent, gotID string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get(HeaderSignature)
		gotTS = r.Header.Get(HeaderTimestamp)
		gotEvent = r.Header.Get(HeaderEvent)
		gotID = r.Header.Get(HeaderWebhookID)
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d, st := newTestDispatcher(t)
	wh := registerWebhook(t, st, srv.URL, "s3cret", events.TypeChatEscalated)

	ev := events.New(events.TypeChatEscalated, map[string]any{"session_id": "s1"})
	delivery, err := d.Deliver(context.Background(), wh.ID, ev)
	require.NoError(t, err)

	assert.Equal(t, store.DeliveryDelivered, delivery.Status)
	assert.Equal(t, http.StatusOK, delivery.HTTPStatus)
	assert.Equal(t, 1, delivery.Attempt)
	assert.Equal(t, ev.ID, delivery.EventID)
	assert.NotNil(t, delivery.DeliveredAt)
	assert.Empty(t, delivery.ErrorMessage)

	assert.Equal(t, wh.ID, gotID)
	assert.Equal(t, events.TypeChatEscalated, gotEvent)
	assert.True(t, Verify("s3cret", gotTS, gotBody, gotSig), "receiver can verify the signature")
}

func TestDeliverFailureRecordsStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	d, st := newTestDispatcher(t)
	wh := registerWebhook(t, st, srv.URL, "s3cret")

	delivery, err := d.Deliver(context.Background(), wh.ID, events.New(events.TypeDocumentIndexed, nil))
	require.NoError(t, err, "a failed attempt is a recorded outcome, not a dispatcher error")
	assert.Equal(t, store.DeliveryFailed, delivery.Status)
	assert.Equal(t, http.StatusInternalServerError, delivery.HTTPStatus)
	assert.NotEmpty(t, delivery.ErrorMessage)
}

func TestDeliverRefusesForbiddenDestination(t *testing.T) {
	st, err := store.Open(":memory:", 4, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	d := NewDispatcher(st, &URLValidator{}, zaptest.NewLogger(t))

	wh := registerWebhook(t, st, "http://127.0.0.1:1/hook", "s")
	delivery, err := d.Deliver(context.Background(), wh.ID, events.New(events.TypeChatEscalated, nil))
	require.NoError(t, err)
	assert.Equal(t, store.DeliveryFailed, delivery.Status)
	assert.Zero(t, delivery.HTTPStatus)
	assert.ErrorContains(t, errors.New(delivery.ErrorMessage), "not allowed")
}

func TestRetryCreatesNewRow(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "transient", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d, st := newTestDispatcher(t)
	wh := registerWebhook(t, st, srv.URL, "s3cret")
	ev := events.New(events.TypeChatResponseGenerated, map[string]any{"session_id": "s1"})

	first, err := d.Deliver(context.Background(), wh.ID, ev)
	require.NoError(t, err)
	require.Equal(t, store.DeliveryFailed, first.Status)

	second, err := d.Retry(context.Background(), first.ID)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID, "retry is a fresh row")
	assert.Equal(t, first.EventID, second.EventID)
	assert.Equal(t, first.Payload, second.Payload)
	assert.Equal(t, 2, second.Attempt)
	assert.Equal(t, store.DeliveryDelivered, second.Status)

	history, err := st.ListDeliveries(context.Background(), wh.ID, 10, 0)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestEmitFansOutToSubscribers(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	d, st := newTestDispatcher(t)
	registerWebhook(t, st, srv.URL, "a", events.TypeChatEscalated)
	registerWebhook(t, st, srv.URL, "b") // empty filter subscribes to everything
	registerWebhook(t, st, srv.URL, "c", events.TypeDocumentIndexed)

	d.Emit(context.Background(), events.New(events.TypeChatEscalated, nil))
	d.Wait()

	assert.EqualValues(t, 2, hits.Load(), "only subscribed webhooks receive the event")
}

func TestEmitSkipsInactive(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d, st := newTestDispatcher(t)
	wh := registerWebhook(t, st, srv.URL, "a")
	wh.Active = false
	require.NoError(t, st.UpdateWebhook(context.Background(), wh))

	d.Emit(context.Background(), events.New(events.TypeChatEscalated, nil))
	d.Wait()
	assert.Zero(t, hits.Load())
}

func TestRetryRejectsQueuedDelivery(t *testing.T) {
	d, st := newTestDispatcher(t)
	wh := registerWebhook(t, st, "http://example.com/hook", "s")

	queued := store.Delivery{
		ID:        uuid.NewString(),
		WebhookID: wh.ID,
		EventID:   uuid.NewString(),
		EventType: events.TypeChatEscalated,
		Payload:   `{"event_id":"x","event_type":"chat.escalated","timestamp":"2026-01-01T00:00:00Z","payload":{}}`,
	}
	require.NoError(t, st.CreateDelivery(context.Background(), queued))

	_, err := d.Retry(context.Background(), queued.ID)
	assert.ErrorContains(t, err, "in flight")
}

func TestDeliverTimesOut(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	defer close(release)

	d, st := newTestDispatcher(t)
	wh := registerWebhook(t, st, srv.URL, "s")

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	delivery, err := d.Deliver(ctx, wh.ID, events.New(events.TypeChatEscalated, nil))
	require.NoError(t, err)
	assert.Equal(t, store.DeliveryFailed, delivery.Status)
	assert.NotEmpty(t, delivery.ErrorMessage)
}
