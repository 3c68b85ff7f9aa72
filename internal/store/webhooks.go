package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Webhook is one outbound subscription.
type Webhook struct {
	ID          string
	Name        string
	URL         string
	Events      []string
	Secret      string
	Active      bool
	IPWhitelist []string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// SubscribesTo reports whether the webhook wants the event type. An empty
// event set subscribes to everything.
func (w *Webhook) SubscribesTo(eventType string) bool {
	if len(w.Events) == 0 {
		return true
	}
	for _, e := range w.Events {
		if e == eventType || e == "*" {
			return true
		}
	}
	return false
}

// Delivery statuses.
const (
	DeliveryQueued    = "queued"
	DeliveryDelivered = "delivered"
	DeliveryFailed    = "failed"
)

// Delivery is one attempt at delivering one event to one webhook. Rows are
// append-only once terminal; a retry is a fresh row with attempt+1 and the
// same event id.
type Delivery struct {
	ID             string
	WebhookID      string
	EventID        string
	EventType      string
	Payload        string
	Status         string
	HTTPStatus     int
	Attempt        int
	ErrorMessage   string
	ResponseTimeMS int64
	NextRetry      *time.Time
	CreatedAt      time.Time
	DeliveredAt    *time.Time
}

// CreateWebhook inserts a subscription row.
func (s *Store) CreateWebhook(ctx context.Context, w Webhook) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	events, err := json.Marshal(orEmptySlice(w.Events))
	if err != nil {
		return fmt.Errorf("marshal webhook events: %w", err)
	}
	whitelist, err := json.Marshal(orEmptySlice(w.IPWhitelist))
	if err != nil {
		return fmt.Errorf("marshal webhook whitelist: %w", err)
	}
	now := time.Now().UnixNano()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO webhooks (webhook_id, name, url, events, secret, active, ip_whitelist, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.Name, w.URL, string(events), w.Secret, boolInt(w.Active), string(whitelist), now, now)
	if err != nil {
		return fmt.Errorf("create webhook %s: %w", w.ID, err)
	}
	return nil
}

// UpdateWebhook rewrites the mutable columns of an existing subscription.
func (s *Store) UpdateWebhook(ctx context.Context, w Webhook) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	events, err := json.Marshal(orEmptySlice(w.Events))
	if err != nil {
		return fmt.Errorf("marshal webhook events: %w", err)
	}
	whitelist, err := json.Marshal(orEmptySlice(w.IPWhitelist))
	if err != nil {
		return fmt.Errorf("marshal webhook whitelist: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE webhooks SET name = ?, url = ?, events = ?, secret = ?, active = ?, ip_whitelist = ?, updated_at = ?
		WHERE webhook_id = ?`,
		w.Name, w.URL, string(events), w.Secret, boolInt(w.Active), string(whitelist), time.Now().UnixNano(), w.ID)
	if err != nil {
		return fmt.Errorf("update webhook %s: %w", w.ID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetWebhook loads one subscription.
func (s *Store) GetWebhook(ctx context.Context, id string) (*Webhook, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.scanWebhook(s.db.QueryRowContext(ctx, `
		SELECT webhook_id, name, url, events, secret, active, ip_whitelist, created_at, updated_at
		FROM webhooks WHERE webhook_id = ?`, id))
}

// ListWebhooks returns subscriptions newest-first. activeOnly restricts to
// enabled ones, which is what the dispatcher wants.
func (s *Store) ListWebhooks(ctx context.Context, activeOnly bool) ([]Webhook, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q := `SELECT webhook_id, name, url, events, secret, active, ip_whitelist, created_at, updated_at
		FROM webhooks`
	if activeOnly {
		q += ` WHERE active = 1`
	}
	q += ` ORDER BY created_at DESC`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list webhooks: %w", err)
	}
	defer rows.Close()

	var out []Webhook
	for rows.Next() {
		w, err := s.scanWebhook(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *w)
	}
	return out, rows.Err()
}

// DeleteWebhook removes the subscription. Historical deliveries remain.
func (s *Store) DeleteWebhook(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM webhooks WHERE webhook_id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete webhook %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanWebhook(r rowScanner) (*Webhook, error) {
	var (
		w         Webhook
		events    string
		active    int
		whitelist string
		created   int64
		updated   int64
	)
	err := r.Scan(&w.ID, &w.Name, &w.URL, &events, &w.Secret, &active, &whitelist, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan webhook: %w", err)
	}
	_ = json.Unmarshal([]byte(events), &w.Events)
	_ = json.Unmarshal([]byte(whitelist), &w.IPWhitelist)
	w.Active = active != 0
	w.CreatedAt = time.Unix(0, created)
	w.UpdatedAt = time.Unix(0, updated)
	return &w, nil
}

// CreateDelivery inserts the queued row before the HTTP attempt starts.
func (s *Store) CreateDelivery(ctx context.Context, d Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if d.Status == "" {
		d.Status = DeliveryQueued
	}
	if d.Attempt <= 0 {
		d.Attempt = 1
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO webhook_deliveries
			(delivery_id, webhook_id, event_id, event_type, payload, status, attempt, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.WebhookID, d.EventID, d.EventType, d.Payload, d.Status, d.Attempt, d.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("create delivery %s: %w", d.ID, err)
	}
	return nil
}

// FinishDelivery moves a queued row to its terminal status. Terminal rows
// are immutable: a second finish is refused.
func (s *Store) FinishDelivery(ctx context.Context, id, status string, httpStatus int, responseTimeMS int64, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	const maxErrLen = 512
	if len(errMsg) > maxErrLen {
		errMsg = errMsg[:maxErrLen]
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE webhook_deliveries
		SET status = ?, http_status = ?, response_time_ms = ?, error_message = ?, delivered_at = ?
		WHERE delivery_id = ? AND status = ?`,
		status, httpStatus, responseTimeMS, errMsg, time.Now().UnixNano(), id, DeliveryQueued)
	if err != nil {
		return fmt.Errorf("finish delivery %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("delivery %s is not queued: %w", id, ErrNotFound)
	}
	return nil
}

// GetDelivery loads one delivery row.
func (s *Store) GetDelivery(ctx context.Context, id string) (*Delivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.scanDelivery(s.db.QueryRowContext(ctx, deliverySelect+` WHERE delivery_id = ?`, id))
}

// ListDeliveries returns a webhook's delivery history newest-first.
func (s *Store) ListDeliveries(ctx context.Context, webhookID string, limit, offset int) ([]Delivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		deliverySelect+` WHERE webhook_id = ? ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		webhookID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list deliveries for %s: %w", webhookID, err)
	}
	defer rows.Close()

	var out []Delivery
	for rows.Next() {
		d, err := s.scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

// MaxAttempt returns the highest attempt number recorded for an event at a
// webhook; a retry row uses MaxAttempt+1.
func (s *Store) MaxAttempt(ctx context.Context, webhookID, eventID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX(attempt) FROM webhook_deliveries
		WHERE webhook_id = ? AND event_id = ?`, webhookID, eventID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("max attempt: %w", err)
	}
	return int(n.Int64), nil
}

const deliverySelect = `
	SELECT delivery_id, webhook_id, event_id, event_type, payload, status,
	       http_status, attempt, error_message, response_time_ms, next_retry,
	       created_at, delivered_at
	FROM webhook_deliveries`

func (s *Store) scanDelivery(r rowScanner) (*Delivery, error) {
	var (
		d         Delivery
		nextRetry sql.NullInt64
		created   int64
		delivered sql.NullInt64
	)
	err := r.Scan(&d.ID, &d.WebhookID, &d.EventID, &d.EventType, &d.Payload, &d.Status,
		&d.HTTPStatus, &d.Attempt, &d.ErrorMessage, &d.ResponseTimeMS, &nextRetry,
		&created, &delivered)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan delivery: %w", err)
	}
	if nextRetry.Valid {
		t := time.Unix(0, nextRetry.Int64)
		d.NextRetry = &t
	}
	d.CreatedAt = time.Unix(0, created)
	if delivered.Valid {
		t := time.Unix(0, delivered.Int64)
		d.DeliveredAt = &t
	}
	return &d, nil
}

func orEmptySlice(xs []string) []string {
	if xs == nil {
		return []string{}
	}
	return xs
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
