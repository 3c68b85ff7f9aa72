package server

import (
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"answercore/internal/store"
	"answercore/internal/webhook"
)

type webhookResponse struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	URL         string    `json:"url"`
	Events      []string  `json:"events"`
	Active      bool      `json:"active"`
	IPWhitelist []string  `json:"ip_whitelist,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func toWebhookResponse(w *store.Webhook) webhookResponse {
	return webhookResponse{
		ID:          w.ID,
		Name:        w.Name,
		URL:         w.URL,
		Events:      w.Events,
		Active:      w.Active,
		IPWhitelist: w.IPWhitelist,
		CreatedAt:   w.CreatedAt,
		UpdatedAt:   w.UpdatedAt,
	}
}

type webhookCreateRequest struct {
	Name        string   `json:"name" validate:"required"`
	URL         string   `json:"url" validate:"required,url"`
	Events      []string `json:"events"`
	Secret      string   `json:"secret"`
	Active      *bool    `json:"active"`
	IPWhitelist []string `json:"ip_whitelist"`
}

func (s *Server) webhookCreate(c echo.Context) error {
	var req webhookCreateRequest
	if err := c.Bind(&req); err != nil {
		return validationError("malformed request body", nil)
	}
	if err := c.Validate(req); err != nil {
		return err
	}
	if err := s.app.Validator.Validate(req.URL); err != nil {
		return err
	}

	secret := req.Secret
	if secret == "" {
		secret = uuid.NewString()
	}
	active := true
	if req.Active != nil {
		active = *req.Active
	}
	now := time.Now().UTC()
	wh := store.Webhook{
		ID:          uuid.NewString(),
		Name:        req.Name,
		URL:         req.URL,
		Events:      req.Events,
		Secret:      secret,
		Active:      active,
		IPWhitelist: req.IPWhitelist,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.app.Store.CreateWebhook(c.Request().Context(), wh); err != nil {
		return err
	}

	// The secret is shown once, on creation.
	resp := struct {
		webhookResponse
		Secret string `json:"secret"`
	}{toWebhookResponse(&wh), secret}
	return respond(c, http.StatusCreated, resp)
}

func (s *Server) webhookList(c echo.Context) error {
	activeOnly := c.QueryParam("active") == "true"
	hooks, err := s.app.Store.ListWebhooks(c.Request().Context(), activeOnly)
	if err != nil {
		return err
	}
	out := make([]webhookResponse, 0, len(hooks))
	for i := range hooks {
		out = append(out, toWebhookResponse(&hooks[i]))
	}
	return respond(c, http.StatusOK, out)
}

func (s *Server) webhookGet(c echo.Context) error {
	wh, err := s.app.Store.GetWebhook(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return respond(c, http.StatusOK, toWebhookResponse(wh))
}

type webhookUpdateRequest struct {
	Name        *string  `json:"name"`
	URL         *string  `json:"url" validate:"omitempty,url"`
	Events      []string `json:"events"`
	Secret      *string  `json:"secret"`
	Active      *bool    `json:"active"`
	IPWhitelist []string `json:"ip_whitelist"`
}

func (s *Server) webhookUpdate(c echo.Context) error {
	var req webhookUpdateRequest
	if err := c.Bind(&req); err != nil {
		return validationError("malformed request body", nil)
	}
	if err := c.Validate(req); err != nil {
		return err
	}
	ctx := c.Request().Context()
	wh, err := s.app.Store.GetWebhook(ctx, c.Param("id"))
	if err != nil {
		return err
	}
	if req.Name != nil {
		wh.Name = *req.Name
	}
	if req.URL != nil {
		if err := s.app.Validator.Validate(*req.URL); err != nil {
			return err
		}
		wh.URL = *req.URL
	}
	if req.Events != nil {
		wh.Events = req.Events
	}
	if req.Secret != nil && *req.Secret != "" {
		wh.Secret = *req.Secret
	}
	if req.Active != nil {
		wh.Active = *req.Active
	}
	if req.IPWhitelist != nil {
		wh.IPWhitelist = req.IPWhitelist
	}
	wh.UpdatedAt = time.Now().UTC()
	if err := s.app.Store.UpdateWebhook(ctx, *wh); err != nil {
		return err
	}
	return respond(c, http.StatusOK, toWebhookResponse(wh))
}

func (s *Server) webhookDelete(c echo.Context) error {
	if err := s.app.Store.DeleteWebhook(c.Request().Context(), c.Param("id")); err != nil {
		return err
	}
	return respond(c, http.StatusOK, map[string]string{"id": c.Param("id"), "status": "deleted"})
}

func (s *Server) deliveryList(c echo.Context) error {
	limit, offset := pageParams(c, 50)
	rows, err := s.app.Store.ListDeliveries(c.Request().Context(), c.Param("id"), limit, offset)
	if err != nil {
		return err
	}
	return respondPage(c, rows, limit, offset, len(rows))
}

func (s *Server) deliveryRetry(c echo.Context) error {
	row, err := s.app.Dispatcher.Retry(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return respond(c, http.StatusOK, row)
}

var incomingKinds = map[string]bool{"message": true, "document": true, "event": true}

// incomingWebhook accepts signed notifications from external systems. The
// body is acknowledged, not processed inline.
func (s *Server) incomingWebhook(c echo.Context) error {
	kind := c.Param("kind")
	if !incomingKinds[kind] {
		return notFound("unknown incoming webhook kind")
	}
	secret := s.app.Config.Webhooks.IncomingSecret
	if secret == "" {
		return unauthorized("incoming webhooks are not configured")
	}

	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return err
	}
	sig := c.Request().Header.Get(webhook.HeaderSignature)
	ts := c.Request().Header.Get(webhook.HeaderTimestamp)
	if sig == "" || !webhook.Verify(secret, ts, body, sig) {
		return unauthorized("signature verification failed")
	}

	s.logger.Info("incoming webhook accepted")
	return respond(c, http.StatusAccepted, map[string]any{
		"kind":       kind,
		"webhook_id": c.Request().Header.Get(webhook.HeaderWebhookID),
		"accepted":   true,
	})
}
