package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"answercore/internal/app"
	"answercore/internal/events"
	"answercore/internal/generate"
	"answercore/internal/pipeline"
	"answercore/internal/runstate"
	"answercore/internal/store"
)

type chatRequest struct {
	Question            string            `json:"question" validate:"required"`
	SessionID           string            `json:"session_id"`
	UserID              string            `json:"user_id"`
	ConversationHistory []chatMessage     `json:"conversation_history" validate:"dive"`
	UserMetadata        map[string]string `json:"user_metadata"`
}

type chatMessage struct {
	Role    string `json:"role" validate:"required,oneof=user assistant system"`
	Content string `json:"content" validate:"required"`
}

type chatSource struct {
	ID             int64   `json:"id"`
	Content        string  `json:"content"`
	Score          float64 `json:"score"`
	Category       string  `json:"category,omitempty"`
	SourceDocument string  `json:"source_document,omitempty"`
}

type stageTiming struct {
	Stage      string `json:"stage"`
	DurationMS int64  `json:"duration_ms"`
	Jump       string `json:"jump,omitempty"`
}

type pipelineMetadata struct {
	SessionID           string        `json:"session_id"`
	UserID              string        `json:"user_id"`
	DialogState         string        `json:"dialog_state"`
	Action              string        `json:"action"`
	Category            string        `json:"category,omitempty"`
	Intent              string        `json:"intent,omitempty"`
	DetectedLanguage    string        `json:"detected_language,omitempty"`
	CacheHit            bool          `json:"cache_hit"`
	CacheReason         string        `json:"cache_reason,omitempty"`
	GuardrailsBlocked   bool          `json:"guardrails_blocked"`
	GuardrailsTriggered []string      `json:"guardrails_triggered,omitempty"`
	EscalationReason    string        `json:"escalation_reason,omitempty"`
	EscalationMessage   string        `json:"escalation_message,omitempty"`
	ClarifyingQuestion  bool          `json:"pending_clarification"`
	Stages              []stageTiming `json:"stages"`
}

type chatData struct {
	Answer           string           `json:"answer"`
	Sources          []chatSource     `json:"sources"`
	Confidence       float64          `json:"confidence"`
	QueryID          string           `json:"query_id"`
	PipelineMetadata pipelineMetadata `json:"pipeline_metadata"`
}

func (r chatRequest) toApp() app.ChatRequest {
	history := make([]runstate.Message, 0, len(r.ConversationHistory))
	for _, m := range r.ConversationHistory {
		history = append(history, runstate.Message{Role: m.Role, Content: m.Content})
	}
	return app.ChatRequest{
		Question:     r.Question,
		SessionID:    r.SessionID,
		UserID:       r.UserID,
		History:      history,
		UserMetadata: r.UserMetadata,
	}
}

func toChatData(res *pipeline.Result) chatData {
	s := res.State
	sources := make([]chatSource, 0, len(s.Docs))
	for _, d := range s.Docs {
		sources = append(sources, chatSource{
			ID:             d.ID,
			Content:        d.Content,
			Score:          d.Score,
			Category:       d.Metadata.Category,
			SourceDocument: d.Metadata.SourceDocument,
		})
	}
	stages := make([]stageTiming, 0, len(res.Trace))
	for _, tr := range res.Trace {
		stages = append(stages, stageTiming{
			Stage:      tr.Stage,
			DurationMS: tr.Duration.Milliseconds(),
			Jump:       tr.Jump,
		})
	}
	answer := s.Answer
	if answer == "" && s.EscalationMessage != "" {
		answer = s.EscalationMessage
	}
	return chatData{
		Answer:     answer,
		Sources:    sources,
		Confidence: s.Confidence,
		QueryID:    uuid.NewString(),
		PipelineMetadata: pipelineMetadata{
			SessionID:           s.SessionID,
			UserID:              s.UserID,
			DialogState:         string(s.DialogState),
			Action:              string(s.Action),
			Category:            s.Category,
			Intent:              s.Intent,
			DetectedLanguage:    s.DetectedLanguage,
			CacheHit:            s.CacheHit,
			CacheReason:         s.CacheReason,
			GuardrailsBlocked:   s.GuardrailsBlocked,
			GuardrailsTriggered: s.GuardrailsTriggered,
			EscalationReason:    s.EscalationReason,
			EscalationMessage:   s.EscalationMessage,
			ClarifyingQuestion:  s.PendingClarification,
			Stages:              stages,
		},
	}
}

func (s *Server) chatCompletions(c echo.Context) error {
	var req chatRequest
	if err := c.Bind(&req); err != nil {
		return validationError("malformed request body", nil)
	}
	if err := c.Validate(req); err != nil {
		return err
	}
	res, err := s.app.Answer(c.Request().Context(), req.toApp())
	if err != nil {
		return err
	}
	return respond(c, http.StatusOK, toChatData(res))
}

// chatStream runs the same turn but forwards generation tokens as SSE
// frames, closing with the final completion record and [DONE].
func (s *Server) chatStream(c echo.Context) error {
	var req chatRequest
	if err := c.Bind(&req); err != nil {
		return validationError("malformed request body", nil)
	}
	if err := c.Validate(req); err != nil {
		return err
	}

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set(echo.HeaderCacheControl, "no-cache")
	w.Header().Set(echo.HeaderConnection, "keep-alive")
	w.WriteHeader(http.StatusOK)

	writeFrame := func(v any) {
		b, err := json.Marshal(v)
		if err != nil {
			return
		}
		fmt.Fprintf(w, "data: %s\n\n", b)
		w.Flush()
	}

	ctx := generate.WithTokenSink(c.Request().Context(), func(token string) {
		writeFrame(map[string]string{"token": token})
	})
	res, err := s.app.Answer(ctx, req.toApp())
	if err != nil {
		writeFrame(map[string]string{"error": "pipeline failed"})
	} else {
		writeFrame(map[string]any{"final_data": toChatData(res)})
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
	w.Flush()
	return nil
}

type escalateRequest struct {
	SessionID string `json:"session_id" validate:"required"`
	Reason    string `json:"reason"`
}

// chatEscalate records a manual escalation for the session and notifies
// subscribers.
func (s *Server) chatEscalate(c echo.Context) error {
	var req escalateRequest
	if err := c.Bind(&req); err != nil {
		return validationError("malformed request body", nil)
	}
	if err := c.Validate(req); err != nil {
		return err
	}
	reason := req.Reason
	if reason == "" {
		reason = "user_requested"
	}
	ctx := c.Request().Context()
	if err := s.app.Store.UpsertEscalation(ctx, store.Escalation{
		SessionID: req.SessionID,
		Reason:    reason,
		Priority:  "normal",
		Status:    "open",
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		return err
	}
	s.app.Dispatcher.Emit(ctx, events.New(events.TypeChatEscalated, map[string]any{
		"session_id":        req.SessionID,
		"escalation_reason": reason,
		"manual":            true,
	}))
	return respond(c, http.StatusAccepted, map[string]any{
		"session_id": req.SessionID,
		"status":     "open",
		"reason":     reason,
	})
}
