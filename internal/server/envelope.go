package server

import (
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"answercore/internal/ingest"
	"answercore/internal/store"
	"answercore/internal/webhook"
)

// Error codes of the response envelope.
const (
	CodeValidation   = "VALIDATION_ERROR"
	CodeNotFound     = "NOT_FOUND"
	CodeUnauthorized = "UNAUTHORIZED"
	CodeConflict     = "CONFLICT"
	CodeInternal     = "INTERNAL_SERVER_ERROR"
)

type meta struct {
	TraceID    string      `json:"trace_id"`
	Pagination *pagination `json:"pagination,omitempty"`
}

type pagination struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
	Count  int `json:"count"`
}

type envelope struct {
	Data any  `json:"data"`
	Meta meta `json:"meta"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
	TraceID string `json:"trace_id"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

func traceID(c echo.Context) string {
	return c.Response().Header().Get(echo.HeaderXRequestID)
}

func respond(c echo.Context, status int, data any) error {
	return c.JSON(status, envelope{Data: data, Meta: meta{TraceID: traceID(c)}})
}

func respondPage(c echo.Context, data any, limit, offset, count int) error {
	return c.JSON(http.StatusOK, envelope{Data: data, Meta: meta{
		TraceID:    traceID(c),
		Pagination: &pagination{Limit: limit, Offset: offset, Count: count},
	}})
}

// apiError carries an envelope code through the handler chain.
type apiError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *apiError) Error() string { return e.Message }

func validationError(msg string, details any) *apiError {
	return &apiError{Status: http.StatusUnprocessableEntity, Code: CodeValidation, Message: msg, Details: details}
}

func notFound(msg string) *apiError {
	return &apiError{Status: http.StatusNotFound, Code: CodeNotFound, Message: msg}
}

func unauthorized(msg string) *apiError {
	return &apiError{Status: http.StatusUnauthorized, Code: CodeUnauthorized, Message: msg}
}

func conflict(msg string) *apiError {
	return &apiError{Status: http.StatusConflict, Code: CodeConflict, Message: msg}
}

// handleError funnels every failure into the error envelope.
func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	body := errorBody{Code: CodeInternal, Message: "internal server error", TraceID: traceID(c)}
	status := http.StatusInternalServerError

	var ae *apiError
	var he *echo.HTTPError
	var ve validator.ValidationErrors
	switch {
	case errors.As(err, &ae):
		status = ae.Status
		body.Code = ae.Code
		body.Message = ae.Message
		body.Details = ae.Details
	case errors.As(err, &ve):
		status = http.StatusUnprocessableEntity
		body.Code = CodeValidation
		body.Message = "request validation failed"
		body.Details = fieldErrors(ve)
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, ingest.ErrDraftNotFound),
		errors.Is(err, ingest.ErrChunkNotFound):
		status = http.StatusNotFound
		body.Code = CodeNotFound
		body.Message = err.Error()
	case errors.Is(err, ingest.ErrDraftCommitting):
		status = http.StatusConflict
		body.Code = CodeConflict
		body.Message = err.Error()
	case errors.Is(err, webhook.ErrForbiddenDestination):
		status = http.StatusUnprocessableEntity
		body.Code = CodeValidation
		body.Message = err.Error()
	case errors.As(err, &he):
		status = he.Code
		body.Message = http.StatusText(status)
		switch status {
		case http.StatusNotFound:
			body.Code = CodeNotFound
		case http.StatusUnauthorized:
			body.Code = CodeUnauthorized
		case http.StatusBadRequest, http.StatusUnprocessableEntity:
			body.Code = CodeValidation
		}
		if msg, ok := he.Message.(string); ok {
			body.Message = msg
		}
	}

	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("path", c.Path()),
			zap.String("trace_id", body.TraceID),
			zap.Error(err))
	}
	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(status)
		return
	}
	_ = c.JSON(status, errorEnvelope{Error: body})
}

type fieldError struct {
	Field string `json:"field"`
	Rule  string `json:"rule"`
}

func fieldErrors(ve validator.ValidationErrors) []fieldError {
	out := make([]fieldError, 0, len(ve))
	for _, fe := range ve {
		out = append(out, fieldError{Field: fe.Field(), Rule: fe.Tag()})
	}
	return out
}

// requestValidator plugs validator/v10 into echo's Bind-then-Validate flow.
type requestValidator struct{ v *validator.Validate }

func (r requestValidator) Validate(i any) error { return r.v.Struct(i) }
