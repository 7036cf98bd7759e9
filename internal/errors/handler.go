package errors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
)

// Common error types following RFC 7807
const (
	TypeValidation   = "/errors/validation"
	TypeNotFound     = "/errors/not-found"
	TypeUnauthorized = "/errors/unauthorized"
	TypeForbidden    = "/errors/forbidden"
	TypeRateLimit    = "/errors/rate-limit"
	TypeInternal     = "/errors/internal"
	TypeServiceDown  = "/errors/service-unavailable"
	TypeTimeout      = "/errors/timeout"
	TypeConflict     = "/errors/conflict"
)

// Domain-specific error types
const (
	TypeLicenseExpired   = "/errors/license-expired"
	TypeLicenseMalformed = "/errors/malformed-license"
	TypeCapacityExceeded = "/errors/capacity-exceeded"
	TypePermissionDenied = "/errors/permission-denied"
	TypeSessionNotFound  = "/errors/session-not-found"
	TypeWebSocketUpgrade = "/errors/websocket/upgrade-failed"
)

// ErrorHandler provides centralized error handling
type ErrorHandler struct {
	logger       *slog.Logger
	includeStack bool
}

// NewErrorHandler creates a new error handler
func NewErrorHandler(logger *slog.Logger, includeStack bool) *ErrorHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ErrorHandler{
		logger:       logger.With(slog.String("component", "error_handler")),
		includeStack: includeStack,
	}
}

// HandleError converts any error to RFC 7807 format and responds
func (h *ErrorHandler) HandleError(w http.ResponseWriter, r *http.Request, err error) {
	if err == nil {
		return
	}

	ctx := r.Context()
	traceID := middleware.GetReqID(ctx)

	// Structured domain errors carry their own problem rendering.
	problem := MapLicenseError(err, traceID)

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		problem = NewProblemDetails(
			apiErr.StatusCode,
			fmt.Sprintf("/errors/%s", apiErr.ErrorCode),
			apiErr.Message,
			fmt.Sprintf("%v", apiErr.Details),
			r.URL.Path,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", apiErr.ErrorCode)
	}

	h.logError(ctx, r, err, problem)

	if renderErr := render.Render(w, r, problem); renderErr != nil {
		h.logger.ErrorContext(ctx, "failed to render error response",
			slog.String("error", renderErr.Error()),
			slog.String("trace_id", traceID))
		http.Error(w, "internal server error", http.StatusInternalServerError)
	}
}

// HandlePanic converts a recovered panic into a 500 response
func (h *ErrorHandler) HandlePanic(w http.ResponseWriter, r *http.Request, rec interface{}) {
	ctx := r.Context()
	traceID := middleware.GetReqID(ctx)

	attrs := []any{
		slog.String("panic", fmt.Sprintf("%v", rec)),
		slog.String("path", r.URL.Path),
		slog.String("method", r.Method),
		slog.String("trace_id", traceID),
	}
	if h.includeStack {
		attrs = append(attrs, slog.String("stack", string(debug.Stack())))
	}
	h.logger.ErrorContext(ctx, "panic recovered while serving request", attrs...)

	problem := NewProblemDetails(
		http.StatusInternalServerError,
		TypeInternal,
		"Internal Server Error",
		"An unexpected error occurred while processing your request.",
		r.URL.Path,
	).WithExtension("trace_id", traceID)

	if err := render.Render(w, r, problem); err != nil {
		http.Error(w, "internal server error", http.StatusInternalServerError)
	}
}

func (h *ErrorHandler) logError(ctx context.Context, r *http.Request, err error, problem render.Renderer) {
	level := slog.LevelWarn
	if pd, ok := problem.(*ProblemDetails); ok && pd.Status >= 500 {
		level = slog.LevelError
	}
	h.logger.Log(ctx, level, "request failed",
		slog.String("error", err.Error()),
		slog.String("path", r.URL.Path),
		slog.String("method", r.Method),
	)
}
