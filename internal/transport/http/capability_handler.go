package http

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"snowgate/internal/auth"
	"snowgate/internal/capability"
	licenseErrors "snowgate/internal/errors"
	"snowgate/internal/infrastructure"
	"snowgate/internal/services"
)

// CapabilityHandler serves the capability listing and invocation endpoints.
type CapabilityHandler struct {
	service services.SessionService
	logger  *slog.Logger
}

// NewCapabilityHandler creates a new capability handler.
func NewCapabilityHandler(service services.SessionService, logger *slog.Logger) *CapabilityHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &CapabilityHandler{
		service: service,
		logger:  logger.With(slog.String("handler", "capability")),
	}
}

// Routes returns the capability routes, mounted under /api/capabilities.
func (h *CapabilityHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.List)
	r.Post("/{name}", h.Invoke)
	return r
}

// List handles GET /api/capabilities. The listing is filtered for display:
// capabilities the caller's role or license cannot use are omitted. The
// invocation path re-checks everything regardless.
func (h *CapabilityHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims := auth.ClaimsFrom(ctx)
	if claims == nil {
		render.Render(w, r, licenseErrors.NewProblemDetails(
			http.StatusUnauthorized,
			"/errors/unauthorized",
			"Unauthorized",
			"A verified token is required.",
			r.URL.Path,
		))
		return
	}

	descriptors := h.service.Capabilities(ctx, claims)
	render.JSON(w, r, map[string]any{
		"role":         string(claims.Role),
		"count":        len(descriptors),
		"capabilities": descriptors,
	})
}

// Invoke handles POST /api/capabilities/{name}. The body, when present, is
// passed to the capability as its argument map.
func (h *CapabilityHandler) Invoke(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name := chi.URLParam(r, "name")
	tracer := otel.Tracer("capability-handler")
	ctx, span := tracer.Start(ctx, "capability_handler.invoke",
		trace.WithAttributes(attribute.String("capability", name)))
	defer span.End()

	claims := auth.ClaimsFrom(ctx)
	if claims == nil {
		render.Render(w, r, licenseErrors.NewProblemDetails(
			http.StatusUnauthorized,
			"/errors/unauthorized",
			"Unauthorized",
			"A verified token is required.",
			r.URL.Path,
		))
		return
	}

	var payload map[string]any
	if r.ContentLength > 0 {
		if err := render.DecodeJSON(r.Body, &payload); err != nil {
			render.Render(w, r, licenseErrors.NewProblemDetails(
				http.StatusBadRequest,
				"/errors/invalid-request",
				"Invalid Request",
				"request body must be a JSON object",
				r.URL.Path,
			))
			return
		}
	}

	out, err := h.service.Invoke(ctx, claims, name, payload)
	if err != nil {
		span.RecordError(err)
		traceID := infrastructure.GetTraceID(ctx)
		if traceID == "" {
			traceID = middleware.GetReqID(ctx)
		}
		h.logger.WarnContext(ctx, "capability invocation rejected",
			slog.String("capability", name),
			slog.String("role", string(claims.Role)),
			slog.String("error", err.Error()))
		render.Render(w, r, h.invokeProblem(err, name, traceID))
		return
	}

	render.JSON(w, r, out)
}

// invokeProblem maps invocation failures, giving unknown capabilities a 404
// instead of the generic internal error.
func (h *CapabilityHandler) invokeProblem(err error, name, traceID string) render.Renderer {
	if errors.Is(err, capability.ErrUnknownCapability) {
		return licenseErrors.NewProblemDetails(
			http.StatusNotFound,
			"/errors/unknown-capability",
			"Unknown Capability",
			"capability "+name+" is not registered",
			"/api/capabilities/"+name,
		).WithExtension("trace_id", traceID)
	}
	return licenseErrors.MapLicenseError(err, traceID)
}
