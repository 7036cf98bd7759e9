package http

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	licenseErrors "snowgate/internal/errors"
	"snowgate/internal/infrastructure"
	"snowgate/internal/services"
)

// StructValidator checks a bound request struct against its validate tags.
// Satisfied by the validation middleware.
type StructValidator interface {
	ValidateStruct(v interface{}) error
}

// LicenseHandler serves the license status, activation and renewal routes.
// These sit on the exempt list of both the token and license middleware so
// an unlicensed gateway can still be activated.
type LicenseHandler struct {
	service   services.LicenseService
	validator StructValidator
	logger    *slog.Logger
}

// NewLicenseHandler creates a new license handler. validator may be nil;
// Bind still performs its structural checks.
func NewLicenseHandler(service services.LicenseService, validator StructValidator, logger *slog.Logger) *LicenseHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &LicenseHandler{
		service:   service,
		validator: validator,
		logger:    logger.With(slog.String("handler", "license")),
	}
}

// ActivationRequest is the license activation payload.
type ActivationRequest struct {
	LicenseKey string `json:"license_key" validate:"required,license_key"`
}

// Bind implements render.Binder. Structural validation only; the checksum
// and segment semantics are the codec's job.
func (a *ActivationRequest) Bind(r *http.Request) error {
	a.LicenseKey = strings.TrimSpace(a.LicenseKey)
	if a.LicenseKey == "" {
		return errors.New("license_key is required")
	}
	return nil
}

// Routes returns the license routes, mounted under /api/license.
func (h *LicenseHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/status", h.GetStatus)
	r.Post("/activate", h.Activate)
	r.Get("/renewal", h.GetRenewalStatus)
	return r
}

// GetStatus handles GET /api/license/status.
func (h *LicenseHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tracer := otel.Tracer("license-handler")
	ctx, span := tracer.Start(ctx, "license_handler.get_status",
		trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.route", "/api/license/status"),
		))
	defer span.End()

	resp, err := h.service.GetStatus(ctx)
	if err != nil {
		span.RecordError(err)
		h.handleError(w, r, err)
		return
	}

	span.SetAttributes(
		attribute.String("license.status", resp.LicenseStatus),
		attribute.Int("license.days_left", resp.DaysLeft))

	render.JSON(w, r, resp)
}

// Activate handles POST /api/license/activate.
func (h *LicenseHandler) Activate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tracer := otel.Tracer("license-handler")
	ctx, span := tracer.Start(ctx, "license_handler.activate",
		trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.route", "/api/license/activate"),
		))
	defer span.End()

	req := &ActivationRequest{}
	if err := render.Bind(r, req); err != nil {
		span.RecordError(err)
		render.Render(w, r, licenseErrors.NewProblemDetails(
			http.StatusBadRequest,
			"/errors/invalid-request",
			"Invalid Request",
			err.Error(),
			r.URL.Path,
		))
		return
	}

	if h.validator != nil {
		if err := h.validator.ValidateStruct(req); err != nil {
			span.RecordError(err)
			render.Render(w, r, licenseErrors.NewProblemDetails(
				http.StatusBadRequest,
				"/errors/invalid-request",
				"Invalid Request",
				err.Error(),
				r.URL.Path,
			))
			return
		}
	}

	resp, err := h.service.Activate(ctx, req.LicenseKey)
	if err != nil {
		span.RecordError(err)
		h.handleError(w, r, err)
		return
	}

	span.SetAttributes(
		attribute.String("license.tier", resp.Tier),
		attribute.String("organization_id", resp.OrganizationID))

	h.logger.InfoContext(ctx, "license activated",
		slog.String("tier", resp.Tier),
		slog.String("organization_id", resp.OrganizationID),
		slog.Time("expiry", resp.Expiry))

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, resp)
}

// GetRenewalStatus handles GET /api/license/renewal.
func (h *LicenseHandler) GetRenewalStatus(w http.ResponseWriter, r *http.Request) {
	resp, err := h.service.CheckRenewalStatus(r.Context())
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	render.JSON(w, r, resp)
}

func (h *LicenseHandler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	traceID := infrastructure.GetTraceID(ctx)
	if traceID == "" {
		traceID = middleware.GetReqID(ctx)
	}

	h.logger.WarnContext(ctx, "license request failed",
		slog.String("path", r.URL.Path),
		slog.String("method", r.Method),
		slog.String("error", err.Error()))

	render.Render(w, r, licenseErrors.MapLicenseError(err, traceID))
}
