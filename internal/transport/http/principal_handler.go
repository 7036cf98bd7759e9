package http

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"

	"snowgate/internal/auth"
	"snowgate/internal/domain"
	licenseErrors "snowgate/internal/errors"
	"snowgate/internal/infrastructure"
	"snowgate/internal/principal"
)

// PrincipalHandler serves the principal directory. Every route requires the
// admin role; principals are always scoped to the caller's organization.
type PrincipalHandler struct {
	registry *principal.Registry
	logger   *slog.Logger
}

// NewPrincipalHandler creates a new principal handler.
func NewPrincipalHandler(registry *principal.Registry, logger *slog.Logger) *PrincipalHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &PrincipalHandler{
		registry: registry,
		logger:   logger.With(slog.String("handler", "principal")),
	}
}

// CreatePrincipalRequest is the payload for registering a principal.
type CreatePrincipalRequest struct {
	DisplayName string `json:"display_name" validate:"required,max=128"`
	Email       string `json:"email,omitempty" validate:"omitempty,email"`
	Role        string `json:"role" validate:"required,role"`
}

// Bind implements render.Binder.
func (p *CreatePrincipalRequest) Bind(r *http.Request) error {
	if p.DisplayName == "" {
		return errors.New("display_name is required")
	}
	if _, err := domain.ParseRole(p.Role); err != nil {
		return err
	}
	return nil
}

// UpdateRoleRequest changes a principal's role.
type UpdateRoleRequest struct {
	Role string `json:"role" validate:"required,role"`
}

// Bind implements render.Binder.
func (p *UpdateRoleRequest) Bind(r *http.Request) error {
	_, err := domain.ParseRole(p.Role)
	return err
}

// UpdateStatusRequest enables or suspends a principal.
type UpdateStatusRequest struct {
	Status string `json:"status" validate:"required,oneof=active suspended"`
}

// Bind implements render.Binder.
func (p *UpdateStatusRequest) Bind(r *http.Request) error {
	switch domain.PrincipalStatus(p.Status) {
	case domain.PrincipalActive, domain.PrincipalSuspended:
		return nil
	}
	return errors.New("status must be active or suspended")
}

// Routes returns the principal routes, mounted under /api/principals.
func (h *PrincipalHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(h.requireAdmin)

	r.Post("/", h.Create)
	r.Get("/", h.List)
	r.Get("/{principalID}", h.Get)
	r.Put("/{principalID}/role", h.UpdateRole)
	r.Put("/{principalID}/status", h.UpdateStatus)
	return r
}

// requireAdmin rejects non-admin callers before any directory access.
func (h *PrincipalHandler) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims := auth.ClaimsFrom(r.Context())
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
		if claims.Role != domain.RoleAdmin {
			h.handleError(w, r, &licenseErrors.PermissionError{
				Capability:    "principal.manage",
				RequiredRoles: []string{string(domain.RoleAdmin)},
				ActualRole:    string(claims.Role),
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Create handles POST /api/principals.
func (h *PrincipalHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims := auth.ClaimsFrom(ctx)

	req := &CreatePrincipalRequest{}
	if err := render.Bind(r, req); err != nil {
		render.Render(w, r, licenseErrors.NewProblemDetails(
			http.StatusBadRequest,
			"/errors/invalid-request",
			"Invalid Request",
			err.Error(),
			r.URL.Path,
		))
		return
	}

	role, _ := domain.ParseRole(req.Role)
	created, err := h.registry.Create(ctx, &domain.Principal{
		OrganizationID: claims.OrganizationID,
		Role:           role,
		DisplayName:    req.DisplayName,
		Email:          req.Email,
	})
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.logger.InfoContext(ctx, "principal created",
		slog.String("principal_id", created.ID),
		slog.String("organization_id", created.OrganizationID),
		slog.String("role", string(created.Role)))

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, created)
}

// List handles GET /api/principals.
func (h *PrincipalHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims := auth.ClaimsFrom(ctx)

	principals := h.registry.List(ctx, claims.OrganizationID)
	render.JSON(w, r, map[string]any{
		"organization_id": claims.OrganizationID,
		"count":           len(principals),
		"principals":      principals,
	})
}

// Get handles GET /api/principals/{principalID}.
func (h *PrincipalHandler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims := auth.ClaimsFrom(ctx)

	p, err := h.lookup(r, claims.OrganizationID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	render.JSON(w, r, p)
}

// UpdateRole handles PUT /api/principals/{principalID}/role.
func (h *PrincipalHandler) UpdateRole(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims := auth.ClaimsFrom(ctx)

	req := &UpdateRoleRequest{}
	if err := render.Bind(r, req); err != nil {
		render.Render(w, r, licenseErrors.NewProblemDetails(
			http.StatusBadRequest,
			"/errors/invalid-request",
			"Invalid Request",
			err.Error(),
			r.URL.Path,
		))
		return
	}

	if _, err := h.lookup(r, claims.OrganizationID); err != nil {
		h.handleError(w, r, err)
		return
	}

	role, _ := domain.ParseRole(req.Role)
	updated, err := h.registry.SetRole(ctx, chi.URLParam(r, "principalID"), role)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	render.JSON(w, r, updated)
}

// UpdateStatus handles PUT /api/principals/{principalID}/status. Suspending
// a principal blocks new connects; existing sessions drain through the
// reaper or explicit disconnect.
func (h *PrincipalHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims := auth.ClaimsFrom(ctx)

	req := &UpdateStatusRequest{}
	if err := render.Bind(r, req); err != nil {
		render.Render(w, r, licenseErrors.NewProblemDetails(
			http.StatusBadRequest,
			"/errors/invalid-request",
			"Invalid Request",
			err.Error(),
			r.URL.Path,
		))
		return
	}

	if _, err := h.lookup(r, claims.OrganizationID); err != nil {
		h.handleError(w, r, err)
		return
	}

	updated, err := h.registry.SetStatus(ctx, chi.URLParam(r, "principalID"), domain.PrincipalStatus(req.Status))
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.logger.InfoContext(ctx, "principal status changed",
		slog.String("principal_id", updated.ID),
		slog.String("status", string(updated.Status)))

	render.JSON(w, r, updated)
}

// lookup fetches the path principal, confined to the caller's organization.
func (h *PrincipalHandler) lookup(r *http.Request, organizationID string) (*domain.Principal, error) {
	p, err := h.registry.Get(r.Context(), chi.URLParam(r, "principalID"))
	if err != nil {
		return nil, err
	}
	if p.OrganizationID != organizationID {
		return nil, principal.ErrPrincipalNotFound
	}
	return p, nil
}

func (h *PrincipalHandler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	traceID := infrastructure.GetTraceID(ctx)
	if traceID == "" {
		traceID = middleware.GetReqID(ctx)
	}

	if errors.Is(err, principal.ErrPrincipalNotFound) {
		render.Render(w, r, licenseErrors.NewProblemDetails(
			http.StatusNotFound,
			"/errors/principal-not-found",
			"Principal Not Found",
			"The principal does not exist in this organization.",
			r.URL.Path,
		).WithExtension("trace_id", traceID))
		return
	}

	h.logger.WarnContext(ctx, "principal request failed",
		slog.String("path", r.URL.Path),
		slog.String("method", r.Method),
		slog.String("error", err.Error()))

	render.Render(w, r, licenseErrors.MapLicenseError(err, traceID))
}
