package http

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"snowgate/internal/auth"
	"snowgate/internal/domain"
	licenseErrors "snowgate/internal/errors"
	"snowgate/internal/infrastructure"
	"snowgate/internal/services"
)

// SessionHandler serves the connect, heartbeat and disconnect endpoints plus
// the session and seat listings.
type SessionHandler struct {
	service services.SessionService
	logger  *slog.Logger
}

// NewSessionHandler creates a new session handler.
func NewSessionHandler(service services.SessionService, logger *slog.Logger) *SessionHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionHandler{
		service: service,
		logger:  logger.With(slog.String("handler", "session")),
	}
}

// ConnectRequest is the connect payload accepted over HTTP.
type ConnectRequest struct {
	services.ConnectRequest
}

// Bind implements render.Binder.
func (c *ConnectRequest) Bind(r *http.Request) error {
	switch c.Kind {
	case "", domain.ConnectionHTTP, domain.ConnectionWebSocket:
	default:
		return errors.New("kind must be http or websocket")
	}
	if len(c.Fingerprint) > 128 {
		return errors.New("fingerprint must be at most 128 characters")
	}
	return nil
}

// Routes returns the session routes, mounted under /api.
func (h *SessionHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Timeout(30 * time.Second))

	r.Post("/connect", h.Connect)
	r.Get("/seats", h.Seats)
	r.Route("/sessions", func(r chi.Router) {
		r.Get("/", h.List)
		r.Post("/{sessionID}/heartbeat", h.Heartbeat)
		r.Delete("/{sessionID}", h.Disconnect)
	})
	return r
}

// Connect handles POST /api/connect. The caller's identity comes entirely
// from the verified token; the body only carries connection details.
func (h *SessionHandler) Connect(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tracer := otel.Tracer("session-handler")
	ctx, span := tracer.Start(ctx, "session_handler.connect",
		trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.route", "/api/connect"),
		))
	defer span.End()

	claims, ok := h.mustClaims(w, r)
	if !ok {
		return
	}

	req := &ConnectRequest{}
	if r.ContentLength > 0 {
		if err := render.Bind(r, req); err != nil {
			h.renderProblem(w, r, licenseErrors.NewProblemDetails(
				http.StatusBadRequest,
				"/errors/invalid-request",
				"Invalid Request",
				err.Error(),
				r.URL.Path,
			))
			return
		}
	}

	span.SetAttributes(
		attribute.String("organization_id", claims.OrganizationID),
		attribute.String("role", string(claims.Role)))

	resp, err := h.service.Connect(ctx, claims, &req.ConnectRequest)
	if err != nil {
		span.RecordError(err)
		h.handleError(w, r, err)
		return
	}

	h.logger.InfoContext(ctx, "session connected",
		slog.String("session_id", resp.SessionID),
		slog.String("organization_id", claims.OrganizationID),
		slog.String("role", resp.Role),
		slog.Int("used", resp.Used),
		slog.Int("limit", resp.Limit))

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, resp)
}

// Heartbeat handles POST /api/sessions/{sessionID}/heartbeat.
func (h *SessionHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID := chi.URLParam(r, "sessionID")

	if !h.sessionVisible(r, sessionID) {
		h.handleError(w, r, licenseErrors.ErrSessionGone)
		return
	}

	if err := h.service.Heartbeat(ctx, sessionID); err != nil {
		h.handleError(w, r, err)
		return
	}

	render.JSON(w, r, map[string]any{
		"session_id": sessionID,
		"touched_at": time.Now().UTC(),
	})
}

// Disconnect handles DELETE /api/sessions/{sessionID}. Disconnecting an
// already-gone session returns 204 as well; the seat is free either way.
func (h *SessionHandler) Disconnect(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID := chi.URLParam(r, "sessionID")

	if !h.sessionVisible(r, sessionID) {
		render.NoContent(w, r)
		return
	}

	if err := h.service.Disconnect(ctx, sessionID); err != nil {
		h.handleError(w, r, err)
		return
	}

	h.logger.InfoContext(ctx, "session disconnected",
		slog.String("session_id", sessionID))

	render.NoContent(w, r)
}

// List handles GET /api/sessions and returns every session of the caller's
// organization, stale ones included.
func (h *SessionHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims, ok := h.mustClaims(w, r)
	if !ok {
		return
	}

	sessions := h.service.ListSessions(ctx, claims.OrganizationID)
	render.JSON(w, r, map[string]any{
		"organization_id": claims.OrganizationID,
		"count":           len(sessions),
		"sessions":        sessions,
	})
}

// Seats handles GET /api/seats and reports per-pool usage without reserving.
func (h *SessionHandler) Seats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims, ok := h.mustClaims(w, r)
	if !ok {
		return
	}

	usages, err := h.service.Seats(ctx, claims.OrganizationID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	render.JSON(w, r, map[string]any{
		"organization_id": claims.OrganizationID,
		"seats":           usages,
	})
}

// sessionVisible confines session mutations to the caller's organization. A
// session in another organization is indistinguishable from a missing one.
func (h *SessionHandler) sessionVisible(r *http.Request, sessionID string) bool {
	claims := auth.ClaimsFrom(r.Context())
	if claims == nil {
		return false
	}
	_, err := h.service.GetSession(r.Context(), claims.OrganizationID, sessionID)
	return err == nil
}

func (h *SessionHandler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	traceID := infrastructure.GetTraceID(ctx)
	if traceID == "" {
		traceID = middleware.GetReqID(ctx)
	}

	h.logger.WarnContext(ctx, "session request failed",
		slog.String("path", r.URL.Path),
		slog.String("method", r.Method),
		slog.String("error", err.Error()))

	render.Render(w, r, licenseErrors.MapLicenseError(err, traceID))
}

func (h *SessionHandler) renderProblem(w http.ResponseWriter, r *http.Request, p *licenseErrors.ProblemDetails) {
	render.Render(w, r, p)
}

// mustClaims fetches the verified claims or renders 401. The token auth
// middleware makes claims present on every non-exempt route, so the nil
// branch only fires when a handler is mounted outside that chain.
func (h *SessionHandler) mustClaims(w http.ResponseWriter, r *http.Request) (*auth.Claims, bool) {
	claims := auth.ClaimsFrom(r.Context())
	if claims == nil {
		h.renderProblem(w, r, licenseErrors.NewProblemDetails(
			http.StatusUnauthorized,
			"/errors/unauthorized",
			"Unauthorized",
			"A verified token is required.",
			r.URL.Path,
		))
		return nil, false
	}
	return claims, true
}
