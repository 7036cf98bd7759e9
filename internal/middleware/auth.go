package middleware

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/render"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"snowgate/internal/auth"
	apierrors "snowgate/internal/errors"
	"snowgate/internal/infrastructure"
	"snowgate/internal/license"
	"snowgate/internal/session"
)

// TokenAuth verifies the bearer token on every request and resolves the
// token's claims, and session handle when the token is session-bound, into
// the request context. The token is the only place a role is read from.
type TokenAuth struct {
	verifier *auth.Verifier
	registry session.Store
	logger   *slog.Logger

	excludePaths    []string
	excludePrefixes []string
}

// NewTokenAuth creates the token authentication middleware. Health, metrics
// and license activation endpoints stay reachable without a token.
func NewTokenAuth(verifier *auth.Verifier, registry session.Store, logger *slog.Logger) *TokenAuth {
	return &TokenAuth{
		verifier: verifier,
		registry: registry,
		logger:   logger.With(slog.String("component", "token_auth")),
		excludePaths: []string{
			"/",
			"/api/health",
			"/api/health/ready",
			"/api/health/live",
			"/api/version",
			"/api/license/activate",
			"/api/license/status",
			"/metrics",
			"/favicon.ico",
		},
		excludePrefixes: []string{
			"/static/",
		},
	}
}

func (ta *TokenAuth) exempt(path string) bool {
	for _, p := range ta.excludePaths {
		if p == path {
			return true
		}
	}
	for _, prefix := range ta.excludePrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// Handler returns the middleware handler function.
func (ta *TokenAuth) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ta.exempt(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		ctx := r.Context()
		tracer := otel.Tracer("token-auth")
		ctx, span := tracer.Start(ctx, "token_auth.verify",
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.url", r.URL.Path),
			),
		)
		defer span.End()

		raw := bearerToken(r)
		if raw == "" {
			span.SetAttributes(attribute.String("auth.result", "missing_token"))
			ta.logger.WarnContext(ctx, "missing bearer token",
				slog.String("path", r.URL.Path),
				slog.String("remote_addr", r.RemoteAddr))
			render.Render(w, r, apierrors.ErrInvalidToken)
			return
		}

		claims, err := ta.verifier.Verify(ctx, raw)
		if err != nil {
			span.SetAttributes(attribute.String("auth.result", "invalid_token"))
			ta.logger.WarnContext(ctx, "token verification failed",
				slog.String("path", r.URL.Path),
				slog.String("error", err.Error()))
			render.Render(w, r, apierrors.ErrInvalidToken)
			return
		}

		span.SetAttributes(
			attribute.String("auth.result", "ok"),
			attribute.String("auth.organization_id", claims.OrganizationID),
			attribute.String("auth.role", string(claims.Role)),
		)

		ctx = auth.WithClaims(ctx, claims)

		// Session-bound tokens resolve their session handle here; a token
		// naming a reclaimed session still authenticates, the handler
		// decides whether a live session is required.
		if claims.SessionID != "" && ta.registry != nil {
			if s, err := ta.registry.Get(ctx, claims.SessionID); err == nil {
				ctx = auth.WithSession(ctx, s)
			}
		}

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// bearerToken extracts the token from the Authorization header, falling back
// to the access_token query parameter for websocket upgrades, where browsers
// cannot set headers.
func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return r.URL.Query().Get("access_token")
}

// LicenseGate blocks gated endpoints while no valid license is active. The
// check rides the manager's grant cache, so the per-request cost is a cache
// lookup, not a key re-parse.
type LicenseGate struct {
	manager license.ManagerInterface
	logger  *slog.Logger

	excludePaths    []string
	excludePrefixes []string
}

// NewLicenseGate creates the license gate middleware. The license endpoints
// themselves are exempt so an expired installation can still activate a new
// key.
func NewLicenseGate(manager license.ManagerInterface, logger *slog.Logger) *LicenseGate {
	return &LicenseGate{
		manager: manager,
		logger:  logger.With(slog.String("component", "license_gate")),
		excludePaths: []string{
			"/",
			"/api/health",
			"/api/health/ready",
			"/api/health/live",
			"/api/version",
			"/api/license/activate",
			"/api/license/status",
			"/metrics",
			"/favicon.ico",
		},
		excludePrefixes: []string{
			"/static/",
		},
	}
}

func (lg *LicenseGate) exempt(path string) bool {
	for _, p := range lg.excludePaths {
		if p == path {
			return true
		}
	}
	for _, prefix := range lg.excludePrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// Handler returns the middleware handler function.
func (lg *LicenseGate) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if lg.exempt(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		ctx := r.Context()
		if err := lg.manager.Validate(ctx); err != nil {
			traceID := infrastructure.GetTraceID(ctx)
			lg.logger.WarnContext(ctx, "request blocked by license gate",
				slog.String("path", r.URL.Path),
				slog.String("error", err.Error()),
				slog.String("trace_id", traceID))

			w.Header().Set("Content-Type", "application/problem+json")
			render.Render(w, r, apierrors.MapLicenseError(err, traceID))
			return
		}

		next.ServeHTTP(w, r)
	})
}
