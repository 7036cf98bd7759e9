package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"snowgate/internal/auth"
	"snowgate/internal/capability"
	"snowgate/internal/config"
	"snowgate/internal/domain"
	apierrors "snowgate/internal/errors"
	"snowgate/internal/infrastructure"
	"snowgate/internal/ledger"
	"snowgate/internal/license"
	customMiddleware "snowgate/internal/middleware"
	"snowgate/internal/principal"
	"snowgate/internal/reaper"
	"snowgate/internal/services"
	"snowgate/internal/session"
	handlers "snowgate/internal/transport/http"
	ws "snowgate/internal/websocket"
)

// Version is the gateway version, overridable at build time with
// -ldflags "-X snowgate/internal/app.Version=...".
var Version = "dev"

// Application is the assembled gateway: every component, the router and the
// HTTP server.
type Application struct {
	Config *config.Config
	Router *chi.Mux
	Server *http.Server
	Logger *slog.Logger

	LicenseManager *license.Manager
	Registry       *session.Registry
	Ledger         *ledger.Ledger
	Principals     *principal.Registry
	Catalog        *capability.Catalog
	Verifier       *auth.Verifier
	Reaper         *reaper.Reaper
	Hub            *ws.Hub

	SessionService services.SessionService
	LicenseService services.LicenseService
	HealthService  services.HealthService

	OTelProviders *infrastructure.OTelProviders
	GateMetrics   *infrastructure.GateMetrics

	reaperCancel context.CancelFunc
}

// NewApplication creates a fully wired gateway.
func NewApplication() (*Application, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := infrastructure.InitializeLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	logger.Info("gateway starting",
		slog.String("version", Version),
		slog.Int("port", cfg.Server.Port))

	otelProviders, err := infrastructure.InitializeOTel(infrastructure.DefaultOTelConfig(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}

	app := &Application{
		Config:        cfg,
		Logger:        logger,
		OTelProviders: otelProviders,
	}

	if err := app.initializeComponents(); err != nil {
		return nil, err
	}

	app.setupRouter()
	app.createServer()

	return app, nil
}

// initializeComponents builds the component graph bottom-up: registry and
// license manager first, then the ledger that depends on both, then the
// services and the hub.
func (a *Application) initializeComponents() error {
	gateMetrics, err := infrastructure.CreateGateMetrics(a.OTelProviders.Meter)
	if err != nil {
		return fmt.Errorf("failed to create gate metrics: %w", err)
	}
	a.GateMetrics = gateMetrics

	licenseManager, err := license.NewManager(a.Config.Licensing, a.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize license manager: %w", err)
	}
	a.LicenseManager = licenseManager

	policy := domain.StalePolicy{IdleThreshold: a.Config.Sessions.IdleThreshold}
	a.Registry = session.NewRegistry(policy, a.Logger)

	a.Ledger = ledger.New(a.Registry, licenseManager, a.Config.Sessions.ReserveTimeout, gateMetrics, a.Logger)
	a.Principals = principal.NewRegistry(a.Logger)

	catalog, err := capability.NewDefaultCatalog()
	if err != nil {
		return fmt.Errorf("failed to build capability catalog: %w", err)
	}
	a.Catalog = catalog

	verifier, err := auth.NewVerifier(a.Config.Auth.TokenSecret, a.Config.Auth.TokenLeeway, a.Logger)
	if err != nil {
		return fmt.Errorf("failed to create token verifier: %w", err)
	}
	a.Verifier = verifier

	a.Hub = ws.NewHub(a.Logger)
	a.Hub.Start()

	a.SessionService = services.NewSessionService(services.SessionServiceConfig{
		Registry:    a.Registry,
		Ledger:      a.Ledger,
		Licenses:    licenseManager,
		Principals:  a.Principals,
		Catalog:     catalog,
		Verifier:    verifier,
		Broadcaster: a.Hub,
		Metrics:     gateMetrics,
		Logger:      a.Logger,
	})
	a.LicenseService = services.NewLicenseService(licenseManager, a.Logger)

	a.Reaper = reaper.New(a.Registry, a.Config.Sessions.SweepInterval, gateMetrics, a.Logger)
	a.HealthService = services.NewHealthService(licenseManager, a.Registry, a.Reaper, Version, a.Logger)

	return nil
}

// setupRouter configures the router. The websocket route sits outside the
// full middleware group: wrapping its ResponseWriter would break the
// upgrade. Token auth still applies there.
func (a *Application) setupRouter() {
	r := chi.NewRouter()

	r.Use(customMiddleware.RequestID)
	r.Use(customMiddleware.RealIP)

	tokenAuth := customMiddleware.NewTokenAuth(a.Verifier, a.Registry, a.Logger)
	wsHandler := ws.NewHandler(a.Hub, a.SessionService, a.checkWebSocketOrigin, a.Logger)

	r.With(
		customMiddleware.WebSocketTraceMiddleware(a.Logger),
		tokenAuth.Handler,
	).Handle("/ws", wsHandler)

	r.Group(func(r chi.Router) {
		otelMiddleware, err := customMiddleware.NewOTelMiddleware(a.OTelProviders)
		if err != nil {
			a.Logger.Error("failed to create OpenTelemetry middleware",
				slog.String("error", err.Error()))
		} else {
			r.Use(otelMiddleware.Handler)
		}

		r.Use(customMiddleware.StructuredLogger(a.Logger))
		r.Use(customMiddleware.Recoverer(a.Logger))
		r.Use(customMiddleware.DefaultSecureHeaders().Handler)

		if a.Config.Security.EnableCORS {
			r.Use(customMiddleware.CORS(customMiddleware.CORSConfig{
				AllowedOrigins:   a.Config.Security.AllowedOrigins,
				AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
				AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
				AllowCredentials: true,
				MaxAge:           300,
				Logger:           a.Logger,
			}))
		}

		if a.Config.Security.RateLimit.Enabled {
			r.Use(customMiddleware.NewRateLimiter(
				a.Config.Security.RateLimit.RPS,
				a.Config.Security.RateLimit.Burst,
				a.Logger,
			).Handler)
		}

		r.Use(tokenAuth.Handler)

		licenseGate := customMiddleware.NewLicenseGate(a.LicenseManager, a.Logger)
		r.Use(licenseGate.Handler)

		r.Use(customMiddleware.AuditLog(a.Logger))

		a.setupAPIRoutes(r)
	})

	if a.OTelProviders.PrometheusHTTP != nil {
		r.Handle("/metrics", a.OTelProviders.PrometheusHTTP)
	}

	a.Router = r
}

// checkWebSocketOrigin applies the CORS allowed-origins list to websocket
// upgrades. Requests without an Origin header (non-browser clients) pass.
func (a *Application) checkWebSocketOrigin(r *http.Request) bool {
	if !a.Config.Security.EnableCORS {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range a.Config.Security.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	a.Logger.Warn("websocket upgrade rejected: origin not allowed",
		slog.String("origin", origin))
	return false
}

// setupAPIRoutes mounts the API handlers.
func (a *Application) setupAPIRoutes(r chi.Router) {
	errorHandler := apierrors.NewErrorHandler(a.Logger, false)
	validation := customMiddleware.NewValidationMiddleware(a.Logger, errorHandler)

	r.Route("/api", func(r chi.Router) {
		r.Use(render.SetContentType(render.ContentTypeJSON))
		r.Use(customMiddleware.Timeout(a.Config.Server.ReadTimeout, a.Logger))
		r.Use(customMiddleware.ContentTypeValidator("application/json"))
		r.Use(validation.ValidateRequest)

		healthHandler := handlers.NewHealthHandler(a.HealthService, Version, a.Logger)
		r.Get("/health", healthHandler.HealthCheck)
		r.Get("/health/ready", healthHandler.ReadinessCheck)
		r.Get("/health/live", healthHandler.LivenessCheck)
		r.Get("/version", healthHandler.Version)

		r.Mount("/license", handlers.NewLicenseHandler(a.LicenseService, validation, a.Logger).Routes())
		r.Mount("/capabilities", handlers.NewCapabilityHandler(a.SessionService, a.Logger).Routes())
		r.Mount("/principals", handlers.NewPrincipalHandler(a.Principals, a.Logger).Routes())
		r.Mount("/", handlers.NewSessionHandler(a.SessionService, a.Logger).Routes())
	})
}

// createServer builds the HTTP server from the server configuration.
func (a *Application) createServer() {
	a.Server = &http.Server{
		Addr:           fmt.Sprintf(":%d", a.Config.Server.Port),
		Handler:        a.Router,
		ReadTimeout:    a.Config.Server.ReadTimeout,
		WriteTimeout:   a.Config.Server.WriteTimeout,
		IdleTimeout:    a.Config.Server.IdleTimeout,
		MaxHeaderBytes: a.Config.Server.MaxHeaderBytes,
	}
}

// Run starts the reaper and the HTTP server, then blocks until the context
// is cancelled or a termination signal arrives.
func (a *Application) Run(ctx context.Context) error {
	reaperCtx, cancel := context.WithCancel(context.Background())
	a.reaperCancel = cancel
	go a.Reaper.Run(reaperCtx)

	errCh := make(chan error, 1)
	go func() {
		a.Logger.Info("http server listening", slog.String("addr", a.Server.Addr))
		if err := a.Server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case err := <-errCh:
		return fmt.Errorf("http server failed: %w", err)
	case sig := <-sigCh:
		a.Logger.Info("shutdown signal received", slog.String("signal", sig.String()))
	case <-ctx.Done():
		a.Logger.Info("context cancelled, shutting down")
	}

	return a.Stop(context.Background())
}

// Stop gracefully stops the gateway: server first so no new sessions
// arrive, then the reaper and hub, then telemetry.
func (a *Application) Stop(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, a.Config.Server.ShutdownTimeout)
	defer cancel()

	var firstErr error
	if err := a.Server.Shutdown(shutdownCtx); err != nil {
		a.Logger.Error("http server shutdown failed", slog.String("error", err.Error()))
		firstErr = err
	}

	if a.reaperCancel != nil {
		a.reaperCancel()
	}
	a.Hub.Stop()

	if a.OTelProviders != nil {
		if err := a.OTelProviders.Shutdown(shutdownCtx); err != nil {
			a.Logger.Error("telemetry shutdown failed", slog.String("error", err.Error()))
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	// Give in-flight log writes a moment before closing the log file.
	time.Sleep(50 * time.Millisecond)
	if err := infrastructure.CloseLogFile(); err != nil && firstErr == nil {
		firstErr = err
	}

	a.Logger.Info("gateway stopped")
	return firstErr
}
