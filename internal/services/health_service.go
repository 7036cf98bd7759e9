package services

import (
	"context"
	"log/slog"
	"time"

	"snowgate/internal/license"
	"snowgate/internal/session"
)

// HealthService reports gateway health for the health endpoints.
type HealthService interface {
	Health(ctx context.Context) *HealthResponse
	Ready(ctx context.Context) (*HealthResponse, bool)
	Live(ctx context.Context) *HealthResponse
}

// SweepObserver exposes the reaper's last sweep time, for liveness checks.
type SweepObserver interface {
	LastSweep() time.Time
}

// HealthResponse is the health endpoint payload.
type HealthResponse struct {
	Status    string                 `json:"status"` // healthy|degraded|unhealthy
	Version   string                 `json:"version"`
	Timestamp time.Time              `json:"timestamp"`
	Uptime    string                 `json:"uptime"`
	Checks    map[string]HealthCheck `json:"checks,omitempty"`
}

// HealthCheck is one named component check.
type HealthCheck struct {
	Status string `json:"status"` // ok|warn|fail
	Detail string `json:"detail,omitempty"`
	Metric int    `json:"metric,omitempty"`
}

type healthService struct {
	licenses license.ManagerInterface
	registry session.Store
	reaper   SweepObserver
	version  string
	started  time.Time
	logger   *slog.Logger
}

// NewHealthService creates the health service.
func NewHealthService(licenses license.ManagerInterface, registry session.Store, reaper SweepObserver, version string, logger *slog.Logger) HealthService {
	if logger == nil {
		logger = slog.Default()
	}
	return &healthService{
		licenses: licenses,
		registry: registry,
		reaper:   reaper,
		version:  version,
		started:  time.Now(),
		logger:   logger.With(slog.String("service", "health")),
	}
}

// Health runs every component check and aggregates an overall status.
func (s *healthService) Health(ctx context.Context) *HealthResponse {
	checks := map[string]HealthCheck{
		"license":  s.checkLicense(ctx),
		"sessions": s.checkSessions(),
		"reaper":   s.checkReaper(),
	}

	status := "healthy"
	for _, c := range checks {
		switch c.Status {
		case "fail":
			status = "unhealthy"
		case "warn":
			if status == "healthy" {
				status = "degraded"
			}
		}
	}

	return &HealthResponse{
		Status:    status,
		Version:   s.version,
		Timestamp: time.Now().UTC(),
		Uptime:    time.Since(s.started).Round(time.Second).String(),
		Checks:    checks,
	}
}

// Ready reports whether the gateway should receive traffic. A missing or
// expired license degrades but does not fail readiness: the activation and
// status endpoints must stay reachable.
func (s *healthService) Ready(ctx context.Context) (*HealthResponse, bool) {
	resp := s.Health(ctx)
	return resp, resp.Status != "unhealthy"
}

// Live is a pure process liveness signal.
func (s *healthService) Live(ctx context.Context) *HealthResponse {
	return &HealthResponse{
		Status:    "healthy",
		Version:   s.version,
		Timestamp: time.Now().UTC(),
		Uptime:    time.Since(s.started).Round(time.Second).String(),
	}
}

func (s *healthService) checkLicense(ctx context.Context) HealthCheck {
	if err := s.licenses.Validate(ctx); err != nil {
		// Unlicensed is an operator condition, not a broken process.
		return HealthCheck{Status: "warn", Detail: err.Error()}
	}
	return HealthCheck{Status: "ok"}
}

func (s *healthService) checkSessions() HealthCheck {
	return HealthCheck{Status: "ok", Metric: s.registry.Len()}
}

func (s *healthService) checkReaper() HealthCheck {
	if s.reaper == nil {
		return HealthCheck{Status: "warn", Detail: "reaper not running"}
	}
	last := s.reaper.LastSweep()
	if last.IsZero() {
		// No sweep yet; fine right after startup.
		return HealthCheck{Status: "ok", Detail: "no sweep yet"}
	}
	return HealthCheck{Status: "ok", Detail: "last sweep " + last.UTC().Format(time.RFC3339)}
}
