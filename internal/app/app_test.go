package app

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"snowgate/internal/auth"
	"snowgate/internal/config"
	"snowgate/internal/domain"
	"snowgate/internal/infrastructure"
	"snowgate/internal/services"
	"snowgate/internal/shared/testutil"
)

// The prometheus exporter registers collectors in the process-wide default
// registry, so telemetry is initialized once and shared by every test.
var (
	otelOnce  sync.Once
	providers *infrastructure.OTelProviders
	otelErr   error
)

func sharedProviders(t *testing.T) *infrastructure.OTelProviders {
	t.Helper()
	otelOnce.Do(func() {
		logger := slog.New(slog.NewTextHandler(io.Discard, nil))
		providers, otelErr = infrastructure.InitializeOTel(&infrastructure.OTelConfig{
			ServiceName:    "snowgate-test",
			ServiceVersion: "test",
			Environment:    "test",
			TraceExporter:  "stdout",
			MetricExporter: "prometheus",
			EnableTracing:  true,
			EnableMetrics:  true,
			SampleRatio:    1.0,
		}, logger)
	})
	require.NoError(t, otelErr)
	return providers
}

func newTestApplication(t *testing.T) *Application {
	t.Helper()

	cfg := &config.Config{
		Server: config.ServerConfig{
			Port:            0,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     time.Minute,
			MaxHeaderBytes:  1 << 20,
			ShutdownTimeout: 5 * time.Second,
		},
		Licensing: config.LicensingConfig{
			KeyFile:        filepath.Join(t.TempDir(), "license.key"),
			GrantCacheSize: 16,
			GrantCacheTTL:  time.Minute,
		},
		Sessions: config.SessionsConfig{
			IdleThreshold:  30 * time.Minute,
			SweepInterval:  10 * time.Minute,
			ReserveTimeout: time.Second,
		},
		Auth: config.AuthConfig{
			TokenSecret: "app-test-secret",
			TokenLeeway: 30 * time.Second,
		},
		Security: config.SecurityConfig{
			AllowedOrigins: []string{"http://localhost:8080"},
			EnableCORS:     true,
		},
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	app := &Application{
		Config:        cfg,
		Logger:        logger,
		OTelProviders: sharedProviders(t),
	}
	require.NoError(t, app.initializeComponents())
	app.setupRouter()
	app.createServer()
	t.Cleanup(app.Hub.Stop)
	return app
}

func machineToken(t *testing.T, app *Application, org string) string {
	t.Helper()
	token, err := app.Verifier.Issue(&auth.Claims{
		OrganizationID: org,
		Tier:           "TEAM",
		Role:           domain.RoleDeveloper,
	}, time.Hour)
	require.NoError(t, err)
	return token
}

func TestApplicationHealthEndpointsExemptFromAuth(t *testing.T) {
	app := newTestApplication(t)

	for _, path := range []string{"/api/health", "/api/health/ready", "/api/health/live", "/api/version"} {
		rec := httptest.NewRecorder()
		app.Router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
}

func TestApplicationProtectedRouteRequiresToken(t *testing.T) {
	app := newTestApplication(t)

	rec := httptest.NewRecorder()
	app.Router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/sessions/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestApplicationLicenseGateBlocksUnlicensed(t *testing.T) {
	app := newTestApplication(t)

	req := httptest.NewRequest(http.MethodPost, "/api/connect", nil)
	req.Header.Set("Authorization", "Bearer "+machineToken(t, app, "ACME"))

	rec := httptest.NewRecorder()
	app.Router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusPreconditionRequired, rec.Code)
}

func TestApplicationActivateThenConnect(t *testing.T) {
	app := newTestApplication(t)

	payload, _ := json.Marshal(map[string]string{
		"license_key": testutil.TeamKey("ACME", 5, 2),
	})
	req := httptest.NewRequest(http.MethodPost, "/api/license/activate", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	app.Router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	req = httptest.NewRequest(http.MethodPost, "/api/connect", nil)
	req.Header.Set("Authorization", "Bearer "+machineToken(t, app, "ACME"))
	rec = httptest.NewRecorder()
	app.Router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp services.ConnectResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.SessionID)
	assert.NotEmpty(t, resp.SessionToken)
	assert.Equal(t, 1, resp.Used)
	assert.Equal(t, 5, resp.Limit)

	// The issued token addresses the session on follow-up calls.
	req = httptest.NewRequest(http.MethodPost, "/api/sessions/"+resp.SessionID+"/heartbeat", nil)
	req.Header.Set("Authorization", "Bearer "+resp.SessionToken)
	rec = httptest.NewRecorder()
	app.Router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestApplicationRejectsWrongContentType(t *testing.T) {
	app := newTestApplication(t)

	req := httptest.NewRequest(http.MethodPost, "/api/license/activate",
		bytes.NewReader([]byte("license_key=abc")))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	rec := httptest.NewRecorder()
	app.Router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code, rec.Body.String())
}

func TestApplicationRejectsInvalidJSONBody(t *testing.T) {
	app := newTestApplication(t)

	req := httptest.NewRequest(http.MethodPost, "/api/license/activate",
		bytes.NewReader([]byte("{not json")))
	req.Header.Set("Content-Type", "application/json")

	rec := httptest.NewRecorder()
	app.Router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), "INVALID_JSON")
}

func TestApplicationMetricsEndpoint(t *testing.T) {
	app := newTestApplication(t)

	rec := httptest.NewRecorder()
	app.Router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestApplicationWebSocketOriginCheck(t *testing.T) {
	app := newTestApplication(t)

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	assert.True(t, app.checkWebSocketOrigin(req), "no origin header")

	req.Header.Set("Origin", "http://localhost:8080")
	assert.True(t, app.checkWebSocketOrigin(req))

	req.Header.Set("Origin", "http://evil.example")
	assert.False(t, app.checkWebSocketOrigin(req))

	app.Config.Security.EnableCORS = false
	assert.True(t, app.checkWebSocketOrigin(req))
}
