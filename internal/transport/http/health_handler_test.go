package http

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"snowgate/internal/domain"
	licenseErrors "snowgate/internal/errors"
	"snowgate/internal/services"
	"snowgate/internal/session"
)

type fixedSweeper struct{ last time.Time }

func (s *fixedSweeper) LastSweep() time.Time { return s.last }

func newHealthRouter(stub *stubLicenses) chi.Router {
	registry := session.NewRegistry(domain.StalePolicy{IdleThreshold: domain.DefaultIdleThreshold}, nil)
	svc := services.NewHealthService(stub, registry, &fixedSweeper{last: time.Now()}, "test", nil)
	h := NewHealthHandler(svc, "test", nil)

	r := chi.NewRouter()
	r.Route("/api/health", func(r chi.Router) {
		r.Get("/", h.HealthCheck)
		r.Get("/ready", h.ReadinessCheck)
		r.Get("/live", h.LivenessCheck)
	})
	r.Get("/api/version", h.Version)
	return r
}

func TestHealthEndpoint(t *testing.T) {
	router := newHealthRouter(&stubLicenses{grant: testGrant()})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health/", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body services.HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body.Status)
	assert.Contains(t, body.Checks, "license")
}

func TestHealthEndpointUnlicensedStillServes(t *testing.T) {
	router := newHealthRouter(&stubLicenses{err: licenseErrors.ErrLicenseNotActivated})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health/", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body services.HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "degraded", body.Status)
}

func TestReadinessEndpoint(t *testing.T) {
	router := newHealthRouter(&stubLicenses{grant: testGrant()})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestLivenessEndpoint(t *testing.T) {
	router := newHealthRouter(&stubLicenses{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health/live", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body services.HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body.Status)
}

func TestVersionEndpoint(t *testing.T) {
	router := newHealthRouter(&stubLicenses{grant: testGrant()})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/version", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "test", body["version"])
}
