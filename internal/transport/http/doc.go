// Package http contains the chi HTTP handlers for the gateway API.
//
// Each handler owns one resource and exposes a Routes() chi.Router that the
// application mounts under /api. Handlers stay thin: they bind and validate
// the request, call the matching service, and render either the service
// response or an RFC 7807 problem document. Authentication, license gating
// and request logging happen in middleware before a handler runs, so every
// handler can assume verified claims are present on the context except on
// the exempt license and health routes.
//
// Handlers:
//
//   - SessionHandler: connect, heartbeat, disconnect, session and seat listing
//   - CapabilityHandler: capability listing and invocation
//   - LicenseHandler: license status, activation and renewal
//   - PrincipalHandler: admin-only principal directory management
//   - HealthHandler: health, readiness, liveness and version
package http
