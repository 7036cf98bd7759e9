package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/render"
)

// License and seat sentinel errors (using errors package for sentinel errors)
var (
	ErrLicenseExpired       = errors.New("license expired")
	ErrLicenseNotActivated  = errors.New("license not activated")
	ErrMalformedLicense     = errors.New("malformed license key")
	ErrCapacityExceeded     = errors.New("seat capacity exceeded")
	ErrReservationContended = errors.New("seat reservation contended")
	ErrPermission           = errors.New("permission denied")
	ErrSessionGone          = errors.New("session not found")
	ErrPrincipalDisabled    = errors.New("principal is not active")
)

// SeatDetails carries the structured usage counters that every capacity
// failure must name. A bare boolean is never returned to the caller.
type SeatDetails struct {
	OrganizationID string `json:"organization_id"`
	Role           string `json:"role"`
	Used           int    `json:"used"`
	Limit          int    `json:"limit"`
}

// CapacityError is returned when no seat is available for an (organization,
// role) pair. The caller may retry later or free a seat; the control plane
// never queues the request.
type CapacityError struct {
	SeatDetails
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("no %s seats available for %s, %d/%d in use",
		e.Role, e.OrganizationID, e.Used, e.Limit)
}

func (e *CapacityError) Unwrap() error { return ErrCapacityExceeded }

// NewCapacityError builds a CapacityError with the usage counters observed
// during the failed reservation.
func NewCapacityError(org, role string, used, limit int) *CapacityError {
	return &CapacityError{SeatDetails{
		OrganizationID: org,
		Role:           role,
		Used:           used,
		Limit:          limit,
	}}
}

// PermissionError is returned, never silently swallowed, when a session's
// role fails the capability check. It names the capability, the roles that
// may invoke it and the caller's actual role.
type PermissionError struct {
	Capability    string   `json:"capability"`
	RequiredRoles []string `json:"required_roles"`
	ActualRole    string   `json:"actual_role"`
	Reason        string   `json:"reason,omitempty"`
}

func (e *PermissionError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("role %s cannot invoke capability %s: %s",
			e.ActualRole, e.Capability, e.Reason)
	}
	return fmt.Sprintf("role %s cannot invoke capability %s (requires one of %s)",
		e.ActualRole, e.Capability, strings.Join(e.RequiredRoles, ", "))
}

func (e *PermissionError) Unwrap() error { return ErrPermission }

// ProblemDetails implements RFC 7807 Problem Details for HTTP APIs
type ProblemDetails struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`

	// Additional fields for extensibility
	Extensions map[string]interface{} `json:"-"`
}

// Render implements the render.Renderer interface
func (pd *ProblemDetails) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, pd.Status)
	return nil
}

// MarshalJSON custom marshaler to include extensions
func (pd *ProblemDetails) MarshalJSON() ([]byte, error) {
	data := make(map[string]interface{})

	data["type"] = pd.Type
	data["title"] = pd.Title
	data["status"] = pd.Status

	if pd.Detail != "" {
		data["detail"] = pd.Detail
	}
	if pd.Instance != "" {
		data["instance"] = pd.Instance
	}

	for k, v := range pd.Extensions {
		data[k] = v
	}

	return json.Marshal(data)
}

// NewProblemDetails creates a new RFC 7807 compliant error
func NewProblemDetails(status int, problemType, title, detail, instance string) *ProblemDetails {
	return &ProblemDetails{
		Type:       problemType,
		Title:      title,
		Status:     status,
		Detail:     detail,
		Instance:   instance,
		Extensions: make(map[string]interface{}),
	}
}

// WithExtension adds an extension field to the problem details
func (pd *ProblemDetails) WithExtension(key string, value interface{}) *ProblemDetails {
	pd.Extensions[key] = value
	return pd
}

// NewCapacityProblem renders a seat-capacity failure with the usage counters
// the caller needs to act on ("no seats available, N/M in use").
func NewCapacityProblem(capErr *CapacityError, traceID string) *ProblemDetails {
	return NewProblemDetails(
		http.StatusConflict,
		"/errors/capacity-exceeded",
		"Seat Capacity Exceeded",
		capErr.Error(),
		fmt.Sprintf("/api/connect#%s", traceID),
	).WithExtension("trace_id", traceID).
		WithExtension("error_code", "CAPACITY_EXCEEDED").
		WithExtension("organization_id", capErr.OrganizationID).
		WithExtension("role", capErr.Role).
		WithExtension("used", capErr.Used).
		WithExtension("limit", capErr.Limit)
}

// NewPermissionProblem renders a capability denial naming required vs actual
// role, per invocation; it never terminates the session.
func NewPermissionProblem(permErr *PermissionError, traceID string) *ProblemDetails {
	return NewProblemDetails(
		http.StatusForbidden,
		"/errors/permission-denied",
		"Permission Denied",
		permErr.Error(),
		fmt.Sprintf("/api/capabilities/%s#%s", permErr.Capability, traceID),
	).WithExtension("trace_id", traceID).
		WithExtension("error_code", "PERMISSION_DENIED").
		WithExtension("capability", permErr.Capability).
		WithExtension("required_roles", permErr.RequiredRoles).
		WithExtension("actual_role", permErr.ActualRole)
}

// MapLicenseError maps domain errors to HTTP problem details
func MapLicenseError(err error, traceID string) render.Renderer {
	instance := fmt.Sprintf("/api/license#trace-%s", traceID)

	var capErr *CapacityError
	if errors.As(err, &capErr) {
		return NewCapacityProblem(capErr, traceID)
	}

	var permErr *PermissionError
	if errors.As(err, &permErr) {
		return NewPermissionProblem(permErr, traceID)
	}

	switch {
	case errors.Is(err, ErrLicenseExpired):
		return NewProblemDetails(
			http.StatusForbidden,
			"/errors/license-expired",
			"License Expired",
			"The license for this organization has expired. Renew to continue.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "LICENSE_EXPIRED")

	case errors.Is(err, ErrLicenseNotActivated):
		return NewProblemDetails(
			http.StatusPreconditionRequired,
			"/errors/license-not-activated",
			"License Not Activated",
			"No license has been activated. Activate a license key to continue.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "LICENSE_NOT_ACTIVATED")

	case errors.Is(err, ErrMalformedLicense):
		return NewProblemDetails(
			http.StatusBadRequest,
			"/errors/malformed-license",
			"Malformed License Key",
			"The provided license key is structurally invalid or its checksum does not match.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "MALFORMED_LICENSE").
			WithExtension("expected_format", "SNOW-TIER-ORG[-DEV/STK]-YYYYMMDD-CHECKSUM")

	case errors.Is(err, ErrReservationContended):
		return NewProblemDetails(
			http.StatusConflict,
			"/errors/reservation-contended",
			"Reservation Contended",
			"The seat reservation could not be serialized promptly. Retry shortly.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "RESERVATION_CONTENDED").
			WithExtension("retryable", true)

	case errors.Is(err, ErrSessionGone):
		return NewProblemDetails(
			http.StatusNotFound,
			"/errors/session-not-found",
			"Session Not Found",
			"The session does not exist or has already been reclaimed.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "SESSION_NOT_FOUND")

	case errors.Is(err, ErrPrincipalDisabled):
		return NewProblemDetails(
			http.StatusForbidden,
			"/errors/principal-disabled",
			"Principal Disabled",
			"The principal is inactive or suspended and may not open sessions.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "PRINCIPAL_DISABLED")

	default:
		return NewProblemDetails(
			http.StatusInternalServerError,
			"/errors/internal-error",
			"Internal Server Error",
			"An unexpected error occurred while processing your request.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "INTERNAL_ERROR")
	}
}
