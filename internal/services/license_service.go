package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"snowgate/internal/infrastructure"
	"snowgate/internal/license"
)

// LicenseService provides business logic for license operations.
type LicenseService interface {
	GetStatus(ctx context.Context) (*LicenseStatusResponse, error)
	Activate(ctx context.Context, key string) (*ActivationResponse, error)
	CheckRenewalStatus(ctx context.Context) (*RenewalStatusResponse, error)
}

// LicenseStatusResponse is the standardized license status payload.
type LicenseStatusResponse struct {
	LicenseStatus string          `json:"license_status"` // active|warning|critical|expired|not_activated
	Message       string          `json:"message"`
	DaysLeft      int             `json:"days_left,omitempty"`
	Status        *license.Status `json:"details,omitempty"`
	TraceID       string          `json:"trace_id"`
	Timestamp     time.Time       `json:"timestamp"`
}

// ActivationResponse confirms a successful key activation.
type ActivationResponse struct {
	Tier             string    `json:"tier"`
	OrganizationID   string    `json:"organization_id"`
	DeveloperSeats   int       `json:"developer_seats"`
	StakeholderSeats int       `json:"stakeholder_seats"`
	Expiry           time.Time `json:"expiry"`
	Features         []string  `json:"features"`
	TraceID          string    `json:"trace_id"`
}

// RenewalStatusResponse provides license renewal information.
type RenewalStatusResponse struct {
	NeedsRenewal    bool      `json:"needs_renewal"`
	IsExpired       bool      `json:"is_expired"`
	DaysUntilExpiry int       `json:"days_until_expiry"`
	ExpiryDate      time.Time `json:"expiry_date"`
	RenewalUrgency  string    `json:"renewal_urgency"` // low|medium|high|critical
	RenewalMessage  string    `json:"renewal_message"`
	TraceID         string    `json:"trace_id"`
}

type licenseService struct {
	manager license.ManagerInterface
	logger  *slog.Logger
}

// NewLicenseService creates a new license service.
func NewLicenseService(manager license.ManagerInterface, logger *slog.Logger) LicenseService {
	if logger == nil {
		logger = slog.Default()
	}
	return &licenseService{
		manager: manager,
		logger:  logger.With(slog.String("service", "license")),
	}
}

func traceIDFor(ctx context.Context) string {
	if id := middleware.GetReqID(ctx); id != "" {
		return id
	}
	return infrastructure.TraceIDFromContext(ctx)
}

// GetStatus returns the current license status.
func (s *licenseService) GetStatus(ctx context.Context) (*LicenseStatusResponse, error) {
	traceID := traceIDFor(ctx)

	status := s.manager.Status(ctx)

	s.logger.InfoContext(ctx, "license status checked",
		slog.String("trace_id", traceID),
		slog.String("state", status.State),
		slog.Int("days_left", status.DaysLeft))

	return &LicenseStatusResponse{
		LicenseStatus: status.State,
		Message:       status.Message,
		DaysLeft:      status.DaysLeft,
		Status:        status,
		TraceID:       traceID,
		Timestamp:     time.Now().UTC(),
	}, nil
}

// Activate parses, verifies and installs a new license key.
func (s *licenseService) Activate(ctx context.Context, key string) (*ActivationResponse, error) {
	traceID := traceIDFor(ctx)

	s.logger.InfoContext(ctx, "license activation started",
		slog.String("trace_id", traceID),
		slog.Int("key_length", len(key)))

	grant, err := s.manager.Activate(ctx, key)
	if err != nil {
		s.logger.WarnContext(ctx, "license activation failed",
			slog.String("trace_id", traceID),
			slog.String("error", err.Error()))
		return nil, err
	}

	s.logger.InfoContext(ctx, "license activated",
		slog.String("trace_id", traceID),
		slog.String("tier", grant.Tier),
		slog.String("organization_id", grant.OrganizationID),
		slog.Time("expiry", grant.Expiry))

	return &ActivationResponse{
		Tier:             grant.Tier,
		OrganizationID:   grant.OrganizationID,
		DeveloperSeats:   grant.DeveloperSeats,
		StakeholderSeats: grant.StakeholderSeats,
		Expiry:           grant.Expiry,
		Features:         grant.Features,
		TraceID:          traceID,
	}, nil
}

// CheckRenewalStatus derives renewal urgency from the active grant.
func (s *licenseService) CheckRenewalStatus(ctx context.Context) (*RenewalStatusResponse, error) {
	traceID := traceIDFor(ctx)

	grant, err := s.manager.ActiveGrant(ctx)
	if err != nil {
		return nil, err
	}

	days := grant.DaysLeft(time.Now())
	resp := &RenewalStatusResponse{
		DaysUntilExpiry: days,
		ExpiryDate:      grant.Expiry,
		TraceID:         traceID,
	}

	switch {
	case days < 0:
		resp.IsExpired = true
		resp.NeedsRenewal = true
		resp.RenewalUrgency = "critical"
		resp.RenewalMessage = "License has expired. Renew immediately to restore access."
	case days <= 7:
		resp.NeedsRenewal = true
		resp.RenewalUrgency = "critical"
		resp.RenewalMessage = fmt.Sprintf("License expires in %d days. Renew now.", days)
	case days <= 30:
		resp.NeedsRenewal = true
		resp.RenewalUrgency = "high"
		resp.RenewalMessage = fmt.Sprintf("License expires in %d days. Plan renewal.", days)
	case days <= 60:
		resp.RenewalUrgency = "medium"
		resp.RenewalMessage = fmt.Sprintf("License expires in %d days.", days)
	default:
		resp.RenewalUrgency = "low"
		resp.RenewalMessage = "License is current."
	}

	return resp, nil
}
