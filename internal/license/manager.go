package license

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"

	"snowgate/internal/config"
	licenseErrors "snowgate/internal/errors"
)

// Renewal urgency thresholds, in days before expiry.
const (
	renewalWarningDays  = 30
	renewalCriticalDays = 7
)

// Status describes the active license for the status endpoint.
type Status struct {
	State            string    `json:"state"` // active|warning|critical|expired|not_activated
	Message          string    `json:"message"`
	Tier             string    `json:"tier,omitempty"`
	OrganizationID   string    `json:"organization_id,omitempty"`
	DaysLeft         int       `json:"days_left,omitempty"`
	Expiry           time.Time `json:"expiry,omitempty"`
	DeveloperSeats   int       `json:"developer_seats,omitempty"`
	StakeholderSeats int       `json:"stakeholder_seats,omitempty"`
	Features         []string  `json:"features,omitempty"`
	LastChecked      time.Time `json:"last_checked"`
}

// ManagerInterface defines the manager surface consumed by services and
// middleware, kept as an interface for testing.
type ManagerInterface interface {
	Activate(ctx context.Context, key string) (*Grant, error)
	ActiveGrant(ctx context.Context) (*Grant, error)
	GrantForOrg(ctx context.Context, organizationID string) (*Grant, error)
	Validate(ctx context.Context) error
	Status(ctx context.Context) *Status
}

// Manager holds the active license key, a cache of decoded grants, and the
// validation entry points the rest of the gateway uses.
type Manager struct {
	keyFile string
	logger  *slog.Logger

	mu    sync.RWMutex
	key   string
	grant *Grant

	cache *expirable.LRU[string, *Grant]
	sf    singleflight.Group

	validations metric.Int64Counter
	activations metric.Int64Counter
}

var _ ManagerInterface = (*Manager)(nil)

// NewManager creates a license manager and loads a previously activated key
// from disk if one exists. A missing key file is not an error; activation is
// simply still required.
func NewManager(cfg config.LicensingConfig, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}

	meter := otel.Meter("snowgate")
	validations, err := meter.Int64Counter("license_validations_total",
		metric.WithDescription("Total number of license validations"))
	if err != nil {
		return nil, fmt.Errorf("failed to create validation counter: %w", err)
	}
	activations, err := meter.Int64Counter("license_activations_total",
		metric.WithDescription("Total number of license activation attempts"))
	if err != nil {
		return nil, fmt.Errorf("failed to create activation counter: %w", err)
	}

	m := &Manager{
		keyFile:     cfg.KeyFile,
		logger:      logger.With(slog.String("component", "license_manager")),
		cache:       expirable.NewLRU[string, *Grant](cfg.GrantCacheSize, nil, cfg.GrantCacheTTL),
		validations: validations,
		activations: activations,
	}

	if err := m.loadKeyFile(); err != nil {
		return nil, err
	}

	return m, nil
}

// loadKeyFile restores the active key from disk. A corrupt stored key is
// logged and ignored rather than wedging startup; the operator re-activates.
func (m *Manager) loadKeyFile() error {
	if m.keyFile == "" {
		return nil
	}
	data, err := os.ReadFile(m.keyFile)
	if os.IsNotExist(err) {
		m.logger.Warn("no license key file found, activation required",
			slog.String("path", m.keyFile))
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read license key file: %w", err)
	}

	key := strings.TrimSpace(string(data))
	grant, err := ParseKey(key)
	if err != nil {
		m.logger.Error("stored license key is malformed, activation required",
			slog.String("path", m.keyFile),
			slog.String("error", err.Error()))
		return nil
	}

	m.mu.Lock()
	m.key = key
	m.grant = grant
	m.mu.Unlock()

	m.logger.Info("license key loaded",
		slog.String("tier", grant.Tier),
		slog.String("organization_id", grant.OrganizationID),
		slog.Time("expiry", grant.Expiry))
	return nil
}

// Activate parses and installs a new license key. The key must decode and
// must not already be expired; only then is it persisted and made active.
func (m *Manager) Activate(ctx context.Context, key string) (*Grant, error) {
	m.activations.Add(ctx, 1)

	grant, err := ParseKey(key)
	if err != nil {
		m.logger.WarnContext(ctx, "license activation rejected",
			slog.String("error", err.Error()))
		return nil, err
	}
	if err := grant.Valid(time.Now()); err != nil {
		m.logger.WarnContext(ctx, "license activation rejected, key expired",
			slog.Time("expiry", grant.Expiry))
		return nil, err
	}

	if err := m.persistKey(grant.Raw); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.key = grant.Raw
	m.grant = grant
	m.mu.Unlock()
	m.cache.Add(grant.Raw, grant)

	m.logger.InfoContext(ctx, "license activated",
		slog.String("tier", grant.Tier),
		slog.String("organization_id", grant.OrganizationID),
		slog.Int("developer_seats", grant.DeveloperSeats),
		slog.Int("stakeholder_seats", grant.StakeholderSeats),
		slog.Time("expiry", grant.Expiry))

	return grant, nil
}

func (m *Manager) persistKey(key string) error {
	if m.keyFile == "" {
		return nil
	}
	if dir := filepath.Dir(m.keyFile); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create license directory: %w", err)
		}
	}
	if err := os.WriteFile(m.keyFile, []byte(key+"\n"), 0o600); err != nil {
		return fmt.Errorf("failed to persist license key: %w", err)
	}
	return nil
}

// ActiveGrant returns the currently active grant, re-decoding the key string
// through the cache when its cached decode has aged out. Concurrent callers
// collapse into one decode via singleflight.
func (m *Manager) ActiveGrant(ctx context.Context) (*Grant, error) {
	m.mu.RLock()
	key := m.key
	m.mu.RUnlock()

	if key == "" {
		return nil, licenseErrors.ErrLicenseNotActivated
	}

	if grant, ok := m.cache.Get(key); ok {
		return grant, nil
	}

	v, err, _ := m.sf.Do(key, func() (interface{}, error) {
		grant, err := ParseKey(key)
		if err != nil {
			return nil, err
		}
		m.cache.Add(key, grant)
		return grant, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Grant), nil
}

// GrantForOrg returns the active grant if it belongs to the given
// organization and is still fresh. This is the lookup the capacity ledger
// performs on every reservation.
func (m *Manager) GrantForOrg(ctx context.Context, organizationID string) (*Grant, error) {
	grant, err := m.ActiveGrant(ctx)
	if err != nil {
		return nil, err
	}
	if grant.OrganizationID != organizationID {
		return nil, fmt.Errorf("%w: organization %q is not licensed",
			licenseErrors.ErrLicenseNotActivated, organizationID)
	}
	if err := grant.Valid(time.Now()); err != nil {
		return nil, err
	}
	return grant, nil
}

// Validate re-checks the active grant's freshness.
func (m *Manager) Validate(ctx context.Context) error {
	grant, err := m.ActiveGrant(ctx)

	result := "valid"
	if err == nil {
		err = grant.Valid(time.Now())
	}
	if err != nil {
		result = "invalid"
	}
	m.validations.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))

	return err
}

// Status reports the license state for the status endpoint, including the
// renewal urgency bands operators alert on.
func (m *Manager) Status(ctx context.Context) *Status {
	now := time.Now()
	status := &Status{LastChecked: now}

	grant, err := m.ActiveGrant(ctx)
	if err != nil {
		status.State = "not_activated"
		status.Message = "No license has been activated"
		return status
	}

	status.Tier = grant.Tier
	status.OrganizationID = grant.OrganizationID
	status.Expiry = grant.Expiry
	status.DeveloperSeats = grant.DeveloperSeats
	status.StakeholderSeats = grant.StakeholderSeats
	status.Features = grant.Features
	status.DaysLeft = grant.DaysLeft(now)

	if err := grant.Valid(now); err != nil {
		status.State = "expired"
		status.Message = fmt.Sprintf("License expired on %s", grant.Expiry.Format("2006-01-02"))
		return status
	}

	switch {
	case status.DaysLeft <= renewalCriticalDays:
		status.State = "critical"
		status.Message = fmt.Sprintf("License expires in %d days, renew now", status.DaysLeft)
	case status.DaysLeft <= renewalWarningDays:
		status.State = "warning"
		status.Message = fmt.Sprintf("License expires in %d days", status.DaysLeft)
	default:
		status.State = "active"
		status.Message = "License is active"
	}

	return status
}
