// Package principal implements the principal directory: the administrative
// record of who exists within an organization. Principals are soft-disabled
// through status transitions, never deleted, so session history stays
// attributable.
package principal

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"snowgate/internal/domain"
	licenseErrors "snowgate/internal/errors"
)

// ErrPrincipalNotFound is returned for lookups of unknown principal ids.
var ErrPrincipalNotFound = fmt.Errorf("principal not found")

// Registry is an in-memory principal directory.
type Registry struct {
	mu         sync.RWMutex
	principals map[string]*domain.Principal

	logger *slog.Logger
	now    func() time.Time
}

// NewRegistry creates an empty principal directory.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		principals: make(map[string]*domain.Principal),
		logger:     logger.With(slog.String("component", "principal_registry")),
		now:        time.Now,
	}
}

// Create registers a new principal, active by default.
func (r *Registry) Create(ctx context.Context, p *domain.Principal) (*domain.Principal, error) {
	if p == nil {
		return nil, fmt.Errorf("nil principal")
	}
	if p.OrganizationID == "" {
		return nil, fmt.Errorf("principal organization id is required")
	}
	if p.DisplayName == "" {
		return nil, fmt.Errorf("principal display name is required")
	}
	if p.Role == "" {
		return nil, fmt.Errorf("principal role is required")
	}

	cp := *p
	if cp.ID == "" {
		cp.ID = uuid.New().String()
	}
	if cp.Status == "" {
		cp.Status = domain.PrincipalActive
	}
	now := r.now()
	cp.CreatedAt = now
	cp.UpdatedAt = now

	r.mu.Lock()
	if _, exists := r.principals[cp.ID]; exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("principal %s already exists", cp.ID)
	}
	r.principals[cp.ID] = &cp
	r.mu.Unlock()

	r.logger.InfoContext(ctx, "principal created",
		slog.String("principal_id", cp.ID),
		slog.String("organization_id", cp.OrganizationID),
		slog.String("role", string(cp.Role)))

	out := cp
	return &out, nil
}

// Get returns a copy of the principal.
func (r *Registry) Get(ctx context.Context, id string) (*domain.Principal, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.principals[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPrincipalNotFound, id)
	}
	cp := *p
	return &cp, nil
}

// List returns the organization's principals sorted by display name.
func (r *Registry) List(ctx context.Context, organizationID string) []*domain.Principal {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*domain.Principal
	for _, p := range r.principals {
		if p.OrganizationID == organizationID {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DisplayName < out[j].DisplayName })
	return out
}

// SetRole changes the principal's role. Existing sessions keep the role they
// connected with; the change applies to the next connect.
func (r *Registry) SetRole(ctx context.Context, id string, role domain.Role) (*domain.Principal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.principals[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPrincipalNotFound, id)
	}
	previous := p.Role
	p.Role = role
	p.UpdatedAt = r.now()

	r.logger.InfoContext(ctx, "principal role changed",
		slog.String("principal_id", id),
		slog.String("from", string(previous)),
		slog.String("to", string(role)))

	cp := *p
	return &cp, nil
}

// SetStatus transitions the principal's lifecycle status. Disabling a
// principal blocks new connections only; live sessions run until terminated
// or reclaimed.
func (r *Registry) SetStatus(ctx context.Context, id string, status domain.PrincipalStatus) (*domain.Principal, error) {
	switch status {
	case domain.PrincipalActive, domain.PrincipalInactive, domain.PrincipalSuspended:
	default:
		return nil, fmt.Errorf("unknown principal status %q", status)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.principals[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPrincipalNotFound, id)
	}
	previous := p.Status
	p.Status = status
	p.UpdatedAt = r.now()

	r.logger.InfoContext(ctx, "principal status changed",
		slog.String("principal_id", id),
		slog.String("from", string(previous)),
		slog.String("to", string(status)))

	cp := *p
	return &cp, nil
}

// Authorize checks that the principal may open sessions: it must exist,
// belong to the organization, and be active.
func (r *Registry) Authorize(ctx context.Context, id, organizationID string) (*domain.Principal, error) {
	p, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.OrganizationID != organizationID {
		return nil, fmt.Errorf("%w: %s", ErrPrincipalNotFound, id)
	}
	if !p.CanConnect() {
		return nil, fmt.Errorf("%w: %s is %s", licenseErrors.ErrPrincipalDisabled, id, p.Status)
	}
	return p, nil
}
