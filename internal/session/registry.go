package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"snowgate/internal/domain"
	licenseErrors "snowgate/internal/errors"
)

// Store is the session registry surface consumed by the ledger, the reaper
// and the services layer.
type Store interface {
	// Create registers a new session and returns its id. ConnectedAt and
	// LastActivityAt are stamped if unset.
	Create(ctx context.Context, s *domain.Session) (string, error)
	// Get returns a copy of the session, or ErrSessionGone.
	Get(ctx context.Context, id string) (*domain.Session, error)
	// Touch advances LastActivityAt. The timestamp only ever moves
	// forward: a touch at or before the current value is a no-op, which
	// makes concurrent and out-of-order heartbeats commutative.
	Touch(ctx context.Context, id string, at time.Time) error
	// Terminate deletes the session on explicit disconnect, releasing its
	// seat immediately. Returns ErrSessionGone if the session is unknown.
	Terminate(ctx context.Context, id string) error
	// ListActive returns the non-stale sessions for an (organization,
	// role) pair at the given instant.
	ListActive(ctx context.Context, organizationID string, role domain.Role, now time.Time) []*domain.Session
	// ListOrganization returns all sessions for an organization,
	// including stale ones, for diagnostic display.
	ListOrganization(ctx context.Context, organizationID string) []*domain.Session
	// Snapshot returns every registered session. Used by the reaper.
	Snapshot(ctx context.Context) []*domain.Session
	// DeleteIfStale deletes the session only if it is still stale at the
	// moment of deletion. A session touched between the caller's read and
	// this call survives.
	DeleteIfStale(ctx context.Context, id string, now time.Time) (bool, error)
	// Len returns the number of registered sessions.
	Len() int
	// Policy returns the staleness policy the store evaluates.
	Policy() domain.StalePolicy
}

// Registry is the in-memory Store implementation.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*domain.Session

	policy domain.StalePolicy
	logger *slog.Logger
	now    func() time.Time
}

var _ Store = (*Registry)(nil)

// NewRegistry creates an empty session registry sharing the given staleness
// policy with the ledger and the reaper.
func NewRegistry(policy domain.StalePolicy, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		sessions: make(map[string]*domain.Session),
		policy:   policy,
		logger:   logger.With(slog.String("component", "session_registry")),
		now:      time.Now,
	}
}

// Policy returns the staleness policy the registry evaluates.
func (r *Registry) Policy() domain.StalePolicy {
	return r.policy
}

func (r *Registry) Create(ctx context.Context, s *domain.Session) (string, error) {
	if s == nil {
		return "", fmt.Errorf("nil session")
	}
	if s.OrganizationID == "" {
		return "", fmt.Errorf("session organization id is required")
	}
	if s.Role == "" {
		return "", fmt.Errorf("session role is required")
	}

	cp := cloneSession(s)
	if cp.ID == "" {
		cp.ID = uuid.New().String()
	}
	now := r.now()
	if cp.ConnectedAt.IsZero() {
		cp.ConnectedAt = now
	}
	if cp.LastActivityAt.IsZero() {
		cp.LastActivityAt = cp.ConnectedAt
	}

	r.mu.Lock()
	if _, exists := r.sessions[cp.ID]; exists {
		r.mu.Unlock()
		return "", fmt.Errorf("session %s already registered", cp.ID)
	}
	r.sessions[cp.ID] = cp
	count := len(r.sessions)
	r.mu.Unlock()

	r.logger.InfoContext(ctx, "session created",
		slog.String("session_id", cp.ID),
		slog.String("organization_id", cp.OrganizationID),
		slog.String("role", string(cp.Role)),
		slog.String("kind", string(cp.Kind)),
		slog.Int("registered_sessions", count))

	return cp.ID, nil
}

func (r *Registry) Get(ctx context.Context, id string) (*domain.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", licenseErrors.ErrSessionGone, id)
	}
	return cloneSession(s), nil
}

func (r *Registry) Touch(ctx context.Context, id string, at time.Time) error {
	if at.IsZero() {
		at = r.now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", licenseErrors.ErrSessionGone, id)
	}
	// Monotonic guard: late or duplicate heartbeats never move the
	// timestamp backward.
	if !at.After(s.LastActivityAt) {
		return nil
	}
	s.LastActivityAt = at
	return nil
}

func (r *Registry) Terminate(ctx context.Context, id string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	count := len(r.sessions)
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", licenseErrors.ErrSessionGone, id)
	}

	r.logger.InfoContext(ctx, "session terminated",
		slog.String("session_id", id),
		slog.String("organization_id", s.OrganizationID),
		slog.String("role", string(s.Role)),
		slog.Duration("session_duration", r.now().Sub(s.ConnectedAt)),
		slog.Int("registered_sessions", count))
	return nil
}

func (r *Registry) ListActive(ctx context.Context, organizationID string, role domain.Role, now time.Time) []*domain.Session {
	if now.IsZero() {
		now = r.now()
	}
	seatRole := role.SeatRole()

	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*domain.Session
	for _, s := range r.sessions {
		if s.OrganizationID != organizationID {
			continue
		}
		if s.Role.SeatRole() != seatRole {
			continue
		}
		if r.policy.Stale(s, now) || s.Expired(now) {
			continue
		}
		out = append(out, cloneSession(s))
	}
	return out
}

func (r *Registry) ListOrganization(ctx context.Context, organizationID string) []*domain.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*domain.Session
	for _, s := range r.sessions {
		if s.OrganizationID == organizationID {
			out = append(out, cloneSession(s))
		}
	}
	return out
}

func (r *Registry) Snapshot(ctx context.Context) []*domain.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*domain.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, cloneSession(s))
	}
	return out
}

func (r *Registry) DeleteIfStale(ctx context.Context, id string, now time.Time) (bool, error) {
	if now.IsZero() {
		now = r.now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return false, nil
	}
	// Staleness is re-observed under the write lock so a session touched
	// after the caller's read survives the sweep.
	if !r.policy.Stale(s, now) && !s.Expired(now) {
		return false, nil
	}
	delete(r.sessions, id)
	return true, nil
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func cloneSession(s *domain.Session) *domain.Session {
	cp := *s
	if s.ExpiresAt != nil {
		expiry := *s.ExpiresAt
		cp.ExpiresAt = &expiry
	}
	if s.Metadata != nil {
		cp.Metadata = make(map[string]any, len(s.Metadata))
		for k, v := range s.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}
