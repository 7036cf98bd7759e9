package services

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"snowgate/internal/auth"
	"snowgate/internal/capability"
	"snowgate/internal/domain"
	licenseErrors "snowgate/internal/errors"
	"snowgate/internal/infrastructure"
	"snowgate/internal/ledger"
	"snowgate/internal/license"
	"snowgate/internal/principal"
	"snowgate/internal/session"
)

// SeatBroadcaster pushes seat-usage changes to connected clients. The
// websocket hub implements it; a nil broadcaster disables pushes.
type SeatBroadcaster interface {
	BroadcastSeatUsage(organizationID string, usages []*ledger.Usage)
}

// ConnectRequest is the client-supplied part of a connect call. Role and
// organization always come from the verified token, never from here.
type ConnectRequest struct {
	Kind        domain.ConnectionKind `json:"kind,omitempty"`
	Fingerprint string                `json:"fingerprint,omitempty" validate:"omitempty,max=128"`
	Metadata    map[string]any        `json:"metadata,omitempty"`
}

// ConnectResponse reports a granted connection: the session, its seat usage
// and a session-bound token for subsequent calls.
type ConnectResponse struct {
	SessionID    string    `json:"session_id"`
	SessionToken string    `json:"session_token"`
	Role         string    `json:"role"`
	Used         int       `json:"used"`
	Limit        int       `json:"limit"`
	Unlimited    bool      `json:"unlimited"`
	ConnectedAt  time.Time `json:"connected_at"`
}

// SessionService orchestrates the connect, heartbeat and disconnect flows.
type SessionService interface {
	Connect(ctx context.Context, claims *auth.Claims, req *ConnectRequest) (*ConnectResponse, error)
	Heartbeat(ctx context.Context, sessionID string) error
	Disconnect(ctx context.Context, sessionID string) error
	ListSessions(ctx context.Context, organizationID string) []*domain.Session
	GetSession(ctx context.Context, organizationID, sessionID string) (*domain.Session, error)
	Seats(ctx context.Context, organizationID string) ([]*ledger.Usage, error)
	Capabilities(ctx context.Context, claims *auth.Claims) []capability.Descriptor
	Invoke(ctx context.Context, claims *auth.Claims, name string, payload map[string]any) (any, error)
}

type sessionService struct {
	registry    session.Store
	ledger      *ledger.Ledger
	licenses    license.ManagerInterface
	principals  *principal.Registry
	catalog     *capability.Catalog
	verifier    *auth.Verifier
	tokenTTL    time.Duration
	broadcaster SeatBroadcaster
	metrics     *infrastructure.GateMetrics
	logger      *slog.Logger
}

// SessionServiceConfig collects the session service dependencies.
type SessionServiceConfig struct {
	Registry    session.Store
	Ledger      *ledger.Ledger
	Licenses    license.ManagerInterface
	Principals  *principal.Registry
	Catalog     *capability.Catalog
	Verifier    *auth.Verifier
	TokenTTL    time.Duration
	Broadcaster SeatBroadcaster
	Metrics     *infrastructure.GateMetrics
	Logger      *slog.Logger
}

// NewSessionService creates the session service.
func NewSessionService(cfg SessionServiceConfig) SessionService {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &sessionService{
		registry:    cfg.Registry,
		ledger:      cfg.Ledger,
		licenses:    cfg.Licenses,
		principals:  cfg.Principals,
		catalog:     cfg.Catalog,
		verifier:    cfg.Verifier,
		tokenTTL:    ttl,
		broadcaster: cfg.Broadcaster,
		metrics:     cfg.Metrics,
		logger:      logger.With(slog.String("service", "session")),
	}
}

// Connect validates the caller, reserves a seat and creates the session.
// The whole flow is license-gated: an expired or missing license denies the
// connect before any seat counting happens.
func (s *sessionService) Connect(ctx context.Context, claims *auth.Claims, req *ConnectRequest) (*ConnectResponse, error) {
	if req == nil {
		req = &ConnectRequest{}
	}
	kind := req.Kind
	if kind == "" {
		kind = domain.ConnectionHTTP
	}

	// Named principals must exist and be active. Anonymous machine-level
	// connections skip the directory.
	if claims.PrincipalID != "" && s.principals != nil {
		if _, err := s.principals.Authorize(ctx, claims.PrincipalID, claims.OrganizationID); err != nil {
			s.logger.WarnContext(ctx, "connect denied",
				slog.String("organization_id", claims.OrganizationID),
				slog.String("principal_id", claims.PrincipalID),
				slog.String("error", err.Error()))
			return nil, err
		}
	}

	sess := &domain.Session{
		OrganizationID: claims.OrganizationID,
		PrincipalID:    claims.PrincipalID,
		Role:           claims.Role,
		Kind:           kind,
		Fingerprint:    req.Fingerprint,
		Metadata:       req.Metadata,
	}

	result, err := s.ledger.CheckAndReserve(ctx, sess)
	if err != nil {
		return nil, err
	}

	created, err := s.registry.Get(ctx, result.SessionID)
	if err != nil {
		return nil, err
	}

	token, err := s.verifier.Issue(&auth.Claims{
		OrganizationID: claims.OrganizationID,
		Tier:           claims.Tier,
		Features:       claims.Features,
		Role:           claims.Role,
		PrincipalID:    claims.PrincipalID,
		SessionID:      result.SessionID,
	}, s.tokenTTL)
	if err != nil {
		// The seat is held by a session nobody can address; release it.
		_ = s.registry.Terminate(ctx, result.SessionID)
		return nil, err
	}

	s.broadcastSeats(ctx, claims.OrganizationID)

	return &ConnectResponse{
		SessionID:    result.SessionID,
		SessionToken: token,
		Role:         result.Role,
		Used:         result.Used,
		Limit:        result.Limit,
		Unlimited:    result.Unlimited,
		ConnectedAt:  created.ConnectedAt,
	}, nil
}

// Heartbeat advances the session's activity timestamp.
func (s *sessionService) Heartbeat(ctx context.Context, sessionID string) error {
	if err := s.registry.Touch(ctx, sessionID, time.Now()); err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.Heartbeats.Add(ctx, 1)
	}
	return nil
}

// Disconnect terminates the session and frees its seat. Idempotent: a second
// disconnect of the same session succeeds, the seat is already free.
func (s *sessionService) Disconnect(ctx context.Context, sessionID string) error {
	sess, err := s.registry.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, licenseErrors.ErrSessionGone) {
			return nil
		}
		return err
	}

	if err := s.registry.Terminate(ctx, sessionID); err != nil {
		if errors.Is(err, licenseErrors.ErrSessionGone) {
			return nil
		}
		return err
	}

	if s.metrics != nil {
		attrs := metric.WithAttributes(
			attribute.String("organization_id", sess.OrganizationID),
			attribute.String("role", string(sess.Role.SeatRole())))
		s.metrics.SessionsTerminated.Add(ctx, 1, attrs)
		s.metrics.SessionsActive.Add(ctx, -1, attrs)
	}

	s.broadcastSeats(ctx, sess.OrganizationID)
	return nil
}

// ListSessions returns every session of the organization, stale included,
// for diagnostic display.
func (s *sessionService) ListSessions(ctx context.Context, organizationID string) []*domain.Session {
	return s.registry.ListOrganization(ctx, organizationID)
}

// GetSession looks up a single session scoped to the organization. A session
// belonging to a different organization is indistinguishable from a missing
// one.
func (s *sessionService) GetSession(ctx context.Context, organizationID, sessionID string) (*domain.Session, error) {
	sess, err := s.registry.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.OrganizationID != organizationID {
		return nil, licenseErrors.ErrSessionGone
	}
	return sess, nil
}

// Seats reports seat usage per role pool without reserving.
func (s *sessionService) Seats(ctx context.Context, organizationID string) ([]*ledger.Usage, error) {
	return s.ledger.PeekAll(ctx, organizationID)
}

// Capabilities returns the listing-filtered catalog for the caller.
func (s *sessionService) Capabilities(ctx context.Context, claims *auth.Claims) []capability.Descriptor {
	return s.catalog.Visible(claims.Role, claims.Features)
}

// Invoke runs a capability through the permission filter. Every invocation,
// allowed or denied, touches the session so activity-based staleness tracks
// real usage.
func (s *sessionService) Invoke(ctx context.Context, claims *auth.Claims, name string, payload map[string]any) (any, error) {
	sess := auth.SessionFrom(ctx)
	if sess == nil {
		return nil, licenseErrors.ErrSessionGone
	}

	// Invocation counts as activity regardless of outcome.
	_ = s.registry.Touch(ctx, sess.ID, time.Now())

	out, err := s.catalog.Invoke(ctx, name, sess, claims.Features, payload)
	if err != nil {
		if s.metrics != nil && errors.Is(err, licenseErrors.ErrPermission) {
			s.metrics.InvocationDenials.Add(ctx, 1, metric.WithAttributes(
				attribute.String("capability", name),
				attribute.String("role", string(claims.Role))))
		}
		s.logger.WarnContext(ctx, "capability invocation denied",
			slog.String("capability", name),
			slog.String("session_id", sess.ID),
			slog.String("role", string(claims.Role)),
			slog.String("error", err.Error()))
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.Invocations.Add(ctx, 1, metric.WithAttributes(
			attribute.String("capability", name),
			attribute.String("role", string(claims.Role))))
	}
	return out, nil
}

func (s *sessionService) broadcastSeats(ctx context.Context, organizationID string) {
	if s.broadcaster == nil {
		return
	}
	usages, err := s.ledger.PeekAll(ctx, organizationID)
	if err != nil {
		s.logger.WarnContext(ctx, "seat broadcast skipped",
			slog.String("organization_id", organizationID),
			slog.String("error", err.Error()))
		return
	}
	s.broadcaster.BroadcastSeatUsage(organizationID, usages)
}
