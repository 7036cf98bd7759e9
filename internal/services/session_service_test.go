package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"snowgate/internal/auth"
	"snowgate/internal/capability"
	"snowgate/internal/domain"
	licenseErrors "snowgate/internal/errors"
	"snowgate/internal/ledger"
	"snowgate/internal/license"
	"snowgate/internal/principal"
	"snowgate/internal/session"
)

type stubLicenses struct {
	grant *license.Grant
	err   error
}

func (s *stubLicenses) Activate(ctx context.Context, key string) (*license.Grant, error) {
	return s.grant, s.err
}

func (s *stubLicenses) ActiveGrant(ctx context.Context) (*license.Grant, error) {
	if s.err != nil {
		return nil, s.err
	}
	if s.grant == nil {
		return nil, licenseErrors.ErrLicenseNotActivated
	}
	return s.grant, nil
}

func (s *stubLicenses) GrantForOrg(ctx context.Context, organizationID string) (*license.Grant, error) {
	if s.err != nil {
		return nil, s.err
	}
	if s.grant == nil || s.grant.OrganizationID != organizationID {
		return nil, licenseErrors.ErrLicenseNotActivated
	}
	return s.grant, nil
}

func (s *stubLicenses) Validate(ctx context.Context) error { return s.err }

func (s *stubLicenses) Status(ctx context.Context) *license.Status {
	if s.grant == nil {
		return &license.Status{State: "not_activated", Message: "no license key installed"}
	}
	return &license.Status{
		State:          "active",
		Tier:           s.grant.Tier,
		OrganizationID: s.grant.OrganizationID,
		DaysLeft:       s.grant.DaysLeft(time.Now()),
		Expiry:         s.grant.Expiry,
	}
}

type recordingBroadcaster struct {
	mu    sync.Mutex
	calls []string
}

func (b *recordingBroadcaster) BroadcastSeatUsage(organizationID string, usages []*ledger.Usage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, organizationID)
}

func (b *recordingBroadcaster) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.calls)
}

type sessionFixture struct {
	service     SessionService
	registry    *session.Registry
	principals  *principal.Registry
	verifier    *auth.Verifier
	broadcaster *recordingBroadcaster
}

func newSessionFixture(t *testing.T, grant *license.Grant) *sessionFixture {
	t.Helper()

	registry := session.NewRegistry(domain.StalePolicy{IdleThreshold: domain.DefaultIdleThreshold}, nil)
	led := ledger.New(registry, &stubLicenses{grant: grant}, 2*time.Second, nil, nil)
	principals := principal.NewRegistry(nil)
	catalog, err := capability.NewDefaultCatalog()
	require.NoError(t, err)
	verifier, err := auth.NewVerifier("session-service-test-secret", time.Minute, nil)
	require.NoError(t, err)
	broadcaster := &recordingBroadcaster{}

	svc := NewSessionService(SessionServiceConfig{
		Registry:    registry,
		Ledger:      led,
		Licenses:    &stubLicenses{grant: grant},
		Principals:  principals,
		Catalog:     catalog,
		Verifier:    verifier,
		Broadcaster: broadcaster,
	})

	return &sessionFixture{
		service:     svc,
		registry:    registry,
		principals:  principals,
		verifier:    verifier,
		broadcaster: broadcaster,
	}
}

func devClaims(org string) *auth.Claims {
	return &auth.Claims{
		OrganizationID: org,
		Tier:           license.TierTeam,
		Features:       []string{license.FeatureCore, license.FeatureCollaboration},
		Role:           domain.RoleDeveloper,
	}
}

func serviceGrant(devSeats, stkSeats int) *license.Grant {
	return &license.Grant{
		Tier:             license.TierTeam,
		OrganizationID:   "acme",
		DeveloperSeats:   devSeats,
		StakeholderSeats: stkSeats,
		Expiry:           time.Now().UTC().AddDate(1, 0, 0),
		Features:         []string{license.FeatureCore, license.FeatureCollaboration},
	}
}

func TestConnectIssuesSessionBoundToken(t *testing.T) {
	fix := newSessionFixture(t, serviceGrant(3, 2))
	ctx := context.Background()

	resp, err := fix.service.Connect(ctx, devClaims("acme"), &ConnectRequest{
		Kind:        domain.ConnectionWebSocket,
		Fingerprint: "host-a",
	})
	require.NoError(t, err)
	require.NotEmpty(t, resp.SessionID)
	require.NotEmpty(t, resp.SessionToken)
	assert.Equal(t, "developer", resp.Role)
	assert.Equal(t, 1, resp.Used)
	assert.Equal(t, 3, resp.Limit)
	assert.False(t, resp.Unlimited)

	// The token must carry the session binding so later calls resolve it.
	claims, err := fix.verifier.Verify(ctx, resp.SessionToken)
	require.NoError(t, err)
	assert.Equal(t, resp.SessionID, claims.SessionID)
	assert.Equal(t, "acme", claims.OrganizationID)
	assert.Equal(t, domain.RoleDeveloper, claims.Role)

	created, err := fix.registry.Get(ctx, resp.SessionID)
	require.NoError(t, err)
	assert.Equal(t, domain.ConnectionWebSocket, created.Kind)
	assert.Equal(t, "host-a", created.Fingerprint)
}

func TestGetSessionScopedToOrganization(t *testing.T) {
	fix := newSessionFixture(t, serviceGrant(3, 2))
	ctx := context.Background()

	resp, err := fix.service.Connect(ctx, devClaims("acme"), nil)
	require.NoError(t, err)

	sess, err := fix.service.GetSession(ctx, "acme", resp.SessionID)
	require.NoError(t, err)
	assert.Equal(t, resp.SessionID, sess.ID)

	// Another organization cannot see the session.
	_, err = fix.service.GetSession(ctx, "globex", resp.SessionID)
	assert.ErrorIs(t, err, licenseErrors.ErrSessionGone)

	_, err = fix.service.GetSession(ctx, "acme", "no-such-session")
	assert.ErrorIs(t, err, licenseErrors.ErrSessionGone)
}

func TestConnectDefaultsToHTTPKind(t *testing.T) {
	fix := newSessionFixture(t, serviceGrant(1, 0))

	resp, err := fix.service.Connect(context.Background(), devClaims("acme"), nil)
	require.NoError(t, err)

	created, err := fix.registry.Get(context.Background(), resp.SessionID)
	require.NoError(t, err)
	assert.Equal(t, domain.ConnectionHTTP, created.Kind)
}

func TestConnectDeniedWithoutLicense(t *testing.T) {
	fix := newSessionFixture(t, serviceGrant(3, 2))

	_, err := fix.service.Connect(context.Background(), devClaims("globex"), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, licenseErrors.ErrLicenseNotActivated)
}

func TestConnectDeniedWhenSeatsExhausted(t *testing.T) {
	fix := newSessionFixture(t, serviceGrant(1, 0))
	ctx := context.Background()

	_, err := fix.service.Connect(ctx, devClaims("acme"), nil)
	require.NoError(t, err)

	_, err = fix.service.Connect(ctx, devClaims("acme"), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, licenseErrors.ErrCapacityExceeded)

	var capErr *licenseErrors.CapacityError
	require.ErrorAs(t, err, &capErr)
	assert.Equal(t, 1, capErr.Used)
	assert.Equal(t, 1, capErr.Limit)
}

func TestConnectDeniedForSuspendedPrincipal(t *testing.T) {
	fix := newSessionFixture(t, serviceGrant(3, 2))
	ctx := context.Background()

	p, err := fix.principals.Create(ctx, &domain.Principal{
		OrganizationID: "acme",
		Role:           domain.RoleDeveloper,
		DisplayName:    "Dana",
	})
	require.NoError(t, err)
	_, err = fix.principals.SetStatus(ctx, p.ID, domain.PrincipalSuspended)
	require.NoError(t, err)

	claims := devClaims("acme")
	claims.PrincipalID = p.ID
	_, err = fix.service.Connect(ctx, claims, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, licenseErrors.ErrPrincipalDisabled)

	// The denial must not consume a seat.
	assert.Equal(t, 0, fix.registry.Len())
}

func TestConnectBroadcastsSeatUsage(t *testing.T) {
	fix := newSessionFixture(t, serviceGrant(3, 2))

	_, err := fix.service.Connect(context.Background(), devClaims("acme"), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, fix.broadcaster.count())
}

func TestHeartbeatAdvancesActivity(t *testing.T) {
	fix := newSessionFixture(t, serviceGrant(3, 2))
	ctx := context.Background()

	resp, err := fix.service.Connect(ctx, devClaims("acme"), nil)
	require.NoError(t, err)

	before, err := fix.registry.Get(ctx, resp.SessionID)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, fix.service.Heartbeat(ctx, resp.SessionID))

	after, err := fix.registry.Get(ctx, resp.SessionID)
	require.NoError(t, err)
	assert.True(t, after.LastActivityAt.After(before.LastActivityAt))
}

func TestHeartbeatUnknownSession(t *testing.T) {
	fix := newSessionFixture(t, serviceGrant(3, 2))

	err := fix.service.Heartbeat(context.Background(), "no-such-session")
	assert.ErrorIs(t, err, licenseErrors.ErrSessionGone)
}

func TestDisconnectIsIdempotentAndFreesSeat(t *testing.T) {
	fix := newSessionFixture(t, serviceGrant(1, 0))
	ctx := context.Background()

	resp, err := fix.service.Connect(ctx, devClaims("acme"), nil)
	require.NoError(t, err)

	require.NoError(t, fix.service.Disconnect(ctx, resp.SessionID))
	require.NoError(t, fix.service.Disconnect(ctx, resp.SessionID))

	// The freed seat is immediately reusable.
	_, err = fix.service.Connect(ctx, devClaims("acme"), nil)
	require.NoError(t, err)
}

func TestInvokeRequiresSessionHandle(t *testing.T) {
	fix := newSessionFixture(t, serviceGrant(3, 2))

	_, err := fix.service.Invoke(context.Background(), devClaims("acme"), "record.query", nil)
	assert.ErrorIs(t, err, licenseErrors.ErrSessionGone)
}

func TestInvokeDeniedTouchesSession(t *testing.T) {
	fix := newSessionFixture(t, serviceGrant(3, 2))
	ctx := context.Background()

	claims := devClaims("acme")
	claims.Role = domain.RoleStakeholder
	resp, err := fix.service.Connect(ctx, claims, nil)
	require.NoError(t, err)

	before, err := fix.registry.Get(ctx, resp.SessionID)
	require.NoError(t, err)

	sess, err := fix.registry.Get(ctx, resp.SessionID)
	require.NoError(t, err)
	ctx = auth.WithSession(ctx, sess)

	time.Sleep(5 * time.Millisecond)
	_, err = fix.service.Invoke(ctx, claims, "record.create", map[string]any{"table": "orders"})
	require.Error(t, err)
	assert.ErrorIs(t, err, licenseErrors.ErrPermission)

	// Denied invocations still count as activity.
	after, err := fix.registry.Get(ctx, resp.SessionID)
	require.NoError(t, err)
	assert.True(t, after.LastActivityAt.After(before.LastActivityAt))
}

func TestInvokeAllowedReturnsReceipt(t *testing.T) {
	fix := newSessionFixture(t, serviceGrant(3, 2))
	ctx := context.Background()

	claims := devClaims("acme")
	resp, err := fix.service.Connect(ctx, claims, nil)
	require.NoError(t, err)

	sess, err := fix.registry.Get(ctx, resp.SessionID)
	require.NoError(t, err)
	ctx = auth.WithSession(ctx, sess)

	out, err := fix.service.Invoke(ctx, claims, "record.query", map[string]any{"table": "orders"})
	require.NoError(t, err)
	require.NotNil(t, out)
}

func TestCapabilitiesFilteredByRole(t *testing.T) {
	fix := newSessionFixture(t, serviceGrant(3, 2))

	claims := devClaims("acme")
	devCaps := fix.service.Capabilities(context.Background(), claims)

	claims.Role = domain.RoleStakeholder
	stkCaps := fix.service.Capabilities(context.Background(), claims)

	assert.Greater(t, len(devCaps), len(stkCaps))
	for _, d := range stkCaps {
		assert.Equal(t, domain.PermissionRead, d.RequiredPermission)
	}
}

func TestSeatsReportsBothPools(t *testing.T) {
	fix := newSessionFixture(t, serviceGrant(3, 2))
	ctx := context.Background()

	_, err := fix.service.Connect(ctx, devClaims("acme"), nil)
	require.NoError(t, err)

	usages, err := fix.service.Seats(ctx, "acme")
	require.NoError(t, err)
	require.Len(t, usages, 2)

	byRole := map[string]*ledger.Usage{}
	for _, u := range usages {
		byRole[u.Role] = u
	}
	require.Contains(t, byRole, "developer")
	require.Contains(t, byRole, "stakeholder")
	assert.Equal(t, 1, byRole["developer"].Used)
	assert.Equal(t, 0, byRole["stakeholder"].Used)
}
