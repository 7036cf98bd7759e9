package ledger

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"snowgate/internal/domain"
	licenseErrors "snowgate/internal/errors"
	"snowgate/internal/license"
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
	return s.grant, s.err
}

func (s *stubLicenses) GrantForOrg(ctx context.Context, organizationID string) (*license.Grant, error) {
	if s.err != nil {
		return nil, s.err
	}
	if s.grant.OrganizationID != organizationID {
		return nil, licenseErrors.ErrLicenseNotActivated
	}
	return s.grant, nil
}

func (s *stubLicenses) Validate(ctx context.Context) error { return s.err }

func (s *stubLicenses) Status(ctx context.Context) *license.Status { return nil }

func teamGrant(devSeats, stkSeats int) *license.Grant {
	return &license.Grant{
		Tier:             license.TierTeam,
		OrganizationID:   "acme",
		DeveloperSeats:   devSeats,
		StakeholderSeats: stkSeats,
		Expiry:           time.Now().UTC().AddDate(1, 0, 0),
		Features:         []string{license.FeatureCore, license.FeatureCollaboration},
	}
}

func newTestLedger(t *testing.T, grant *license.Grant) (*Ledger, *session.Registry) {
	t.Helper()
	reg := session.NewRegistry(domain.StalePolicy{IdleThreshold: domain.DefaultIdleThreshold}, nil)
	led := New(reg, &stubLicenses{grant: grant}, 2*time.Second, nil, nil)
	return led, reg
}

func devSession(org string) *domain.Session {
	return &domain.Session{
		OrganizationID: org,
		Role:           domain.RoleDeveloper,
		Kind:           domain.ConnectionHTTP,
	}
}

func TestCheckAndReserveGrantsSeat(t *testing.T) {
	led, reg := newTestLedger(t, teamGrant(2, 1))
	ctx := context.Background()

	res, err := led.CheckAndReserve(ctx, devSession("acme"))
	require.NoError(t, err)
	assert.NotEmpty(t, res.SessionID)
	assert.Equal(t, 1, res.Used)
	assert.Equal(t, 2, res.Limit)
	assert.False(t, res.Unlimited)
	assert.Equal(t, 1, reg.Len())
}

func TestCheckAndReserveDeniesWhenFull(t *testing.T) {
	led, _ := newTestLedger(t, teamGrant(1, 1))
	ctx := context.Background()

	_, err := led.CheckAndReserve(ctx, devSession("acme"))
	require.NoError(t, err)

	_, err = led.CheckAndReserve(ctx, devSession("acme"))
	require.Error(t, err)
	assert.ErrorIs(t, err, licenseErrors.ErrCapacityExceeded)

	var capErr *licenseErrors.CapacityError
	require.ErrorAs(t, err, &capErr, "capacity failure must carry usage counters")
	assert.Equal(t, "acme", capErr.OrganizationID)
	assert.Equal(t, 1, capErr.Used)
	assert.Equal(t, 1, capErr.Limit)
}

func TestCheckAndReserveExactlyOneWinner(t *testing.T) {
	led, reg := newTestLedger(t, teamGrant(1, 0))
	ctx := context.Background()

	const claimants = 20
	var granted atomic.Int32
	var denied atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < claimants; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := led.CheckAndReserve(ctx, devSession("acme"))
			if err == nil {
				granted.Add(1)
				return
			}
			denied.Add(1)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), granted.Load(), "exactly one claimant may win the last seat")
	assert.Equal(t, int32(claimants-1), denied.Load())
	assert.Equal(t, 1, reg.Len())
}

func TestCheckAndReserveStaleSeatsAreReusable(t *testing.T) {
	led, reg := newTestLedger(t, teamGrant(1, 0))
	ctx := context.Background()
	now := time.Now()

	// A session idle past the threshold still occupies a registry slot but
	// no longer counts against capacity.
	_, err := reg.Create(ctx, &domain.Session{
		OrganizationID: "acme",
		Role:           domain.RoleDeveloper,
		ConnectedAt:    now.Add(-2 * time.Hour),
		LastActivityAt: now.Add(-time.Hour),
	})
	require.NoError(t, err)

	res, err := led.CheckAndReserve(ctx, devSession("acme"))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Used)
}

func TestCheckAndReserveExpiredLicense(t *testing.T) {
	grant := teamGrant(5, 5)
	grant.Expiry = time.Now().UTC().AddDate(0, 0, -2)
	led, reg := newTestLedger(t, grant)

	_, err := led.CheckAndReserve(context.Background(), devSession("acme"))
	require.Error(t, err)
	assert.ErrorIs(t, err, licenseErrors.ErrLicenseExpired)
	assert.Equal(t, 0, reg.Len(), "expired license must not create sessions")
}

func TestCheckAndReserveUnknownOrganization(t *testing.T) {
	led, _ := newTestLedger(t, teamGrant(5, 5))

	_, err := led.CheckAndReserve(context.Background(), devSession("globex"))
	assert.ErrorIs(t, err, licenseErrors.ErrLicenseNotActivated)
}

func TestCheckAndReserveContention(t *testing.T) {
	led, _ := newTestLedger(t, teamGrant(5, 5))
	led.wait = 20 * time.Millisecond
	ctx := context.Background()

	pool := poolKey{org: "acme", role: domain.RoleDeveloper}
	release, err := led.acquire(ctx, pool)
	require.NoError(t, err)
	defer release()

	// With the pool lock held elsewhere, a claimant fails fast with a
	// retryable error instead of queueing.
	_, err = led.CheckAndReserve(ctx, devSession("acme"))
	require.Error(t, err)
	assert.ErrorIs(t, err, licenseErrors.ErrReservationContended)
}

func TestCheckAndReserveUnlimitedLegacyGrant(t *testing.T) {
	grant := teamGrant(license.UnlimitedSeats, license.UnlimitedSeats)
	led, _ := newTestLedger(t, grant)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		res, err := led.CheckAndReserve(ctx, devSession("acme"))
		require.NoError(t, err)
		assert.True(t, res.Unlimited)
	}
}

func TestPeekDoesNotReserve(t *testing.T) {
	led, reg := newTestLedger(t, teamGrant(3, 1))
	ctx := context.Background()

	_, err := led.CheckAndReserve(ctx, devSession("acme"))
	require.NoError(t, err)

	usage, err := led.Peek(ctx, "acme", domain.RoleDeveloper)
	require.NoError(t, err)
	assert.Equal(t, 1, usage.Used)
	assert.Equal(t, 3, usage.Limit)
	assert.Equal(t, 1, reg.Len(), "peek must not create sessions")
}

func TestPeekAll(t *testing.T) {
	led, _ := newTestLedger(t, teamGrant(3, 1))

	usages, err := led.PeekAll(context.Background(), "acme")
	require.NoError(t, err)
	require.Len(t, usages, 2)
	assert.Equal(t, string(domain.RoleDeveloper), usages[0].Role)
	assert.Equal(t, 3, usages[0].Limit)
	assert.Equal(t, string(domain.RoleStakeholder), usages[1].Role)
	assert.Equal(t, 1, usages[1].Limit)
}

func TestCheckAndReserveAdminUsesDeveloperPool(t *testing.T) {
	led, _ := newTestLedger(t, teamGrant(1, 5))
	ctx := context.Background()

	_, err := led.CheckAndReserve(ctx, &domain.Session{
		OrganizationID: "acme",
		Role:           domain.RoleAdmin,
		Kind:           domain.ConnectionHTTP,
	})
	require.NoError(t, err)

	// Admin consumed the single developer seat.
	_, err = led.CheckAndReserve(ctx, devSession("acme"))
	assert.ErrorIs(t, err, licenseErrors.ErrCapacityExceeded)
}
