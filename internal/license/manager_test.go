package license

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"snowgate/internal/config"
	licenseErrors "snowgate/internal/errors"
	"snowgate/internal/shared/testutil"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(config.LicensingConfig{
		KeyFile:        filepath.Join(t.TempDir(), "license.key"),
		GrantCacheSize: 16,
		GrantCacheTTL:  time.Minute,
	}, nil)
	require.NoError(t, err)
	return m
}

func TestManagerActivatePersistsKey(t *testing.T) {
	m := newTestManager(t)
	key := testutil.TeamKey("ACME", 5, 2)

	grant, err := m.Activate(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, "ACME", grant.OrganizationID)

	data, err := os.ReadFile(m.keyFile)
	require.NoError(t, err)
	assert.Equal(t, key+"\n", string(data))
}

func TestManagerActivateRejectsMalformedKey(t *testing.T) {
	m := newTestManager(t)

	_, err := m.Activate(context.Background(), "SNOW-TEAM-ACME-5/2-20991231-00000000")
	require.ErrorIs(t, err, licenseErrors.ErrMalformedLicense)

	// A rejected key must not become active.
	_, err = m.ActiveGrant(context.Background())
	assert.ErrorIs(t, err, licenseErrors.ErrLicenseNotActivated)
}

func TestManagerActivateRejectsExpiredKey(t *testing.T) {
	m := newTestManager(t)
	key := testutil.ExpiredKey("ACME")

	_, err := m.Activate(context.Background(), key)
	assert.ErrorIs(t, err, licenseErrors.ErrLicenseExpired)

	_, statErr := os.Stat(m.keyFile)
	assert.True(t, os.IsNotExist(statErr), "expired key must not be persisted")
}

func TestManagerLoadsKeyFileOnStartup(t *testing.T) {
	dir := t.TempDir()
	keyFile := filepath.Join(dir, "license.key")
	key := testutil.EnterpriseKey("GLOBEX")
	require.NoError(t, os.WriteFile(keyFile, []byte(key+"\n"), 0o600))

	m, err := NewManager(config.LicensingConfig{
		KeyFile:        keyFile,
		GrantCacheSize: 16,
		GrantCacheTTL:  time.Minute,
	}, nil)
	require.NoError(t, err)

	grant, err := m.ActiveGrant(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "GLOBEX", grant.OrganizationID)
	assert.Equal(t, UnlimitedSeats, grant.DeveloperSeats)
}

func TestManagerCorruptKeyFileRequiresReactivation(t *testing.T) {
	dir := t.TempDir()
	keyFile := filepath.Join(dir, "license.key")
	require.NoError(t, os.WriteFile(keyFile, []byte("not a key\n"), 0o600))

	logger, logs := testutil.NewTestLogger(t)
	m, err := NewManager(config.LicensingConfig{
		KeyFile:        keyFile,
		GrantCacheSize: 16,
		GrantCacheTTL:  time.Minute,
	}, logger)
	require.NoError(t, err)

	_, err = m.ActiveGrant(context.Background())
	assert.ErrorIs(t, err, licenseErrors.ErrLicenseNotActivated)
	testutil.AssertLogContains(t, logs, slog.LevelError, "stored license key is malformed")
}

func TestManagerGrantForOrg(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Activate(context.Background(), testutil.TeamKey("ACME", 5, 2))
	require.NoError(t, err)

	grant, err := m.GrantForOrg(context.Background(), "ACME")
	require.NoError(t, err)
	assert.Equal(t, 5, grant.DeveloperSeats)

	_, err = m.GrantForOrg(context.Background(), "GLOBEX")
	assert.ErrorIs(t, err, licenseErrors.ErrLicenseNotActivated)
}

func TestManagerValidate(t *testing.T) {
	m := newTestManager(t)

	assert.ErrorIs(t, m.Validate(context.Background()), licenseErrors.ErrLicenseNotActivated)

	_, err := m.Activate(context.Background(), testutil.IndividualKey("ACME"))
	require.NoError(t, err)
	assert.NoError(t, m.Validate(context.Background()))
}

func TestManagerStatusBands(t *testing.T) {
	cases := []struct {
		name  string
		days  int
		state string
	}{
		{"active", 120, "active"},
		{"warning", 20, "warning"},
		{"critical", 5, "critical"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := newTestManager(t)
			_, err := m.Activate(context.Background(),
				testutil.KeyExpiringIn("ACME", tc.days))
			require.NoError(t, err)

			status := m.Status(context.Background())
			assert.Equal(t, tc.state, status.State)
			assert.Equal(t, "ACME", status.OrganizationID)
		})
	}
}

func TestManagerStatusNotActivated(t *testing.T) {
	m := newTestManager(t)

	status := m.Status(context.Background())
	assert.Equal(t, "not_activated", status.State)
	assert.False(t, status.LastChecked.IsZero())
}
