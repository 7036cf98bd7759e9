package auth

import (
	"context"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v3/jwa"
	"github.com/lestrrat-go/jwx/v3/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"snowgate/internal/domain"
)

const testSecret = "test-signing-secret-0123456789abcdef"

func newTestVerifier(t *testing.T) *Verifier {
	t.Helper()
	v, err := NewVerifier(testSecret, 30*time.Second, nil)
	require.NoError(t, err)
	return v
}

func TestVerifyRoundTrip(t *testing.T) {
	v := newTestVerifier(t)

	raw, err := v.Issue(&Claims{
		OrganizationID: "acme",
		Tier:           "TEAM",
		Features:       []string{"core", "collaboration"},
		Role:           domain.RoleDeveloper,
		PrincipalID:    "user-7",
		SessionID:      "sess-42",
	}, time.Hour)
	require.NoError(t, err)

	claims, err := v.Verify(context.Background(), raw)
	require.NoError(t, err)
	assert.Equal(t, "acme", claims.OrganizationID)
	assert.Equal(t, "TEAM", claims.Tier)
	assert.Equal(t, []string{"core", "collaboration"}, claims.Features)
	assert.Equal(t, domain.RoleDeveloper, claims.Role)
	assert.Equal(t, "user-7", claims.PrincipalID)
	assert.Equal(t, "sess-42", claims.SessionID)
	assert.False(t, claims.ExpiresAt.IsZero())
}

func TestVerifyWrongSecret(t *testing.T) {
	v := newTestVerifier(t)

	other, err := NewVerifier("another-secret-entirely-here-now", 0, nil)
	require.NoError(t, err)
	raw, err := other.Issue(&Claims{
		OrganizationID: "acme",
		Role:           domain.RoleDeveloper,
	}, time.Hour)
	require.NoError(t, err)

	_, err = v.Verify(context.Background(), raw)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestVerifyExpiredToken(t *testing.T) {
	v, err := NewVerifier(testSecret, 0, nil)
	require.NoError(t, err)

	past := time.Now().Add(-2 * time.Hour)
	tok, err := jwt.NewBuilder().
		IssuedAt(past).
		Expiration(past.Add(time.Hour)).
		Claim("org", "acme").
		Claim("role", string(domain.RoleDeveloper)).
		Build()
	require.NoError(t, err)
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256(), []byte(testSecret)))
	require.NoError(t, err)

	_, err = v.Verify(context.Background(), string(signed))
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestVerifyMissingClaims(t *testing.T) {
	v := newTestVerifier(t)
	now := time.Now()

	cases := []struct {
		name   string
		claims map[string]any
	}{
		{name: "no organization", claims: map[string]any{"role": "developer"}},
		{name: "no role", claims: map[string]any{"org": "acme"}},
		{name: "unknown role", claims: map[string]any{"org": "acme", "role": "superuser"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			builder := jwt.NewBuilder().IssuedAt(now).Expiration(now.Add(time.Hour))
			for k, val := range tc.claims {
				builder = builder.Claim(k, val)
			}
			tok, err := builder.Build()
			require.NoError(t, err)
			signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256(), []byte(testSecret)))
			require.NoError(t, err)

			_, err = v.Verify(context.Background(), string(signed))
			assert.ErrorIs(t, err, ErrTokenInvalid)
		})
	}
}

func TestVerifyGarbage(t *testing.T) {
	v := newTestVerifier(t)
	_, err := v.Verify(context.Background(), "not-a-token")
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestNewVerifierRequiresSecret(t *testing.T) {
	_, err := NewVerifier("", 0, nil)
	assert.Error(t, err)
}

func TestContextRoundTrip(t *testing.T) {
	ctx := context.Background()
	assert.Nil(t, ClaimsFrom(ctx))
	assert.Nil(t, SessionFrom(ctx))

	claims := &Claims{OrganizationID: "acme", Role: domain.RoleAdmin}
	sess := &domain.Session{ID: "sess-1"}

	ctx = WithClaims(ctx, claims)
	ctx = WithSession(ctx, sess)

	assert.Same(t, claims, ClaimsFrom(ctx))
	assert.Same(t, sess, SessionFrom(ctx))
}
