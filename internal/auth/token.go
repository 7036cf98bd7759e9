package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lestrrat-go/jwx/v3/jwa"
	"github.com/lestrrat-go/jwx/v3/jwt"

	"snowgate/internal/domain"
)

// Private claim names carried by session tokens.
const (
	claimOrganization = "org"
	claimTier         = "tier"
	claimFeatures     = "features"
	claimRole         = "role"
	claimSession      = "sid"
)

// ErrTokenInvalid covers every verification failure: bad signature, expired
// token, missing or malformed claims. The transport layer answers 401 without
// distinguishing further.
var ErrTokenInvalid = errors.New("invalid session token")

// Claims is the verified content of a session token.
type Claims struct {
	OrganizationID string
	Tier           string
	Features       []string
	Role           domain.Role
	// PrincipalID is the token subject, empty for machine-level tokens.
	PrincipalID string
	// SessionID binds the token to an existing session, empty on connect.
	SessionID string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Verifier checks HS256 signatures on session tokens.
type Verifier struct {
	secret []byte
	leeway time.Duration
	logger *slog.Logger
}

// NewVerifier creates a verifier over the shared signing secret. leeway
// tolerates clock skew on iat/exp checks.
func NewVerifier(secret string, leeway time.Duration, logger *slog.Logger) (*Verifier, error) {
	if secret == "" {
		return nil, fmt.Errorf("token secret is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{
		secret: []byte(secret),
		leeway: leeway,
		logger: logger.With(slog.String("component", "token_verifier")),
	}, nil
}

// Verify parses and validates a compact JWS token and extracts its claims.
// Any failure, signature, expiry or structure, maps to ErrTokenInvalid.
func (v *Verifier) Verify(ctx context.Context, raw string) (*Claims, error) {
	tok, err := jwt.Parse([]byte(raw),
		jwt.WithKey(jwa.HS256(), v.secret),
		jwt.WithAcceptableSkew(v.leeway),
	)
	if err != nil {
		v.logger.WarnContext(ctx, "token rejected", slog.String("error", err.Error()))
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}

	claims := &Claims{}

	if err := tok.Get(claimOrganization, &claims.OrganizationID); err != nil || claims.OrganizationID == "" {
		return nil, fmt.Errorf("%w: missing organization claim", ErrTokenInvalid)
	}

	var roleName string
	if err := tok.Get(claimRole, &roleName); err != nil {
		return nil, fmt.Errorf("%w: missing role claim", ErrTokenInvalid)
	}
	role, err := domain.ParseRole(roleName)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	claims.Role = role

	// Optional claims.
	_ = tok.Get(claimTier, &claims.Tier)
	_ = tok.Get(claimSession, &claims.SessionID)
	if sub, ok := tok.Subject(); ok {
		claims.PrincipalID = sub
	}
	if iat, ok := tok.IssuedAt(); ok {
		claims.IssuedAt = iat
	}
	if exp, ok := tok.Expiration(); ok {
		claims.ExpiresAt = exp
	}

	var rawFeatures []any
	if err := tok.Get(claimFeatures, &rawFeatures); err == nil {
		for _, f := range rawFeatures {
			if s, ok := f.(string); ok {
				claims.Features = append(claims.Features, s)
			}
		}
	}

	return claims, nil
}

// Issue signs a token for the given claims, valid for ttl. Used by the
// activation flow to hand a connecting client its session-bound token, and by
// tests to mint fixtures.
func (v *Verifier) Issue(claims *Claims, ttl time.Duration) (string, error) {
	now := time.Now()
	builder := jwt.NewBuilder().
		IssuedAt(now).
		Expiration(now.Add(ttl)).
		Claim(claimOrganization, claims.OrganizationID).
		Claim(claimRole, string(claims.Role))

	if claims.PrincipalID != "" {
		builder = builder.Subject(claims.PrincipalID)
	}
	if claims.Tier != "" {
		builder = builder.Claim(claimTier, claims.Tier)
	}
	if claims.SessionID != "" {
		builder = builder.Claim(claimSession, claims.SessionID)
	}
	if len(claims.Features) > 0 {
		builder = builder.Claim(claimFeatures, claims.Features)
	}

	tok, err := builder.Build()
	if err != nil {
		return "", fmt.Errorf("build token: %w", err)
	}
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256(), v.secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return string(signed), nil
}
