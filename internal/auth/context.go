package auth

import (
	"context"

	"snowgate/internal/domain"
)

type contextKey string

const (
	claimsKey  contextKey = "auth_claims"
	sessionKey contextKey = "auth_session"
)

// WithClaims stores verified token claims in the context.
func WithClaims(ctx context.Context, c *Claims) context.Context {
	return context.WithValue(ctx, claimsKey, c)
}

// ClaimsFrom returns the verified claims, or nil when the request was not
// authenticated.
func ClaimsFrom(ctx context.Context) *Claims {
	c, _ := ctx.Value(claimsKey).(*Claims)
	return c
}

// WithSession stores the resolved session handle in the context. The handle
// is explicit per request; there is no process-global current session.
func WithSession(ctx context.Context, s *domain.Session) context.Context {
	return context.WithValue(ctx, sessionKey, s)
}

// SessionFrom returns the request's session handle, or nil.
func SessionFrom(ctx context.Context) *domain.Session {
	s, _ := ctx.Value(sessionKey).(*domain.Session)
	return s
}
