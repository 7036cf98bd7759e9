package domain

import "time"

// ConnectionKind describes the transport a session arrived over.
type ConnectionKind string

const (
	ConnectionHTTP      ConnectionKind = "http"
	ConnectionWebSocket ConnectionKind = "websocket"
)

// Session is a live connection record, the unit the capacity ledger counts
// against seat limits. The record is created after a successful seat
// reservation and deleted on explicit disconnect or by the reaper.
//
// Role is fixed at creation from the validated token and never mutated for
// the life of the session.
type Session struct {
	ID             string         `json:"id"`
	OrganizationID string         `json:"organization_id"`
	// PrincipalID is empty for anonymous machine-level connections.
	PrincipalID    string         `json:"principal_id,omitempty"`
	Role           Role           `json:"role"`
	Kind           ConnectionKind `json:"kind"`
	// Fingerprint optionally identifies the client instance so operators
	// can tell two connections from the same machine apart.
	Fingerprint    string         `json:"fingerprint,omitempty"`
	ConnectedAt    time.Time      `json:"connected_at"`
	LastActivityAt time.Time      `json:"last_activity_at"`
	ExpiresAt      *time.Time     `json:"expires_at,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// Expired reports whether the session carries an absolute expiry that has
// passed. Sessions without ExpiresAt never expire this way; they are only
// reclaimed through staleness.
func (s *Session) Expired(now time.Time) bool {
	return s.ExpiresAt != nil && s.ExpiresAt.Before(now)
}

// StalePolicy is the single staleness predicate shared by the capacity
// ledger's lazy eviction and the reaper's periodic sweep. Keeping one value
// with one threshold prevents the two checks from drifting apart and
// producing inconsistent seat counts.
type StalePolicy struct {
	IdleThreshold time.Duration
}

// DefaultIdleThreshold is how long a session may go without a heartbeat or
// invocation before its seat is treated as abandoned.
const DefaultIdleThreshold = 30 * time.Minute

// Stale reports whether the session's last observed activity is older than
// the idle threshold at the given instant.
func (p StalePolicy) Stale(s *Session, now time.Time) bool {
	if s == nil {
		return true
	}
	return now.Sub(s.LastActivityAt) > p.IdleThreshold
}
