package domain

import "time"

// PrincipalStatus is the lifecycle state of a principal. Principals are never
// deleted while historical session records reference them; they are
// soft-disabled through status instead.
type PrincipalStatus string

const (
	PrincipalActive    PrincipalStatus = "active"
	PrincipalInactive  PrincipalStatus = "inactive"
	PrincipalSuspended PrincipalStatus = "suspended"
)

// Principal is an addressable user within an organization. Created by
// administrative action; role and status change over time, identity does not.
type Principal struct {
	ID             string          `json:"id"`
	OrganizationID string          `json:"organization_id"`
	Role           Role            `json:"role"`
	DisplayName    string          `json:"display_name"`
	Email          string          `json:"email,omitempty"`
	Status         PrincipalStatus `json:"status"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// CanConnect reports whether the principal may open new sessions.
func (p *Principal) CanConnect() bool {
	return p != nil && p.Status == PrincipalActive
}
