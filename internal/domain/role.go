package domain

import "fmt"

// Role identifies the seat class a connected client occupies. Seat limits in
// a license grant are tracked per role, and capability access is decided per
// role.
type Role string

const (
	// RoleDeveloper is a full read/write seat.
	RoleDeveloper Role = "developer"
	// RoleStakeholder is a read-only seat for reviewers and observers.
	RoleStakeholder Role = "stakeholder"
	// RoleAdmin administers principals and licenses; counted against
	// developer seats.
	RoleAdmin Role = "admin"
)

// ParseRole validates a role string received from a signed token.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleDeveloper, RoleStakeholder, RoleAdmin:
		return Role(s), nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}

// WriteCapable reports whether the role may invoke write capabilities. This
// is the second, redundant check behind the per-capability allowed-roles
// list: a stakeholder seat can never write, no matter what a catalog listing
// claimed.
func (r Role) WriteCapable() bool {
	switch r {
	case RoleDeveloper, RoleAdmin:
		return true
	}
	return false
}

// SeatRole maps a role onto the seat pool it consumes. Admin seats draw from
// the developer pool.
func (r Role) SeatRole() Role {
	if r == RoleAdmin {
		return RoleDeveloper
	}
	return r
}

// Permission is the access level a capability requires.
type Permission string

const (
	PermissionRead  Permission = "read"
	PermissionWrite Permission = "write"
)
