package capability

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"snowgate/internal/domain"
	licenseErrors "snowgate/internal/errors"
)

// ErrUnknownCapability is returned when an invocation names a capability
// that was never registered.
var ErrUnknownCapability = errors.New("unknown capability")

// Handler executes a capability for an authorized session. Payload is the
// raw request body, already size-limited by the transport layer.
type Handler func(ctx context.Context, s *domain.Session, payload map[string]any) (any, error)

// Descriptor describes one invocable capability: the permission it needs,
// the roles that may invoke it, and the license feature that must be present
// in the caller's grant.
type Descriptor struct {
	Name               string            `json:"name"`
	Description        string            `json:"description"`
	RequiredPermission domain.Permission `json:"required_permission"`
	AllowedRoles       []domain.Role     `json:"allowed_roles"`
	Feature            string            `json:"feature,omitempty"`

	handler Handler
}

func (d *Descriptor) allows(role domain.Role) bool {
	for _, r := range d.AllowedRoles {
		if r == role {
			return true
		}
	}
	return false
}

// Catalog is the lookup table name to descriptor. Registration happens once
// at startup; lookups afterward are read-only.
type Catalog struct {
	mu      sync.RWMutex
	entries map[string]*Descriptor
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{entries: make(map[string]*Descriptor)}
}

// Register adds a capability to the catalog. Duplicate names are a
// programming error.
func (c *Catalog) Register(d Descriptor, h Handler) error {
	if d.Name == "" {
		return fmt.Errorf("capability name is required")
	}
	if h == nil {
		return fmt.Errorf("capability %s has no handler", d.Name)
	}
	d.handler = h

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[d.Name]; exists {
		return fmt.Errorf("capability %s already registered", d.Name)
	}
	c.entries[d.Name] = &d
	return nil
}

// Lookup returns the descriptor for a name, or nil.
func (c *Catalog) Lookup(name string) *Descriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.entries[name]
}

// Visible returns the capabilities the role could invoke given the licensed
// feature set, sorted by name. This is the listing filter only: hiding an
// entry here is cosmetic, enforcement happens in Authorize.
func (c *Catalog) Visible(role domain.Role, features []string) []Descriptor {
	featureSet := make(map[string]struct{}, len(features))
	for _, f := range features {
		featureSet[f] = struct{}{}
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []Descriptor
	for _, d := range c.entries {
		if !d.allows(role) {
			continue
		}
		if d.RequiredPermission == domain.PermissionWrite && !role.WriteCapable() {
			continue
		}
		if d.Feature != "" {
			if _, ok := featureSet[d.Feature]; !ok {
				continue
			}
		}
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Authorize is the invocation boundary. It re-checks allowed roles, the
// write-capability block and feature membership on every call, regardless of
// what any earlier listing showed. Denials are structured PermissionErrors
// naming the capability, the required roles and the caller's actual role.
func (c *Catalog) Authorize(name string, role domain.Role, features []string) (*Descriptor, error) {
	d := c.Lookup(name)
	if d == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCapability, name)
	}

	roleNames := make([]string, len(d.AllowedRoles))
	for i, r := range d.AllowedRoles {
		roleNames[i] = string(r)
	}

	if !d.allows(role) {
		return nil, &licenseErrors.PermissionError{
			Capability:    name,
			RequiredRoles: roleNames,
			ActualRole:    string(role),
		}
	}

	// Hard block on write capabilities, independent of the role list. A
	// misconfigured catalog entry must not let a read-only role write.
	if d.RequiredPermission == domain.PermissionWrite && !role.WriteCapable() {
		return nil, &licenseErrors.PermissionError{
			Capability:    name,
			RequiredRoles: roleNames,
			ActualRole:    string(role),
			Reason:        "role has no write permission",
		}
	}

	if d.Feature != "" {
		licensed := false
		for _, f := range features {
			if f == d.Feature {
				licensed = true
				break
			}
		}
		if !licensed {
			return nil, &licenseErrors.PermissionError{
				Capability:    name,
				RequiredRoles: roleNames,
				ActualRole:    string(role),
				Reason:        fmt.Sprintf("feature %q is not licensed", d.Feature),
			}
		}
	}

	return d, nil
}

// Invoke authorizes and dispatches in one step.
func (c *Catalog) Invoke(ctx context.Context, name string, s *domain.Session, features []string, payload map[string]any) (any, error) {
	d, err := c.Authorize(name, s.Role, features)
	if err != nil {
		return nil, err
	}
	return d.handler(ctx, s, payload)
}
