package capability

import (
	"context"
	"fmt"
	"time"

	"snowgate/internal/domain"
	"snowgate/internal/license"
)

// Receipt acknowledges a dispatched capability invocation. Execution against
// the backing instance happens downstream; the control plane only records
// that the invocation passed the permission filter.
type Receipt struct {
	Capability string         `json:"capability"`
	SessionID  string         `json:"session_id"`
	AcceptedAt time.Time      `json:"accepted_at"`
	Arguments  map[string]any `json:"arguments,omitempty"`
}

func acknowledge(name string) Handler {
	return func(ctx context.Context, s *domain.Session, payload map[string]any) (any, error) {
		return &Receipt{
			Capability: name,
			SessionID:  s.ID,
			AcceptedAt: time.Now().UTC(),
			Arguments:  payload,
		}, nil
	}
}

var readRoles = []domain.Role{domain.RoleDeveloper, domain.RoleStakeholder, domain.RoleAdmin}
var writeRoles = []domain.Role{domain.RoleDeveloper, domain.RoleAdmin}

// NewDefaultCatalog builds the catalog of built-in capability groups: record
// operations, script execution, schema discovery and batch operations.
func NewDefaultCatalog() (*Catalog, error) {
	c := NewCatalog()

	entries := []Descriptor{
		{
			Name:               "record.query",
			Description:        "Query records from a table",
			RequiredPermission: domain.PermissionRead,
			AllowedRoles:       readRoles,
			Feature:            license.FeatureCore,
		},
		{
			Name:               "record.create",
			Description:        "Create a record in a table",
			RequiredPermission: domain.PermissionWrite,
			AllowedRoles:       writeRoles,
			Feature:            license.FeatureCore,
		},
		{
			Name:               "record.update",
			Description:        "Update an existing record",
			RequiredPermission: domain.PermissionWrite,
			AllowedRoles:       writeRoles,
			Feature:            license.FeatureCore,
		},
		{
			Name:               "record.delete",
			Description:        "Delete a record",
			RequiredPermission: domain.PermissionWrite,
			AllowedRoles:       writeRoles,
			Feature:            license.FeatureCore,
		},
		{
			Name:               "script.execute",
			Description:        "Execute a server-side script",
			RequiredPermission: domain.PermissionWrite,
			AllowedRoles:       writeRoles,
			Feature:            license.FeatureAutomation,
		},
		{
			Name:               "schema.discover",
			Description:        "Discover table schemas and relationships",
			RequiredPermission: domain.PermissionRead,
			AllowedRoles:       readRoles,
			Feature:            license.FeatureCore,
		},
		{
			Name:               "batch.execute",
			Description:        "Execute a batch of record operations",
			RequiredPermission: domain.PermissionWrite,
			AllowedRoles:       writeRoles,
			Feature:            license.FeatureAutomation,
		},
	}

	for _, d := range entries {
		if err := c.Register(d, acknowledge(d.Name)); err != nil {
			return nil, fmt.Errorf("register %s: %w", d.Name, err)
		}
	}
	return c, nil
}
