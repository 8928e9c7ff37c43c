package database

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/michaelayoade/dotmac-framework-sub009/internal/permissions"
	"github.com/michaelayoade/dotmac-framework-sub009/internal/rbac"
)

type roleAssignmentRow struct {
	Role      string     `db:"role"`
	ExpiresAt *time.Time `db:"expires_at"`
}

type permissionGrantRow struct {
	Permission string `db:"permission"`
	Granted    bool   `db:"granted"`
}

// GetUserPermissions builds a user's authorization state from role assignments and explicit grants
func (c *Client) GetUserPermissions(ctx context.Context, userID, tenantID string) (*permissions.UserPermissions, error) {
	var assignments []roleAssignmentRow
	err := c.db.SelectContext(ctx, &assignments, `
		SELECT role, expires_at
		FROM auth.user_roles
		WHERE user_id = $1 AND tenant_id = $2
		      AND (expires_at IS NULL OR expires_at > $3)`,
		userID, tenantID, c.now())
	if err != nil {
		return nil, fmt.Errorf("failed to query user roles: %w", err)
	}

	var grants []permissionGrantRow
	err = c.db.SelectContext(ctx, &grants, `
		SELECT permission, granted
		FROM auth.user_permissions
		WHERE user_id = $1 AND tenant_id = $2`,
		userID, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to query user permissions: %w", err)
	}

	if len(assignments) == 0 && len(grants) == 0 {
		return nil, rbac.ErrUserNotFound
	}

	up := &permissions.UserPermissions{
		UserID:              userID,
		TenantID:            tenantID,
		ExplicitPermissions: permissions.NewSet(),
		DeniedPermissions:   permissions.NewSet(),
	}
	for _, a := range assignments {
		role := permissions.Role(a.Role)
		if !role.Known() {
			c.logger.Warn("Ignoring unknown role assignment",
				zap.String("user_id", userID),
				zap.String("role", a.Role),
			)
			continue
		}
		up.Roles = append(up.Roles, role)
		// earliest role expiry bounds the whole permission set
		if a.ExpiresAt != nil && (up.ExpiresAt == nil || a.ExpiresAt.Before(*up.ExpiresAt)) {
			exp := *a.ExpiresAt
			up.ExpiresAt = &exp
		}
	}
	for _, g := range grants {
		perm, ok := permissions.Parse(g.Permission)
		if !ok {
			continue
		}
		if g.Granted {
			up.ExplicitPermissions.Add(perm)
		} else {
			up.DeniedPermissions.Add(perm)
		}
	}
	return up, nil
}

// GetRolePermissions merges tenant-independent overrides from the database onto the built-in role table
func (c *Client) GetRolePermissions(ctx context.Context, role permissions.Role) (permissions.Set, error) {
	var names []string
	if err := c.db.SelectContext(ctx, &names, `SELECT permission FROM auth.role_permissions WHERE role = $1`, string(role)); err != nil {
		return nil, fmt.Errorf("failed to query role permissions: %w", err)
	}
	set := role.Permissions()
	for _, n := range names {
		if perm, ok := permissions.Parse(n); ok {
			set.Add(perm)
		}
	}
	return set, nil
}

// CheckResourceAccess reports whether a per-instance grant exists
func (c *Client) CheckResourceAccess(ctx context.Context, userID, tenantID, resource, resourceID, action string) (bool, error) {
	var count int
	err := c.db.GetContext(ctx, &count, `
		SELECT COUNT(*)
		FROM auth.resource_grants
		WHERE user_id = $1 AND tenant_id = $2 AND resource = $3
		      AND resource_id = $4 AND action IN ($5, '*')`,
		userID, tenantID, resource, resourceID, action)
	if err != nil {
		return false, fmt.Errorf("failed to check resource access: %w", err)
	}
	return count > 0, nil
}

var _ rbac.PermissionProvider = (*Client)(nil)
