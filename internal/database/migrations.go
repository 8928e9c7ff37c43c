package database

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

var migrations = []string{
	`CREATE SCHEMA IF NOT EXISTS auth`,

	`CREATE TABLE IF NOT EXISTS auth.tenants (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		domain TEXT NOT NULL,
		status TEXT NOT NULL,
		status_reason TEXT NOT NULL DEFAULT '',
		quota JSONB NOT NULL DEFAULT '{}',
		usage JSONB NOT NULL DEFAULT '{}',
		security_policy JSONB NOT NULL DEFAULT '{}',
		settings JSONB,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		created_by TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS tenants_domain_idx ON auth.tenants (LOWER(domain))`,

	`CREATE TABLE IF NOT EXISTS auth.users (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL REFERENCES auth.tenants (id),
		username TEXT NOT NULL,
		email TEXT NOT NULL DEFAULT '',
		phone TEXT NOT NULL DEFAULT '',
		password_hash TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'active',
		last_login_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (tenant_id, username)
	)`,

	`CREATE TABLE IF NOT EXISTS auth.user_roles (
		user_id TEXT NOT NULL,
		tenant_id TEXT NOT NULL,
		role TEXT NOT NULL,
		assigned_by TEXT NOT NULL DEFAULT '',
		expires_at TIMESTAMPTZ,
		PRIMARY KEY (user_id, tenant_id, role)
	)`,

	`CREATE TABLE IF NOT EXISTS auth.user_permissions (
		user_id TEXT NOT NULL,
		tenant_id TEXT NOT NULL,
		permission TEXT NOT NULL,
		granted BOOLEAN NOT NULL DEFAULT TRUE,
		PRIMARY KEY (user_id, tenant_id, permission)
	)`,

	`CREATE TABLE IF NOT EXISTS auth.role_permissions (
		role TEXT NOT NULL,
		permission TEXT NOT NULL,
		PRIMARY KEY (role, permission)
	)`,

	`CREATE TABLE IF NOT EXISTS auth.resource_grants (
		user_id TEXT NOT NULL,
		tenant_id TEXT NOT NULL,
		resource TEXT NOT NULL,
		resource_id TEXT NOT NULL,
		action TEXT NOT NULL,
		PRIMARY KEY (user_id, tenant_id, resource, resource_id, action)
	)`,

	`CREATE TABLE IF NOT EXISTS auth.audit_events (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL DEFAULT '',
		user_id TEXT NOT NULL DEFAULT '',
		session_id TEXT NOT NULL DEFAULT '',
		event_type TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		resource TEXT NOT NULL DEFAULT '',
		action TEXT NOT NULL DEFAULT '',
		result TEXT NOT NULL DEFAULT '',
		risk_level TEXT NOT NULL DEFAULT 'low',
		ip_address TEXT NOT NULL DEFAULT '',
		user_agent TEXT NOT NULL DEFAULT '',
		details JSONB,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS audit_events_tenant_idx ON auth.audit_events (tenant_id, created_at DESC)`,
}

// Migrate creates the security schema if it does not exist
func (c *Client) Migrate(ctx context.Context) error {
	for i, m := range migrations {
		if _, err := c.db.ExecContext(ctx, m); err != nil {
			return fmt.Errorf("failed to apply migration %d: %w", i+1, err)
		}
	}
	c.logger.Info("Database migrations applied", zap.Int("count", len(migrations)))
	return nil
}
