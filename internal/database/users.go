package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/michaelayoade/dotmac-framework-sub009/internal/models"
)

// GetUserByUsername returns a tenant user by username
func (c *Client) GetUserByUsername(ctx context.Context, tenantID, username string) (*models.User, error) {
	var user models.User
	err := c.db.GetContext(ctx, &user, `
		SELECT id, tenant_id, username, email, phone, password_hash,
		       status, last_login_at, created_at, updated_at
		FROM auth.users
		WHERE tenant_id = $1 AND username = $2 AND status != 'deleted'`,
		tenantID, username)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &user, nil
}

// GetUser returns a tenant user by ID
func (c *Client) GetUser(ctx context.Context, tenantID, userID string) (*models.User, error) {
	var user models.User
	err := c.db.GetContext(ctx, &user, `
		SELECT id, tenant_id, username, email, phone, password_hash,
		       status, last_login_at, created_at, updated_at
		FROM auth.users
		WHERE tenant_id = $1 AND id = $2 AND status != 'deleted'`,
		tenantID, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &user, nil
}

// UpdateUserLastLogin stamps a successful login
func (c *Client) UpdateUserLastLogin(ctx context.Context, userID string, loginTime time.Time) error {
	_, err := c.db.ExecContext(ctx,
		`UPDATE auth.users SET last_login_at = $1, updated_at = $1 WHERE id = $2`,
		loginTime, userID)
	if err != nil {
		return fmt.Errorf("failed to update last login: %w", err)
	}
	return nil
}
