package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/michaelayoade/dotmac-framework-sub009/internal/tenant"
)

// uniqueViolation is the PostgreSQL error code for a unique constraint failure
const uniqueViolation = "23505"

// TenantRepository persists tenants to auth.tenants
type TenantRepository struct {
	client *Client
}

// NewTenantRepository creates a tenant repository on client
func NewTenantRepository(client *Client) *TenantRepository {
	return &TenantRepository{client: client}
}

type tenantRow struct {
	ID           string    `db:"id"`
	Name         string    `db:"name"`
	Domain       string    `db:"domain"`
	Status       string    `db:"status"`
	StatusReason string    `db:"status_reason"`
	Quota        []byte    `db:"quota"`
	Usage        []byte    `db:"usage"`
	Policy       []byte    `db:"security_policy"`
	Settings     []byte    `db:"settings"`
	CreatedAt    time.Time `db:"created_at"`
	UpdatedAt    time.Time `db:"updated_at"`
	CreatedBy    string    `db:"created_by"`
}

func tenantRowFrom(t *tenant.Tenant) (tenantRow, error) {
	row := tenantRow{
		ID:           t.ID,
		Name:         t.Name,
		Domain:       t.Domain,
		Status:       string(t.Status),
		StatusReason: t.StatusReason,
		CreatedAt:    t.CreatedAt,
		UpdatedAt:    t.UpdatedAt,
		CreatedBy:    t.CreatedBy,
	}
	var err error
	if row.Quota, err = json.Marshal(t.Quota); err != nil {
		return row, fmt.Errorf("failed to encode quota: %w", err)
	}
	if row.Usage, err = json.Marshal(t.Usage); err != nil {
		return row, fmt.Errorf("failed to encode usage: %w", err)
	}
	if row.Policy, err = json.Marshal(t.Policy); err != nil {
		return row, fmt.Errorf("failed to encode security policy: %w", err)
	}
	if row.Settings, err = json.Marshal(t.Settings); err != nil {
		return row, fmt.Errorf("failed to encode settings: %w", err)
	}
	return row, nil
}

func (r tenantRow) toTenant() (*tenant.Tenant, error) {
	t := &tenant.Tenant{
		ID:           r.ID,
		Name:         r.Name,
		Domain:       r.Domain,
		Status:       tenant.Status(r.Status),
		StatusReason: r.StatusReason,
		Usage:        make(map[tenant.Resource]int64),
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
		CreatedBy:    r.CreatedBy,
	}
	for _, field := range []struct {
		raw []byte
		dst interface{}
	}{
		{r.Quota, &t.Quota},
		{r.Usage, &t.Usage},
		{r.Policy, &t.Policy},
		{r.Settings, &t.Settings},
	} {
		if len(field.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(field.raw, field.dst); err != nil {
			return nil, fmt.Errorf("failed to decode tenant %s: %w", r.ID, err)
		}
	}
	if t.Usage == nil {
		t.Usage = make(map[tenant.Resource]int64)
	}
	return t, nil
}

const tenantColumns = `id, name, domain, status, status_reason, quota, usage, security_policy,
	settings, created_at, updated_at, created_by`

// CreateTenant inserts a tenant; a duplicate domain maps to tenant.ErrDomainExists
func (r *TenantRepository) CreateTenant(ctx context.Context, t *tenant.Tenant) error {
	row, err := tenantRowFrom(t)
	if err != nil {
		return err
	}
	_, err = r.client.db.NamedExecContext(ctx, `
		INSERT INTO auth.tenants (`+tenantColumns+`)
		VALUES (:id, :name, :domain, :status, :status_reason, :quota, :usage, :security_policy,
		        :settings, :created_at, :updated_at, :created_by)`, row)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return tenant.ErrDomainExists
	}
	if err != nil {
		return fmt.Errorf("failed to insert tenant: %w", err)
	}
	return nil
}

// GetTenant loads a tenant by ID
func (r *TenantRepository) GetTenant(ctx context.Context, id string) (*tenant.Tenant, error) {
	var row tenantRow
	err := r.client.db.GetContext(ctx, &row, `SELECT `+tenantColumns+` FROM auth.tenants WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, tenant.ErrTenantNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get tenant: %w", err)
	}
	return row.toTenant()
}

// UpdateTenant overwrites a tenant's mutable columns
func (r *TenantRepository) UpdateTenant(ctx context.Context, t *tenant.Tenant) error {
	row, err := tenantRowFrom(t)
	if err != nil {
		return err
	}
	res, err := r.client.db.NamedExecContext(ctx, `
		UPDATE auth.tenants
		SET name = :name, status = :status, status_reason = :status_reason, quota = :quota,
		    usage = :usage, security_policy = :security_policy, settings = :settings,
		    updated_at = :updated_at
		WHERE id = :id`, row)
	if err != nil {
		return fmt.Errorf("failed to update tenant: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return tenant.ErrTenantNotFound
	}
	return nil
}

// ListTenants returns a page of tenants ordered by creation time
func (r *TenantRepository) ListTenants(ctx context.Context, status tenant.Status, offset, limit int) ([]*tenant.Tenant, int, error) {
	where := ""
	args := []interface{}{}
	if status != "" {
		where = " WHERE status = $1"
		args = append(args, string(status))
	}

	var total int
	if err := r.client.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM auth.tenants`+where, args...); err != nil {
		return nil, 0, fmt.Errorf("failed to count tenants: %w", err)
	}

	query := `SELECT ` + tenantColumns + ` FROM auth.tenants` + where + ` ORDER BY created_at, id`
	if limit > 0 {
		args = append(args, limit, offset)
		query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", len(args)-1, len(args))
	}

	var rows []tenantRow
	if err := r.client.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, 0, fmt.Errorf("failed to list tenants: %w", err)
	}
	out := make([]*tenant.Tenant, 0, len(rows))
	for _, row := range rows {
		t, err := row.toTenant()
		if err != nil {
			return nil, 0, err
		}
		out = append(out, t)
	}
	return out, total, nil
}

var _ tenant.Repository = (*TenantRepository)(nil)
