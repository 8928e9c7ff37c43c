package tenant

import (
	"context"
	"errors"
	"time"
)

// Status is a tenant lifecycle state
type Status string

// Tenant states
const (
	StatusPending     Status = "pending"
	StatusTrial       Status = "trial"
	StatusActive      Status = "active"
	StatusSuspended   Status = "suspended"
	StatusDeactivated Status = "deactivated"
)

// Operational reports whether users of the tenant may sign in
func (s Status) Operational() bool {
	return s == StatusActive || s == StatusTrial
}

var (
	ErrTenantNotFound    = errors.New("tenant not found")
	ErrDomainExists      = errors.New("tenant domain already registered")
	ErrInvalidTransition = errors.New("invalid tenant status transition")
	ErrUnknownResource   = errors.New("unknown quota resource")
)

// transitions lists the allowed status changes
var transitions = map[Status][]Status{
	StatusPending:   {StatusActive, StatusTrial, StatusDeactivated},
	StatusTrial:     {StatusActive, StatusSuspended, StatusDeactivated},
	StatusActive:    {StatusSuspended, StatusDeactivated},
	StatusSuspended: {StatusActive, StatusDeactivated},
}

func canTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Resource is a quota-governed resource type
type Resource string

// Quota resources
const (
	ResourceUsers     Resource = "users"
	ResourceCustomers Resource = "customers"
	ResourceDevices   Resource = "devices"
	ResourceSessions  Resource = "sessions"
	ResourceAPICalls  Resource = "api_calls"
	ResourceStorageGB Resource = "storage_gb"
)

// ResourceQuota defines resource ceilings for a tenant
type ResourceQuota struct {
	MaxUsers          int64 `json:"max_users" db:"max_users"`
	MaxCustomers      int64 `json:"max_customers" db:"max_customers"`
	MaxDevices        int64 `json:"max_devices" db:"max_devices"`
	MaxSessions       int64 `json:"max_sessions" db:"max_sessions"`
	MaxAPICallsPerDay int64 `json:"max_api_calls_per_day" db:"max_api_calls_per_day"`
	StorageQuotaGB    int64 `json:"storage_quota_gb" db:"storage_quota_gb"`
}

// Limit returns the ceiling for r
func (q ResourceQuota) Limit(r Resource) (int64, bool) {
	switch r {
	case ResourceUsers:
		return q.MaxUsers, true
	case ResourceCustomers:
		return q.MaxCustomers, true
	case ResourceDevices:
		return q.MaxDevices, true
	case ResourceSessions:
		return q.MaxSessions, true
	case ResourceAPICalls:
		return q.MaxAPICallsPerDay, true
	case ResourceStorageGB:
		return q.StorageQuotaGB, true
	}
	return 0, false
}

func (q *ResourceQuota) setDefaults() {
	if q.MaxUsers == 0 {
		q.MaxUsers = 100
	}
	if q.MaxCustomers == 0 {
		q.MaxCustomers = 10000
	}
	if q.MaxDevices == 0 {
		q.MaxDevices = 5000
	}
	if q.MaxSessions == 0 {
		q.MaxSessions = 500
	}
	if q.MaxAPICallsPerDay == 0 {
		q.MaxAPICallsPerDay = 100000
	}
	if q.StorageQuotaGB == 0 {
		q.StorageQuotaGB = 10
	}
}

// PasswordPolicy governs tenant user passwords
type PasswordPolicy struct {
	MinLength        int  `json:"min_length"`
	RequireUppercase bool `json:"require_uppercase"`
	RequireNumbers   bool `json:"require_numbers"`
	RequireSymbols   bool `json:"require_symbols"`
	MaxAgeDays       int  `json:"max_age_days"`
	HistoryCount     int  `json:"history_count"`
}

// SessionPolicy governs tenant sessions
type SessionPolicy struct {
	TimeoutMinutes        int      `json:"timeout_minutes"`
	MaxConcurrentSessions int      `json:"max_concurrent_sessions"`
	RequireMFA            bool     `json:"require_mfa"`
	IPWhitelist           []string `json:"ip_whitelist,omitempty"`
}

// APIPolicy governs tenant API access
type APIPolicy struct {
	RateLimitPerMinute int      `json:"rate_limit_per_minute"`
	AllowedOrigins     []string `json:"allowed_origins,omitempty"`
	RequireAPIKey      bool     `json:"require_api_key"`
}

// DataPolicy governs tenant data retention
type DataPolicy struct {
	RetentionDays         int  `json:"retention_days"`
	EncryptAtRest         bool `json:"encrypt_at_rest"`
	AuditLogRetentionDays int  `json:"audit_log_retention_days"`
}

// SecurityPolicy groups a tenant's security settings
type SecurityPolicy struct {
	Password PasswordPolicy `json:"password"`
	Session  SessionPolicy  `json:"session"`
	API      APIPolicy      `json:"api"`
	Data     DataPolicy     `json:"data"`
}

// DefaultSecurityPolicy returns the policy applied to new tenants
func DefaultSecurityPolicy() SecurityPolicy {
	return SecurityPolicy{
		Password: PasswordPolicy{MinLength: 12, RequireUppercase: true, RequireNumbers: true, RequireSymbols: true, MaxAgeDays: 90, HistoryCount: 5},
		Session:  SessionPolicy{TimeoutMinutes: 480, MaxConcurrentSessions: 5},
		API:      APIPolicy{RateLimitPerMinute: 600},
		Data:     DataPolicy{RetentionDays: 365, EncryptAtRest: true, AuditLogRetentionDays: 365},
	}
}

// Tenant is an ISP customer organisation
type Tenant struct {
	ID           string                 `json:"id" db:"id"`
	Name         string                 `json:"name" db:"name"`
	Domain       string                 `json:"domain" db:"domain"`
	Status       Status                 `json:"status" db:"status"`
	Quota        ResourceQuota          `json:"quota" db:"-"`
	Usage        map[Resource]int64     `json:"usage" db:"-"`
	Policy       SecurityPolicy         `json:"security_policy" db:"-"`
	Settings     map[string]interface{} `json:"settings,omitempty" db:"-"`
	StatusReason string                 `json:"status_reason,omitempty" db:"status_reason"`
	CreatedAt    time.Time              `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time              `json:"updated_at" db:"updated_at"`
	CreatedBy    string                 `json:"created_by" db:"created_by"`
}

func (t *Tenant) clone() *Tenant {
	cp := *t
	cp.Usage = make(map[Resource]int64, len(t.Usage))
	for k, v := range t.Usage {
		cp.Usage[k] = v
	}
	if t.Settings != nil {
		cp.Settings = make(map[string]interface{}, len(t.Settings))
		for k, v := range t.Settings {
			cp.Settings[k] = v
		}
	}
	cp.Policy.Session.IPWhitelist = append([]string(nil), t.Policy.Session.IPWhitelist...)
	cp.Policy.API.AllowedOrigins = append([]string(nil), t.Policy.API.AllowedOrigins...)
	return &cp
}

// QuotaUsage reports consumption of one resource
type QuotaUsage struct {
	Limit   int64   `json:"limit"`
	Used    int64   `json:"used"`
	Percent float64 `json:"percent"`
}

// Repository persists tenants
type Repository interface {
	CreateTenant(ctx context.Context, t *Tenant) error
	GetTenant(ctx context.Context, id string) (*Tenant, error)
	UpdateTenant(ctx context.Context, t *Tenant) error
	ListTenants(ctx context.Context, status Status, offset, limit int) ([]*Tenant, int, error)
}
