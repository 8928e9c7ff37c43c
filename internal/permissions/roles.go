package permissions

import (
	"sort"
	"time"
)

// Role is a named bundle of permissions
type Role string

// Roles
const (
	RoleSuperAdmin      Role = "super_admin"
	RolePlatformAdmin   Role = "platform_admin"
	RoleTenantAdmin     Role = "tenant_admin"
	RoleTenantManager   Role = "tenant_manager"
	RoleBillingManager  Role = "billing_manager"
	RoleSupportAgent    Role = "support_agent"
	RoleNetworkEngineer Role = "network_engineer"
	RoleFieldTechnician Role = "field_technician"
	RoleResellerAdmin   Role = "reseller_admin"
	RoleResellerAgent   Role = "reseller_agent"
	RoleCustomerUser    Role = "customer_user"
	RoleViewer          Role = "viewer"
	RoleAPIClient       Role = "api_client"
)

var rolePermissions = map[Role][]Permission{
	RoleSuperAdmin: All(),
	RolePlatformAdmin: {
		PlatformRead, PlatformAdmin, SystemAudit,
		TenantRead, TenantWrite, TenantCreate, TenantAdmin,
		UserRead, UserWrite, UserCreate, UserDelete, UserAssignRoles,
		ReportRead, ReportCreate, AnalyticsRead, AuditRead,
	},
	RoleTenantAdmin: {
		TenantRead, TenantWrite,
		UserRead, UserWrite, UserCreate, UserDelete, UserAssignRoles, UserAdmin,
		CustomerRead, CustomerWrite, CustomerCreate, CustomerDelete, CustomerAdmin,
		BillingRead, BillingWrite, BillingPayment, BillingAdmin,
		ServiceRead, ServiceWrite, ServiceProvision, ServiceAdmin,
		NetworkRead, NetworkWrite, NetworkMonitor,
		DeviceRead, DeviceWrite, DeviceConfigure,
		TicketRead, TicketCreate, TicketWrite, TicketAssign, TicketAdmin,
		WorkOrderRead, WorkOrderUpdate, WorkOrderAdmin,
		ResellerRead, ResellerWrite,
		ReportRead, ReportCreate, AnalyticsRead, AuditRead,
		APIRead, APIWrite,
	},
	RoleTenantManager: {
		TenantRead,
		UserRead, UserWrite, UserCreate,
		CustomerRead, CustomerWrite, CustomerCreate,
		BillingRead, ServiceRead, ServiceWrite,
		TicketRead, TicketCreate, TicketWrite, TicketAssign,
		WorkOrderRead, ReportRead, AnalyticsRead,
	},
	RoleBillingManager: {
		CustomerRead, BillingRead, BillingWrite, BillingPayment, BillingAdmin,
		ReportRead, ReportCreate,
	},
	RoleSupportAgent: {
		CustomerRead, CustomerWrite, BillingRead, ServiceRead,
		TicketRead, TicketCreate, TicketWrite, TicketAssign,
		NetworkRead, DeviceRead,
	},
	RoleNetworkEngineer: {
		NetworkRead, NetworkWrite, NetworkMonitor, NetworkAdmin,
		DeviceRead, DeviceWrite, DeviceConfigure, DeviceAdmin,
		ServiceRead, ServiceProvision, TicketRead, WorkOrderRead,
	},
	RoleFieldTechnician: {
		WorkOrderRead, WorkOrderUpdate, WorkOrderComplete,
		DeviceRead, DeviceConfigure, NetworkRead,
		CustomerRead, TicketRead, TicketWrite,
	},
	RoleResellerAdmin: {
		ResellerRead, ResellerWrite, ResellerCommission,
		CustomerRead, CustomerWrite, CustomerCreate,
		BillingRead, ServiceRead, ReportRead,
	},
	RoleResellerAgent: {
		ResellerRead, CustomerRead, CustomerCreate, ServiceRead,
	},
	RoleCustomerUser: {
		CustomerRead, BillingRead, BillingPayment, ServiceRead,
		TicketRead, TicketCreate,
	},
	RoleViewer: {
		TenantRead, UserRead, CustomerRead, BillingRead, ServiceRead,
		NetworkRead, DeviceRead, TicketRead, ReportRead,
	},
	RoleAPIClient: {
		APIRead, APIWrite, CustomerRead, ServiceRead,
	},
}

// Known reports whether r is a defined role
func (r Role) Known() bool {
	_, ok := rolePermissions[r]
	return ok
}

// Permissions returns the static permission set of r
func (r Role) Permissions() Set {
	return NewSet(rolePermissions[r]...)
}

// String implements fmt.Stringer
func (r Role) String() string {
	return string(r)
}

// RolePermissions returns the union of the permission sets of roles
func RolePermissions(roles ...Role) Set {
	out := make(Set)
	for _, r := range roles {
		out.Add(rolePermissions[r]...)
	}
	return out
}

// AllRoles returns every defined role in lexical order
func AllRoles() []Role {
	out := make([]Role, 0, len(rolePermissions))
	for r := range rolePermissions {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// UserPermissions is a user's authorization state within one tenant
type UserPermissions struct {
	UserID              string            `json:"user_id"`
	TenantID            string            `json:"tenant_id"`
	Roles               []Role            `json:"roles"`
	ExplicitPermissions Set               `json:"-"`
	DeniedPermissions   Set               `json:"-"`
	Context             map[string]string `json:"context,omitempty"`
	ExpiresAt           *time.Time        `json:"expires_at,omitempty"`
}

// EffectivePermissions returns (role permissions ∪ explicit) − denied
func (u *UserPermissions) EffectivePermissions() Set {
	return RolePermissions(u.Roles...).Union(u.ExplicitPermissions).Difference(u.DeniedPermissions)
}

// HasRole reports whether the user holds role
func (u *UserPermissions) HasRole(role Role) bool {
	for _, r := range u.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// IsSuperAdmin reports whether the user holds the super admin role
func (u *UserPermissions) IsSuperAdmin() bool {
	return u.HasRole(RoleSuperAdmin)
}

// IsExpired reports whether the permission grant has lapsed at now
func (u *UserPermissions) IsExpired(now time.Time) bool {
	return u.ExpiresAt != nil && !now.Before(*u.ExpiresAt)
}

// RoleStrings returns the roles as strings
func (u *UserPermissions) RoleStrings() []string {
	out := make([]string, len(u.Roles))
	for i, r := range u.Roles {
		out[i] = string(r)
	}
	return out
}

// RolesFromStrings converts role names, dropping unknown ones
func RolesFromStrings(values []string) []Role {
	out := make([]Role, 0, len(values))
	for _, v := range values {
		if r := Role(v); r.Known() {
			out = append(out, r)
		}
	}
	return out
}
