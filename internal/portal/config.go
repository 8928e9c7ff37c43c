package portal

import (
	"time"

	"github.com/michaelayoade/dotmac-framework-sub009/internal/permissions"
)

// Type identifies a user-facing portal
type Type string

// Portals
const (
	Admin      Type = "admin"
	Customer   Type = "customer"
	Technician Type = "technician"
	Reseller   Type = "reseller"
)

// AuthMethod is how the user proved their identity before portal admission
type AuthMethod string

// Authentication methods
const (
	AuthPassword AuthMethod = "password"
	AuthSSO      AuthMethod = "sso"
	AuthAPIKey   AuthMethod = "api_key"
)

// Config is the admission policy of one portal
type Config struct {
	Type                  Type
	AllowedRoles          []permissions.Role
	RequiredPermissions   []permissions.Permission
	SessionTimeout        time.Duration
	RequireMFA            bool
	AllowedAuthMethods    []AuthMethod
	MaxConcurrentSessions int
}

func (c Config) allowsRole(up *permissions.UserPermissions) bool {
	for _, r := range c.AllowedRoles {
		if up.HasRole(r) {
			return true
		}
	}
	return false
}

func (c Config) allowsMethod(m AuthMethod) bool {
	for _, allowed := range c.AllowedAuthMethods {
		if allowed == m {
			return true
		}
	}
	return false
}

// DefaultConfigs returns the built-in portal policies
func DefaultConfigs() map[Type]Config {
	return map[Type]Config{
		Admin: {
			Type: Admin,
			AllowedRoles: []permissions.Role{
				permissions.RoleSuperAdmin,
				permissions.RolePlatformAdmin,
				permissions.RoleTenantAdmin,
				permissions.RoleTenantManager,
				permissions.RoleBillingManager,
				permissions.RoleSupportAgent,
				permissions.RoleNetworkEngineer,
			},
			SessionTimeout:        4 * time.Hour,
			RequireMFA:            true,
			AllowedAuthMethods:    []AuthMethod{AuthPassword, AuthSSO},
			MaxConcurrentSessions: 3,
		},
		Customer: {
			Type:                  Customer,
			AllowedRoles:          []permissions.Role{permissions.RoleCustomerUser},
			RequiredPermissions:   []permissions.Permission{permissions.CustomerRead},
			SessionTimeout:        8 * time.Hour,
			AllowedAuthMethods:    []AuthMethod{AuthPassword, AuthSSO},
			MaxConcurrentSessions: 5,
		},
		Technician: {
			Type:                  Technician,
			AllowedRoles:          []permissions.Role{permissions.RoleFieldTechnician, permissions.RoleNetworkEngineer},
			RequiredPermissions:   []permissions.Permission{permissions.WorkOrderRead},
			SessionTimeout:        12 * time.Hour,
			AllowedAuthMethods:    []AuthMethod{AuthPassword},
			MaxConcurrentSessions: 2,
		},
		Reseller: {
			Type:                  Reseller,
			AllowedRoles:          []permissions.Role{permissions.RoleResellerAdmin, permissions.RoleResellerAgent},
			RequiredPermissions:   []permissions.Permission{permissions.ResellerRead, permissions.CustomerRead},
			SessionTimeout:        8 * time.Hour,
			RequireMFA:            true,
			AllowedAuthMethods:    []AuthMethod{AuthPassword, AuthSSO},
			MaxConcurrentSessions: 3,
		},
	}
}

// relevantResources limits which permission resources a portal token may carry
var relevantResources = map[Type]map[string]struct{}{
	Admin: resourceSet(
		"system", "platform", "tenant", "user", "customer", "billing", "service",
		"network", "device", "ticket", "workorder", "reseller", "report", "analytics", "audit", "api",
	),
	Customer:   resourceSet("customer", "billing", "service", "ticket"),
	Technician: resourceSet("workorder", "device", "network", "customer", "ticket"),
	Reseller:   resourceSet("reseller", "customer", "billing", "service", "report"),
}

func resourceSet(resources ...string) map[string]struct{} {
	out := make(map[string]struct{}, len(resources))
	for _, r := range resources {
		out[r] = struct{}{}
	}
	return out
}

// FilterPermissions returns the members of perms relevant to portal, sorted
func FilterPermissions(portal Type, perms permissions.Set) []string {
	relevant := relevantResources[portal]
	out := make([]string, 0, len(perms))
	for _, p := range perms.Sorted() {
		if _, ok := relevant[p.Resource()]; ok {
			out = append(out, string(p))
		}
	}
	return out
}
