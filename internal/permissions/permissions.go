package permissions

import (
	"sort"
	"strings"
)

// Permission is a "resource:action" capability string
type Permission string

// Platform permissions
const (
	SystemAdmin  Permission = "system:admin"
	SystemConfig Permission = "system:config"
	SystemAudit  Permission = "system:audit"

	PlatformRead  Permission = "platform:read"
	PlatformAdmin Permission = "platform:admin"

	TenantRead   Permission = "tenant:read"
	TenantWrite  Permission = "tenant:write"
	TenantCreate Permission = "tenant:create"
	TenantAdmin  Permission = "tenant:admin"

	UserRead        Permission = "user:read"
	UserWrite       Permission = "user:write"
	UserCreate      Permission = "user:create"
	UserDelete      Permission = "user:delete"
	UserAssignRoles Permission = "user:assign_roles"
	UserAdmin       Permission = "user:admin"

	CustomerRead   Permission = "customer:read"
	CustomerWrite  Permission = "customer:write"
	CustomerCreate Permission = "customer:create"
	CustomerDelete Permission = "customer:delete"
	CustomerAdmin  Permission = "customer:admin"

	BillingRead    Permission = "billing:read"
	BillingWrite   Permission = "billing:write"
	BillingPayment Permission = "billing:payment"
	BillingAdmin   Permission = "billing:admin"

	ServiceRead      Permission = "service:read"
	ServiceWrite     Permission = "service:write"
	ServiceProvision Permission = "service:provision"
	ServiceAdmin     Permission = "service:admin"

	NetworkRead    Permission = "network:read"
	NetworkWrite   Permission = "network:write"
	NetworkMonitor Permission = "network:monitor"
	NetworkAdmin   Permission = "network:admin"

	DeviceRead      Permission = "device:read"
	DeviceWrite     Permission = "device:write"
	DeviceConfigure Permission = "device:configure"
	DeviceAdmin     Permission = "device:admin"

	TicketRead   Permission = "ticket:read"
	TicketCreate Permission = "ticket:create"
	TicketWrite  Permission = "ticket:write"
	TicketAssign Permission = "ticket:assign"
	TicketAdmin  Permission = "ticket:admin"

	WorkOrderRead     Permission = "workorder:read"
	WorkOrderUpdate   Permission = "workorder:update"
	WorkOrderComplete Permission = "workorder:complete"
	WorkOrderAdmin    Permission = "workorder:admin"

	ResellerRead       Permission = "reseller:read"
	ResellerWrite      Permission = "reseller:write"
	ResellerCommission Permission = "reseller:commission"
	ResellerAdmin      Permission = "reseller:admin"

	ReportRead   Permission = "report:read"
	ReportCreate Permission = "report:create"
	ReportAdmin  Permission = "report:admin"

	AnalyticsRead Permission = "analytics:read"

	AuditRead Permission = "audit:read"

	APIRead  Permission = "api:read"
	APIWrite Permission = "api:write"
)

// All returns every known permission
func All() []Permission {
	return []Permission{
		SystemAdmin, SystemConfig, SystemAudit,
		PlatformRead, PlatformAdmin,
		TenantRead, TenantWrite, TenantCreate, TenantAdmin,
		UserRead, UserWrite, UserCreate, UserDelete, UserAssignRoles, UserAdmin,
		CustomerRead, CustomerWrite, CustomerCreate, CustomerDelete, CustomerAdmin,
		BillingRead, BillingWrite, BillingPayment, BillingAdmin,
		ServiceRead, ServiceWrite, ServiceProvision, ServiceAdmin,
		NetworkRead, NetworkWrite, NetworkMonitor, NetworkAdmin,
		DeviceRead, DeviceWrite, DeviceConfigure, DeviceAdmin,
		TicketRead, TicketCreate, TicketWrite, TicketAssign, TicketAdmin,
		WorkOrderRead, WorkOrderUpdate, WorkOrderComplete, WorkOrderAdmin,
		ResellerRead, ResellerWrite, ResellerCommission, ResellerAdmin,
		ReportRead, ReportCreate, ReportAdmin,
		AnalyticsRead,
		AuditRead,
		APIRead, APIWrite,
	}
}

// New builds a permission from a resource and action
func New(resource, action string) Permission {
	return Permission(resource + ":" + action)
}

// Parse validates a "resource:action" string
func Parse(s string) (Permission, bool) {
	resource, action, ok := strings.Cut(s, ":")
	if !ok || resource == "" || action == "" || strings.Contains(action, ":") {
		return "", false
	}
	return Permission(s), true
}

// Resource returns the resource part of the permission
func (p Permission) Resource() string {
	resource, _, _ := strings.Cut(string(p), ":")
	return resource
}

// Action returns the action part of the permission
func (p Permission) Action() string {
	_, action, _ := strings.Cut(string(p), ":")
	return action
}

// AdminPermission returns the "<resource>:admin" permission for p's resource
func (p Permission) AdminPermission() Permission {
	return New(p.Resource(), "admin")
}

// String implements fmt.Stringer
func (p Permission) String() string {
	return string(p)
}

// Set is an unordered collection of permissions
type Set map[Permission]struct{}

// NewSet creates a set containing perms
func NewSet(perms ...Permission) Set {
	s := make(Set, len(perms))
	for _, p := range perms {
		s[p] = struct{}{}
	}
	return s
}

// Has reports whether p is in the set
func (s Set) Has(p Permission) bool {
	_, ok := s[p]
	return ok
}

// Add inserts perms into the set
func (s Set) Add(perms ...Permission) {
	for _, p := range perms {
		s[p] = struct{}{}
	}
}

// Union returns a new set with the members of s and other
func (s Set) Union(other Set) Set {
	out := make(Set, len(s)+len(other))
	for p := range s {
		out[p] = struct{}{}
	}
	for p := range other {
		out[p] = struct{}{}
	}
	return out
}

// Difference returns a new set with the members of s not in other
func (s Set) Difference(other Set) Set {
	out := make(Set, len(s))
	for p := range s {
		if !other.Has(p) {
			out[p] = struct{}{}
		}
	}
	return out
}

// IsSubsetOf reports whether every member of s is in other
func (s Set) IsSubsetOf(other Set) bool {
	for p := range s {
		if !other.Has(p) {
			return false
		}
	}
	return true
}

// Sorted returns the members in lexical order
func (s Set) Sorted() []Permission {
	out := make([]Permission, 0, len(s))
	for p := range s {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Strings returns the sorted members as strings
func (s Set) Strings() []string {
	sorted := s.Sorted()
	out := make([]string, len(sorted))
	for i, p := range sorted {
		out[i] = string(p)
	}
	return out
}

// FromStrings builds a set from strings, skipping malformed entries
func FromStrings(values []string) Set {
	s := make(Set, len(values))
	for _, v := range values {
		if p, ok := Parse(v); ok {
			s[p] = struct{}{}
		}
	}
	return s
}
