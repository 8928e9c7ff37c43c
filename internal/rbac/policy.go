package rbac

import (
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/michaelayoade/dotmac-framework-sub009/internal/permissions"
)

// Decision is the outcome of an access check
type Decision string

// Decisions
const (
	Allow Decision = "allow"
	Deny  Decision = "deny"
)

// Wildcard matches any resource or action in a policy rule
const Wildcard = "*"

// ConditionType discriminates policy rule conditions
type ConditionType string

// Condition types
const (
	ConditionIPIn           ConditionType = "ip_in"
	ConditionIPNotIn        ConditionType = "ip_not_in"
	ConditionTimeWindow     ConditionType = "time_window"
	ConditionWeekdays       ConditionType = "weekdays"
	ConditionAttributeEqual ConditionType = "attribute_equals"
	ConditionRoleAny        ConditionType = "role_any"
)

// Condition restricts when a policy rule applies
type Condition struct {
	Type   ConditionType `json:"type" yaml:"type"`
	Key    string        `json:"key,omitempty" yaml:"key,omitempty"`
	Values []string      `json:"values" yaml:"values"`
}

// PolicyRule is a tenant or global allow/deny rule
type PolicyRule struct {
	ID         string      `json:"id" yaml:"id"`
	Name       string      `json:"name" yaml:"name"`
	Effect     Decision    `json:"effect" yaml:"effect"`
	Resources  []string    `json:"resources" yaml:"resources"`
	Actions    []string    `json:"actions" yaml:"actions"`
	Conditions []Condition `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	Priority   int         `json:"priority" yaml:"priority"`
	Enabled    bool        `json:"enabled" yaml:"enabled"`
}

// TenantPolicy holds tenant scoped access policy
type TenantPolicy struct {
	TenantID          string
	BlockedActions    map[string]struct{}
	Rules             []PolicyRule
	CustomPermissions permissions.Set
}

// NewTenantPolicy creates an empty policy for tenantID
func NewTenantPolicy(tenantID string) *TenantPolicy {
	return &TenantPolicy{
		TenantID:          tenantID,
		BlockedActions:    make(map[string]struct{}),
		CustomPermissions: make(permissions.Set),
	}
}

func (p *TenantPolicy) clone() *TenantPolicy {
	out := NewTenantPolicy(p.TenantID)
	for k := range p.BlockedActions {
		out.BlockedActions[k] = struct{}{}
	}
	out.Rules = append([]PolicyRule(nil), p.Rules...)
	for perm := range p.CustomPermissions {
		out.CustomPermissions[perm] = struct{}{}
	}
	return out
}

// AccessContext carries request attributes evaluated by rule conditions
type AccessContext struct {
	TenantID    string
	ResourceID  string
	IPAddress   string
	RequestTime time.Time
	Attributes  map[string]string
}

type evalRequest struct {
	user     *permissions.UserPermissions
	resource string
	action   string
	ctx      *AccessContext
	now      time.Time
}

type conditionEvaluator func(cond Condition, req *evalRequest) bool

var conditionEvaluators = map[ConditionType]conditionEvaluator{
	ConditionIPIn:           evalIPIn,
	ConditionIPNotIn:        evalIPNotIn,
	ConditionTimeWindow:     evalTimeWindow,
	ConditionWeekdays:       evalWeekdays,
	ConditionAttributeEqual: evalAttributeEquals,
	ConditionRoleAny:        evalRoleAny,
}

// ValidateRule checks a rule's effect and that every condition type is known
func ValidateRule(rule PolicyRule) error {
	if rule.ID == "" {
		return fmt.Errorf("rule id is required")
	}
	if rule.Effect != Allow && rule.Effect != Deny {
		return fmt.Errorf("rule %s: invalid effect %q", rule.ID, rule.Effect)
	}
	if len(rule.Resources) == 0 || len(rule.Actions) == 0 {
		return fmt.Errorf("rule %s: resources and actions are required", rule.ID)
	}
	for _, cond := range rule.Conditions {
		if _, ok := conditionEvaluators[cond.Type]; !ok {
			return fmt.Errorf("rule %s: unknown condition type %q", rule.ID, cond.Type)
		}
	}
	return nil
}

func (r *PolicyRule) matches(req *evalRequest) bool {
	if !r.Enabled {
		return false
	}
	if !matchAny(r.Resources, req.resource) || !matchAny(r.Actions, req.action) {
		return false
	}
	for _, cond := range r.Conditions {
		eval, ok := conditionEvaluators[cond.Type]
		if !ok || !eval(cond, req) {
			return false
		}
	}
	return true
}

func matchAny(patterns []string, value string) bool {
	for _, p := range patterns {
		if p == Wildcard || p == value {
			return true
		}
		if strings.HasSuffix(p, Wildcard) && strings.HasPrefix(value, strings.TrimSuffix(p, Wildcard)) {
			return true
		}
	}
	return false
}

// sortRules orders rules by ascending priority, keeping insertion order for ties
func sortRules(rules []PolicyRule) {
	sort.SliceStable(rules, func(i, j int) bool { return rules[i].Priority < rules[j].Priority })
}

func evalIPIn(cond Condition, req *evalRequest) bool {
	if req.ctx == nil || req.ctx.IPAddress == "" {
		return false
	}
	return ipInList(req.ctx.IPAddress, cond.Values)
}

// evalIPNotIn treats an unknown client address as outside the list
func evalIPNotIn(cond Condition, req *evalRequest) bool {
	if req.ctx == nil || req.ctx.IPAddress == "" {
		return true
	}
	return !ipInList(req.ctx.IPAddress, cond.Values)
}

func ipInList(addr string, patterns []string) bool {
	ip := net.ParseIP(addr)
	if ip == nil {
		return false
	}
	for _, p := range patterns {
		if strings.Contains(p, "/") {
			_, network, err := net.ParseCIDR(p)
			if err == nil && network.Contains(ip) {
				return true
			}
			continue
		}
		if other := net.ParseIP(p); other != nil && other.Equal(ip) {
			return true
		}
	}
	return false
}

// evalTimeWindow matches when the request time (UTC) falls in any "HH:MM-HH:MM" range.
// Ranges whose end precedes their start wrap past midnight.
func evalTimeWindow(cond Condition, req *evalRequest) bool {
	current := req.requestTime().UTC().Format("15:04")
	for _, window := range cond.Values {
		start, end, ok := strings.Cut(window, "-")
		if !ok {
			continue
		}
		start, end = strings.TrimSpace(start), strings.TrimSpace(end)
		if start <= end {
			if current >= start && current <= end {
				return true
			}
		} else if current >= start || current <= end {
			return true
		}
	}
	return false
}

func evalWeekdays(cond Condition, req *evalRequest) bool {
	day := req.requestTime().UTC().Weekday().String()
	for _, v := range cond.Values {
		if strings.EqualFold(v, day) || strings.EqualFold(v, day[:3]) {
			return true
		}
	}
	return false
}

func evalAttributeEquals(cond Condition, req *evalRequest) bool {
	var value string
	var ok bool
	if req.ctx != nil && req.ctx.Attributes != nil {
		value, ok = req.ctx.Attributes[cond.Key]
	}
	if !ok && req.user.Context != nil {
		value, ok = req.user.Context[cond.Key]
	}
	if !ok {
		return false
	}
	for _, v := range cond.Values {
		if v == value {
			return true
		}
	}
	return false
}

func evalRoleAny(cond Condition, req *evalRequest) bool {
	for _, v := range cond.Values {
		if req.user.HasRole(permissions.Role(v)) {
			return true
		}
	}
	return false
}

func (r *evalRequest) requestTime() time.Time {
	if r.ctx != nil && !r.ctx.RequestTime.IsZero() {
		return r.ctx.RequestTime
	}
	return r.now
}

// DenyAllRule returns an enabled top priority rule denying every resource and action
func DenyAllRule(id, name string) PolicyRule {
	return PolicyRule{
		ID:        id,
		Name:      name,
		Effect:    Deny,
		Resources: []string{Wildcard},
		Actions:   []string{Wildcard},
		Priority:  -1 << 31,
		Enabled:   true,
	}
}
