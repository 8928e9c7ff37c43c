package ratelimit

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// LimitType selects which identity a rule counts against
type LimitType string

// Rule scopes
const (
	LimitIP       LimitType = "ip"
	LimitUser     LimitType = "user"
	LimitEndpoint LimitType = "endpoint"
	LimitGlobal   LimitType = "global"
)

// Rule is a sliding-window request ceiling
type Rule struct {
	ID             string        `json:"rule_id" yaml:"rule_id"`
	LimitType      LimitType     `json:"limit_type" yaml:"limit_type"`
	MaxRequests    int           `json:"max_requests" yaml:"max_requests"`
	Window         time.Duration `json:"time_window" yaml:"time_window"`
	EndpointFilter string        `json:"endpoint_filter,omitempty" yaml:"endpoint_filter"`
	MethodFilter   []string      `json:"method_filter,omitempty" yaml:"method_filter"`
	Enabled        bool          `json:"enabled" yaml:"enabled"`

	pattern *regexp.Regexp
}

func (r *Rule) compile() error {
	if r.ID == "" {
		return fmt.Errorf("rule id is required")
	}
	switch r.LimitType {
	case LimitIP, LimitUser, LimitEndpoint, LimitGlobal:
	default:
		return fmt.Errorf("rule %s: unknown limit type %q", r.ID, r.LimitType)
	}
	if r.MaxRequests <= 0 || r.Window <= 0 {
		return fmt.Errorf("rule %s: max_requests and time_window must be positive", r.ID)
	}
	r.pattern = nil
	if r.EndpointFilter != "" {
		p, err := regexp.Compile(r.EndpointFilter)
		if err != nil {
			return fmt.Errorf("rule %s: invalid endpoint filter: %w", r.ID, err)
		}
		r.pattern = p
	}
	return nil
}

func (r *Rule) matches(req Request) bool {
	if !r.Enabled {
		return false
	}
	if r.pattern != nil && !r.pattern.MatchString(req.Path) {
		return false
	}
	if len(r.MethodFilter) > 0 {
		found := false
		for _, m := range r.MethodFilter {
			if strings.EqualFold(m, req.Method) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if r.LimitType == LimitUser && req.UserID == "" {
		return false
	}
	return true
}

// counterKey scopes the window counter to the rule and the identity it limits
func (r *Rule) counterKey(req Request) string {
	switch r.LimitType {
	case LimitIP:
		return "ip:" + req.IP + ":" + r.ID
	case LimitUser:
		return "user:" + req.UserID + ":" + r.ID
	case LimitEndpoint:
		return "endpoint:" + req.Path + ":" + r.ID
	default:
		return "global:" + r.ID
	}
}

// DefaultRules guards the authentication surface
func DefaultRules() []Rule {
	return []Rule{
		{
			ID:             "login_attempts",
			LimitType:      LimitIP,
			MaxRequests:    5,
			Window:         5 * time.Minute,
			EndpointFilter: `^/api/v1/auth/portal/[^/]+/login$`,
			MethodFilter:   []string{"POST"},
			Enabled:        true,
		},
		{
			ID:             "mfa_verify",
			LimitType:      LimitUser,
			MaxRequests:    5,
			Window:         5 * time.Minute,
			EndpointFilter: `^/api/v1/mfa/`,
			MethodFilter:   []string{"POST"},
			Enabled:        true,
		},
		{
			ID:             "token_refresh",
			LimitType:      LimitIP,
			MaxRequests:    30,
			Window:         time.Minute,
			EndpointFilter: `^/api/v1/auth/refresh$`,
			MethodFilter:   []string{"POST"},
			Enabled:        true,
		},
		{
			ID:             "api_per_ip",
			LimitType:      LimitIP,
			MaxRequests:    600,
			Window:         time.Minute,
			EndpointFilter: `^/api/`,
			Enabled:        true,
		},
		{
			ID:          "global",
			LimitType:   LimitGlobal,
			MaxRequests: 10000,
			Window:      time.Minute,
			Enabled:     true,
		},
	}
}
