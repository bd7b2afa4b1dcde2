package model

import "time"

type PermissionKind string

const (
	PermissionAllow       PermissionKind = "allow"
	PermissionDeny        PermissionKind = "deny"
	PermissionRateLimited PermissionKind = "rate_limited"
)

func (k PermissionKind) Valid() bool {
	switch k {
	case PermissionAllow, PermissionDeny, PermissionRateLimited:
		return true
	}
	return false
}

// RateLimitConfig bounds a rate_limited rule. A zero TokenBudget means the
// cost accumulator is not limited.
type RateLimitConfig struct {
	RequestsPerHour int     `json:"requests_per_hour"`
	TokenBudget     float64 `json:"token_budget,omitempty"`
}

// PermissionRule grants or denies an agent access to the function keys
// matching Pattern. AppName scopes the rule to one application instance; an
// empty AppName is the agent-wide rule set.
type PermissionRule struct {
	AgentID    string           `json:"agent_id"`
	AppName    string           `json:"app_name,omitempty"`
	Pattern    string           `json:"pattern"`
	Permission PermissionKind   `json:"permission"`
	RateLimit  *RateLimitConfig `json:"rate_limit,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
}

// FunctionOverride is an operator kill switch for a single function key.
type FunctionOverride struct {
	FunctionKey     string    `json:"function_key"`
	Enabled         bool      `json:"enabled"`
	GlobalRateLimit int       `json:"global_rate_limit,omitempty"` // requests per hour across all agents, 0 = none
	UpdatedAt       time.Time `json:"updated_at"`
}
