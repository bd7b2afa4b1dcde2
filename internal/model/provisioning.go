package model

import "time"

// ProvisioningToken bootstraps agent/application pairings. Only the hash of
// the token is stored.
type ProvisioningToken struct {
	ID          string    `json:"id"`
	TokenHash   string    `json:"-"`
	TokenPrefix string    `json:"token_prefix"`
	Email       string    `json:"email"`
	Department  string    `json:"department"`
	MaxApps     int       `json:"max_apps"`
	UsedCount   int       `json:"used_count"`
	ExpiresAt   time.Time `json:"expires_at"`
	Active      bool      `json:"active"`
	CreatedBy   string    `json:"created_by"`
	CreatedAt   time.Time `json:"created_at"`
}

// AppInstance is an agent's registration with one application. The token
// hash and expiry are rotated in place.
type AppInstance struct {
	AgentID         string     `json:"agent_id"`
	AppName         string     `json:"app_name"`
	TokenHash       string     `json:"-"`
	RegisteredAt    time.Time  `json:"registered_at"`
	ExpiresAt       time.Time  `json:"expires_at"`
	LastActivity    *time.Time `json:"last_activity,omitempty"`
	MonthlyRequests int        `json:"monthly_requests"`
}
