// Package model holds the entities persisted by the gateway store.
package model

import "time"

// Agent is a durable caller identity. Agents are never hard-deleted; they are
// disabled or revoked.
type Agent struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	AppKey       *string    `json:"app_key,omitempty"`
	Email        *string    `json:"email,omitempty"`
	Department   *string    `json:"department,omitempty"`
	APIKeyHash   *string    `json:"-"`
	APIKeyPrefix *string    `json:"api_key_prefix,omitempty"`
	Enabled      bool       `json:"enabled"`
	RateLimit    int        `json:"rate_limit"` // requests per hour, 0 = unlimited
	LastUsed     *time.Time `json:"last_used,omitempty"`
	RevokedAt    *time.Time `json:"revoked_at,omitempty"`
	RevokedBy    *string    `json:"revoked_by,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// Active reports whether the agent may be authorized at all.
func (a *Agent) Active() bool {
	return a.Enabled && a.RevokedAt == nil
}

// AgentFilter narrows ListAgents.
type AgentFilter struct {
	ActiveOnly      bool
	ProvisionedOnly bool // only agents created through provisioning (email set)
}
