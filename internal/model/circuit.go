package model

import "time"

// CircuitCounter accumulates requests and estimated cost for one agent and
// scope within one hourly window.
type CircuitCounter struct {
	AgentID      string     `json:"agent_id"`
	Scope        string     `json:"scope"`
	Window       string     `json:"window"`
	RequestCount int        `json:"request_count"`
	CostEstimate float64    `json:"cost_estimate"`
	Blocked      bool       `json:"blocked"`
	BlockReason  string     `json:"block_reason,omitempty"`
	BlockedAt    *time.Time `json:"blocked_at,omitempty"`
	UpdatedAt    time.Time  `json:"updated_at"`
}
