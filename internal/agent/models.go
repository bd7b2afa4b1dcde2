package agent

// CreateAgentInput holds the fields required to create a new agent.
type CreateAgentInput struct {
	Name      string  `json:"name" validate:"required,max=200"`
	AppKey    *string `json:"app_key,omitempty" validate:"omitempty,min=1,max=200"`
	Enabled   *bool   `json:"enabled,omitempty"`
	RateLimit *int    `json:"rate_limit,omitempty" validate:"omitempty,gte=0"`
}

// UpdateAgentInput holds optional fields for a partial agent update.
type UpdateAgentInput struct {
	Name      *string `json:"name,omitempty" validate:"omitempty,min=1,max=200"`
	AppKey    *string `json:"app_key,omitempty" validate:"omitempty,max=200"`
	Enabled   *bool   `json:"enabled,omitempty"`
	RateLimit *int    `json:"rate_limit,omitempty" validate:"omitempty,gte=0"`
}

// ListParams filters agent listings.
type ListParams struct {
	ActiveOnly bool `json:"active_only"`
}
