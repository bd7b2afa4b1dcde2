package model

import (
	"encoding/json"
	"time"
)

type LinkStatus string

const (
	LinkActive  LinkStatus = "active"
	LinkRevoked LinkStatus = "revoked"
	LinkExpired LinkStatus = "expired"
)

// Link maps an external identity to an application user subject.
type Link struct {
	ID                    string          `json:"id"`
	Provider              string          `json:"provider"`
	ProviderUserID        string          `json:"provider_user_id"`
	AppKey                string          `json:"app_key"`
	AppUserSubject        string          `json:"app_user_subject"`
	Status                LinkStatus      `json:"status"`
	CreatedAt             time.Time       `json:"created_at"`
	UpdatedAt             time.Time       `json:"updated_at"`
	LastUsedAt            *time.Time      `json:"last_used_at,omitempty"`
	ExpiresAt             *time.Time      `json:"expires_at,omitempty"`
	RevokedAt             *time.Time      `json:"revoked_at,omitempty"`
	Metadata              json.RawMessage `json:"metadata,omitempty"`
	RefreshTokenSealed    string          `json:"-"`
	RefreshTokenExpiresAt *time.Time      `json:"refresh_token_expires_at,omitempty"`
	TokenVersion          int             `json:"token_version"`
}

// LinkFilter narrows ListLinks. Empty fields do not filter.
type LinkFilter struct {
	AppKey   string
	Provider string
	Status   LinkStatus
	Limit    int
}

// LinkBucket counts resolve calls for one identity triple in one fixed window.
type LinkBucket struct {
	Key          string    `json:"key"`
	BucketStart  time.Time `json:"bucket_start"`
	RequestCount int       `json:"request_count"`
	UpdatedAt    time.Time `json:"updated_at"`
}
