package model

import (
	"encoding/json"
	"time"
)

// AccessLogEntry records one gateway decision and, when authorized, the
// execution outcome.
type AccessLogEntry struct {
	ID             string          `json:"id"`
	AgentID        string          `json:"agent_id,omitempty"`
	CredentialKind string          `json:"credential_kind"`
	ServiceID      string          `json:"service_id,omitempty"`
	AppName        string          `json:"app_name,omitempty"`
	UserSubject    string          `json:"user_subject,omitempty"`
	FunctionKey    string          `json:"function_key"`
	Args           json.RawMessage `json:"args,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	ErrorCode      string          `json:"error_code,omitempty"`
	Error          string          `json:"error,omitempty"`
	Authorized     bool            `json:"authorized"`
	DurationMs     int64           `json:"duration_ms"`
	Timestamp      time.Time       `json:"timestamp"`
}

// AccessLogQuery filters ListAccessLogs. Results are newest first.
type AccessLogQuery struct {
	AgentID     string
	FunctionKey string
	Since       *time.Time
	Cursor      string
	Limit       int
}
