package gateway

import (
	"fmt"
	"net/http"

	"github.com/okrlinkhub/agent-bridge/internal/model"
)

// Decision error codes.
const (
	CodeMalformed         = "malformed_request"
	CodeInvalidCredential = "invalid_credential"
	CodeDisabled          = "disabled_or_revoked"
	CodeNotAuthorized     = "not_authorized"
	CodeFunctionUnknown   = "function_unknown"
	CodeRateLimited       = "rate_limited"
	CodeMisconfigured     = "misconfigured_server"
	CodeExecution         = "execution_error"
)

// Error is a rejected authorization or a failed execution. Status is the
// HTTP status the surface returns verbatim. AgentID and AppName are set once
// the credential has been resolved to an agent.
type Error struct {
	Code              string
	Status            int
	Message           string
	RetryAfter        int
	MatchedPattern    string
	MatchedPermission model.PermissionKind
	AgentID           string
	AppName           string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func malformed(msg string) *Error {
	return &Error{Code: CodeMalformed, Status: http.StatusBadRequest, Message: msg}
}

func invalidCredential(msg string) *Error {
	return &Error{Code: CodeInvalidCredential, Status: http.StatusUnauthorized, Message: msg}
}

func disabled(msg string) *Error {
	return &Error{Code: CodeDisabled, Status: http.StatusForbidden, Message: msg}
}

func rateLimited(reason string, retryAfter int, rule model.PermissionRule) *Error {
	return &Error{
		Code:              CodeRateLimited,
		Status:            http.StatusTooManyRequests,
		Message:           "Rate limit exceeded: " + reason,
		RetryAfter:        retryAfter,
		MatchedPattern:    rule.Pattern,
		MatchedPermission: rule.Permission,
	}
}
