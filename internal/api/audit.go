package api

import (
	"log/slog"
	"net/http"

	"github.com/okrlinkhub/agent-bridge/internal/ratelimit"
)

// auditLog emits a structured audit log line for an administrative action.
// Gateway calls go to the access log instead.
func auditLog(r *http.Request, action string, resourceType string, resourceID string, detail ...any) {
	attrs := []any{
		"action", action,
		"resource_type", resourceType,
		"resource_id", resourceID,
		"actor", "admin",
		"ip", ratelimit.ClientIP(r),
		"request_id", RequestIDFromContext(r.Context()),
	}
	attrs = append(attrs, detail...)
	slog.Info("audit", attrs...)
}
