package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/okrlinkhub/agent-bridge/internal/model"
	"github.com/okrlinkhub/agent-bridge/internal/permission"
	"github.com/okrlinkhub/agent-bridge/internal/store"
)

type permissionsHandler struct {
	perms *permission.Service
}

type ruleInput struct {
	Pattern    string                 `json:"pattern" validate:"required"`
	Permission model.PermissionKind   `json:"permission" validate:"required,oneof=allow deny rate_limited"`
	RateLimit  *model.RateLimitConfig `json:"rate_limit,omitempty"`
}

type setRulesRequest struct {
	Rules []ruleInput `json:"rules" validate:"dive"`
}

// GetRules handles GET /api/v1/admin/agents/{id}/rules?app=.
func (h *permissionsHandler) GetRules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.perms.ListRules(r.Context(), chi.URLParam(r, "id"), r.URL.Query().Get("app"))
	if err != nil {
		writePermissionError(w, err, "failed to list rules")
		return
	}
	if rules == nil {
		rules = []model.PermissionRule{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"rules": rules})
}

// SetRules handles PUT /api/v1/admin/agents/{id}/rules?app=. The body
// replaces the whole rule set for that scope.
func (h *permissionsHandler) SetRules(w http.ResponseWriter, r *http.Request) {
	id, app := chi.URLParam(r, "id"), r.URL.Query().Get("app")
	var req setRulesRequest
	if !decodeValid(w, r, &req) {
		return
	}
	rules := make([]model.PermissionRule, 0, len(req.Rules))
	for _, in := range req.Rules {
		rules = append(rules, model.PermissionRule{Pattern: in.Pattern, Permission: in.Permission, RateLimit: in.RateLimit})
	}
	saved, err := h.perms.SetRules(r.Context(), id, app, rules)
	if err != nil {
		writePermissionError(w, err, "failed to set rules")
		return
	}
	auditLog(r, "replace", "permission_rules", id, "app", app, "count", len(saved))
	writeJSON(w, http.StatusOK, map[string]any{"rules": saved})
}

// ListOverrides handles GET /api/v1/admin/overrides.
func (h *permissionsHandler) ListOverrides(w http.ResponseWriter, r *http.Request) {
	list, err := h.perms.ListOverrides(r.Context())
	if err != nil {
		writePermissionError(w, err, "failed to list overrides")
		return
	}
	if list == nil {
		list = []model.FunctionOverride{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"overrides": list})
}

type overrideRequest struct {
	Enabled         *bool `json:"enabled" validate:"required"`
	GlobalRateLimit int   `json:"global_rate_limit" validate:"gte=0"`
}

// SetOverride handles PUT /api/v1/admin/overrides/{key}.
func (h *permissionsHandler) SetOverride(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	var req overrideRequest
	if !decodeValid(w, r, &req) {
		return
	}
	o, err := h.perms.SetOverride(r.Context(), model.FunctionOverride{
		FunctionKey:     key,
		Enabled:         *req.Enabled,
		GlobalRateLimit: req.GlobalRateLimit,
	})
	if err != nil {
		writePermissionError(w, err, "failed to set override")
		return
	}
	auditLog(r, "upsert", "function_override", key, "enabled", o.Enabled, "global_rate_limit", o.GlobalRateLimit)
	writeJSON(w, http.StatusOK, o)
}

func writePermissionError(w http.ResponseWriter, err error, fallback string) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "agent not found")
	case errors.Is(err, permission.ErrFunctionUnknown):
		writeError(w, http.StatusNotFound, "function_unknown", err.Error())
	case errors.Is(err, permission.ErrPatternRequired), errors.Is(err, permission.ErrPatternUnmatched),
		errors.Is(err, permission.ErrPermissionKind), errors.Is(err, permission.ErrDuplicatePattern),
		errors.Is(err, permission.ErrRateLimitInvalid):
		writeError(w, http.StatusUnprocessableEntity, "validation_error", err.Error())
	default:
		slog.Error(fallback, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", fallback)
	}
}
