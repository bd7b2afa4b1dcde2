package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/okrlinkhub/agent-bridge/internal/agent"
	"github.com/okrlinkhub/agent-bridge/internal/model"
	"github.com/okrlinkhub/agent-bridge/internal/provisioning"
	"github.com/okrlinkhub/agent-bridge/internal/store"
)

// agentsHandler groups agent and instance administration.
type agentsHandler struct {
	agents *agent.Service
	prov   *provisioning.Service
}

// agentWithKey is returned on create and rotate, the only times the
// plaintext key is shown.
type agentWithKey struct {
	*model.Agent
	APIKey string `json:"api_key"`
}

// CreateAgent handles POST /api/v1/admin/agents.
func (h *agentsHandler) CreateAgent(w http.ResponseWriter, r *http.Request) {
	var in agent.CreateAgentInput
	if !decodeValid(w, r, &in) {
		return
	}
	ag, plaintext, err := h.agents.Create(r.Context(), in)
	if err != nil {
		writeAgentError(w, err, "failed to create agent")
		return
	}
	auditLog(r, "create", "agent", ag.ID, "name", ag.Name)
	writeJSON(w, http.StatusCreated, agentWithKey{Agent: ag, APIKey: plaintext})
}

// ListAgents handles GET /api/v1/admin/agents.
func (h *agentsHandler) ListAgents(w http.ResponseWriter, r *http.Request) {
	var params agent.ListParams
	if v := r.URL.Query().Get("active_only"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_param", "active_only must be a boolean")
			return
		}
		params.ActiveOnly = b
	}
	var (
		list []*model.Agent
		err  error
	)
	if r.URL.Query().Get("provisioned") == "true" {
		list, err = h.prov.ListProvisionedAgents(r.Context())
	} else {
		list, err = h.agents.List(r.Context(), params)
	}
	if err != nil {
		writeAgentError(w, err, "failed to list agents")
		return
	}
	if list == nil {
		list = []*model.Agent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": list})
}

// GetAgent handles GET /api/v1/admin/agents/{id}.
func (h *agentsHandler) GetAgent(w http.ResponseWriter, r *http.Request) {
	ag, err := h.agents.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeAgentError(w, err, "failed to get agent")
		return
	}
	writeJSON(w, http.StatusOK, ag)
}

// UpdateAgent handles PUT /api/v1/admin/agents/{id}.
func (h *agentsHandler) UpdateAgent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var in agent.UpdateAgentInput
	if !decodeValid(w, r, &in) {
		return
	}
	ag, err := h.agents.Update(r.Context(), id, in)
	if err != nil {
		writeAgentError(w, err, "failed to update agent")
		return
	}
	auditLog(r, "update", "agent", id)
	writeJSON(w, http.StatusOK, ag)
}

// RotateKey handles POST /api/v1/admin/agents/{id}/rotate-key.
func (h *agentsHandler) RotateKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ag, plaintext, err := h.agents.RotateKey(r.Context(), id)
	if err != nil {
		writeAgentError(w, err, "failed to rotate key")
		return
	}
	auditLog(r, "rotate_key", "agent", id)
	writeJSON(w, http.StatusOK, agentWithKey{Agent: ag, APIKey: plaintext})
}

type revokeAgentRequest struct {
	RevokedBy string `json:"revoked_by" validate:"max=200"`
}

// RevokeAgent handles POST /api/v1/admin/agents/{id}/revoke.
func (h *agentsHandler) RevokeAgent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req revokeAgentRequest
	if !decodeValid(w, r, &req) {
		return
	}
	if req.RevokedBy == "" {
		req.RevokedBy = "admin"
	}
	ag, err := h.prov.RevokeAgent(r.Context(), id, req.RevokedBy)
	if err != nil {
		writeAgentError(w, err, "failed to revoke agent")
		return
	}
	auditLog(r, "revoke", "agent", id, "revoked_by", req.RevokedBy)
	writeJSON(w, http.StatusOK, ag)
}

// ListInstances handles GET /api/v1/admin/agents/{id}/instances.
func (h *agentsHandler) ListInstances(w http.ResponseWriter, r *http.Request) {
	list, err := h.prov.ListInstances(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeAgentError(w, err, "failed to list instances")
		return
	}
	if list == nil {
		list = []*model.AppInstance{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"instances": list})
}

// RevokeInstance handles DELETE /api/v1/admin/agents/{id}/instances/{app}.
func (h *agentsHandler) RevokeInstance(w http.ResponseWriter, r *http.Request) {
	id, app := chi.URLParam(r, "id"), chi.URLParam(r, "app")
	err := h.prov.RevokeInstance(r.Context(), id, app)
	if errors.Is(err, provisioning.ErrNoInstance) {
		writeError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	if err != nil {
		writeAgentError(w, err, "failed to revoke instance")
		return
	}
	auditLog(r, "revoke", "instance", id, "app", app)
	w.WriteHeader(http.StatusNoContent)
}

func writeAgentError(w http.ResponseWriter, err error, fallback string) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "agent not found")
	case errors.Is(err, agent.ErrNameRequired), errors.Is(err, agent.ErrRateLimitNegative):
		writeError(w, http.StatusUnprocessableEntity, "validation_error", err.Error())
	case errors.Is(err, agent.ErrAppKeyTaken), errors.Is(err, store.ErrConflict):
		writeError(w, http.StatusConflict, "conflict", err.Error())
	default:
		slog.Error(fallback, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", fallback)
	}
}
